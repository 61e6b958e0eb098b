// Package processor holds the Result Processors: the business stage that
// turns a finished OCR job into stored text, derived content and index
// entries for one subject.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/ocr"
)

// ArtifactWriter stores derived text and returns where it lives.
type ArtifactWriter interface {
	WriteText(ctx context.Context, objectName, content string) (string, error)
}

// Indexer replaces a subject's entries in the search index.
type Indexer interface {
	IndexSubject(ctx context.Context, pipeline, subjectID string, entries []models.IndexEntry) error
}

// ResultStore makes a processed result visible on the subject document.
type ResultStore interface {
	SaveResult(ctx context.Context, result *models.ProcessedResult) error
}

// Summarizer writes a short summary of the text stored at textURI.
type Summarizer interface {
	Summarize(ctx context.Context, textURI string) (string, error)
}

// QuestionExtractor returns a JSON array of questions found in the text at textURI.
type QuestionExtractor interface {
	ExtractQuestions(ctx context.Context, textURI string) ([]byte, error)
}

// Deps are the collaborators every processor writes through.
type Deps struct {
	OCR       ocr.Fetcher
	Artifacts ArtifactWriter
	Index     Indexer
	Results   ResultStore
	Now       func() time.Time
}

func (d Deps) validate() error {
	if d.OCR == nil || d.Artifacts == nil || d.Index == nil || d.Results == nil {
		return fmt.Errorf("processor requires an OCR fetcher, artifact writer, indexer and result store")
	}
	return nil
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// extracted is the OCR text of one job after it has been stored.
type extracted struct {
	text     string
	textURI  string
	pages    int
	warnings []string
}

// extractText fetches the job's OCR output, assembles it and stores the
// text artifact. The artifact name carries the job id so output of an
// earlier job for the same subject is never overwritten.
func (d Deps) extractText(ctx context.Context, logCtx *slog.Logger, pipeline, subjectID, externalJobID string) (*extracted, error) {
	result, err := d.OCR.FetchResult(ctx, externalJobID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OCR result: %w", err)
	}
	text := result.Text()
	if text == "" {
		return nil, fmt.Errorf("OCR job %s produced no text", externalJobID)
	}
	for _, w := range result.Warnings {
		logCtx.Warn("OCR page warning.", "warning", w)
	}

	objectName := fmt.Sprintf("%s/%s/%s.txt", pipeline, subjectID, externalJobID)
	uri, err := d.Artifacts.WriteText(ctx, objectName, text)
	if err != nil {
		return nil, fmt.Errorf("failed to store extracted text: %w", err)
	}
	logCtx.Info("Stored extracted text.", "textUri", uri, "pageCount", len(result.Pages), "chars", len(text))

	return &extracted{
		text:     text,
		textURI:  uri,
		pages:    len(result.Pages),
		warnings: result.Warnings,
	}, nil
}

// publish indexes the entries and then saves the result. The document
// record is written last so it never points at an index that was not built.
func (d Deps) publish(ctx context.Context, logCtx *slog.Logger, result *models.ProcessedResult, entries []models.IndexEntry) error {
	if err := d.Index.IndexSubject(ctx, result.Pipeline, result.SubjectID, entries); err != nil {
		return fmt.Errorf("failed to index subject: %w", err)
	}
	logCtx.Info("Indexed subject.", "entries", len(entries))

	result.ProcessedAt = d.now()
	if err := d.Results.SaveResult(ctx, result); err != nil {
		return fmt.Errorf("failed to save processed result: %w", err)
	}
	return nil
}

func chunkEntries(pipeline, subjectID, ownerID string, chunks []string, offset int) []models.IndexEntry {
	entries := make([]models.IndexEntry, 0, len(chunks))
	for i, c := range chunks {
		entries = append(entries, models.IndexEntry{
			ID:        fmt.Sprintf("%s:%s:chunk:%d", pipeline, subjectID, i),
			SubjectID: subjectID,
			OwnerID:   ownerID,
			Pipeline:  pipeline,
			Kind:      models.EntryKindChunk,
			Position:  offset + i,
			Text:      c,
		})
	}
	return entries
}
