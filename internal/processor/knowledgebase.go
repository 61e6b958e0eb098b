package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/proposalingest/internal/models"
)

// KnowledgeBase processes general knowledge-base documents: the OCR text is
// stored, optionally summarized, chunked and indexed for retrieval.
type KnowledgeBase struct {
	deps       Deps
	summarizer Summarizer
	chunkSize  int
	overlap    int
}

// KnowledgeBaseOption customizes a KnowledgeBase processor.
type KnowledgeBaseOption func(*KnowledgeBase)

// WithSummarizer enables the generative summary.
func WithSummarizer(s Summarizer) KnowledgeBaseOption {
	return func(k *KnowledgeBase) { k.summarizer = s }
}

// WithChunking overrides chunk size and overlap.
func WithChunking(size, overlap int) KnowledgeBaseOption {
	return func(k *KnowledgeBase) {
		k.chunkSize = size
		k.overlap = overlap
	}
}

func NewKnowledgeBase(deps Deps, opts ...KnowledgeBaseOption) (*KnowledgeBase, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	k := &KnowledgeBase{deps: deps, chunkSize: DefaultChunkSize, overlap: DefaultChunkOverlap}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

func (k *KnowledgeBase) Process(ctx context.Context, subjectID, ownerID, externalJobID string) (*models.ProcessedResult, error) {
	const pipeline = models.PipelineKnowledgeBase
	logCtx := slog.With("pipeline", pipeline, "subjectId", subjectID, "ownerId", ownerID, "externalJobId", externalJobID)
	logCtx.Info("Processing knowledge-base document.")

	doc, err := k.deps.extractText(ctx, logCtx, pipeline, subjectID, externalJobID)
	if err != nil {
		return nil, err
	}

	result := &models.ProcessedResult{
		SubjectID:     subjectID,
		OwnerID:       ownerID,
		Pipeline:      pipeline,
		ExternalJobID: externalJobID,
		TextURI:       doc.textURI,
		PageCount:     doc.pages,
		Warnings:      doc.warnings,
	}

	// The summary is an enrichment; the document is still searchable without it.
	if k.summarizer != nil {
		summary, err := k.summarizer.Summarize(ctx, doc.textURI)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("summary interrupted: %w", ctx.Err())
			}
			logCtx.Warn("Summary generation failed, continuing without it.", "error", err)
			result.Warnings = append(result.Warnings, "summary unavailable: "+err.Error())
		} else {
			result.Summary = summary
		}
	}

	chunks := Chunk(doc.text, k.chunkSize, k.overlap)
	result.ChunkCount = len(chunks)
	entries := chunkEntries(pipeline, subjectID, ownerID, chunks, 0)

	if err := k.deps.publish(ctx, logCtx, result, entries); err != nil {
		return nil, err
	}
	logCtx.Info("Knowledge-base document processed.", "chunkCount", result.ChunkCount, "summarized", result.Summary != "")
	return result, nil
}
