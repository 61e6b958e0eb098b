package processor_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/ocr"
	"github.com/Lllllllleong/proposalingest/internal/processor"
	"github.com/Lllllllleong/proposalingest/internal/search"
)

// recorder keeps the order in which processors write.
type recorder struct {
	mu     sync.Mutex
	writes []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, s)
}

type fakeFetcher struct {
	result *ocr.Result
	err    error
}

func (f fakeFetcher) FetchResult(_ context.Context, jobID string) (*ocr.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	r.JobID = jobID
	return &r, nil
}

type fakeArtifacts struct {
	rec     *recorder
	objects map[string]string
}

func (a *fakeArtifacts) WriteText(_ context.Context, objectName, content string) (string, error) {
	a.rec.add("artifact")
	a.objects[objectName] = content
	return "gs://artifacts/" + objectName, nil
}

type recordingIndex struct {
	*search.MemoryIndex
	rec *recorder
	err error
}

func (x *recordingIndex) IndexSubject(ctx context.Context, pipeline, subjectID string, entries []models.IndexEntry) error {
	x.rec.add("index")
	if x.err != nil {
		return x.err
	}
	return x.MemoryIndex.IndexSubject(ctx, pipeline, subjectID, entries)
}

type fakeResults struct {
	rec   *recorder
	saved []*models.ProcessedResult
}

func (s *fakeResults) SaveResult(_ context.Context, result *models.ProcessedResult) error {
	s.rec.add("result")
	s.saved = append(s.saved, result)
	return nil
}

type fakeSummarizer struct {
	summary string
	err     error
}

func (s fakeSummarizer) Summarize(context.Context, string) (string, error) {
	return s.summary, s.err
}

type fakeExtractor struct {
	raw     string
	err     error
	gotURIs []string
}

func (e *fakeExtractor) ExtractQuestions(_ context.Context, textURI string) ([]byte, error) {
	e.gotURIs = append(e.gotURIs, textURI)
	return []byte(e.raw), e.err
}

type fixture struct {
	rec       *recorder
	artifacts *fakeArtifacts
	index     *recordingIndex
	results   *fakeResults
	deps      processor.Deps
}

func newFixture(result *ocr.Result) *fixture {
	rec := &recorder{}
	f := &fixture{
		rec:       rec,
		artifacts: &fakeArtifacts{rec: rec, objects: map[string]string{}},
		index:     &recordingIndex{MemoryIndex: search.NewMemoryIndex(), rec: rec},
		results:   &fakeResults{rec: rec},
	}
	f.deps = processor.Deps{
		OCR:       fakeFetcher{result: result},
		Artifacts: f.artifacts,
		Index:     f.index,
		Results:   f.results,
		Now:       func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
	}
	return f
}

func twoPages() *ocr.Result {
	return &ocr.Result{Pages: []ocr.Page{
		{Number: 2, Text: "Second page about cyber operations."},
		{Number: 1, Text: "First page: past performance for the Navy."},
	}}
}

func TestKnowledgeBaseWritesInOrder(t *testing.T) {
	f := newFixture(twoPages())
	kb, err := processor.NewKnowledgeBase(f.deps, processor.WithSummarizer(fakeSummarizer{summary: "A Navy past performance."}))
	require.NoError(t, err)

	res, err := kb.Process(context.Background(), "doc-1", "org-A", "job-42")
	require.NoError(t, err)

	assert.Equal(t, []string{"artifact", "index", "result"}, f.rec.writes)
	assert.Equal(t, "gs://artifacts/knowledge-base/doc-1/job-42.txt", res.TextURI)
	assert.Equal(t, "First page: past performance for the Navy.\n\nSecond page about cyber operations.",
		f.artifacts.objects["knowledge-base/doc-1/job-42.txt"])
	assert.Equal(t, 2, res.PageCount)
	assert.Equal(t, 1, res.ChunkCount)
	assert.Equal(t, "A Navy past performance.", res.Summary)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), res.ProcessedAt)

	entries := f.index.Entries("doc-1")
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryKindChunk, entries[0].Kind)
	assert.Equal(t, "org-A", entries[0].OwnerID)
	require.Len(t, f.results.saved, 1)
}

func TestKnowledgeBaseSummaryFailureIsNotFatal(t *testing.T) {
	f := newFixture(twoPages())
	kb, err := processor.NewKnowledgeBase(f.deps, processor.WithSummarizer(fakeSummarizer{err: errors.New("quota exceeded")}))
	require.NoError(t, err)

	res, err := kb.Process(context.Background(), "doc-1", "org-A", "job-42")
	require.NoError(t, err)
	assert.Empty(t, res.Summary)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "quota exceeded")
}

func TestIndexFailureSkipsResultWrite(t *testing.T) {
	f := newFixture(twoPages())
	f.index.err = errors.New("index down")
	kb, err := processor.NewKnowledgeBase(f.deps)
	require.NoError(t, err)

	_, err = kb.Process(context.Background(), "doc-1", "org-A", "job-42")
	require.Error(t, err)
	assert.Equal(t, []string{"artifact", "index"}, f.rec.writes)
	assert.Empty(t, f.results.saved)
}

func TestFailedReprocessKeepsPublishedResult(t *testing.T) {
	f := newFixture(twoPages())
	kb, err := processor.NewKnowledgeBase(f.deps)
	require.NoError(t, err)

	first, err := kb.Process(context.Background(), "doc-1", "org-A", "job-42")
	require.NoError(t, err)
	before := f.index.Entries("doc-1")
	require.NotEmpty(t, before)

	f.index.err = errors.New("index down")
	_, err = kb.Process(context.Background(), "doc-1", "org-A", "job-43")
	require.Error(t, err)

	assert.Equal(t, before, f.index.Entries("doc-1"))
	require.Len(t, f.results.saved, 1)
	assert.Equal(t, first.TextURI, f.results.saved[0].TextURI)
}

func TestEmptyOCROutputFails(t *testing.T) {
	f := newFixture(&ocr.Result{Pages: []ocr.Page{{Number: 1, Text: "   "}}})
	kb, err := processor.NewKnowledgeBase(f.deps)
	require.NoError(t, err)

	_, err = kb.Process(context.Background(), "doc-1", "org-A", "job-42")
	require.Error(t, err)
	assert.Empty(t, f.rec.writes)
}

func TestFetchFailureFails(t *testing.T) {
	f := newFixture(nil)
	f.deps.OCR = fakeFetcher{err: ocr.ErrResultNotReady}
	kb, err := processor.NewKnowledgeBase(f.deps)
	require.NoError(t, err)

	_, err = kb.Process(context.Background(), "doc-1", "org-A", "job-42")
	require.ErrorIs(t, err, ocr.ErrResultNotReady)
}

func TestKnowledgeBaseChunksLongDocuments(t *testing.T) {
	var pages []ocr.Page
	for i := 1; i <= 6; i++ {
		pages = append(pages, ocr.Page{Number: i, Text: strings.Repeat(fmt.Sprintf("page %d sentence. ", i), 40)})
	}
	f := newFixture(&ocr.Result{Pages: pages})
	kb, err := processor.NewKnowledgeBase(f.deps, processor.WithChunking(500, 50))
	require.NoError(t, err)

	res, err := kb.Process(context.Background(), "doc-1", "org-A", "job-42")
	require.NoError(t, err)
	assert.Greater(t, res.ChunkCount, 6)
	for _, e := range f.index.Entries("doc-1") {
		assert.LessOrEqual(t, len(e.Text), 500)
	}
}

func TestQuestionFileExtractsValidatedQuestions(t *testing.T) {
	f := newFixture(twoPages())
	extractor := &fakeExtractor{raw: `[
		{"number": "L.4.1", "section": "Section L", "text": "Describe your\n transition approach."},
		{"number": "", "section": "", "text": "Provide three past performance references."}
	]`}
	qf, err := processor.NewQuestionFile(f.deps, extractor)
	require.NoError(t, err)

	res, err := qf.Process(context.Background(), "file-1", "opp-B", "job-7")
	require.NoError(t, err)

	assert.Equal(t, []string{"gs://artifacts/question-file/file-1/job-7.txt"}, extractor.gotURIs)
	require.Len(t, res.Questions, 2)
	assert.Equal(t, models.Question{Number: "L.4.1", Section: "Section L", Text: "Describe your transition approach."}, res.Questions[0])
	assert.Equal(t, []string{"artifact", "index", "result"}, f.rec.writes)

	entries := f.index.Entries("file-1")
	require.Len(t, entries, 3)
	assert.Equal(t, models.EntryKindQuestion, entries[0].Kind)
	assert.Equal(t, models.EntryKindQuestion, entries[1].Kind)
	assert.Equal(t, models.EntryKindChunk, entries[2].Kind)
}

func TestQuestionFileRejectsInvalidModelOutput(t *testing.T) {
	tests := map[string]string{
		"not json":        `Here are the questions: ...`,
		"object not list": `{"text": "Describe"}`,
		"missing text":    `[{"number": "1"}]`,
		"wrong type":      `[{"text": 42}]`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(twoPages())
			qf, err := processor.NewQuestionFile(f.deps, &fakeExtractor{raw: raw})
			require.NoError(t, err)

			_, err = qf.Process(context.Background(), "file-1", "opp-B", "job-7")
			require.Error(t, err)
			assert.Equal(t, []string{"artifact"}, f.rec.writes)
		})
	}
}

func TestNewProcessorsValidateDeps(t *testing.T) {
	_, err := processor.NewKnowledgeBase(processor.Deps{})
	require.Error(t, err)

	f := newFixture(twoPages())
	_, err = processor.NewQuestionFile(f.deps, nil)
	require.Error(t, err)
}
