package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/ocr"
	"github.com/Lllllllleong/proposalingest/internal/pipeline"
	"github.com/Lllllllleong/proposalingest/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSubmitter struct {
	mu     sync.Mutex
	next   int
	jobIDs []string
	err    error
	refs   []ocr.ObjectRef
	// afterSubmit runs once the job id is handed out.
	afterSubmit func()
}

func (s *fakeSubmitter) Submit(_ context.Context, ref ocr.ObjectRef) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = append(s.refs, ref)
	if s.err != nil {
		return "", s.err
	}
	s.next++
	if s.afterSubmit != nil {
		s.afterSubmit()
	}
	if s.next <= len(s.jobIDs) {
		return s.jobIDs[s.next-1], nil
	}
	return fmt.Sprintf("job-%d", s.next), nil
}

func (s *fakeSubmitter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

type fakeInspector struct {
	info *ocr.ObjectInfo
	err  error
}

func (i fakeInspector) Inspect(context.Context, string) (*ocr.ObjectInfo, error) {
	return i.info, i.err
}

type fakeProcessor struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (p *fakeProcessor) Process(ctx context.Context, subjectID, ownerID, externalJobID string) (*models.ProcessedResult, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &models.ProcessedResult{
		SubjectID:     subjectID,
		OwnerID:       ownerID,
		ExternalJobID: externalJobID,
		TextURI:       "gs://artifacts/" + subjectID + ".txt",
		PageCount:     2,
		ChunkCount:    3,
	}, nil
}

type sinkCall struct {
	Pipeline, SubjectID, Status, Reason string
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *fakeSink) MarkSubject(_ context.Context, pipelineName, subjectID, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{pipelineName, subjectID, status, reason})
	return nil
}

func (s *fakeSink) Statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Status
	}
	return out
}

type fakeNotifier struct {
	mu   sync.Mutex
	runs []models.PipelineRun
}

func (n *fakeNotifier) RunFinished(_ context.Context, run *models.PipelineRun) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, *run)
	return nil
}

type failingRecords struct {
	*store.MemoryJobRecords
	putErr  error
	puts    atomic.Int32
	failFor int32
}

func (f *failingRecords) Put(ctx context.Context, rec *models.JobRecord) error {
	n := f.puts.Add(1)
	if f.failFor < 0 || n <= f.failFor {
		return f.putErr
	}
	return f.MemoryJobRecords.Put(ctx, rec)
}

// ctxRuns refuses reads and writes on a done context, as a networked store does.
type ctxRuns struct {
	*store.MemoryRuns
	getErr error
}

func (r ctxRuns) Get(ctx context.Context, runID string) (*models.PipelineRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.getErr != nil {
		return nil, r.getErr
	}
	return r.MemoryRuns.Get(ctx, runID)
}

func (r ctxRuns) Transition(ctx context.Context, runID string, from models.Stage, fn func(*models.PipelineRun) error) (*models.PipelineRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.MemoryRuns.Transition(ctx, runID, from, fn)
}

type ctxRecords struct {
	*store.MemoryJobRecords
	putErr error
}

func (r ctxRecords) Put(ctx context.Context, rec *models.JobRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.putErr != nil {
		return r.putErr
	}
	return r.MemoryJobRecords.Put(ctx, rec)
}

type fakeProbe struct {
	mu    sync.Mutex
	ready map[string]bool
	err   error
}

func (p *fakeProbe) Ready(_ context.Context, jobID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready[jobID], p.err
}

var errBoom = errors.New("boom")

type harness struct {
	clock     *fakeClock
	runs      *store.MemoryRuns
	records   *store.MemoryJobRecords
	submitter *fakeSubmitter
	processor *fakeProcessor
	sink      *fakeSink
	notifier  *fakeNotifier
	orch      *pipeline.Orchestrator
	listener  *pipeline.Listener
}

type harnessOption struct {
	runs            func(*store.MemoryRuns) pipeline.RunStore
	records         pipeline.JobRecordStore
	initiatorOpts   []pipeline.InitiatorOption
	listenerOpts    []pipeline.ListenerOption
	submitterJobIDs []string
	reapBatch       int
}

func newHarness(t *testing.T, hopts ...func(*harnessOption)) *harness {
	t.Helper()
	var ho harnessOption
	for _, o := range hopts {
		o(&ho)
	}

	h := &harness{
		clock:     newFakeClock(),
		runs:      store.NewMemoryRuns(),
		records:   store.NewMemoryJobRecords(),
		submitter: &fakeSubmitter{jobIDs: ho.submitterJobIDs},
		processor: &fakeProcessor{},
		sink:      &fakeSink{},
		notifier:  &fakeNotifier{},
	}
	var records pipeline.JobRecordStore = h.records
	if ho.records != nil {
		records = ho.records
	}

	var runs pipeline.RunStore = h.runs
	if ho.runs != nil {
		runs = ho.runs(h.runs)
	}

	initiator := pipeline.NewInitiator(h.submitter, records, "source-bucket", ho.initiatorOpts...)
	orch, err := pipeline.NewOrchestrator(
		pipeline.Config{Pipeline: "knowledge-base", CallbackTimeout: 30 * time.Minute, ProcessingTimeout: time.Second, ReapBatch: ho.reapBatch},
		runs, records, initiator, h.processor,
		pipeline.WithClock(h.clock.Now),
		pipeline.WithStatusSink(h.sink),
		pipeline.WithTerminalNotifier(h.notifier),
	)
	require.NoError(t, err)
	h.orch = orch

	h.listener = pipeline.NewListener(records, ho.listenerOpts...)
	h.listener.Register("knowledge-base", orch)
	return h
}

func (h *harness) begin(t *testing.T, subjectID, ownerID string) *models.PipelineRun {
	t.Helper()
	run, err := h.orch.Begin(context.Background(), subjectID, ownerID, "")
	require.NoError(t, err)
	return run
}

func (h *harness) stage(t *testing.T, runID string) models.Stage {
	t.Helper()
	run, err := h.orch.Run(context.Background(), runID)
	require.NoError(t, err)
	return run.Stage
}
