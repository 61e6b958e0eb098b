package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/proposalingest/internal/models"
)

const (
	DefaultCallbackTimeout   = 30 * time.Minute
	DefaultProcessingTimeout = 10 * time.Minute
	defaultReapBatch         = 100
)

// Subject statuses written through the SubjectStatusSink.
const (
	SubjectProcessing = "PROCESSING"
	SubjectSucceeded  = "PROCESSED"
	SubjectFailed     = "FAILED"
)

// Config parameterizes one pipeline instance.
type Config struct {
	Pipeline          string
	CallbackTimeout   time.Duration
	ProcessingTimeout time.Duration
	ReapBatch         int
}

// Orchestrator sequences one pipeline: it starts the OCR job, parks the run
// until a notification resumes it, then runs the Processor. All run state is
// persisted in the RunStore; no goroutine waits on the external job.
type Orchestrator struct {
	cfg       Config
	runs      RunStore
	records   JobRecordStore
	initiator *Initiator
	processor Processor
	sink      SubjectStatusSink
	notifier  TerminalNotifier

	now      func() time.Time
	newID    func() string
	newToken func() string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithStatusSink mirrors run progress onto the subject document.
func WithStatusSink(sink SubjectStatusSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithTerminalNotifier hands every terminal run to n.
func WithTerminalNotifier(n TerminalNotifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerators replaces run id and resumption token generation.
func WithIDGenerators(newID, newToken func() string) Option {
	return func(o *Orchestrator) {
		o.newID = newID
		o.newToken = newToken
	}
}

// NewOrchestrator wires a pipeline instance.
func NewOrchestrator(cfg Config, runs RunStore, records JobRecordStore, initiator *Initiator, processor Processor, opts ...Option) (*Orchestrator, error) {
	if cfg.Pipeline == "" {
		return nil, fmt.Errorf("pipeline name must be provided")
	}
	if runs == nil || records == nil || initiator == nil || processor == nil {
		return nil, fmt.Errorf("pipeline %s: run store, job record store, initiator and processor are required", cfg.Pipeline)
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = DefaultProcessingTimeout
	}
	if cfg.ReapBatch <= 0 {
		cfg.ReapBatch = defaultReapBatch
	}

	o := &Orchestrator{
		cfg:       cfg,
		runs:      runs,
		records:   records,
		initiator: initiator,
		processor: processor,
		now:       time.Now,
		newID:     uuid.NewString,
		newToken:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Pipeline returns the name of the pipeline instance.
func (o *Orchestrator) Pipeline() string { return o.cfg.Pipeline }

// Begin creates a run and starts its external job. On success the run is
// AWAITING_CALLBACK and the call returns without waiting for the job.
// Submission failures are returned to the caller and leave the run FAILED.
func (o *Orchestrator) Begin(ctx context.Context, subjectID, ownerID, objectName string) (*models.PipelineRun, error) {
	if subjectID == "" || ownerID == "" {
		return nil, fmt.Errorf("subjectId and ownerId must be provided")
	}
	if objectName == "" {
		objectName = subjectID
	}

	now := o.now().UTC()
	run := &models.PipelineRun{
		RunID:      o.newID(),
		Pipeline:   o.cfg.Pipeline,
		SubjectID:  subjectID,
		OwnerID:    ownerID,
		ObjectName: objectName,
		Stage:      models.StageStarting,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	logCtx := slog.With("runId", run.RunID, "pipeline", run.Pipeline, "subjectId", subjectID, "ownerId", ownerID)

	if err := o.runs.Create(ctx, run); err != nil {
		logCtx.Error("Failed to create pipeline run.", "error", err)
		return nil, newStageError(ErrPersistence, "create run", err)
	}
	o.markSubject(ctx, logCtx, run, SubjectProcessing, "")

	externalJobID, err := o.initiator.Start(ctx, run, o)
	if err != nil {
		kind := models.FailureSubmission
		if errors.Is(err, ErrPersistence) {
			kind = models.FailurePersistence
		}
		// The caller may have gone away; the failure must still be recorded.
		if failed, ferr := o.fail(context.WithoutCancel(ctx), logCtx, run.RunID, kind, err.Error()); ferr != nil {
			logCtx.Error("CRITICAL: Failed to record run failure after a start error.", "error", ferr)
		} else {
			run = failed
		}
		return run, err
	}

	current, err := o.runs.Get(ctx, run.RunID)
	if err != nil {
		logCtx.Warn("Failed to reload suspended run; returning local view.", "externalJobId", externalJobID, "error", err)
		current = run
		current.Stage = models.StageAwaitingCallback
		current.ExternalJobID = externalJobID
	}
	logCtx.Info("Run suspended awaiting OCR callback.", "externalJobId", externalJobID, "deadline", current.Deadline)
	return current, nil
}

// Suspend moves a STARTING run to AWAITING_CALLBACK for externalJobID and
// issues the token that resumes it. The callback deadline starts now.
func (o *Orchestrator) Suspend(ctx context.Context, runID, externalJobID string) (string, error) {
	token := o.newToken()
	now := o.now().UTC()
	_, err := o.runs.Transition(ctx, runID, models.StageStarting, func(r *models.PipelineRun) error {
		r.Stage = models.StageAwaitingCallback
		r.ExternalJobID = externalJobID
		r.ResumptionToken = token
		r.Deadline = now.Add(o.cfg.CallbackTimeout)
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return "", newStageError(ErrInvalidState, "suspend", err)
		}
		return "", newStageError(ErrPersistence, "suspend", err)
	}
	return token, nil
}

// Resume continues the run parked under token. It is accepted at most once:
// a second call finds the run past AWAITING_CALLBACK and fails with
// ErrInvalidState. A processing failure is recorded on the run, not returned.
func (o *Orchestrator) Resume(ctx context.Context, token string, outcome models.Outcome) (*models.PipelineRun, error) {
	run, err := o.runs.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, newStageError(ErrInvalidState, "resume", fmt.Errorf("no run for resumption token"))
		}
		return nil, newStageError(ErrPersistence, "resume", err)
	}
	logCtx := slog.With("runId", run.RunID, "pipeline", run.Pipeline, "subjectId", run.SubjectID, "externalJobId", run.ExternalJobID)

	if run.Stage != models.StageAwaitingCallback {
		logCtx.Warn("Rejected resume of a run that is not awaiting a callback.", "stage", run.Stage)
		return run, newStageError(ErrInvalidState, "resume", fmt.Errorf("run %s is %s", run.RunID, run.Stage))
	}

	now := o.now().UTC()
	if now.After(run.Deadline) {
		expired, err := o.expire(ctx, logCtx, run)
		if err != nil {
			return run, err
		}
		return expired, newStageError(ErrTimeout, "resume", fmt.Errorf("deadline %s passed", run.Deadline.Format(time.RFC3339)))
	}

	if outcome != models.OutcomeCompleted {
		failed, err := o.transition(ctx, run.RunID, models.StageAwaitingCallback, models.StageFailed, func(r *models.PipelineRun) {
			r.FailureKind = models.FailureExternalJob
			r.FailureReason = "OCR job reported failure"
		})
		if err != nil {
			return run, err
		}
		logCtx.Info("OCR job failed; run failed without processing.")
		o.finish(ctx, logCtx, failed)
		return failed, nil
	}

	processing, err := o.transition(ctx, run.RunID, models.StageAwaitingCallback, models.StageProcessing, func(r *models.PipelineRun) {
		r.Deadline = now.Add(o.cfg.ProcessingTimeout)
	})
	if err != nil {
		return run, err
	}
	logCtx.Info("Run resumed; processing OCR output.")

	return o.process(ctx, logCtx, processing)
}

func (o *Orchestrator) process(ctx context.Context, logCtx *slog.Logger, run *models.PipelineRun) (*models.PipelineRun, error) {
	pctx, cancel := context.WithTimeout(ctx, o.cfg.ProcessingTimeout)
	defer cancel()

	result, perr := o.processor.Process(pctx, run.SubjectID, run.OwnerID, run.ExternalJobID)
	if perr != nil {
		reason := newStageError(ErrProcessing, "process", perr).Error()
		logCtx.Error("Result processing failed.", "error", perr)
		failed, err := o.transition(ctx, run.RunID, models.StageProcessing, models.StageFailed, func(r *models.PipelineRun) {
			r.FailureKind = models.FailureProcessing
			r.FailureReason = reason
		})
		if err != nil {
			return run, err
		}
		o.finish(ctx, logCtx, failed)
		return failed, nil
	}

	succeeded, err := o.transition(ctx, run.RunID, models.StageProcessing, models.StageSucceeded, func(r *models.PipelineRun) {
		r.Result = result.Summarize()
	})
	if err != nil {
		return run, err
	}
	logCtx.Info("Run succeeded.", "chunkCount", result.ChunkCount, "questionCount", len(result.Questions))
	o.finish(ctx, logCtx, succeeded)
	return succeeded, nil
}

// Run returns the current state of a run.
func (o *Orchestrator) Run(ctx context.Context, runID string) (*models.PipelineRun, error) {
	return o.runs.Get(ctx, runID)
}

// ReapReport counts what one ExpireStale sweep did.
type ReapReport struct {
	TimedOut    int
	Interrupted int
	Orphaned    int
}

// ExpireStale enforces the pipeline's liveness guarantees: runs waiting past
// their callback deadline fail with a timeout, runs stuck in PROCESSING past
// their processing deadline fail as interrupted, and job records older than
// the callback ceiling whose run no longer waits are consumed.
func (o *Orchestrator) ExpireStale(ctx context.Context) (ReapReport, error) {
	var report ReapReport
	now := o.now().UTC()
	logCtx := slog.With("pipeline", o.cfg.Pipeline)

	waiting, err := o.runs.ListExpired(ctx, o.cfg.Pipeline, models.StageAwaitingCallback, now, o.cfg.ReapBatch)
	if err != nil {
		return report, newStageError(ErrPersistence, "list expired runs", err)
	}
	for _, run := range waiting {
		if _, err := o.expire(ctx, logCtx.With("runId", run.RunID), run); err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			return report, err
		}
		report.TimedOut++
	}

	stuck, err := o.runs.ListExpired(ctx, o.cfg.Pipeline, models.StageProcessing, now, o.cfg.ReapBatch)
	if err != nil {
		return report, newStageError(ErrPersistence, "list stuck runs", err)
	}
	for _, run := range stuck {
		failed, err := o.transition(ctx, run.RunID, models.StageProcessing, models.StageFailed, func(r *models.PipelineRun) {
			r.FailureKind = models.FailureInterrupted
			r.FailureReason = "processing did not finish before its deadline"
		})
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			return report, err
		}
		o.finish(ctx, logCtx.With("runId", run.RunID), failed)
		report.Interrupted++
	}

	orphans, err := o.reconcileRecords(ctx, logCtx, now)
	report.Orphaned = orphans
	if err != nil {
		return report, err
	}

	if report != (ReapReport{}) {
		logCtx.Info("Expired stale runs.", "timedOut", report.TimedOut, "interrupted", report.Interrupted, "orphaned", report.Orphaned)
	}
	return report, nil
}

// reconcileRecords removes job records that outlived the callback ceiling and
// whose run is no longer waiting. Records of waiting runs are left for expire.
func (o *Orchestrator) reconcileRecords(ctx context.Context, logCtx *slog.Logger, now time.Time) (int, error) {
	cutoff := now.Add(-o.cfg.CallbackTimeout)
	stale, err := o.records.ListOlderThan(ctx, o.cfg.Pipeline, cutoff, o.cfg.ReapBatch)
	if err != nil {
		return 0, newStageError(ErrPersistence, "list stale job records", err)
	}

	var removed int
	for _, rec := range stale {
		run, err := o.runs.Get(ctx, rec.RunID)
		if err != nil && !errors.Is(err, ErrRunNotFound) {
			return removed, newStageError(ErrPersistence, "load run for job record", err)
		}
		if run != nil && run.Stage == models.StageAwaitingCallback {
			continue
		}
		if _, err := o.records.Consume(ctx, rec.ExternalJobID); err != nil {
			if errors.Is(err, ErrUnknownJob) {
				continue
			}
			return removed, newStageError(ErrPersistence, "consume stale job record", err)
		}
		logCtx.Warn("Removed stale job record.", "externalJobId", rec.ExternalJobID, "runId", rec.RunID, "createdAt", rec.CreatedAt, "reconcile", true)
		removed++
	}
	return removed, nil
}

// expire fails a waiting run with a timeout and consumes its job record so a
// late notification finds nothing to resume.
func (o *Orchestrator) expire(ctx context.Context, logCtx *slog.Logger, run *models.PipelineRun) (*models.PipelineRun, error) {
	failed, err := o.transition(ctx, run.RunID, models.StageAwaitingCallback, models.StageFailed, func(r *models.PipelineRun) {
		r.FailureKind = models.FailureTimeout
		r.FailureReason = fmt.Sprintf("no OCR notification within %s", o.cfg.CallbackTimeout)
	})
	if err != nil {
		return nil, err
	}
	if _, err := o.records.Consume(ctx, run.ExternalJobID); err != nil && !errors.Is(err, ErrUnknownJob) {
		logCtx.Error("Failed to consume job record of timed-out run.", "externalJobId", run.ExternalJobID, "error", err)
	}
	logCtx.Warn("Run timed out awaiting OCR callback.", "externalJobId", run.ExternalJobID, "deadline", run.Deadline)
	o.finish(ctx, logCtx, failed)
	return failed, nil
}

// transition moves a run from one stage to the next, refusing any move that
// would break stage order.
func (o *Orchestrator) transition(ctx context.Context, runID string, from, to models.Stage, mutate func(*models.PipelineRun)) (*models.PipelineRun, error) {
	if !from.CanTransitionTo(to) {
		return nil, newStageError(ErrInvalidState, "transition", fmt.Errorf("%s -> %s", from, to))
	}
	now := o.now().UTC()
	run, err := o.runs.Transition(ctx, runID, from, func(r *models.PipelineRun) error {
		r.Stage = to
		r.UpdatedAt = now
		if to.Terminal() {
			r.CompletedAt = now
			r.Deadline = time.Time{}
		}
		if mutate != nil {
			mutate(r)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil, newStageError(ErrInvalidState, "transition", err)
		}
		return nil, newStageError(ErrPersistence, "transition", err)
	}
	return run, nil
}

// fail moves a run that has not reached PROCESSING to FAILED, whichever of
// STARTING or AWAITING_CALLBACK it is in.
func (o *Orchestrator) fail(ctx context.Context, logCtx *slog.Logger, runID, kind, reason string) (*models.PipelineRun, error) {
	mutate := func(r *models.PipelineRun) {
		r.FailureKind = kind
		r.FailureReason = reason
	}
	failed, err := o.transition(ctx, runID, models.StageStarting, models.StageFailed, mutate)
	if errors.Is(err, ErrInvalidState) {
		failed, err = o.transition(ctx, runID, models.StageAwaitingCallback, models.StageFailed, mutate)
	}
	if err != nil {
		return nil, err
	}
	o.finish(ctx, logCtx, failed)
	return failed, nil
}

// finish publishes a terminal run to the subject record and the notifier.
// Both are best effort: the run state is already durable.
func (o *Orchestrator) finish(ctx context.Context, logCtx *slog.Logger, run *models.PipelineRun) {
	status := SubjectSucceeded
	if run.Stage == models.StageFailed {
		status = SubjectFailed
	}
	o.markSubject(ctx, logCtx, run, status, run.FailureReason)

	if o.notifier != nil {
		if err := o.notifier.RunFinished(ctx, run); err != nil {
			logCtx.Error("Failed to hand off finished run.", "stage", run.Stage, "error", err)
		}
	}
}

func (o *Orchestrator) markSubject(ctx context.Context, logCtx *slog.Logger, run *models.PipelineRun, status, reason string) {
	if o.sink == nil {
		return
	}
	if err := o.sink.MarkSubject(ctx, run.Pipeline, run.SubjectID, status, reason); err != nil {
		logCtx.Error("Failed to update subject status.", "status", status, "error", err)
	}
}
