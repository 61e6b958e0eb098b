package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/ocr"
)

const (
	defaultRecordWriteAttempts = 4
	defaultRecordWriteBackoff  = 500 * time.Millisecond
)

// Initiator submits the external OCR job for a run and records the
// correlation needed to resume it.
type Initiator struct {
	submitter Submitter
	inspector Inspector
	records   JobRecordStore
	bucket    string

	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// InitiatorOption customizes an Initiator.
type InitiatorOption func(*Initiator)

// WithInspector enables preflight inspection of the source object.
func WithInspector(in Inspector) InitiatorOption {
	return func(i *Initiator) { i.inspector = in }
}

// WithRecordRetry overrides how the job record write is retried.
func WithRecordRetry(attempts int, backoff time.Duration) InitiatorOption {
	return func(i *Initiator) {
		if attempts > 0 {
			i.attempts = attempts
		}
		i.backoff = backoff
	}
}

// NewInitiator builds an Initiator submitting objects from sourceBucket.
func NewInitiator(submitter Submitter, records JobRecordStore, sourceBucket string, opts ...InitiatorOption) *Initiator {
	i := &Initiator{
		submitter: submitter,
		records:   records,
		bucket:    sourceBucket,
		attempts:  defaultRecordWriteAttempts,
		backoff:   defaultRecordWriteBackoff,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start submits the run's subject to the OCR service, suspends the run and
// writes the job record. It performs exactly one submission.
func (i *Initiator) Start(ctx context.Context, run *models.PipelineRun, suspender Suspender) (string, error) {
	logCtx := slog.With("runId", run.RunID, "pipeline", run.Pipeline, "subjectId", run.SubjectID)

	ref := ocr.ObjectRef{Bucket: i.bucket, Name: run.ObjectName}
	if i.inspector != nil {
		info, err := i.inspector.Inspect(ctx, run.ObjectName)
		if err != nil {
			logCtx.Error("Preflight inspection failed.", "error", err)
			return "", newStageError(ErrExternalService, "preflight", err)
		}
		ref.ContentType = info.ContentType
		ref.PageCount = info.PageCount
		logCtx.Info("Source object passed preflight.", "pageCount", info.PageCount, "sha256", info.SHA256)
	}

	externalJobID, err := i.submitter.Submit(ctx, ref)
	if err != nil {
		logCtx.Error("OCR job submission rejected.", "error", err)
		return "", newStageError(ErrExternalService, "submit", err)
	}
	logCtx = logCtx.With("externalJobId", externalJobID)

	// The job now exists; finish the bookkeeping even if the caller cancels.
	ctx = context.WithoutCancel(ctx)
	token, err := suspender.Suspend(ctx, run.RunID, externalJobID)
	if err != nil {
		logCtx.Error("Failed to suspend run after submission; external job is orphaned.", "error", err, "reconcile", true)
		return externalJobID, err
	}

	rec := &models.JobRecord{
		ExternalJobID:   externalJobID,
		ResumptionToken: token,
		RunID:           run.RunID,
		Pipeline:        run.Pipeline,
		SubjectID:       run.SubjectID,
		OwnerID:         run.OwnerID,
		CreatedAt:       i.now().UTC(),
	}
	if err := i.putRecord(ctx, logCtx, rec); err != nil {
		logCtx.Error("Job record write failed after submission; external job is orphaned.", "error", err, "reconcile", true)
		return externalJobID, newStageError(ErrPersistence, "put job record", err)
	}

	logCtx.Info("OCR job submitted and run suspended.")
	return externalJobID, nil
}

// putRecord retries the write with exponential backoff. A record that already
// exists for this run's token counts as written.
func (i *Initiator) putRecord(ctx context.Context, logCtx *slog.Logger, rec *models.JobRecord) error {
	backoff := i.backoff
	var lastErr error

	for attempt := 1; attempt <= i.attempts; attempt++ {
		err := i.records.Put(ctx, rec)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRecordExists) {
			// Only a retried write of our own record can collide: job ids are fresh per submission.
			logCtx.Warn("Job record already present, treating write as done.", "attempt", attempt)
			return nil
		}

		lastErr = err
		logCtx.Warn("Job record write failed, will retry.",
			"attempt", attempt,
			"maxAttempts", i.attempts,
			"backoff", backoff.String(),
			"error", err,
		)
		if attempt == i.attempts {
			break
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
