package pipeline

import (
	"context"
	"time"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/ocr"
)

// RunStore persists PipelineRuns. Transition is a compare-and-set: it applies
// fn only if the stored run is still at stage from, and returns ErrInvalidState otherwise.
// ListExpired returns only runs of the named pipeline, oldest deadline first.
type RunStore interface {
	Create(ctx context.Context, run *models.PipelineRun) error
	Get(ctx context.Context, runID string) (*models.PipelineRun, error)
	GetByToken(ctx context.Context, token string) (*models.PipelineRun, error)
	Transition(ctx context.Context, runID string, from models.Stage, fn func(*models.PipelineRun) error) (*models.PipelineRun, error)
	ListExpired(ctx context.Context, pipeline string, stage models.Stage, before time.Time, limit int) ([]*models.PipelineRun, error)
}

// JobRecordStore is the correlation store keyed by external job id.
// Put fails with ErrRecordExists if a record for the job is already present;
// Consume reads and deletes in one atomic step and returns ErrUnknownJob when absent.
// ListOlderThan returns only records of the named pipeline, oldest first.
type JobRecordStore interface {
	Put(ctx context.Context, rec *models.JobRecord) error
	Consume(ctx context.Context, externalJobID string) (*models.JobRecord, error)
	ListOlderThan(ctx context.Context, pipeline string, cutoff time.Time, limit int) ([]*models.JobRecord, error)
}

// Processor is the business stage that runs after a successful resume.
type Processor interface {
	Process(ctx context.Context, subjectID, ownerID, externalJobID string) (*models.ProcessedResult, error)
}

// Submitter starts external OCR jobs.
type Submitter interface {
	Submit(ctx context.Context, ref ocr.ObjectRef) (string, error)
}

// Inspector checks a source object before it is submitted.
type Inspector interface {
	Inspect(ctx context.Context, objectName string) (*ocr.ObjectInfo, error)
}

// SubjectStatusSink makes a run's progress visible on the originating subject.
type SubjectStatusSink interface {
	MarkSubject(ctx context.Context, pipeline, subjectID, status, reason string) error
}

// TerminalNotifier is told about every run that reaches a terminal stage.
type TerminalNotifier interface {
	RunFinished(ctx context.Context, run *models.PipelineRun) error
}

// Resumer resumes a suspended run. *Orchestrator implements it.
type Resumer interface {
	Resume(ctx context.Context, token string, outcome models.Outcome) (*models.PipelineRun, error)
}

// Suspender parks a run and hands back the token that resumes it.
type Suspender interface {
	Suspend(ctx context.Context, runID, externalJobID string) (string, error)
}
