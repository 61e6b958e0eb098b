package models

import "time"

// Pipeline names. Each names one Orchestrator instance and its processor.
const (
	PipelineKnowledgeBase = "knowledge-base"
	PipelineQuestionFile  = "question-file"
)

// Stage is the lifecycle position of a PipelineRun.
type Stage string

const (
	StageStarting         Stage = "STARTING"
	StageAwaitingCallback Stage = "AWAITING_CALLBACK"
	StageProcessing       Stage = "PROCESSING"
	StageSucceeded        Stage = "SUCCEEDED"
	StageFailed           Stage = "FAILED"
)

// Terminal reports whether no further transition is possible from s.
func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// CanTransitionTo reports whether moving from s to next keeps the stage order
// STARTING -> AWAITING_CALLBACK -> PROCESSING -> {SUCCEEDED, FAILED}.
// FAILED is reachable from every non-terminal stage.
func (s Stage) CanTransitionTo(next Stage) bool {
	switch s {
	case StageStarting:
		return next == StageAwaitingCallback || next == StageFailed
	case StageAwaitingCallback:
		return next == StageProcessing || next == StageFailed
	case StageProcessing:
		return next == StageSucceeded || next == StageFailed
	default:
		return false
	}
}

// Outcome is what the OCR service reported for an external job.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeFailed    Outcome = "FAILED"
)

// Failure kinds recorded on failed runs.
const (
	FailureSubmission  = "submission"
	FailurePersistence = "persistence"
	FailureExternalJob = "external_job"
	FailureTimeout     = "timeout"
	FailureProcessing  = "processing"
	FailureInterrupted = "interrupted"
)

// PipelineRun is one execution of a pipeline for one subject document.
// It is persisted so that a suspended run survives process restarts.
type PipelineRun struct {
	RunID           string         `firestore:"runId" json:"runId"`
	Pipeline        string         `firestore:"pipeline" json:"pipeline"`
	SubjectID       string         `firestore:"subjectId" json:"subjectId"`
	OwnerID         string         `firestore:"ownerId" json:"ownerId"`
	ObjectName      string         `firestore:"objectName,omitempty" json:"objectName,omitempty"`
	Stage           Stage          `firestore:"stage" json:"stage"`
	ExternalJobID   string         `firestore:"externalJobId,omitempty" json:"externalJobId,omitempty"`
	ResumptionToken string         `firestore:"resumptionToken,omitempty" json:"-"`
	Deadline        time.Time      `firestore:"deadline,omitempty" json:"deadline,omitempty"`
	FailureKind     string         `firestore:"failureKind,omitempty" json:"failureKind,omitempty"`
	FailureReason   string         `firestore:"failureReason,omitempty" json:"failureReason,omitempty"`
	Result          *ResultSummary `firestore:"result,omitempty" json:"result,omitempty"`
	StartedAt       time.Time      `firestore:"startedAt" json:"startedAt"`
	UpdatedAt       time.Time      `firestore:"updatedAt" json:"updatedAt"`
	CompletedAt     time.Time      `firestore:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// JobRecord correlates an external OCR job with the suspended run waiting on it.
type JobRecord struct {
	ExternalJobID   string    `firestore:"externalJobId" json:"externalJobId"`
	ResumptionToken string    `firestore:"resumptionToken" json:"resumptionToken"`
	RunID           string    `firestore:"runId" json:"runId"`
	Pipeline        string    `firestore:"pipeline" json:"pipeline"`
	SubjectID       string    `firestore:"subjectId" json:"subjectId"`
	OwnerID         string    `firestore:"ownerId" json:"ownerId"`
	CreatedAt       time.Time `firestore:"createdAt" json:"createdAt"`
}

// Notification is a decoded completion message from the notification bus.
type Notification struct {
	ExternalJobID string
	Outcome       Outcome
	Detail        string
}
