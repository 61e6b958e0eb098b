package pipeline

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the pipeline.
var (
	ErrExternalService = errors.New("external service error")
	ErrPersistence     = errors.New("persistence error")
	ErrUnknownJob      = errors.New("unknown job")
	ErrInvalidState    = errors.New("invalid state")
	ErrTimeout         = errors.New("timed out awaiting callback")
	ErrProcessing      = errors.New("processing error")
)

// Store sentinels.
var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRecordExists = errors.New("job record already exists")
)

// StageError records which pipeline operation failed, with what kind of
// failure, and the underlying cause. errors.Is matches both Kind and Cause.
type StageError struct {
	Kind  error
	Op    string
	Cause error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Kind)
}

func (e *StageError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

func newStageError(kind error, op string, cause error) *StageError {
	return &StageError{Kind: kind, Op: op, Cause: cause}
}
