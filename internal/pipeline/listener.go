package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/ocr"
)

// Listener resolves OCR notifications to suspended runs and resumes them.
// Returning an error asks the bus to redeliver; everything that redelivery
// cannot fix is logged and acknowledged.
type Listener struct {
	records  JobRecordStore
	resumers map[string]Resumer
	probe    ocr.ReadinessProbe
	decoder  EventDecoder
}

// ListenerOption customizes a Listener.
type ListenerOption func(*Listener)

// WithReadinessProbe makes completion notifications wait until the job's
// output is complete. Notifications that arrive early are dropped.
func WithReadinessProbe(p ocr.ReadinessProbe) ListenerOption {
	return func(l *Listener) { l.probe = p }
}

// WithEventDecoder sets how bus events become notifications.
func WithEventDecoder(d EventDecoder) ListenerOption {
	return func(l *Listener) { l.decoder = d }
}

// NewListener builds a Listener consuming records from the given store.
func NewListener(records JobRecordStore, opts ...ListenerOption) *Listener {
	l := &Listener{
		records:  records,
		resumers: make(map[string]Resumer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register routes notifications for jobs started by pipeline to r.
func (l *Listener) Register(pipeline string, r Resumer) {
	l.resumers[pipeline] = r
}

// HandleEvent decodes a bus event and dispatches it.
func (l *Listener) HandleEvent(ctx context.Context, e cloudevents.Event) error {
	n, ok, err := l.decoder.Decode(e)
	if err != nil {
		// A malformed event never decodes; redelivering it would loop.
		slog.Error("Dropping undecodable notification.", "eventId", e.ID(), "eventType", e.Type(), "error", err)
		return nil
	}
	if !ok {
		slog.Debug("Event carries no job notification.", "eventId", e.ID(), "eventType", e.Type(), "subject", e.Subject())
		return nil
	}
	return l.OnNotification(ctx, n)
}

// OnNotification consumes the job record for n and resumes its run. The
// consume is the linearization point: of any number of concurrent deliveries
// for one job, only the one that consumes the record resumes the run.
func (l *Listener) OnNotification(ctx context.Context, n models.Notification) error {
	logCtx := slog.With("externalJobId", n.ExternalJobID, "outcome", n.Outcome)

	if n.Outcome == models.OutcomeCompleted && l.probe != nil {
		ready, err := l.probe.Ready(ctx, n.ExternalJobID)
		if errors.Is(err, ocr.ErrOperationRunning) {
			logCtx.Info("OCR operation still running, asking for redelivery.", "detail", n.Detail)
			return fmt.Errorf("job %s: %w", n.ExternalJobID, err)
		}
		if err != nil {
			logCtx.Error("Failed to check OCR output readiness.", "error", err)
			return fmt.Errorf("readiness check for job %s: %w", n.ExternalJobID, err)
		}
		if !ready {
			logCtx.Info("OCR output incomplete, waiting for the final shard.", "detail", n.Detail)
			return nil
		}
	}

	rec, err := l.records.Consume(ctx, n.ExternalJobID)
	if err != nil {
		if errors.Is(err, ErrUnknownJob) {
			logCtx.Warn("No job record for notification; duplicate or late delivery dropped.")
			return nil
		}
		logCtx.Error("Failed to consume job record.", "error", err)
		return newStageError(ErrPersistence, "consume job record", err)
	}
	logCtx = logCtx.With("runId", rec.RunID, "pipeline", rec.Pipeline, "subjectId", rec.SubjectID)

	resumer, ok := l.resumers[rec.Pipeline]
	if !ok {
		logCtx.Error("No pipeline registered for consumed job record; run is left to time out.", "reconcile", true)
		return nil
	}

	run, err := resumer.Resume(ctx, rec.ResumptionToken, n.Outcome)
	if err != nil {
		logCtx.Error("Resume rejected.", "error", err)
		return nil
	}
	logCtx.Info("Notification handled.", "stage", run.Stage)
	return nil
}
