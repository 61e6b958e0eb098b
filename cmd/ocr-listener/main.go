package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/proposalingest/internal/services"
)

var (
	svc     *services.IngestService
	once    sync.Once
	initErr error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// Triggered by OCR output objects being finalized and by job status
	// messages on the OCR status topic.
	functions.CloudEvent("HandleOCRNotification", handleOCRNotification)
}

// main is required by the Go Functions Framework.
func main() {}

// handleOCRNotification resumes the run waiting on the notified OCR job.
// Returning an error makes the trigger redeliver the event.
func handleOCRNotification(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		svc, initErr = services.NewFromEnv(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	return svc.HandleNotification(ctx, e)
}
