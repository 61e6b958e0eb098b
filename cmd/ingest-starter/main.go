package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/proposalingest/internal/services"
	httptransport "github.com/Lllllllleong/proposalingest/internal/transport/http"
)

var (
	handler *httptransport.Handler
	once    sync.Once
	initErr error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	functions.HTTP("StartIngest", startIngest)
}

// main is required by the Go Functions Framework.
func main() {}

// startIngest submits the OCR job for one uploaded document and returns as
// soon as the run is waiting for the OCR callback.
func startIngest(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		var svc *services.IngestService
		svc, initErr = services.NewFromEnv(context.Background())
		if initErr == nil {
			handler = httptransport.NewHandler(svc)
		}
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	handler.StartIngest(w, r)
}
