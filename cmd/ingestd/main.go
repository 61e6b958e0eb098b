// Command ingestd serves the ingestion API as one long-running process and
// runs the stale-run reaper on a ticker.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lllllllleong/proposalingest/internal/config"
	"github.com/Lllllllleong/proposalingest/internal/services"
	httptransport "github.com/Lllllllleong/proposalingest/internal/transport/http"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional config file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.Logger(os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := services.Build(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize ingest service", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Error("Failed to close clients", "error", err)
		}
	}()

	go reap(ctx, svc, cfg.ReapInterval)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           httptransport.Routes(httptransport.NewHandler(svc)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
}

func reap(ctx context.Context, svc *services.IngestService, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := svc.ExpireRuns(ctx)
			if err != nil {
				slog.Error("Reaper sweep failed", "error", err)
				continue
			}
			if resp.TimedOut+resp.Interrupted+resp.Orphaned > 0 {
				slog.Info("Reaper sweep expired runs",
					"timedOut", resp.TimedOut,
					"interrupted", resp.Interrupted,
					"orphaned", resp.Orphaned,
				)
			}
		}
	}
}
