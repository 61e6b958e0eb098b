// Package services assembles the ingestion pipelines and exposes the
// operations the entry points call.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/pipeline"
)

// Request errors, reported to callers as client errors.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnknownPipeline = errors.New("unknown pipeline")
)

// Searcher queries the search index.
type Searcher interface {
	Search(ctx context.Context, ownerID, text string, limit int) ([]models.IndexEntry, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// IngestService owns both pipeline instances and the listener that resumes them.
type IngestService struct {
	pipelines map[string]*pipeline.Orchestrator
	listener  *pipeline.Listener
	searcher  Searcher
	closers   []func() error

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewIngestService registers every orchestrator with listener.
func NewIngestService(listener *pipeline.Listener, searcher Searcher, orchestrators ...*pipeline.Orchestrator) *IngestService {
	s := &IngestService{
		pipelines: make(map[string]*pipeline.Orchestrator),
		listener:  listener,
		searcher:  searcher,
		checks:    make(map[string]HealthCheck),
	}
	for _, o := range orchestrators {
		s.pipelines[o.Pipeline()] = o
		listener.Register(o.Pipeline(), o)
	}
	return s
}

// AddHealthCheck registers a dependency probe under name.
func (s *IngestService) AddHealthCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Pipelines lists the configured pipeline names.
func (s *IngestService) Pipelines() []string {
	names := make([]string, 0, len(s.pipelines))
	for name := range s.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartIngest begins a run of the requested pipeline. It returns once the OCR
// job is submitted and the run is waiting for its callback. When the start
// fails after the run was created, the failed run is reported with the error.
func (s *IngestService) StartIngest(ctx context.Context, req *models.StartIngestRequest) (*models.StartIngestResponse, error) {
	req.Pipeline = strings.TrimSpace(req.Pipeline)
	if req.SubjectID == "" || req.OwnerID == "" {
		return nil, fmt.Errorf("%w: subjectId and ownerId are required", ErrInvalidRequest)
	}
	orch, ok := s.pipelines[req.Pipeline]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, req.Pipeline)
	}

	run, err := orch.Begin(ctx, req.SubjectID, req.OwnerID, req.ObjectName)
	if err != nil {
		if run == nil {
			return nil, err
		}
		return &models.StartIngestResponse{
			Status:        "failed",
			RunID:         run.RunID,
			ExternalJobID: run.ExternalJobID,
			Stage:         run.Stage,
			Error:         err.Error(),
		}, err
	}
	return &models.StartIngestResponse{
		Status:        "accepted",
		RunID:         run.RunID,
		ExternalJobID: run.ExternalJobID,
		Stage:         run.Stage,
	}, nil
}

// GetRun returns a run by id. All pipelines share one run store.
func (s *IngestService) GetRun(ctx context.Context, runID string) (*models.PipelineRun, error) {
	for _, name := range s.Pipelines() {
		return s.pipelines[name].Run(ctx, runID)
	}
	return nil, fmt.Errorf("run %s: %w", runID, pipeline.ErrRunNotFound)
}

// HandleNotification feeds one bus event to the listener.
func (s *IngestService) HandleNotification(ctx context.Context, e cloudevents.Event) error {
	return s.listener.HandleEvent(ctx, e)
}

// ExpireRuns sweeps every pipeline for stale runs. One pipeline's failure
// does not stop the sweep of the others.
func (s *IngestService) ExpireRuns(ctx context.Context) (*models.ExpireRunsResponse, error) {
	resp := &models.ExpireRunsResponse{Status: "success"}
	var errs []error
	for _, name := range s.Pipelines() {
		report, err := s.pipelines[name].ExpireStale(ctx)
		resp.TimedOut += report.TimedOut
		resp.Interrupted += report.Interrupted
		resp.Orphaned += report.Orphaned
		if err != nil {
			slog.Error("Reaper sweep failed.", "pipeline", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		resp.Status = "partial"
		return resp, errors.Join(errs...)
	}
	return resp, nil
}

// Search queries the index within one owner's documents.
func (s *IngestService) Search(ctx context.Context, ownerID, text string, limit int) ([]models.IndexEntry, error) {
	if ownerID == "" || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: owner and query are required", ErrInvalidRequest)
	}
	if s.searcher == nil {
		return nil, fmt.Errorf("search is not configured")
	}
	return s.searcher.Search(ctx, ownerID, text, limit)
}

// Health runs every registered check and returns the failures by name.
func (s *IngestService) Health(ctx context.Context) map[string]string {
	s.mu.RLock()
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.RUnlock()

	failures := make(map[string]string)
	for name, check := range checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

// Close releases the clients opened by Build.
func (s *IngestService) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
