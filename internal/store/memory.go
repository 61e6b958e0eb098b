// Package store holds the persistence behind the pipeline: run state and
// job records, in memory, in Firestore and in Redis.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/pipeline"
)

// MemoryRuns is a RunStore for tests and single-process deployments.
type MemoryRuns struct {
	mu   sync.Mutex
	runs map[string]*models.PipelineRun
}

// NewMemoryRuns returns an empty run store.
func NewMemoryRuns() *MemoryRuns {
	return &MemoryRuns{runs: make(map[string]*models.PipelineRun)}
}

func cloneRun(r *models.PipelineRun) *models.PipelineRun {
	c := *r
	if r.Result != nil {
		res := *r.Result
		c.Result = &res
	}
	return &c
}

func (s *MemoryRuns) Create(_ context.Context, run *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return fmt.Errorf("run %s already exists", run.RunID)
	}
	s.runs[run.RunID] = cloneRun(run)
	return nil
}

func (s *MemoryRuns) Get(_ context.Context, runID string) (*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, pipeline.ErrRunNotFound)
	}
	return cloneRun(r), nil
}

func (s *MemoryRuns) GetByToken(_ context.Context, token string) (*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token != "" {
		for _, r := range s.runs {
			if r.ResumptionToken == token {
				return cloneRun(r), nil
			}
		}
	}
	return nil, fmt.Errorf("token lookup: %w", pipeline.ErrRunNotFound)
}

// Transition applies fn under the store lock if the run is still at from.
func (s *MemoryRuns) Transition(_ context.Context, runID string, from models.Stage, fn func(*models.PipelineRun) error) (*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, pipeline.ErrRunNotFound)
	}
	if r.Stage != from {
		return nil, fmt.Errorf("run %s is %s, not %s: %w", runID, r.Stage, from, pipeline.ErrInvalidState)
	}
	next := cloneRun(r)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.runs[runID] = next
	return cloneRun(next), nil
}

func (s *MemoryRuns) ListExpired(_ context.Context, pipelineName string, stage models.Stage, before time.Time, limit int) ([]*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PipelineRun
	for _, r := range s.runs {
		if r.Pipeline == pipelineName && r.Stage == stage && !r.Deadline.IsZero() && r.Deadline.Before(before) {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryJobRecords is a JobRecordStore guarded by a single mutex, which makes
// Consume trivially atomic.
type MemoryJobRecords struct {
	mu      sync.Mutex
	records map[string]models.JobRecord
}

// NewMemoryJobRecords returns an empty job record store.
func NewMemoryJobRecords() *MemoryJobRecords {
	return &MemoryJobRecords{records: make(map[string]models.JobRecord)}
}

func (s *MemoryJobRecords) Put(_ context.Context, rec *models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ExternalJobID]; exists {
		return fmt.Errorf("job %s: %w", rec.ExternalJobID, pipeline.ErrRecordExists)
	}
	s.records[rec.ExternalJobID] = *rec
	return nil
}

func (s *MemoryJobRecords) Consume(_ context.Context, externalJobID string) (*models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[externalJobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", externalJobID, pipeline.ErrUnknownJob)
	}
	delete(s.records, externalJobID)
	return &rec, nil
}

func (s *MemoryJobRecords) ListOlderThan(_ context.Context, pipelineName string, cutoff time.Time, limit int) ([]*models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.JobRecord
	for _, rec := range s.records {
		if rec.Pipeline == pipelineName && rec.CreatedAt.Before(cutoff) {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports how many records are outstanding.
func (s *MemoryJobRecords) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
