package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/pipeline"
)

// FirestoreRuns persists runs as documents keyed by run id. Stage changes go
// through a transaction so concurrent resumes serialize on the document.
type FirestoreRuns struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreRuns uses the given collection for run documents.
func NewFirestoreRuns(client *firestore.Client, collection string) *FirestoreRuns {
	return &FirestoreRuns{client: client, collection: collection}
}

func (s *FirestoreRuns) doc(runID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(runID)
}

func (s *FirestoreRuns) Create(ctx context.Context, run *models.PipelineRun) error {
	if _, err := s.doc(run.RunID).Create(ctx, run); err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *FirestoreRuns) Get(ctx context.Context, runID string) (*models.PipelineRun, error) {
	snap, err := s.doc(runID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("run %s: %w", runID, pipeline.ErrRunNotFound)
		}
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return decodeRun(snap)
}

func (s *FirestoreRuns) GetByToken(ctx context.Context, token string) (*models.PipelineRun, error) {
	if token == "" {
		return nil, fmt.Errorf("token lookup: %w", pipeline.ErrRunNotFound)
	}
	docs, err := s.client.Collection(s.collection).
		Where("resumptionToken", "==", token).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query run by token: %w", err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("token lookup: %w", pipeline.ErrRunNotFound)
	}
	return decodeRun(docs[0])
}

// Transition reads the run and writes fn's result in one transaction, failing
// with ErrInvalidState if the stored stage is no longer from.
func (s *FirestoreRuns) Transition(ctx context.Context, runID string, from models.Stage, fn func(*models.PipelineRun) error) (*models.PipelineRun, error) {
	ref := s.doc(runID)
	var updated *models.PipelineRun

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("run %s: %w", runID, pipeline.ErrRunNotFound)
			}
			return err
		}
		run, err := decodeRun(snap)
		if err != nil {
			return err
		}
		if run.Stage != from {
			return fmt.Errorf("run %s is %s, not %s: %w", runID, run.Stage, from, pipeline.ErrInvalidState)
		}
		if err := fn(run); err != nil {
			return err
		}
		updated = run
		return tx.Set(ref, run)
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidState) || errors.Is(err, pipeline.ErrRunNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("transition of run %s failed: %w", runID, err)
	}
	return updated, nil
}

func (s *FirestoreRuns) ListExpired(ctx context.Context, pipelineName string, stage models.Stage, before time.Time, limit int) ([]*models.PipelineRun, error) {
	q := s.client.Collection(s.collection).
		Where("pipeline", "==", pipelineName).
		Where("stage", "==", string(stage)).
		Where("deadline", "<", before).
		OrderBy("deadline", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query expired runs: %w", err)
	}
	runs := make([]*models.PipelineRun, 0, len(docs))
	for _, d := range docs {
		run, err := decodeRun(d)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func decodeRun(snap *firestore.DocumentSnapshot) (*models.PipelineRun, error) {
	var run models.PipelineRun
	if err := snap.DataTo(&run); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", snap.Ref.ID, err)
	}
	return &run, nil
}

// FirestoreJobRecords keys job records by external job id. Put uses Create so
// it never overwrites, and Consume deletes inside the transaction that reads.
type FirestoreJobRecords struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreJobRecords uses the given collection for job records.
func NewFirestoreJobRecords(client *firestore.Client, collection string) *FirestoreJobRecords {
	return &FirestoreJobRecords{client: client, collection: collection}
}

func (s *FirestoreJobRecords) Put(ctx context.Context, rec *models.JobRecord) error {
	_, err := s.client.Collection(s.collection).Doc(rec.ExternalJobID).Create(ctx, rec)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("job %s: %w", rec.ExternalJobID, pipeline.ErrRecordExists)
		}
		return fmt.Errorf("failed to write job record %s: %w", rec.ExternalJobID, err)
	}
	return nil
}

func (s *FirestoreJobRecords) Consume(ctx context.Context, externalJobID string) (*models.JobRecord, error) {
	ref := s.client.Collection(s.collection).Doc(externalJobID)
	var rec models.JobRecord

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("job %s: %w", externalJobID, pipeline.ErrUnknownJob)
			}
			return err
		}
		if err := snap.DataTo(&rec); err != nil {
			return fmt.Errorf("failed to decode job record %s: %w", externalJobID, err)
		}
		return tx.Delete(ref)
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownJob) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to consume job record %s: %w", externalJobID, err)
	}
	return &rec, nil
}

func (s *FirestoreJobRecords) ListOlderThan(ctx context.Context, pipelineName string, cutoff time.Time, limit int) ([]*models.JobRecord, error) {
	q := s.client.Collection(s.collection).
		Where("pipeline", "==", pipelineName).
		Where("createdAt", "<", cutoff).
		OrderBy("createdAt", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query stale job records: %w", err)
	}
	out := make([]*models.JobRecord, 0, len(docs))
	for _, d := range docs {
		var rec models.JobRecord
		if err := d.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode job record %s: %w", d.Ref.ID, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}
