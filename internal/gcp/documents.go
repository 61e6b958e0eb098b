package gcp

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/proposalingest/internal/models"
)

// DocumentStore writes pipeline output onto the subject documents, one
// Firestore collection per pipeline. Writes merge into the existing document
// so fields owned by the rest of the application are left alone.
type DocumentStore struct {
	client      *firestore.Client
	collections map[string]string
	now         func() time.Time
}

// NewDocumentStore maps each pipeline name to its subject collection.
func NewDocumentStore(client *firestore.Client, collections map[string]string) *DocumentStore {
	return &DocumentStore{client: client, collections: collections, now: time.Now}
}

func (s *DocumentStore) docRef(pipeline, subjectID string) (*firestore.DocumentRef, error) {
	collection, ok := s.collections[pipeline]
	if !ok {
		return nil, fmt.Errorf("no document collection configured for pipeline %q", pipeline)
	}
	return s.client.Collection(collection).Doc(subjectID), nil
}

// MarkSubject records a run's progress on the subject document. A FAILED
// status carries the failure reason in errorDetails; other statuses clear it.
func (s *DocumentStore) MarkSubject(ctx context.Context, pipeline, subjectID, status, reason string) error {
	docRef, err := s.docRef(pipeline, subjectID)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"status":    status,
		"updatedAt": s.now().UTC(),
	}
	if reason != "" {
		updates["errorDetails"] = reason
	} else {
		updates["errorDetails"] = firestore.Delete
	}
	if _, err := docRef.Set(ctx, updates, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to update status of %s/%s: %w", pipeline, subjectID, err)
	}
	return nil
}

// SaveResult writes the processed output onto the subject document. It is
// the last write of a processor, which makes the result visible.
func (s *DocumentStore) SaveResult(ctx context.Context, result *models.ProcessedResult) error {
	docRef, err := s.docRef(result.Pipeline, result.SubjectID)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"ownerId":       result.OwnerID,
		"ocrJobId":      result.ExternalJobID,
		"textUri":       result.TextURI,
		"pageCount":     result.PageCount,
		"chunkCount":    result.ChunkCount,
		"questionCount": len(result.Questions),
		"processedAt":   result.ProcessedAt,
		"updatedAt":     s.now().UTC(),
	}
	if result.Summary != "" {
		updates["summary"] = result.Summary
	}
	if len(result.Questions) > 0 {
		updates["questions"] = result.Questions
	}
	if len(result.Warnings) > 0 {
		updates["warnings"] = result.Warnings
	}
	if _, err := docRef.Set(ctx, updates, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to save result of %s/%s: %w", result.Pipeline, result.SubjectID, err)
	}
	return nil
}
