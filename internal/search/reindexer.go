// Package search maintains the full-text index of processed documents.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/restream/reindexer/v4"
	// cproto is the binary RPC binding used against a standalone server.
	_ "github.com/restream/reindexer/v4/bindings/cproto"

	"github.com/Lllllllleong/proposalingest/internal/models"
)

const DefaultNamespace = "ingest_entries"

// entry is the namespace schema. The text field carries a full-text index.
type entry struct {
	ID        string `json:"id" reindex:"id,,pk"`
	SubjectID string `json:"subject_id" reindex:"subject_id"`
	OwnerID   string `json:"owner_id" reindex:"owner_id"`
	Pipeline  string `json:"pipeline" reindex:"pipeline"`
	Kind      string `json:"kind" reindex:"kind"`
	Position  int    `json:"position" reindex:"position"`
	Text      string `json:"text" reindex:"text,text"`
}

func toEntry(e models.IndexEntry) *entry {
	return &entry{
		ID:        e.ID,
		SubjectID: e.SubjectID,
		OwnerID:   e.OwnerID,
		Pipeline:  e.Pipeline,
		Kind:      e.Kind,
		Position:  e.Position,
		Text:      e.Text,
	}
}

func fromEntry(e *entry) models.IndexEntry {
	return models.IndexEntry{
		ID:        e.ID,
		SubjectID: e.SubjectID,
		OwnerID:   e.OwnerID,
		Pipeline:  e.Pipeline,
		Kind:      e.Kind,
		Position:  e.Position,
		Text:      e.Text,
	}
}

// ReindexerIndex writes index entries to one Reindexer namespace.
type ReindexerIndex struct {
	mu        sync.Mutex
	db        *reindexer.Reindexer
	namespace string
}

// NewReindexerIndex connects to dsn (e.g. cproto://host:6534/db) and opens
// the namespace, creating both if missing.
func NewReindexerIndex(dsn, namespace string) (*ReindexerIndex, error) {
	if dsn == "" {
		return nil, fmt.Errorf("reindexer DSN must be provided")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	db := reindexer.NewReindex(dsn, reindexer.WithCreateDBIfMissing())
	if err := db.OpenNamespace(namespace, reindexer.DefaultNamespaceOptions(), entry{}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open namespace %s: %w", namespace, err)
	}
	slog.Info("Search index opened.", "namespace", namespace)
	return &ReindexerIndex{db: db, namespace: namespace}, nil
}

// IndexSubject replaces every entry of the subject with entries, so a
// re-processed subject never keeps stale chunks. New entries are committed
// before stale ones are removed; a failed write leaves the previous entries
// searchable.
func (x *ReindexerIndex) IndexSubject(ctx context.Context, pipeline, subjectID string, entries []models.IndexEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return replaceSubject(ctx, reindexerWriter{db: x.db, namespace: x.namespace}, pipeline, subjectID, entries)
}

// subjectWriter is the storage half of IndexSubject.
type subjectWriter interface {
	upsertAll(items []*entry) error
	deleteStale(pipeline, subjectID string, keep []string) (int, error)
}

func replaceSubject(ctx context.Context, w subjectWriter, pipeline, subjectID string, entries []models.IndexEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	items := make([]*entry, 0, len(entries))
	keep := make([]string, 0, len(entries))
	for _, e := range entries {
		items = append(items, toEntry(e))
		keep = append(keep, e.ID)
	}
	if err := w.upsertAll(items); err != nil {
		return fmt.Errorf("failed to index entries of %s: %w", subjectID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	removed, err := w.deleteStale(pipeline, subjectID, keep)
	if err != nil {
		return fmt.Errorf("failed to clear stale index entries of %s: %w", subjectID, err)
	}
	slog.Debug("Indexed subject.", "subjectId", subjectID, "pipeline", pipeline, "removed", removed, "written", len(items))
	return nil
}

type reindexerWriter struct {
	db        *reindexer.Reindexer
	namespace string
}

func (w reindexerWriter) upsertAll(items []*entry) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(w.namespace)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := tx.Upsert(item); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("entry %s: %w", item.ID, err)
		}
	}
	return tx.Commit()
}

func (w reindexerWriter) deleteStale(pipeline, subjectID string, keep []string) (int, error) {
	q := w.db.Query(w.namespace).
		Where("subject_id", reindexer.EQ, subjectID).
		Where("pipeline", reindexer.EQ, pipeline)
	if len(keep) > 0 {
		q = q.Not().Where("id", reindexer.SET, keep)
	}
	return q.Delete()
}

// Search runs a full-text query over the owner's entries.
func (x *ReindexerIndex) Search(ctx context.Context, ownerID, text string, limit int) ([]models.IndexEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := x.db.Query(x.namespace).
		Where("owner_id", reindexer.EQ, ownerID).
		Where("text", reindexer.EQ, text)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Exec()
	defer iter.Close()
	if iter.Error() != nil {
		return nil, fmt.Errorf("search failed: %w", iter.Error())
	}

	var out []models.IndexEntry
	for iter.Next() {
		if e, ok := iter.Object().(*entry); ok {
			out = append(out, fromEntry(e))
		}
	}
	return out, nil
}

// Ping reports whether the server answers.
func (x *ReindexerIndex) Ping(context.Context) error {
	return x.db.Ping()
}

func (x *ReindexerIndex) Close() {
	x.db.Close()
}
