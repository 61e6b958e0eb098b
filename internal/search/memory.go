package search

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Lllllllleong/proposalingest/internal/models"
)

// MemoryIndex keeps entries in process and matches queries by
// case-insensitive substring. It backs tests and local runs.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]models.IndexEntry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]models.IndexEntry)}
}

func (x *MemoryIndex) IndexSubject(_ context.Context, pipeline, subjectID string, entries []models.IndexEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	keep := make(map[string]bool, len(entries))
	for _, e := range entries {
		x.entries[e.ID] = e
		keep[e.ID] = true
	}
	for id, e := range x.entries {
		if e.SubjectID == subjectID && e.Pipeline == pipeline && !keep[id] {
			delete(x.entries, id)
		}
	}
	return nil
}

func (x *MemoryIndex) Search(_ context.Context, ownerID, text string, limit int) ([]models.IndexEntry, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	needle := strings.ToLower(text)
	var out []models.IndexEntry
	for _, e := range x.entries {
		if e.OwnerID == ownerID && strings.Contains(strings.ToLower(e.Text), needle) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubjectID != out[j].SubjectID {
			return out[i].SubjectID < out[j].SubjectID
		}
		return out[i].Position < out[j].Position
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (x *MemoryIndex) Ping(context.Context) error { return nil }

// Entries returns the entries of one subject in position order.
func (x *MemoryIndex) Entries(subjectID string) []models.IndexEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []models.IndexEntry
	for _, e := range x.entries {
		if e.SubjectID == subjectID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
