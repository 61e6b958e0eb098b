package search

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/proposalingest/internal/models"
)

func TestReindexerIndexReplacesSubject(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dsn := os.Getenv("REINDEXER_DSN")
	if dsn == "" {
		t.Skip("REINDEXER_DSN is not set; run: docker run -p 6534:6534 reindexer/reindexer")
	}
	namespace := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	idx, err := NewReindexerIndex(dsn, namespace)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = idx.db.DropNamespace(namespace)
		idx.Close()
	})
	ctx := context.Background()
	require.NoError(t, idx.Ping(ctx))

	require.NoError(t, idx.IndexSubject(ctx, models.PipelineKnowledgeBase, "doc-1", chunks("doc-1", "navy logistics", "obsolete appendix")))
	require.NoError(t, idx.IndexSubject(ctx, models.PipelineKnowledgeBase, "doc-1", chunks("doc-1", "navy logistics revised")))

	hits, err := idx.Search(ctx, "org-A", "navy", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "navy logistics revised", hits[0].Text)

	hits, err = idx.Search(ctx, "org-A", "obsolete", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(ctx, "org-B", "navy", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
