package store_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/pipeline"
	"github.com/Lllllllleong/proposalingest/internal/store"
)

// newRedisRecords connects to the server at REDIS_ADDR under a key prefix
// unique to the test, and removes the test's keys afterwards.
func newRedisRecords(t *testing.T) *store.RedisJobRecords {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR is not set; run: docker run -p 6379:6379 redis:7")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rdb.Ping(ctx).Err(), "redis at %s is not reachable", addr)

	prefix := "test-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		var keys []string
		iter := rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if len(keys) > 0 {
			_ = rdb.Del(ctx, keys...).Err()
		}
		_ = rdb.Close()
	})
	return store.NewRedisJobRecords(rdb, prefix)
}

func TestRedisJobRecordsPutIsPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	records := newRedisRecords(t)
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, records.Put(ctx, &models.JobRecord{ExternalJobID: "job-1", ResumptionToken: "a", Pipeline: models.PipelineKnowledgeBase, CreatedAt: created}))
	err := records.Put(ctx, &models.JobRecord{ExternalJobID: "job-1", ResumptionToken: "b", Pipeline: models.PipelineKnowledgeBase, CreatedAt: created})
	require.ErrorIs(t, err, pipeline.ErrRecordExists)

	got, err := records.Consume(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ResumptionToken)
	assert.True(t, created.Equal(got.CreatedAt))

	_, err = records.Consume(ctx, "job-1")
	require.ErrorIs(t, err, pipeline.ErrUnknownJob)
}

func TestRedisJobRecordsConcurrentConsumeWinsOnce(t *testing.T) {
	ctx := context.Background()
	records := newRedisRecords(t)
	require.NoError(t, records.Put(ctx, &models.JobRecord{ExternalJobID: "job-42", ResumptionToken: "tok", Pipeline: models.PipelineKnowledgeBase, CreatedAt: time.Now()}))

	var wins, misses atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := records.Consume(ctx, "job-42")
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, pipeline.ErrUnknownJob):
				misses.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, 15, misses.Load())
}

func TestRedisJobRecordsListOlderThanIsPerPipeline(t *testing.T) {
	ctx := context.Background()
	records := newRedisRecords(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, records.Put(ctx, &models.JobRecord{
			ExternalJobID: id,
			Pipeline:      models.PipelineKnowledgeBase,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, records.Put(ctx, &models.JobRecord{ExternalJobID: "q", Pipeline: models.PipelineQuestionFile, CreatedAt: base.Add(-time.Hour)}))

	stale, err := records.ListOlderThan(ctx, models.PipelineKnowledgeBase, base.Add(90*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "c", stale[0].ExternalJobID)
	assert.Equal(t, "a", stale[1].ExternalJobID)

	limited, err := records.ListOlderThan(ctx, models.PipelineKnowledgeBase, base.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ExternalJobID)

	_, err = records.Consume(ctx, "c")
	require.NoError(t, err)
	stale, err = records.ListOlderThan(ctx, models.PipelineKnowledgeBase, base.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, stale, 2, "consumed records leave the age index")

	other, err := records.ListOlderThan(ctx, models.PipelineQuestionFile, base, 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "q", other[0].ExternalJobID)
}
