package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/pipeline"
	"github.com/Lllllllleong/proposalingest/internal/store"
)

func TestMemoryJobRecordsConsumeIsAtomic(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryJobRecords()
	require.NoError(t, records.Put(ctx, &models.JobRecord{ExternalJobID: "job-42", ResumptionToken: "tok"}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := records.Consume(ctx, "job-42")
			if err == nil {
				assert.Equal(t, "tok", rec.ResumptionToken)
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, pipeline.ErrUnknownJob)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.Zero(t, records.Len())
}

func TestMemoryJobRecordsPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryJobRecords()
	rec := &models.JobRecord{ExternalJobID: "job-1", ResumptionToken: "a"}

	require.NoError(t, records.Put(ctx, rec))
	err := records.Put(ctx, &models.JobRecord{ExternalJobID: "job-1", ResumptionToken: "b"})
	require.ErrorIs(t, err, pipeline.ErrRecordExists)

	got, err := records.Consume(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ResumptionToken)
}

func TestMemoryJobRecordsListOlderThan(t *testing.T) {
	ctx := context.Background()
	records := store.NewMemoryJobRecords()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, records.Put(ctx, &models.JobRecord{
			ExternalJobID: id,
			Pipeline:      models.PipelineKnowledgeBase,
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, records.Put(ctx, &models.JobRecord{
		ExternalJobID: "q",
		Pipeline:      models.PipelineQuestionFile,
		CreatedAt:     base.Add(-time.Hour),
	}))

	stale, err := records.ListOlderThan(ctx, models.PipelineKnowledgeBase, base.Add(90*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "c", stale[0].ExternalJobID)
	assert.Equal(t, "a", stale[1].ExternalJobID)

	limited, err := records.ListOlderThan(ctx, models.PipelineKnowledgeBase, base.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ExternalJobID)

	other, err := records.ListOlderThan(ctx, models.PipelineQuestionFile, base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "q", other[0].ExternalJobID)
}

func TestMemoryRunsTransitionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	runs := store.NewMemoryRuns()
	require.NoError(t, runs.Create(ctx, &models.PipelineRun{RunID: "r1", Stage: models.StageAwaitingCallback, ResumptionToken: "tok"}))

	toProcessing := func(r *models.PipelineRun) error {
		r.Stage = models.StageProcessing
		return nil
	}
	updated, err := runs.Transition(ctx, "r1", models.StageAwaitingCallback, toProcessing)
	require.NoError(t, err)
	assert.Equal(t, models.StageProcessing, updated.Stage)

	_, err = runs.Transition(ctx, "r1", models.StageAwaitingCallback, toProcessing)
	require.ErrorIs(t, err, pipeline.ErrInvalidState)

	_, err = runs.Transition(ctx, "missing", models.StageAwaitingCallback, toProcessing)
	require.ErrorIs(t, err, pipeline.ErrRunNotFound)
}

func TestMemoryRunsReturnsCopies(t *testing.T) {
	ctx := context.Background()
	runs := store.NewMemoryRuns()
	require.NoError(t, runs.Create(ctx, &models.PipelineRun{RunID: "r1", Stage: models.StageStarting}))

	got, err := runs.Get(ctx, "r1")
	require.NoError(t, err)
	got.Stage = models.StageSucceeded

	again, err := runs.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StageStarting, again.Stage)
}

func TestMemoryRunsLookupAndExpiry(t *testing.T) {
	ctx := context.Background()
	runs := store.NewMemoryRuns()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	kb := models.PipelineKnowledgeBase
	require.NoError(t, runs.Create(ctx, &models.PipelineRun{RunID: "late", Pipeline: kb, Stage: models.StageAwaitingCallback, ResumptionToken: "t1", Deadline: now.Add(-time.Minute)}))
	require.NoError(t, runs.Create(ctx, &models.PipelineRun{RunID: "fresh", Pipeline: kb, Stage: models.StageAwaitingCallback, ResumptionToken: "t2", Deadline: now.Add(time.Minute)}))
	require.NoError(t, runs.Create(ctx, &models.PipelineRun{RunID: "busy", Pipeline: kb, Stage: models.StageProcessing, Deadline: now.Add(-time.Minute)}))
	require.NoError(t, runs.Create(ctx, &models.PipelineRun{RunID: "other", Pipeline: models.PipelineQuestionFile, Stage: models.StageAwaitingCallback, ResumptionToken: "t3", Deadline: now.Add(-time.Hour)}))

	byToken, err := runs.GetByToken(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "fresh", byToken.RunID)

	_, err = runs.GetByToken(ctx, "")
	require.ErrorIs(t, err, pipeline.ErrRunNotFound)

	expired, err := runs.ListExpired(ctx, kb, models.StageAwaitingCallback, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "late", expired[0].RunID)
}
