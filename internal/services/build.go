package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	vision "cloud.google.com/go/vision/v2/apiv1"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"github.com/redis/go-redis/v9"

	"github.com/Lllllllleong/proposalingest/internal/config"
	"github.com/Lllllllleong/proposalingest/internal/gcp"
	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/ocr"
	"github.com/Lllllllleong/proposalingest/internal/pipeline"
	"github.com/Lllllllleong/proposalingest/internal/processor"
	"github.com/Lllllllleong/proposalingest/internal/search"
	"github.com/Lllllllleong/proposalingest/internal/store"
)

const recordRetryBackoff = 500 * time.Millisecond

// searchIndex is what both processors write to and the service searches.
type searchIndex interface {
	processor.Indexer
	Searcher
	Ping(ctx context.Context) error
}

// Build creates every client named by cfg and wires the knowledge-base and
// question-file pipelines on top of them.
func Build(ctx context.Context, cfg *config.Config) (svc *IngestService, err error) {
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	fsClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	closers = append(closers, fsClient.Close)

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	closers = append(closers, storageClient.Close)

	annotator, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}
	closers = append(closers, annotator.Close)

	vertex, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexAIRegion)
	if err != nil {
		return nil, err
	}
	closers = append(closers, vertex.Close)

	provider, err := ocr.NewVisionProvider(annotator, storageClient, ocr.VisionConfig{
		ProjectID:    cfg.ProjectID,
		Location:     cfg.VisionLocation,
		OutputBucket: cfg.OCROutputBucket,
		OutputPrefix: cfg.OCROutputPrefix,
		BatchSize:    cfg.OCRBatchSize,
	})
	if err != nil {
		return nil, err
	}

	runs, err := buildRunStore(cfg, fsClient)
	if err != nil {
		return nil, err
	}
	records, checks, closeRecords, err := buildRecordStore(ctx, cfg, fsClient)
	if err != nil {
		return nil, err
	}
	if closeRecords != nil {
		closers = append(closers, closeRecords)
	}

	index, closeIndex, err := buildIndex(cfg)
	if err != nil {
		return nil, err
	}
	if closeIndex != nil {
		closers = append(closers, closeIndex)
	}
	checks["search"] = index.Ping

	documents := gcp.NewDocumentStore(fsClient, map[string]string{
		models.PipelineKnowledgeBase: cfg.KnowledgeCollection,
		models.PipelineQuestionFile:  cfg.QuestionCollection,
	})
	deps := processor.Deps{
		OCR:       provider,
		Artifacts: gcp.NewArtifactStore(storageClient, cfg.ArtifactsBucket),
		Index:     index,
		Results:   documents,
	}

	var kbOpts []processor.KnowledgeBaseOption
	if cfg.EnableSummaries {
		kbOpts = append(kbOpts, processor.WithSummarizer(vertex))
	}
	knowledgeBase, err := processor.NewKnowledgeBase(deps, kbOpts...)
	if err != nil {
		return nil, err
	}
	questionFile, err := processor.NewQuestionFile(deps, vertex)
	if err != nil {
		return nil, err
	}

	orchOpts := []pipeline.Option{pipeline.WithStatusSink(documents)}
	if cfg.WorkflowID != "" {
		execClient, err := executions.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create workflows executions client: %w", err)
		}
		closers = append(closers, execClient.Close)
		orchOpts = append(orchOpts, pipeline.WithTerminalNotifier(
			gcp.NewWorkflowNotifier(execClient, cfg.ProjectID, cfg.WorkflowLocation, cfg.WorkflowID)))
	}

	initiator := pipeline.NewInitiator(provider, records, cfg.SourceBucket,
		pipeline.WithInspector(ocr.NewPreflight(storageClient, cfg.SourceBucket, cfg.MaxPages)),
		pipeline.WithRecordRetry(cfg.RecordRetries, recordRetryBackoff),
	)

	var orchestrators []*pipeline.Orchestrator
	for name, proc := range map[string]pipeline.Processor{
		models.PipelineKnowledgeBase: knowledgeBase,
		models.PipelineQuestionFile:  questionFile,
	} {
		o, err := pipeline.NewOrchestrator(pipeline.Config{
			Pipeline:          name,
			CallbackTimeout:   cfg.CallbackTimeout,
			ProcessingTimeout: cfg.ProcessingTimeout,
			ReapBatch:         cfg.ReapBatch,
		}, runs, records, initiator, proc, orchOpts...)
		if err != nil {
			return nil, err
		}
		orchestrators = append(orchestrators, o)
	}

	listener := pipeline.NewListener(records,
		pipeline.WithReadinessProbe(provider),
		pipeline.WithEventDecoder(pipeline.EventDecoder{ObjectJobID: provider.JobIDFromOutputObject}),
	)

	svc = NewIngestService(listener, index, orchestrators...)
	for name, check := range checks {
		svc.AddHealthCheck(name, check)
	}
	svc.closers = closers

	slog.Info("Ingest service initialized.",
		"pipelines", svc.Pipelines(),
		"runStore", cfg.RunStoreBackend,
		"jobRecordStore", cfg.JobRecordBackend,
		"summaries", cfg.EnableSummaries,
		"workflowNotifier", cfg.WorkflowID != "",
	)
	return svc, nil
}

func buildRunStore(cfg *config.Config, fsClient *firestore.Client) (pipeline.RunStore, error) {
	switch cfg.RunStoreBackend {
	case config.BackendFirestore:
		return store.NewFirestoreRuns(fsClient, cfg.RunsCollection), nil
	case config.BackendMemory:
		slog.Warn("Using in-memory run store; runs are lost on restart.")
		return store.NewMemoryRuns(), nil
	}
	return nil, fmt.Errorf("unsupported run store backend %q", cfg.RunStoreBackend)
}

func buildRecordStore(ctx context.Context, cfg *config.Config, fsClient *firestore.Client) (pipeline.JobRecordStore, map[string]HealthCheck, func() error, error) {
	checks := make(map[string]HealthCheck)
	switch cfg.JobRecordBackend {
	case config.BackendFirestore:
		return store.NewFirestoreJobRecords(fsClient, cfg.JobRecordsCollection), checks, nil, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		return store.NewRedisJobRecords(rdb, cfg.RedisKeyPrefix), checks, rdb.Close, nil
	case config.BackendMemory:
		slog.Warn("Using in-memory job record store; pending OCR jobs are lost on restart.")
		return store.NewMemoryJobRecords(), checks, nil, nil
	}
	return nil, nil, nil, fmt.Errorf("unsupported job record backend %q", cfg.JobRecordBackend)
}

func buildIndex(cfg *config.Config) (searchIndex, func() error, error) {
	if cfg.ReindexerDSN == "" {
		slog.Warn("REINDEXER_DSN is not set; using in-memory search index.")
		return search.NewMemoryIndex(), nil, nil
	}
	idx, err := search.NewReindexerIndex(cfg.ReindexerDSN, cfg.ReindexerNamespace)
	if err != nil {
		return nil, nil, err
	}
	return idx, func() error { idx.Close(); return nil }, nil
}

// NewFromEnv loads configuration from the environment, plus the file named by
// CONFIG_FILE when set, applies its log level to the default logger and
// builds the service.
func NewFromEnv(ctx context.Context) (*IngestService, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	slog.SetDefault(cfg.Logger(os.Stdout))
	return Build(ctx, cfg)
}
