// Package config loads the ingestion service configuration from the
// environment and an optional config file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

// Config is the full service configuration. Every key is read from the
// environment variable of the same name in upper case.
type Config struct {
	ProjectID      string `mapstructure:"project_id"`
	VertexAIRegion string `mapstructure:"vertex_ai_region"`
	VisionLocation string `mapstructure:"vision_location"`

	SourceBucket    string `mapstructure:"source_bucket"`
	OCROutputBucket string `mapstructure:"ocr_output_bucket"`
	OCROutputPrefix string `mapstructure:"ocr_output_prefix"`
	OCRBatchSize    int    `mapstructure:"ocr_batch_size"`
	ArtifactsBucket string `mapstructure:"artifacts_bucket"`
	MaxPages        int    `mapstructure:"max_pages"`

	RunStoreBackend      string `mapstructure:"run_store_backend"`
	JobRecordBackend     string `mapstructure:"job_record_backend"`
	RunsCollection       string `mapstructure:"runs_collection"`
	JobRecordsCollection string `mapstructure:"job_records_collection"`
	KnowledgeCollection  string `mapstructure:"knowledge_collection"`
	QuestionCollection   string `mapstructure:"question_collection"`
	RedisAddr            string `mapstructure:"redis_addr"`
	RedisKeyPrefix       string `mapstructure:"redis_key_prefix"`

	ReindexerDSN       string `mapstructure:"reindexer_dsn"`
	ReindexerNamespace string `mapstructure:"reindexer_namespace"`

	CallbackTimeout   time.Duration `mapstructure:"callback_timeout"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
	ReapBatch         int           `mapstructure:"reap_batch"`
	RecordRetries     int           `mapstructure:"record_retries"`

	EnableSummaries  bool   `mapstructure:"enable_summaries"`
	WorkflowID       string `mapstructure:"workflow_id"`
	WorkflowLocation string `mapstructure:"workflow_location"`

	ServerAddr string `mapstructure:"server_addr"`
	LogLevel   string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project_id", "")
	v.SetDefault("vertex_ai_region", "us-central1")
	v.SetDefault("vision_location", "")

	v.SetDefault("source_bucket", "")
	v.SetDefault("ocr_output_bucket", "")
	v.SetDefault("ocr_output_prefix", "ocr-output")
	v.SetDefault("ocr_batch_size", 20)
	v.SetDefault("artifacts_bucket", "")
	v.SetDefault("max_pages", 2000)

	v.SetDefault("run_store_backend", BackendFirestore)
	v.SetDefault("job_record_backend", BackendFirestore)
	v.SetDefault("runs_collection", "pipeline_runs")
	v.SetDefault("job_records_collection", "ocr_job_records")
	v.SetDefault("knowledge_collection", "knowledge_documents")
	v.SetDefault("question_collection", "question_files")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_key_prefix", "ocrjob")

	v.SetDefault("reindexer_dsn", "")
	v.SetDefault("reindexer_namespace", "ingest_entries")

	v.SetDefault("callback_timeout", 30*time.Minute)
	v.SetDefault("processing_timeout", 10*time.Minute)
	v.SetDefault("reap_interval", time.Minute)
	v.SetDefault("reap_batch", 100)
	v.SetDefault("record_retries", 4)

	v.SetDefault("enable_summaries", true)
	v.SetDefault("workflow_id", "")
	v.SetDefault("workflow_location", "us-central1")

	v.SetDefault("server_addr", ":8080")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from the environment, layered over configPath
// when it is not empty.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.RunStoreBackend = strings.ToLower(strings.TrimSpace(cfg.RunStoreBackend))
	cfg.JobRecordBackend = strings.ToLower(strings.TrimSpace(cfg.JobRecordBackend))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration is complete and consistent.
func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("PROJECT_ID must be set")
	}
	if c.SourceBucket == "" {
		return fmt.Errorf("SOURCE_BUCKET must be set")
	}
	if c.OCROutputBucket == "" {
		return fmt.Errorf("OCR_OUTPUT_BUCKET must be set")
	}
	if c.ArtifactsBucket == "" {
		return fmt.Errorf("ARTIFACTS_BUCKET must be set")
	}
	if c.OCRBatchSize < 1 || c.OCRBatchSize > 100 {
		return fmt.Errorf("OCR_BATCH_SIZE must be between 1 and 100")
	}

	switch c.RunStoreBackend {
	case BackendFirestore, BackendMemory:
	default:
		return fmt.Errorf("RUN_STORE_BACKEND must be firestore or memory, got %q", c.RunStoreBackend)
	}
	switch c.JobRecordBackend {
	case BackendFirestore, BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR must be set when JOB_RECORD_BACKEND is redis")
		}
	default:
		return fmt.Errorf("JOB_RECORD_BACKEND must be firestore, redis or memory, got %q", c.JobRecordBackend)
	}

	if c.CallbackTimeout <= 0 {
		return fmt.Errorf("CALLBACK_TIMEOUT must be positive")
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be positive")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("REAP_INTERVAL must be positive")
	}
	if c.ReapBatch < 1 {
		return fmt.Errorf("REAP_BATCH must be at least 1")
	}
	if c.RecordRetries < 1 {
		return fmt.Errorf("RECORD_RETRIES must be at least 1")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

// Logger returns a JSON logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.SlogLevel()}))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not a valid level", s)
	}
	return level, nil
}
