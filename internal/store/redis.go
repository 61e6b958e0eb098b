package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Lllllllleong/proposalingest/internal/models"
	"github.com/Lllllllleong/proposalingest/internal/pipeline"
)

const defaultRedisPrefix = "ocrjob"

// RedisJobRecords stores each record as a JSON string under <prefix>:<jobID>
// and indexes creation times per pipeline in the sorted set
// <prefix>s:created:<pipeline>. SETNX gives put-if-absent and GETDEL gives
// the atomic consume.
type RedisJobRecords struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisJobRecords uses keyPrefix for its keys; empty means "ocrjob".
func NewRedisJobRecords(rdb *redis.Client, keyPrefix string) *RedisJobRecords {
	if keyPrefix == "" {
		keyPrefix = defaultRedisPrefix
	}
	return &RedisJobRecords{rdb: rdb, prefix: keyPrefix}
}

func (s *RedisJobRecords) key(externalJobID string) string {
	return s.prefix + ":" + externalJobID
}

func (s *RedisJobRecords) createdKey(pipelineName string) string {
	return s.prefix + "s:created:" + pipelineName
}

func (s *RedisJobRecords) Put(ctx context.Context, rec *models.JobRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.key(rec.ExternalJobID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to write job record %s: %w", rec.ExternalJobID, err)
	}
	if !ok {
		return fmt.Errorf("job %s: %w", rec.ExternalJobID, pipeline.ErrRecordExists)
	}
	err = s.rdb.ZAdd(ctx, s.createdKey(rec.Pipeline), redis.Z{
		Score:  float64(rec.CreatedAt.Unix()),
		Member: rec.ExternalJobID,
	}).Err()
	if err != nil {
		// The record itself is durable; only the age index missed it.
		return fmt.Errorf("failed to index job record %s: %w", rec.ExternalJobID, err)
	}
	return nil
}

func (s *RedisJobRecords) Consume(ctx context.Context, externalJobID string) (*models.JobRecord, error) {
	payload, err := s.rdb.GetDel(ctx, s.key(externalJobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job %s: %w", externalJobID, pipeline.ErrUnknownJob)
		}
		return nil, fmt.Errorf("failed to consume job record %s: %w", externalJobID, err)
	}

	var rec models.JobRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode job record %s: %w", externalJobID, err)
	}
	_ = s.rdb.ZRem(ctx, s.createdKey(rec.Pipeline), externalJobID).Err()
	return &rec, nil
}

func (s *RedisJobRecords) ListOlderThan(ctx context.Context, pipelineName string, cutoff time.Time, limit int) ([]*models.JobRecord, error) {
	createdKey := s.createdKey(pipelineName)
	by := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, createdKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan job record ages: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load stale job records: %w", err)
	}

	out := make([]*models.JobRecord, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Consumed after the scan; drop the dangling index entry.
			_ = s.rdb.ZRem(ctx, createdKey, ids[i]).Err()
			continue
		}
		var rec models.JobRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode job record %s: %w", ids[i], err)
		}
		out = append(out, &rec)
	}
	return out, nil
}
