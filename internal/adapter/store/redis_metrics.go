package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"projectbot-core/internal/domain/entity"
)

const (
	fieldTotal      = "total_searches"
	fieldSuccessful = "successful_searches"
	fieldFailed     = "failed_searches"
	fieldCached     = "cached_searches"
	fieldLatency    = "total_response_time_ms"
)

// RedisMetrics keeps each daily record as a hash of counters plus a capped
// list of failure details. One event is applied in a single MULTI/EXEC.
type RedisMetrics struct {
	client redis.UniversalClient
}

func NewRedisMetrics(client redis.UniversalClient) *RedisMetrics {
	return &RedisMetrics{client: client}
}

func errorsKey(key string) string { return key + ":errors" }

func (m *RedisMetrics) Record(ctx context.Context, key string, ev entity.SearchEvent, ttl time.Duration) error {
	var detail []byte
	if !ev.Success {
		var err error
		if detail, err = json.Marshal(failureOf(ev)); err != nil {
			return fmt.Errorf("encoding failure detail: %w", err)
		}
	}

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldTotal, 1)
		switch {
		case ev.Success && ev.Cached:
			pipe.HIncrBy(ctx, key, fieldSuccessful, 1)
			pipe.HIncrBy(ctx, key, fieldCached, 1)
		case ev.Success:
			pipe.HIncrBy(ctx, key, fieldSuccessful, 1)
			pipe.HIncrByFloat(ctx, key, fieldLatency, latencyMs(ev.Latency))
		default:
			pipe.HIncrBy(ctx, key, fieldFailed, 1)
			pipe.LPush(ctx, errorsKey(key), detail)
			pipe.LTrim(ctx, errorsKey(key), 0, MaxFailureDetails-1)
			pipe.Expire(ctx, errorsKey(key), ttl)
		}
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording search metrics: %w", err)
	}
	return nil
}

func (m *RedisMetrics) Load(ctx context.Context, key string) (entity.MetricsRecord, error) {
	var rec entity.MetricsRecord
	fields, err := m.client.HGetAll(ctx, key).Result()
	if err != nil {
		return rec, fmt.Errorf("loading search metrics: %w", err)
	}
	rec.Total = parseInt(fields[fieldTotal])
	rec.Successful = parseInt(fields[fieldSuccessful])
	rec.Failed = parseInt(fields[fieldFailed])
	rec.Cached = parseInt(fields[fieldCached])
	rec.TotalLatencyMs, _ = strconv.ParseFloat(fields[fieldLatency], 64)

	raw, err := m.client.LRange(ctx, errorsKey(key), 0, -1).Result()
	if err != nil {
		return rec, fmt.Errorf("loading failure details: %w", err)
	}
	for _, r := range raw {
		var d entity.FailureDetail
		if json.Unmarshal([]byte(r), &d) == nil {
			rec.Failures = append(rec.Failures, d)
		}
	}
	return rec, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
