package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"projectbot-core/internal/domain/entity"
	"projectbot-core/internal/domain/repository"
)

const (
	DefaultContextTTL = 30 * time.Minute

	contextKeyPrefix = "context:"
	allPartitionsKey = "*"
)

// ContextAggregator serves context blobs cache-first from a single source.
type ContextAggregator struct {
	source ContextSource
	cache  repository.Cache
	ttl    time.Duration
	group  singleflight.Group
	log    *zap.Logger
}

func NewContextAggregator(source ContextSource, cache repository.Cache, ttl time.Duration, log *zap.Logger) *ContextAggregator {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ContextAggregator{source: source, cache: cache, ttl: ttl, log: log}
}

// ContextKey derives the cache key for a source and partition. Empty
// partition means every partition.
func ContextKey(source, partition string) string {
	if partition == "" {
		partition = allPartitionsKey
	}
	return contextKeyPrefix + source + ":" + partition
}

func (a *ContextAggregator) Relational() bool { return a.source.Relational() }

// Source exposes the configured source, e.g. for structured querying.
func (a *ContextAggregator) Source() ContextSource { return a.source }

func (a *ContextAggregator) Partitions(ctx context.Context) ([]string, error) {
	names, err := a.source.Partitions(ctx)
	if err != nil {
		return nil, asStoreError("list partitions", err)
	}
	return names, nil
}

// Fetch returns a freshly decoded blob for the partition. A failed fetch
// never writes to the cache.
func (a *ContextAggregator) Fetch(ctx context.Context, partition string, useCache bool) (*entity.ContextBlob, error) {
	key := ContextKey(a.source.Name(), partition)

	if useCache {
		var cached entity.ContextBlob
		hit, err := a.cache.Get(ctx, key, &cached)
		switch {
		case err != nil:
			a.log.Warn("context cache read failed", zap.String("key", key), zap.Error(err))
		case hit:
			a.log.Debug("context cache hit", zap.String("key", key))
			return &cached, nil
		}
	}

	v, err, shared := a.group.Do(key, func() (any, error) {
		blob, err := a.source.Fetch(ctx, partition)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(blob)
		if err != nil {
			return nil, entity.Malformed("encode context", err)
		}
		if err := a.cache.Set(ctx, key, json.RawMessage(raw), a.ttl); err != nil {
			a.log.Warn("context cache write failed", zap.String("key", key), zap.Error(err))
		}
		return raw, nil
	})
	if err != nil {
		a.log.Warn("context fetch failed",
			zap.String("source", a.source.Name()),
			zap.String("partition", partition),
			zap.Error(err),
		)
		return nil, asStoreError("fetch "+partition, err)
	}

	var blob entity.ContextBlob
	if err := json.Unmarshal(v.([]byte), &blob); err != nil {
		return nil, entity.Malformed("decode context", err)
	}
	a.log.Debug("context fetched", zap.String("key", key), zap.Bool("shared", shared))
	return &blob, nil
}

// Clear drops one partition's entries, or all of them when partition is
// empty. Clearing a partition also drops the all-partitions blob that
// embeds it.
func (a *ContextAggregator) Clear(ctx context.Context, partition string) error {
	if partition == "" {
		return a.cache.DeletePrefix(ctx, contextKeyPrefix+a.source.Name()+":")
	}
	return a.cache.Delete(ctx,
		ContextKey(a.source.Name(), partition),
		ContextKey(a.source.Name(), ""),
	)
}

func asStoreError(op string, err error) error {
	var se *entity.StoreError
	if errors.As(err, &se) {
		return err
	}
	return entity.Unreachable(op, err)
}
