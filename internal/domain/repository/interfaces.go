package repository

import (
	"context"
	"time"

	"projectbot-core/internal/domain/entity"
)

// Provider turns a prompt plus context into text. Failures must be
// normalized into *entity.ProviderError.
type Provider interface {
	Name() entity.ProviderName
	Invoke(ctx context.Context, inv entity.Invocation) (string, error)
}

// TabularStore is a spreadsheet-like service: partitions are spreadsheets,
// tables are worksheets.
type TabularStore interface {
	ListPartitions(ctx context.Context) ([]string, error)
	FetchPartition(ctx context.Context, name string) (map[string][]entity.Record, error)
}

// RelationalStore exposes schema metadata and read-only querying.
type RelationalStore interface {
	Name() string
	DescribeSchema(ctx context.Context) (*entity.Schema, error)
	RunReadOnlyQuery(ctx context.Context, query string, args ...any) (*entity.Rows, error)
}

type SearchProvider interface {
	Name() string
	Search(ctx context.Context, query string, numResults int, searchType string) ([]entity.SearchResult, error)
}

// Cache stores JSON-encoded values under derived keys. Writes replace the
// whole entry. A Get never returns a value older than its TTL.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// MetricsStore holds day-keyed counter records.
type MetricsStore interface {
	Record(ctx context.Context, key string, ev entity.SearchEvent, ttl time.Duration) error
	Load(ctx context.Context, key string) (entity.MetricsRecord, error)
}
