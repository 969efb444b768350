package usecase

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"projectbot-core/internal/domain/entity"
	"projectbot-core/internal/domain/repository"
)

// ContextSource produces context blobs from one kind of backing store.
// Which source backs the aggregator is a static configuration choice.
type ContextSource interface {
	Name() string
	Partitions(ctx context.Context) ([]string, error)
	// Fetch returns data for one partition, or for every partition when
	// partition is empty.
	Fetch(ctx context.Context, partition string) (*entity.ContextBlob, error)
	// Relational reports whether the source answers with schema metadata
	// and supports read-only querying.
	Relational() bool
}

// TabularSource serves row dumps from a spreadsheet-like store.
type TabularSource struct {
	store       repository.TabularStore
	concurrency int
}

func NewTabularSource(store repository.TabularStore) *TabularSource {
	return &TabularSource{store: store, concurrency: 4}
}

func (s *TabularSource) Name() string     { return "tabular" }
func (s *TabularSource) Relational() bool { return false }

func (s *TabularSource) Partitions(ctx context.Context) ([]string, error) {
	return s.store.ListPartitions(ctx)
}

func (s *TabularSource) Fetch(ctx context.Context, partition string) (*entity.ContextBlob, error) {
	names := []string{partition}
	if partition == "" {
		all, err := s.store.ListPartitions(ctx)
		if err != nil {
			return nil, err
		}
		names = all
	}

	tables := make([]map[string][]entity.Record, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, name := range names {
		g.Go(func() error {
			data, err := s.store.FetchPartition(gctx, name)
			if err != nil {
				return fmt.Errorf("partition %q: %w", name, err)
			}
			tables[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	blob := &entity.ContextBlob{Partition: partition, Tables: make(map[string]map[string][]entity.Record, len(names))}
	for i, name := range names {
		blob.Tables[name] = tables[i]
	}
	return blob, nil
}

// RelationalSource serves schema metadata instead of rows to keep payloads bounded.
type RelationalSource struct {
	store repository.RelationalStore
}

func NewRelationalSource(store repository.RelationalStore) *RelationalSource {
	return &RelationalSource{store: store}
}

func (s *RelationalSource) Name() string     { return "relational" }
func (s *RelationalSource) Relational() bool { return true }

func (s *RelationalSource) Partitions(context.Context) ([]string, error) {
	return []string{s.store.Name()}, nil
}

func (s *RelationalSource) Fetch(ctx context.Context, partition string) (*entity.ContextBlob, error) {
	if partition != "" && partition != s.store.Name() {
		return nil, entity.Malformed("describe schema", fmt.Errorf("%w: %s", entity.ErrUnknownPartition, partition))
	}
	schema, err := s.store.DescribeSchema(ctx)
	if err != nil {
		return nil, err
	}
	return &entity.ContextBlob{Partition: s.store.Name(), Schema: schema}, nil
}

// Store returns the underlying relational store for structured querying.
func (s *RelationalSource) Store() repository.RelationalStore { return s.store }
