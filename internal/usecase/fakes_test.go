package usecase

import (
	"context"
	"sync"
	"time"

	"projectbot-core/internal/domain/entity"
)

// scriptedProvider replays one result per call and records every invocation.
type scriptedProvider struct {
	name entity.ProviderName

	mu      sync.Mutex
	results []providerResult
	calls   []entity.Invocation
}

type providerResult struct {
	text string
	err  error
}

func newScriptedProvider(name entity.ProviderName, results ...providerResult) *scriptedProvider {
	return &scriptedProvider{name: name, results: results}
}

func reply(text string) providerResult { return providerResult{text: text} }

func failWith(kind entity.ErrorKind, name entity.ProviderName) providerResult {
	return providerResult{err: entity.NewProviderError(name, kind, 0, errString(string(kind)))}
}

type errString string

func (e errString) Error() string { return string(e) }

func (p *scriptedProvider) Name() entity.ProviderName { return p.name }

func (p *scriptedProvider) Invoke(ctx context.Context, inv entity.Invocation) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, inv)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(p.results) == 0 {
		return "", entity.NewProviderError(p.name, entity.KindOther, 0, errString("script exhausted"))
	}
	r := p.results[0]
	p.results = p.results[1:]
	return r.text, r.err
}

func (p *scriptedProvider) Calls() []entity.Invocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]entity.Invocation(nil), p.calls...)
}

// recordingSleeper returns immediately and remembers requested delays.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

// countingSource is a ContextSource that counts fetches.
type countingSource struct {
	name       string
	partitions []string
	relational bool
	blob       func(partition string) *entity.ContextBlob

	mu             sync.Mutex
	fetches        int
	partitionCalls int
	fetchErr       error
	partitionsErr  error
}

func (s *countingSource) Name() string     { return s.name }
func (s *countingSource) Relational() bool { return s.relational }

func (s *countingSource) Partitions(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitionCalls++
	return s.partitions, s.partitionsErr
}

func (s *countingSource) Fetch(_ context.Context, partition string) (*entity.ContextBlob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.blob(partition), nil
}

func (s *countingSource) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *countingSource) PartitionCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partitionCalls
}

func projectsBlob(partition string) *entity.ContextBlob {
	name := partition
	if name == "" {
		name = "Engineering"
	}
	return &entity.ContextBlob{
		Partition: partition,
		Tables: map[string]map[string][]entity.Record{
			name: {
				"Projects": {
					{"name": "Apollo", "status": "Active", "budget": "1000", "expenses": "1200"},
					{"name": "Hermes", "status": "Completed", "budget": "$2,000", "expenses": "500"},
				},
				"Members": {
					{"name": "Ada", "role": "Engineer"},
					{"name": "Linus", "role": "Engineer"},
					{"name": "Grace", "role": "Manager"},
				},
			},
		},
	}
}

// fakeSearch returns scripted search outcomes.
type fakeSearch struct {
	mu      sync.Mutex
	results [][]entity.SearchResult
	errs    []error
	calls   int
}

func (f *fakeSearch) Name() string { return "fake" }

func (f *fakeSearch) Search(ctx context.Context, query string, num int, searchType string) ([]entity.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	if len(f.results) > 0 {
		return f.results[len(f.results)-1], nil
	}
	return nil, nil
}

func (f *fakeSearch) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRelational is a RelationalStore that serves a fixed schema and rows.
type fakeRelational struct {
	schema  *entity.Schema
	rows    *entity.Rows
	err     error
	queries []string
}

func (f *fakeRelational) Name() string { return "projects" }

func (f *fakeRelational) DescribeSchema(context.Context) (*entity.Schema, error) {
	return f.schema, nil
}

func (f *fakeRelational) RunReadOnlyQuery(_ context.Context, query string, _ ...any) (*entity.Rows, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func projectsSchema() *entity.Schema {
	return &entity.Schema{
		Tables: []entity.TableSchema{{
			Name: "projects",
			Columns: []entity.Column{
				{Name: "id", Type: "INTEGER"},
				{Name: "name", Type: "TEXT"},
				{Name: "budget", Type: "REAL"},
				{Name: "expenses", Type: "REAL"},
			},
			PrimaryKeys: []string{"id"},
		}},
		Relationships: []entity.Relationship{},
	}
}
