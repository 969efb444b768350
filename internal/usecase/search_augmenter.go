package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"projectbot-core/internal/domain/entity"
	"projectbot-core/internal/domain/repository"
)

// NoSearchResults is what BuildSearchContext renders for an empty result list.
const NoSearchResults = "No relevant search results found."

const (
	searchKeyPrefix     = "search:"
	metricsKeyPrefix    = "search_metrics:"
	metricsDateLayout   = "20060102"
	maxSearchResults    = 10
	defaultSearchType   = "web"
	searchMetricsTTL    = 24 * time.Hour
	searchQueryLogLimit = 100
)

type SearchConfig struct {
	MaxResults       int
	CacheTTL         time.Duration
	RateLimitRetries int
	Cooldown         time.Duration
	Jitter           time.Duration
	CallTimeout      time.Duration
}

func (c SearchConfig) withDefaults() SearchConfig {
	if c.MaxResults <= 0 {
		c.MaxResults = 3
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Minute
	}
	if c.RateLimitRetries <= 0 {
		c.RateLimitRetries = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 2 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// SearchAugmenter turns a query into cached, citable web-search context.
type SearchAugmenter struct {
	provider  repository.SearchProvider
	cache     repository.Cache
	metrics   repository.MetricsStore
	cfg       SearchConfig
	backoff   Backoff
	sleep     Sleeper
	rnd       RandomSource
	now       func() time.Time
	log       *zap.Logger
	telemetry *Telemetry
}

type SearchOption func(*SearchAugmenter)

func WithSearchSleeper(s Sleeper) SearchOption {
	return func(a *SearchAugmenter) { a.sleep = s }
}

func WithSearchRandom(r RandomSource) SearchOption {
	return func(a *SearchAugmenter) { a.rnd = r }
}

func WithSearchClock(now func() time.Time) SearchOption {
	return func(a *SearchAugmenter) { a.now = now }
}

func WithSearchLogger(l *zap.Logger) SearchOption {
	return func(a *SearchAugmenter) { a.log = l }
}

func WithSearchTelemetry(t *Telemetry) SearchOption {
	return func(a *SearchAugmenter) { a.telemetry = t }
}

// NewSearchAugmenter builds an augmenter. A nil provider leaves search
// disabled; every call then records a failure and returns nil.
func NewSearchAugmenter(provider repository.SearchProvider, cache repository.Cache, metrics repository.MetricsStore, cfg SearchConfig, opts ...SearchOption) *SearchAugmenter {
	cfg = cfg.withDefaults()
	a := &SearchAugmenter{
		provider: provider,
		cache:    cache,
		metrics:  metrics,
		cfg:      cfg,
		backoff:  Backoff{Base: cfg.Cooldown, Jitter: cfg.Jitter},
		sleep:    SleepContext,
		rnd:      newRandomSource(),
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var whitespace = regexp.MustCompile(`\s+`)

// SearchKey derives the cache key from the normalized query and the
// result-shaping parameters.
func SearchKey(query string, num int, searchType string) string {
	if searchType == "" {
		searchType = defaultSearchType
	}
	normalized := whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(query)), " ")
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s_%d_%s", normalized, num, searchType)))
	return searchKeyPrefix + hex.EncodeToString(sum[:])
}

func (a *SearchAugmenter) providerName() string {
	if a.provider == nil {
		return "none"
	}
	return a.provider.Name()
}

// Search never fails: ordinary failures are recorded and yield nil.
func (a *SearchAugmenter) Search(ctx context.Context, query string, maxResults int, useCache bool) []entity.SearchResult {
	start := a.now()
	if a.provider == nil {
		a.record(ctx, entity.SearchEvent{Query: query, Error: entity.ErrSearchDisabled.Error()})
		return nil
	}

	num := maxResults
	if num <= 0 {
		num = a.cfg.MaxResults
	}
	if num > maxSearchResults {
		num = maxSearchResults
	}
	key := SearchKey(query, num, "")

	if useCache {
		var cached []entity.SearchResult
		hit, err := a.cache.Get(ctx, key, &cached)
		if err != nil {
			a.log.Warn("search cache read failed", zap.Error(err))
		} else if hit && len(cached) > 0 {
			a.record(ctx, entity.SearchEvent{Query: query, Success: true, Cached: true, Latency: a.now().Sub(start)})
			return cached
		}
	}

	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		results, err := a.provider.Search(callCtx, query, num, "")
		cancel()

		if err == nil {
			if useCache && len(results) > 0 {
				if err := a.cache.Set(ctx, key, results, a.cfg.CacheTTL); err != nil {
					a.log.Warn("search cache write failed", zap.Error(err))
				}
			}
			a.record(ctx, entity.SearchEvent{
				Query:      query,
				Success:    true,
				Latency:    a.now().Sub(start),
				StatusCode: http.StatusOK,
			})
			return results
		}

		status := 0
		var se *entity.SearchStatusError
		if errors.As(err, &se) {
			status = se.StatusCode
		}

		if status == http.StatusTooManyRequests && attempt < a.cfg.RateLimitRetries-1 {
			delay := a.backoff.Delay(attempt, a.rnd)
			a.log.Warn("search rate limited, retrying",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", a.cfg.RateLimitRetries),
				zap.Duration("delay", delay),
				zap.String("query", truncate(query, 50)),
			)
			if err := a.sleep(ctx, delay); err != nil {
				a.record(ctx, entity.SearchEvent{Query: query, Latency: a.now().Sub(start), StatusCode: status, Error: err.Error()})
				return nil
			}
			continue
		}

		msg := err.Error()
		if status == http.StatusTooManyRequests {
			msg = fmt.Sprintf("search rate limit exceeded after %d attempts", a.cfg.RateLimitRetries)
		}
		a.record(ctx, entity.SearchEvent{Query: query, Latency: a.now().Sub(start), StatusCode: status, Error: msg})
		return nil
	}
}

func (a *SearchAugmenter) record(ctx context.Context, ev entity.SearchEvent) {
	if ev.At.IsZero() {
		ev.At = a.now()
	}

	outcome := "failed"
	switch {
	case ev.Cached:
		outcome = "cached"
	case ev.Success:
		outcome = "success"
	}
	a.telemetry.search(outcome)

	fields := []zap.Field{
		zap.String("status", outcome),
		zap.String("query", truncate(ev.Query, searchQueryLogLimit)),
		zap.Duration("latency", ev.Latency),
	}
	if ev.StatusCode != 0 {
		fields = append(fields, zap.Int("status_code", ev.StatusCode))
	}
	if ev.Success {
		a.log.Info("search", fields...)
	} else {
		a.log.Error("search", append(fields, zap.String("error", ev.Error))...)
	}

	if a.metrics == nil {
		return
	}
	if err := a.metrics.Record(ctx, a.metricsKey(ev.At), ev, searchMetricsTTL); err != nil {
		a.log.Error("storing search metrics failed", zap.Error(err))
	}
}

func (a *SearchAugmenter) metricsKey(day time.Time) string {
	return metricsKeyPrefix + a.providerName() + ":" + day.Format(metricsDateLayout)
}

// Metrics returns the record for date (YYYYMMDD, empty for today) with
// rates derived from the stored counters.
func (a *SearchAugmenter) Metrics(ctx context.Context, date string) (entity.SearchMetrics, error) {
	day := a.now()
	if date != "" {
		parsed, err := time.ParseInLocation(metricsDateLayout, date, day.Location())
		if err != nil {
			return entity.SearchMetrics{}, fmt.Errorf("%w: date must be YYYYMMDD", entity.ErrInvalidRequest)
		}
		day = parsed
	}
	var rec entity.MetricsRecord
	if a.metrics != nil {
		var err error
		rec, err = a.metrics.Load(ctx, a.metricsKey(day))
		if err != nil {
			return entity.SearchMetrics{}, fmt.Errorf("loading search metrics: %w", err)
		}
	}
	return rec.Derive(day.Format(metricsDateLayout)), nil
}

// ClearCache drops every cached search result.
func (a *SearchAugmenter) ClearCache(ctx context.Context) error {
	return a.cache.DeletePrefix(ctx, searchKeyPrefix)
}

// BuildSearchContext renders results as numbered, citable blocks followed by
// citation instructions.
func BuildSearchContext(results []entity.SearchResult) string {
	if len(results) == 0 {
		return NoSearchResults
	}

	var b strings.Builder
	b.WriteString("Here is information from recent web searches:\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "[Source %d] %s\n", i+1, r.Title)
		fmt.Fprintf(&b, "URL: %s\n", r.URL)
		fmt.Fprintf(&b, "Excerpt: %s\n\n", r.Snippet)
	}

	b.WriteString("When citing sources in your response, include the full source information ")
	b.WriteString("in the form [Source N: Title (URL)] rather than a bare source number.\n\n")
	b.WriteString("Sources for reference:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "[Source %d: %s (%s)]\n", i+1, r.Title, r.URL)
	}
	b.WriteString("\nUse this information to answer the user's question accurately. ")
	b.WriteString("If the search results are not relevant, rely on your existing knowledge instead.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
