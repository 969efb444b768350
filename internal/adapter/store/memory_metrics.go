package store

import (
	"context"
	"sync"
	"time"

	"projectbot-core/internal/domain/entity"
)

// MaxFailureDetails bounds the failure list kept per daily record.
const MaxFailureDetails = 50

type metricsEntry struct {
	mu      sync.Mutex
	rec     entity.MetricsRecord
	expires time.Time
}

// MemoryMetrics keeps day-keyed search metrics in process.
type MemoryMetrics struct {
	records sync.Map // string -> *metricsEntry
	now     func() time.Time
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{now: time.Now}
}

func (m *MemoryMetrics) Record(_ context.Context, key string, ev entity.SearchEvent, ttl time.Duration) error {
	v, _ := m.records.LoadOrStore(key, &metricsEntry{})
	e := v.(*metricsEntry)

	e.mu.Lock()
	defer e.mu.Unlock()
	now := m.now()
	if !e.expires.IsZero() && !now.Before(e.expires) {
		e.rec = entity.MetricsRecord{}
	}
	apply(&e.rec, ev)
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	return nil
}

func (m *MemoryMetrics) Load(_ context.Context, key string) (entity.MetricsRecord, error) {
	v, ok := m.records.Load(key)
	if !ok {
		return entity.MetricsRecord{}, nil
	}
	e := v.(*metricsEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		return entity.MetricsRecord{}, nil
	}
	rec := e.rec
	rec.Failures = append([]entity.FailureDetail(nil), e.rec.Failures...)
	return rec, nil
}

// apply folds one event into the counters. Latency is only summed for
// live successes so the mean is not skewed by cache hits.
func apply(rec *entity.MetricsRecord, ev entity.SearchEvent) {
	rec.Total++
	switch {
	case ev.Success && ev.Cached:
		rec.Successful++
		rec.Cached++
	case ev.Success:
		rec.Successful++
		rec.TotalLatencyMs += latencyMs(ev.Latency)
	default:
		rec.Failed++
		rec.Failures = append([]entity.FailureDetail{failureOf(ev)}, rec.Failures...)
		if len(rec.Failures) > MaxFailureDetails {
			rec.Failures = rec.Failures[:MaxFailureDetails]
		}
	}
}

func failureOf(ev entity.SearchEvent) entity.FailureDetail {
	return entity.FailureDetail{Timestamp: ev.At, Query: ev.Query, Error: ev.Error, StatusCode: ev.StatusCode}
}

func latencyMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
