package entity

import "time"

type SearchResult struct {
	Title    string `json:"title"`
	URL      string `json:"link"`
	Snippet  string `json:"snippet"`
	ImageURL string `json:"image_url,omitempty"`
}

// SearchEvent is one observation recorded against the daily metrics record.
type SearchEvent struct {
	Query      string
	Success    bool
	Cached     bool
	Latency    time.Duration
	StatusCode int
	Error      string
	At         time.Time
}

type FailureDetail struct {
	Timestamp  time.Time `json:"timestamp"`
	Query      string    `json:"query"`
	Error      string    `json:"error"`
	StatusCode int       `json:"status_code,omitempty"`
}

// MetricsRecord holds raw counters only; rates are derived on read.
type MetricsRecord struct {
	Total          int64           `json:"total_searches"`
	Successful     int64           `json:"successful_searches"`
	Failed         int64           `json:"failed_searches"`
	Cached         int64           `json:"cached_searches"`
	TotalLatencyMs float64         `json:"total_response_time_ms"`
	Failures       []FailureDetail `json:"error_details"`
}

type SearchMetrics struct {
	MetricsRecord
	Date             string  `json:"date"`
	SuccessRate      float64 `json:"success_rate"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	AverageLatencyMs float64 `json:"average_response_time_ms"`
}

// Derive computes percentages and mean latency of non-cached successes.
func (r MetricsRecord) Derive(date string) SearchMetrics {
	m := SearchMetrics{MetricsRecord: r, Date: date}
	if m.Failures == nil {
		m.Failures = []FailureDetail{}
	}
	if r.Total == 0 {
		return m
	}
	m.SuccessRate = float64(r.Successful) / float64(r.Total) * 100
	m.CacheHitRate = float64(r.Cached) / float64(r.Total) * 100
	if live := r.Successful - r.Cached; live > 0 && r.TotalLatencyMs > 0 {
		m.AverageLatencyMs = r.TotalLatencyMs / float64(live)
	}
	return m
}
