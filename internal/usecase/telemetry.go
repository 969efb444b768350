package usecase

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry holds the Prometheus collectors of the answering path. A nil
// *Telemetry records nothing.
type Telemetry struct {
	responses        *prometheus.CounterVec
	providerAttempts *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	searches         *prometheus.CounterVec
	backoffSleeps    prometheus.Counter
}

func NewTelemetry(reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "projectbot",
			Name:      "responses_total",
			Help:      "Responses returned, by source path.",
		}, []string{"source"}),
		providerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "projectbot",
			Name:      "provider_attempts_total",
			Help:      "Provider invocations, by provider and outcome kind.",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "projectbot",
			Name:      "provider_latency_seconds",
			Help:      "Latency of provider invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "projectbot",
			Name:      "search_requests_total",
			Help:      "Search augmentation calls, by outcome.",
		}, []string{"outcome"}),
		backoffSleeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "projectbot",
			Name:      "backoff_sleeps_total",
			Help:      "Backoff waits taken between provider attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(t.responses, t.providerAttempts, t.providerLatency, t.searches, t.backoffSleeps)
	}
	return t
}

func (t *Telemetry) response(source string) {
	if t == nil {
		return
	}
	t.responses.WithLabelValues(source).Inc()
}

func (t *Telemetry) attempt(provider, outcome string, took time.Duration) {
	if t == nil {
		return
	}
	t.providerAttempts.WithLabelValues(provider, outcome).Inc()
	t.providerLatency.WithLabelValues(provider).Observe(took.Seconds())
}

func (t *Telemetry) search(outcome string) {
	if t == nil {
		return
	}
	t.searches.WithLabelValues(outcome).Inc()
}

func (t *Telemetry) sleep() {
	if t == nil {
		return
	}
	t.backoffSleeps.Inc()
}
