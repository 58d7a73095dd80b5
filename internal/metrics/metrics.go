// Package metrics exports Prometheus metrics for the G3 engine:
// job lifecycle, provider calls, rate-limiter pressure and event fan-out.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	JobsTotal     *prometheus.CounterVec
	ActiveJobs    prometheus.Gauge
	RepairRounds  prometheus.Histogram
	PhaseDuration *prometheus.HistogramVec

	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec
	FallbacksTotal       *prometheus.CounterVec

	LimiterWaitsTotal    prometheus.Counter
	LimiterTimeoutsTotal prometheus.Counter
	LimiterInFlight      prometheus.Gauge

	SubscribersGauge prometheus.Gauge
	EventsTotal      *prometheus.CounterVec
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		JobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "g3_jobs_total",
			Help: "Jobs by terminal status",
		}, []string{"status"}),
		ActiveJobs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "g3_active_jobs",
			Help: "Jobs currently being orchestrated",
		}),
		RepairRounds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "g3_repair_rounds",
			Help:    "Coach repair rounds consumed per job",
			Buckets: prometheus.LinearBuckets(0, 1, 8),
		}),
		PhaseDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "g3_phase_duration_seconds",
			Help:    "Wall time per orchestration phase",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"phase"}),

		ProviderCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "g3_provider_calls_total",
			Help: "Outbound AI provider calls by provider and outcome",
		}, []string{"provider", "outcome"}),
		ProviderCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "g3_provider_call_duration_seconds",
			Help:    "Latency of AI provider calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider"}),
		FallbacksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "g3_fallbacks_total",
			Help: "Primary-to-fallback model switches",
		}, []string{"operation"}),

		LimiterWaitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "g3_rate_limiter_waits_total",
			Help: "Acquire calls that had to wait for a permit or window slot",
		}),
		LimiterTimeoutsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "g3_rate_limiter_timeouts_total",
			Help: "Acquire calls that gave up before admission",
		}),
		LimiterInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "g3_rate_limiter_in_flight",
			Help: "Permits currently held",
		}),

		SubscribersGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "g3_event_subscribers",
			Help: "Live event-stream subscriber connections",
		}),
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "g3_events_total",
			Help: "Events broadcast to subscribers, by type",
		}, []string{"type"}),
	}
}
