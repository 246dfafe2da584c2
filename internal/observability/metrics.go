// Package observability exposes the runtime's metrics and the health/metrics
// HTTP endpoint. Metrics live on a private registry so multiple runtimes in
// one process (tests included) never collide.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"sibyl/internal/budget"
	"sibyl/internal/fault"
	"sibyl/internal/scheduler"
)

// Metrics is the full instrument set for one runtime.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
	CacheHitsTotal prometheus.Counter
	CacheMissTotal prometheus.Counter
	TokensTotal    *prometheus.CounterVec
	CostUSDTotal   prometheus.Counter
	RetriesTotal   prometheus.Counter
	RotationsTotal *prometheus.CounterVec
	IntegrityTotal *prometheus.CounterVec

	RequestDuration  *prometheus.HistogramVec
	RotationHandoff  prometheus.Histogram
	CompressionRatio prometheus.Histogram

	ActiveRequests prometheus.Gauge
	ActiveSessions prometheus.GaugeFunc // bound by RegisterActiveSessions
	BudgetUtilized *prometheus.GaugeVec
}

// NewMetrics builds the instrument set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sibyl_requests_total",
			Help: "Model calls by provider, model, and terminal status.",
		}, []string{"provider", "model", "status"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sibyl_errors_total",
			Help: "Errors by taxonomy kind.",
		}, []string{"kind"}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sibyl_cache_hits_total",
			Help: "Memoizer hits.",
		}),
		CacheMissTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sibyl_cache_misses_total",
			Help: "Memoizer misses.",
		}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sibyl_tokens_total",
			Help: "Tokens by model and direction (in/out).",
		}, []string{"model", "direction"}),
		CostUSDTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sibyl_cost_usd_total",
			Help: "Accumulated provider cost in USD.",
		}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sibyl_retries_total",
			Help: "Retry attempts beyond the original call.",
		}),
		RotationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sibyl_session_rotations_total",
			Help: "Session rotations by trigger and strategy.",
		}, []string{"trigger", "strategy"}),
		IntegrityTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sibyl_integrity_repairs_total",
			Help: "Boot-time integrity repairs by finding.",
		}, []string{"finding"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sibyl_request_duration_seconds",
			Help:    "Model call latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "model"}),
		RotationHandoff: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sibyl_rotation_handoff_ms",
			Help:    "Rotation swap handoff time in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		CompressionRatio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sibyl_compression_ratio",
			Help:    "Original context size relative to its summary.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sibyl_active_requests",
			Help: "Model calls currently in flight.",
		}),
		BudgetUtilized: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sibyl_budget_utilization_pct",
			Help: "Conversation budget utilization percent.",
		}, []string{"conversation"}),
	}
}

// Registry exposes the private registry for the metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RegisterActiveSessions binds the active-session gauge to a live count,
// sampled at scrape time.
func (m *Metrics) RegisterActiveSessions(count func() float64) {
	m.ActiveSessions = promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sibyl_active_sessions",
		Help: "Sessions currently active.",
	}, count)
}

// ObserveInflight satisfies the scheduler's in-flight hook: the gauge moves
// up when a provider call starts and back down when it returns.
func (m *Metrics) ObserveInflight(delta int) {
	m.ActiveRequests.Add(float64(delta))
}

// ObserveUtilization records a conversation's budget utilization percent.
func (m *Metrics) ObserveUtilization(conversationID string, pct float64) {
	m.BudgetUtilized.WithLabelValues(conversationID).Set(pct)
}

// ObserveCall satisfies the scheduler's observer hook: every settled
// submission lands here.
func (m *Metrics) ObserveCall(spec scheduler.CallSpec, res scheduler.Result, err error) {
	status := "succeeded"
	if err != nil {
		status = string(fault.KindOf(err))
		m.ErrorsTotal.WithLabelValues(string(fault.KindOf(err))).Inc()
	}
	m.RequestsTotal.WithLabelValues(spec.Provider, spec.ModelName, status).Inc()
	if err != nil {
		return
	}

	if res.Cached {
		m.CacheHitsTotal.Inc()
		return
	}
	m.CacheMissTotal.Inc()
	m.TokensTotal.WithLabelValues(spec.ModelName, "in").Add(float64(res.TokensIn))
	m.TokensTotal.WithLabelValues(spec.ModelName, "out").Add(float64(res.TokensOut))
	m.CostUSDTotal.Add(budget.MicroToDollars(res.CostUSDMicro))
	m.RequestDuration.WithLabelValues(spec.Provider, spec.ModelName).
		Observe(float64(res.LatencyMillis) / 1000)
	if res.Attempts > 1 {
		m.RetriesTotal.Add(float64(res.Attempts - 1))
	}
}

// ObserveRotation records one completed rotation swap.
func (m *Metrics) ObserveRotation(trigger, strategy string, handoffMillis int64, compressionRatio float64) {
	m.RotationsTotal.WithLabelValues(trigger, strategy).Inc()
	m.RotationHandoff.Observe(float64(handoffMillis))
	if compressionRatio > 0 {
		m.CompressionRatio.Observe(compressionRatio)
	}
}
