// Package metrics provides Prometheus metrics collection for the store engine.
package metrics

import (
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config controls sampling of duration observations.
type Config struct {
	// SamplingRate in [0,1]; 0 means record everything.
	SamplingRate float64
	// BufferSize is advisory for reporters that batch samples.
	BufferSize int
}

// DefaultConfig returns full sampling.
func DefaultConfig() Config {
	return Config{SamplingRate: 1.0, BufferSize: 256}
}

// Metrics holds all Prometheus collectors used by the engine.
type Metrics struct {
	config Config

	// Operation metrics
	OpsTotal   *prometheus.CounterVec
	OpDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Sync metrics
	PendingChanges       *prometheus.GaugeVec
	SyncTransitionsTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Saga metrics
	SagasTotal   *prometheus.CounterVec
	SagaDuration *prometheus.HistogramVec

	// Audit metrics
	AuditEntriesTotal *prometheus.CounterVec
}

// New creates a Metrics instance registered on the default registerer.
func New(cfg Config) *Metrics {
	return NewWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance with a custom registry.
func NewWithRegistry(cfg Config, registerer prometheus.Registerer) *Metrics {
	if cfg.SamplingRate <= 0 || cfg.SamplingRate > 1 {
		cfg.SamplingRate = 1.0
	}

	m := &Metrics{
		config: cfg,
		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of store operations",
			},
			[]string{"entity", "op", "policy", "status"},
		),
		OpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Store operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"entity", "op"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"entity"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"entity"},
		),
		PendingChanges: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "store_pending_changes",
				Help: "Current number of outstanding pending changes",
			},
			[]string{"entity"},
		),
		SyncTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_sync_transitions_total",
				Help: "Total number of sync state transitions",
			},
			[]string{"entity", "from", "to"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_errors_total",
				Help: "Total number of errors surfaced to callers",
			},
			[]string{"entity", "kind", "op"},
		),
		SagasTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_executions_total",
				Help: "Total number of saga executions by outcome",
			},
			[]string{"saga", "status"},
		),
		SagaDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "saga_duration_seconds",
				Help:    "Saga execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"saga"},
		),
		AuditEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_entries_total",
				Help: "Total number of audit entries recorded",
			},
			[]string{"action"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.OpsTotal, m.OpDuration,
			m.CacheHitsTotal, m.CacheMissesTotal,
			m.PendingChanges, m.SyncTransitionsTotal,
			m.ErrorsTotal,
			m.SagasTotal, m.SagaDuration,
			m.AuditEntriesTotal,
		)
	}
	return m
}

// ShouldSample reports whether this observation should be recorded.
func (m *Metrics) ShouldSample() bool {
	if m == nil {
		return false
	}
	if m.config.SamplingRate >= 1.0 {
		return true
	}
	return rand.Float64() < m.config.SamplingRate
}

// ObserveCache counts a cache hit or miss.
func (m *Metrics) ObserveCache(entity string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(entity).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(entity).Inc()
	}
}

// ObserveError counts an error surfaced to a caller.
func (m *Metrics) ObserveError(entity, kind, op string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(entity, kind, op).Inc()
}

// ObserveAudit counts a recorded audit entry.
func (m *Metrics) ObserveAudit(action string) {
	if m == nil {
		return
	}
	m.AuditEntriesTotal.WithLabelValues(action).Inc()
}

// SetPending tracks the outstanding pending-change count.
func (m *Metrics) SetPending(entity string, n int) {
	if m == nil {
		return
	}
	m.PendingChanges.WithLabelValues(entity).Set(float64(n))
}

// ObserveSyncTransition counts one sync state machine transition.
func (m *Metrics) ObserveSyncTransition(entity, from, to string) {
	if m == nil {
		return
	}
	m.SyncTransitionsTotal.WithLabelValues(entity, from, to).Inc()
}

// ObserveSaga records a saga outcome; duration honors sampling.
func (m *Metrics) ObserveSaga(saga, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SagasTotal.WithLabelValues(saga, status).Inc()
	if m.ShouldSample() {
		m.SagaDuration.WithLabelValues(saga).Observe(d.Seconds())
	}
}

// ObserveOp records one operation outcome; duration honors sampling.
func (m *Metrics) ObserveOp(entity, op, policy string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OpsTotal.WithLabelValues(entity, op, policy, status).Inc()
	if m.ShouldSample() {
		m.OpDuration.WithLabelValues(entity, op).Observe(d.Seconds())
	}
}
