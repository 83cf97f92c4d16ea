// Package metrics provides Prometheus metrics for the focus engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. It satisfies focus.Instruments and
// ledger.Recorder.
type Metrics struct {
	SessionsCreated     prometheus.Counter
	PhaseTransitions    *prometheus.CounterVec
	SessionsCompleted   prometheus.Counter
	SessionsAborted     prometheus.Counter
	Obstacles           *prometheus.CounterVec
	XPAwarded           prometheus.Counter
	PersistenceFailures *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
	DeadLetters         *prometheus.CounterVec
	Replays             *prometheus.CounterVec
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "focus_sessions_created_total",
			Help: "Focus sessions created.",
		}),
		PhaseTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "focus_phase_transitions_total",
				Help: "Phase transitions by source and target phase.",
			},
			[]string{"from", "to"},
		),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "focus_sessions_completed_total",
			Help: "Sessions that produced a completion record.",
		}),
		SessionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "focus_sessions_aborted_total",
			Help: "Sessions discarded by the user.",
		}),
		Obstacles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "focus_obstacles_total",
				Help: "Obstacles reported by emotional state.",
			},
			[]string{"emotional_state"},
		),
		XPAwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "focus_xp_awarded_total",
			Help: "Experience points awarded by completed sessions.",
		}),
		PersistenceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "focus_persistence_failures_total",
				Help: "Obstacle and completion writes that failed.",
			},
			[]string{"kind"},
		),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "focus_sessions_active",
			Help: "Sessions currently held in memory.",
		}),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "focus_dead_letters_total",
				Help: "Writes parked as dead letters by kind.",
			},
			[]string{"kind"},
		),
		Replays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "focus_backfill_replays_total",
				Help: "Dead-letter replays by kind and result.",
			},
			[]string{"kind", "result"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "focus_api_requests_total",
				Help: "API requests by route, method and status.",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "focus_api_request_duration_seconds",
				Help:    "API request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.SessionsCreated,
		m.PhaseTransitions,
		m.SessionsCompleted,
		m.SessionsAborted,
		m.Obstacles,
		m.XPAwarded,
		m.PersistenceFailures,
		m.SessionsActive,
		m.DeadLetters,
		m.Replays,
		m.RequestsTotal,
		m.RequestDuration,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CacheSource reports cache counters at scrape time.
type CacheSource interface {
	CacheStats() (hits, misses uint64, size int)
}

// WatchTaskCache exports the task lookup cache's hit, miss and size
// series, read from src on every scrape.
func (m *Metrics) WatchTaskCache(src CacheSource) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "focus_task_cache_hits_total",
			Help: "Task lookups served from cache.",
		}, func() float64 {
			hits, _, _ := src.CacheStats()
			return float64(hits)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "focus_task_cache_misses_total",
			Help: "Task lookups that went to the store.",
		}, func() float64 {
			_, misses, _ := src.CacheStats()
			return float64(misses)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "focus_task_cache_entries",
			Help: "Tasks currently cached.",
		}, func() float64 {
			_, _, size := src.CacheStats()
			return float64(size)
		}),
	)
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SessionCreated() { m.SessionsCreated.Inc() }

func (m *Metrics) PhaseTransition(from, to string) {
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

// SessionCompleted counts a completion and the XP it earned.
func (m *Metrics) SessionCompleted(xp int) {
	m.SessionsCompleted.Inc()
	if xp > 0 {
		m.XPAwarded.Add(float64(xp))
	}
}

func (m *Metrics) SessionAborted() { m.SessionsAborted.Inc() }

// ObstacleReported counts an obstacle; an empty state is labelled "unset".
func (m *Metrics) ObstacleReported(emotionalState string) {
	if emotionalState == "" {
		emotionalState = "unset"
	}
	m.Obstacles.WithLabelValues(emotionalState).Inc()
}

func (m *Metrics) PersistenceFailed(kind string) {
	m.PersistenceFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ActiveSessions(n int) { m.SessionsActive.Set(float64(n)) }

func (m *Metrics) DeadLettered(kind string) { m.DeadLetters.WithLabelValues(kind).Inc() }

// Replayed counts one backfill replay attempt.
func (m *Metrics) Replayed(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Replays.WithLabelValues(kind, result).Inc()
}

// RecordRequest counts an API request and observes its duration.
func (m *Metrics) RecordRequest(route, method, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(route, method, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}
