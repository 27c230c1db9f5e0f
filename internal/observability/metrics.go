package observability

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lvonguyen/medguard/internal/telemetry"
)

// Metrics holds Prometheus metrics for MedGuard. Each instance owns its
// registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Telemetry refresh metrics
	Refreshes       *prometheus.CounterVec
	RefreshDuration *prometheus.HistogramVec

	// Snapshot metrics
	EventsTotal      prometheus.Gauge
	AttackEvents     prometheus.Gauge
	AttackRate       prometheus.Gauge
	MeanAnomalyScore prometheus.Gauge
	EventsByKind     *prometheus.GaugeVec

	// Workflow stage metrics
	StageRequests *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	// Rate limiting
	RateLimited *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all metrics under namespace on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telemetry_refreshes_total",
				Help:      "Telemetry refreshes by trigger and status",
			},
			[]string{"trigger", "status"},
		),
		RefreshDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "telemetry_refresh_duration_seconds",
				Help:      "Telemetry refresh duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"trigger"},
		),
		EventsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "telemetry_events",
				Help:      "Events in the current snapshot",
			},
		),
		AttackEvents: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "telemetry_attack_events",
				Help:      "Attack events in the current snapshot",
			},
		),
		AttackRate: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "telemetry_attack_rate",
				Help:      "Fraction of events in the current snapshot flagged as attacks",
			},
		),
		MeanAnomalyScore: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "telemetry_mean_anomaly_score",
				Help:      "Mean anomaly score of the current snapshot",
			},
		),
		EventsByKind: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "telemetry_events_by_kind",
				Help:      "Events in the current snapshot by kind",
			},
			[]string{"kind", "class"},
		),
		StageRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_stage_requests_total",
				Help:      "Workflow stage requests by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_stage_duration_seconds",
				Help:      "Workflow stage request duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"action"},
		),
		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"backend"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		HealthStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_status",
				Help:      "Health status of components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRefresh records one telemetry refresh.
func (m *Metrics) RecordRefresh(trigger string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.Refreshes.WithLabelValues(trigger, status).Inc()
	m.RefreshDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordSnapshot publishes the derived metrics of a new snapshot.
func (m *Metrics) RecordSnapshot(s *telemetry.Snapshot) {
	m.EventsTotal.Set(float64(s.Total))
	m.AttackEvents.Set(float64(s.AttackCount))
	m.AttackRate.Set(s.AttackRate)
	m.MeanAnomalyScore.Set(s.MeanAnomalyScore)

	// Kinds absent from the new snapshot must not keep their old values.
	m.EventsByKind.Reset()
	for kind, ks := range s.ByKind {
		m.EventsByKind.WithLabelValues(kind, "total").Set(float64(ks.Count))
		m.EventsByKind.WithLabelValues(kind, "attack").Set(float64(ks.Attacks))
	}
}

// RecordStage records one workflow stage request.
func (m *Metrics) RecordStage(action, outcome string, duration time.Duration) {
	m.StageRequests.WithLabelValues(action, outcome).Inc()
	m.StageDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordRateLimited counts a rejected request.
func (m *Metrics) RecordRateLimited(backend string) {
	m.RateLimited.WithLabelValues(backend).Inc()
}

// SetHealth sets the health gauge of component.
func (m *Metrics) SetHealth(component string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.HealthStatus.WithLabelValues(component).Set(v)
}

// Middleware records request counts and latencies by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// StartSystemMetricsCollector samples goroutine and memory usage every
// interval until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				m.MemoryUsage.Set(float64(ms.Alloc))
			}
		}
	}()
}
