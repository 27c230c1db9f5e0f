package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/lvonguyen/medguard/internal/telemetry"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics("medguard")
	b := NewMetrics("medguard")

	a.RecordRefresh("timer", true, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Refreshes.WithLabelValues("timer", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Refreshes.WithLabelValues("timer", "success")))
}

func TestRecordRefresh(t *testing.T) {
	m := NewMetrics("medguard")

	m.RecordRefresh("manual", true, 10*time.Millisecond)
	m.RecordRefresh("timer", false, 10*time.Millisecond)
	m.RecordRefresh("timer", false, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes.WithLabelValues("manual", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Refreshes.WithLabelValues("timer", "error")))
}

func TestRecordSnapshot_ReplacesKinds(t *testing.T) {
	m := NewMetrics("medguard")
	now := time.Now()

	m.RecordSnapshot(telemetry.NewSnapshot([]telemetry.SecurityEvent{
		{ID: "1", EventKind: "poisoning_check", IsAttack: true, AnomalyScore: 0.5},
		{ID: "2", EventKind: "extraction_check"},
	}, now))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttackEvents))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.AttackRate))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsByKind.WithLabelValues("poisoning_check", "attack")))

	m.RecordSnapshot(telemetry.NewSnapshot([]telemetry.SecurityEvent{
		{ID: "3", EventKind: "extraction_check"},
	}, now))

	assert.Equal(t, 2, testutil.CollectAndCount(m.EventsByKind), "poisoning_check series dropped")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AttackRate))
}

func TestRecordStage(t *testing.T) {
	m := NewMetrics("medguard")

	m.RecordStage("load_record_sets", "success", time.Second)
	m.RecordStage("load_record_sets", "timeout", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageRequests.WithLabelValues("load_record_sets", "timeout")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := NewMetrics("medguard")

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/items/{id}", "418")))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := NewMetrics("medguard")
	m.SetHealth("backend", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `medguard_health_status{component="backend"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
			logger, err := NewLogger(level, format)
			require.NoError(t, err)
			require.NotNil(t, logger)
		}
	}

	logger, err := NewLogger("bogus", "json")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel), "unknown level falls back to info")
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel), "debug disabled at info")
}

func TestNew_MetricsDisabled(t *testing.T) {
	tel, err := New(Config{ServiceName: "medguard", LogLevel: "info", LogFormat: "json"})
	require.NoError(t, err)
	assert.Nil(t, tel.Metrics())
	assert.NotNil(t, tel.Tracer())
}
