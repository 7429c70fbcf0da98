package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// ── MetricsConfig ────────────────────────────────────────────────────────────

func TestDefaultMetricsConfig(t *testing.T) {
	cfg := DefaultMetricsConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "harbor", cfg.ServiceName)
	assert.Equal(t, "/metrics", cfg.PrometheusPath)
	assert.Empty(t, cfg.ListenAddr)
}

// ── MetricsProvider ──────────────────────────────────────────────────────────

func TestMetricsProvider_Disabled_NoOp(t *testing.T) {
	mp, err := NewMetricsProvider(&MetricsConfig{Enabled: false, ServiceName: "test"}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		mp.RecordOperation(ctx, "users", "find", nil, time.Millisecond)
		mp.RecordCache(ctx, "users", true)
		mp.ConnectionOpened(ctx, "test")
		mp.ConnectionClosed(ctx, "test")
	})
	assert.Nil(t, mp.Registry())
	assert.NotNil(t, mp.Meter())
	assert.NoError(t, mp.Shutdown(ctx))

	rr := httptest.NewRecorder()
	mp.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func newEnabledMetrics(t *testing.T) *MetricsProvider {
	t.Helper()
	cfg := DefaultMetricsConfig()
	cfg.ServiceName = "harbor-test"
	mp, err := NewMetricsProvider(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return mp
}

// family gathers the registry and returns the named metric family.
func family(t *testing.T, mp *MetricsProvider, name string) *dto.MetricFamily {
	t.Helper()
	families, err := mp.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func label(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestMetricsProvider_RecordsOperations(t *testing.T) {
	mp := newEnabledMetrics(t)
	ctx := context.Background()

	mp.RecordOperation(ctx, "users", "save", nil, 5*time.Millisecond)
	mp.RecordOperation(ctx, "users", "save", nil, 5*time.Millisecond)
	mp.RecordOperation(ctx, "users", "save", errors.New("boom"), time.Millisecond)

	counts := map[string]float64{}
	for _, m := range family(t, mp, "harbor_operations_total").GetMetric() {
		assert.Equal(t, "users", label(m, "db_mongodb_collection"))
		assert.Equal(t, "save", label(m, "db_operation"))
		counts[label(m, "harbor_outcome")] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"ok": 2, "error": 1}, counts)

	hist := family(t, mp, "harbor_operation_duration_seconds")
	assert.Equal(t, dto.MetricType_HISTOGRAM, hist.GetType())
}

func TestMetricsProvider_CacheAndConnections(t *testing.T) {
	mp := newEnabledMetrics(t)
	ctx := context.Background()

	mp.RecordCache(ctx, "users", true)
	mp.RecordCache(ctx, "users", false)
	mp.RecordCache(ctx, "users", false)
	mp.ConnectionOpened(ctx, "app")
	mp.ConnectionOpened(ctx, "app")
	mp.ConnectionClosed(ctx, "app")

	lookups := map[string]float64{}
	for _, m := range family(t, mp, "harbor_cache_lookups_total").GetMetric() {
		lookups[label(m, "harbor_cache_result")] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"hit": 1, "miss": 2}, lookups)

	conns := family(t, mp, "harbor_open_connections").GetMetric()
	require.Len(t, conns, 1)
	assert.Equal(t, 1.0, conns[0].GetGauge().GetValue())
}

func TestMetricsProvider_Handler_Enabled(t *testing.T) {
	mp := newEnabledMetrics(t)
	mp.RecordOperation(context.Background(), "posts", "find", nil, time.Millisecond)

	rr := httptest.NewRecorder()
	mp.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "harbor_operations_total"))
}

// ── TracingProvider ──────────────────────────────────────────────────────────

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "harbor", cfg.ServiceName)
	assert.Equal(t, "stdout", cfg.ExporterType)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SamplingRate)
}

func TestNewTracingProvider_Disabled(t *testing.T) {
	tp, err := NewTracingProvider(&TracingConfig{ServiceName: "test"}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, tp.Tracer())
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewTracingProvider_Exporters(t *testing.T) {
	tests := []struct {
		exporter string
		wantErr  bool
	}{
		{"stdout", false},
		{"otlp-grpc", false},
		{"otlp-http", false},
		{"jaeger", true},
	}
	for _, tt := range tests {
		t.Run(tt.exporter, func(t *testing.T) {
			cfg := DefaultTracingConfig()
			cfg.Enabled = true
			cfg.ExporterType = tt.exporter
			tp, err := NewTracingProvider(cfg, zap.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		})
	}
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), sampler(0.25).Description())
}

// ── OperationObserver ────────────────────────────────────────────────────────

func TestOperationObserver(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	mp := newEnabledMetrics(t)
	obs := NewOperationObserver(tp.Tracer("test"), mp, "app")

	ctx, finish := obs.ObserveOperation(context.Background(), "users", "find")
	obs.ObserveCache(ctx, "users", false)
	finish(nil)

	_, finish = obs.ObserveOperation(context.Background(), "users", "save")
	finish(errors.New("duplicate key"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "users.find", spans[0].Name())
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "cache lookup", spans[0].Events()[0].Name)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, "users.save", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "duplicate key", spans[1].Status().Description)

	var ops float64
	for _, m := range family(t, mp, "harbor_operations_total").GetMetric() {
		ops += m.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, ops)
}

func TestOperationObserver_WithoutMetrics(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	obs := NewOperationObserver(tp.Tracer("test"), nil, "app")

	assert.NotPanics(t, func() {
		ctx, finish := obs.ObserveOperation(context.Background(), "posts", "count")
		obs.ObserveCache(ctx, "posts", true)
		finish(nil)
	})
	assert.Len(t, recorder.Ended(), 1)
}
