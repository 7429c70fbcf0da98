package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	PrometheusPath string `mapstructure:"prometheus_path"`
	// ListenAddr serves PrometheusPath when set, e.g. ":9464".
	ListenAddr string `mapstructure:"listen_addr"`
}

// DefaultMetricsConfig returns default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:        true,
		ServiceName:    "harbor",
		PrometheusPath: "/metrics",
	}
}

// MetricsProvider owns the OpenTelemetry meter and the Prometheus registry
// it exports to.
type MetricsProvider struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *zap.Logger
	registry      *prometheus.Registry
	handler       http.Handler

	operationsTotal   metric.Int64Counter
	operationDuration metric.Float64Histogram
	cacheLookups      metric.Int64Counter
	connections       metric.Int64UpDownCounter
}

// NewMetricsProvider creates a metrics provider. A disabled provider records
// nothing and serves 404.
func NewMetricsProvider(config *MetricsConfig, logger *zap.Logger) (*MetricsProvider, error) {
	if !config.Enabled {
		return &MetricsProvider{
			config: config,
			meter:  otel.Meter(config.ServiceName),
			logger: logger,
		}, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(meterProvider)

	mp := &MetricsProvider{
		config:        config,
		meterProvider: meterProvider,
		meter:         meterProvider.Meter(config.ServiceName),
		logger:        logger,
		registry:      registry,
		handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	if err := mp.initMetrics(); err != nil {
		return nil, err
	}

	logger.Info("OpenTelemetry metrics initialized",
		zap.String("service", config.ServiceName),
		zap.String("prometheus_path", config.PrometheusPath),
	)
	return mp, nil
}

func (mp *MetricsProvider) initMetrics() error {
	var err error

	mp.operationsTotal, err = mp.meter.Int64Counter(
		"harbor_operations_total",
		metric.WithDescription("Total number of model and query operations"),
	)
	if err != nil {
		return err
	}

	mp.operationDuration, err = mp.meter.Float64Histogram(
		"harbor_operation_duration_seconds",
		metric.WithDescription("Model and query operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	mp.cacheLookups, err = mp.meter.Int64Counter(
		"harbor_cache_lookups_total",
		metric.WithDescription("Query cache lookups by result"),
	)
	if err != nil {
		return err
	}

	mp.connections, err = mp.meter.Int64UpDownCounter(
		"harbor_open_connections",
		metric.WithDescription("Number of open store connections"),
	)
	return err
}

// RecordOperation records one operation on collection.
func (mp *MetricsProvider) RecordOperation(ctx context.Context, collection, operation string, err error, duration time.Duration) {
	if mp.operationsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrDBCollection.String(collection),
		AttrDBOperation.String(operation),
		AttrOutcome.String(outcome(err)),
	)
	mp.operationsTotal.Add(ctx, 1, attrs)
	mp.operationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCache records a query cache hit or miss.
func (mp *MetricsProvider) RecordCache(ctx context.Context, collection string, hit bool) {
	if mp.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	mp.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		AttrDBCollection.String(collection),
		AttrCacheResult.String(result),
	))
}

// ConnectionOpened and ConnectionClosed track the open connection gauge.
func (mp *MetricsProvider) ConnectionOpened(ctx context.Context, database string) {
	if mp.connections != nil {
		mp.connections.Add(ctx, 1, metric.WithAttributes(AttrDBName.String(database)))
	}
}

func (mp *MetricsProvider) ConnectionClosed(ctx context.Context, database string) {
	if mp.connections != nil {
		mp.connections.Add(ctx, -1, metric.WithAttributes(AttrDBName.String(database)))
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns an HTTP handler for Prometheus metrics
func (mp *MetricsProvider) Handler() http.Handler {
	if mp.handler != nil {
		return mp.handler
	}
	return http.NotFoundHandler()
}

// Registry returns the Prometheus registry, or nil when disabled.
func (mp *MetricsProvider) Registry() *prometheus.Registry {
	return mp.registry
}

// Meter returns the meter for creating custom metrics
func (mp *MetricsProvider) Meter() metric.Meter {
	return mp.meter
}

// Shutdown flushes and stops the meter provider.
func (mp *MetricsProvider) Shutdown(ctx context.Context) error {
	if mp.meterProvider != nil {
		return mp.meterProvider.Shutdown(ctx)
	}
	return nil
}
