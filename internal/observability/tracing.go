package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	Environment    string  `mapstructure:"environment"`
	ExporterType   string  `mapstructure:"exporter_type"` // stdout, otlp-grpc, otlp-http
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool    `mapstructure:"otlp_insecure"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// DefaultTracingConfig returns default tracing configuration
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		Enabled:        false,
		ServiceName:    "harbor",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		ExporterType:   "stdout",
		OTLPEndpoint:   "localhost:4317",
		OTLPInsecure:   true,
		SamplingRate:   1.0,
	}
}

// TracingProvider owns the tracer provider spans are exported through.
type TracingProvider struct {
	config         *TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	logger         *zap.Logger
}

// NewTracingProvider creates a tracing provider. When disabled the global
// (no-op by default) tracer is used.
func NewTracingProvider(config *TracingConfig, logger *zap.Logger) (*TracingProvider, error) {
	if !config.Enabled {
		return &TracingProvider{
			config: config,
			tracer: otel.Tracer(config.ServiceName),
			logger: logger,
		}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := createExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(config.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("OpenTelemetry tracing initialized",
		zap.String("service", config.ServiceName),
		zap.String("exporter", config.ExporterType),
		zap.Float64("sampling_rate", config.SamplingRate),
	)

	return &TracingProvider{
		config:         config,
		tracerProvider: tp,
		tracer:         tp.Tracer(config.ServiceName),
		logger:         logger,
	}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

func createExporter(config *TracingConfig) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	switch config.ExporterType {
	case "", "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())

	case "otlp-grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
		if config.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))

	case "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLPEndpoint)}
		if config.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	}
	return nil, fmt.Errorf("unknown exporter type %q", config.ExporterType)
}

// Tracer returns the tracer
func (tp *TracingProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// Shutdown flushes pending spans.
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	if tp.tracerProvider != nil {
		return tp.tracerProvider.Shutdown(ctx)
	}
	return nil
}

// Attribute keys shared by spans and metrics.
var (
	AttrDBSystem     = attribute.Key("db.system")
	AttrDBName       = attribute.Key("db.name")
	AttrDBCollection = attribute.Key("db.mongodb.collection")
	AttrDBOperation  = attribute.Key("db.operation")
	AttrOutcome      = attribute.Key("harbor.outcome")
	AttrCacheResult  = attribute.Key("harbor.cache.result")
	AttrCacheHit     = attribute.Key("harbor.cache.hit")
)
