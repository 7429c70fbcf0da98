package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jrjohn/harbor-go/pkg/odm"
)

// OperationObserver reports odm operations as client spans and metrics.
type OperationObserver struct {
	tracer   trace.Tracer
	metrics  *MetricsProvider
	database string
}

var _ odm.Observer = (*OperationObserver)(nil)

// NewOperationObserver creates an observer. metrics may be nil.
func NewOperationObserver(tracer trace.Tracer, metrics *MetricsProvider, database string) *OperationObserver {
	return &OperationObserver{tracer: tracer, metrics: metrics, database: database}
}

// ObserveOperation starts a span named "<collection>.<operation>"; the
// returned func ends it and records the outcome.
func (o *OperationObserver) ObserveOperation(ctx context.Context, collection, operation string) (context.Context, func(error)) {
	ctx, span := o.tracer.Start(ctx, collection+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrDBSystem.String("mongodb"),
			AttrDBName.String(o.database),
			AttrDBCollection.String(collection),
			AttrDBOperation.String(operation),
		),
	)
	start := time.Now()
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if o.metrics != nil {
			o.metrics.RecordOperation(ctx, collection, operation, err, time.Since(start))
		}
	}
}

func (o *OperationObserver) ObserveCache(ctx context.Context, collection string, hit bool) {
	trace.SpanFromContext(ctx).AddEvent("cache lookup", trace.WithAttributes(AttrCacheHit.Bool(hit)))
	if o.metrics != nil {
		o.metrics.RecordCache(ctx, collection, hit)
	}
}
