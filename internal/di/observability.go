package di

import (
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/config"
	"github.com/jrjohn/harbor-go/internal/observability"
	"github.com/jrjohn/harbor-go/pkg/odm"
)

// ObservabilityModule provides metrics, tracing and the odm observer.
var ObservabilityModule = fx.Module("observability",
	fx.Provide(
		provideMetrics,
		provideTracing,
		provideObserver,
	),
)

func provideMetrics(lc fx.Lifecycle, cfg *observability.MetricsConfig, logger *zap.Logger) (*observability.MetricsProvider, error) {
	mp, err := observability.NewMetricsProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: mp.Shutdown})
	return mp, nil
}

func provideTracing(lc fx.Lifecycle, cfg *observability.TracingConfig, logger *zap.Logger) (*observability.TracingProvider, error) {
	tp, err := observability.NewTracingProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: tp.Shutdown})
	return tp, nil
}

func provideObserver(tp *observability.TracingProvider, mp *observability.MetricsProvider, cfg *config.DatabaseConfig) odm.Observer {
	return observability.NewOperationObserver(tp.Tracer(), mp, databaseName(cfg))
}

// databaseName is the database selected by the configured URI.
func databaseName(cfg *config.DatabaseConfig) string {
	cs, err := connstring.Parse(cfg.MongoURI())
	if err != nil || cs.Database == "" {
		return "test"
	}
	return cs.Database
}
