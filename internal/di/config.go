package di

import (
	"go.uber.org/fx"

	"github.com/jrjohn/harbor-go/internal/config"
	"github.com/jrjohn/harbor-go/internal/observability"
	"github.com/jrjohn/harbor-go/internal/resilience"
)

// ConfigModule splits the supplied *config.Config into its sections.
var ConfigModule = fx.Module("config",
	fx.Provide(
		provideAppConfig,
		provideLogConfig,
		provideDatabaseConfig,
		provideRetryConfig,
		provideCacheConfig,
		provideRedisConfig,
		provideMetricsConfig,
		provideTracingConfig,
		provideODMConfig,
		provideAdminConfig,
	),
)

func provideAppConfig(cfg *config.Config) *config.AppConfig {
	return &cfg.App
}

func provideLogConfig(cfg *config.Config) *config.LogConfig {
	return &cfg.Log
}

func provideDatabaseConfig(cfg *config.Config) *config.DatabaseConfig {
	return &cfg.Database
}

func provideRetryConfig(cfg *config.Config) *resilience.RetryConfig {
	return &cfg.Retry
}

func provideCacheConfig(cfg *config.Config) *config.CacheConfig {
	return &cfg.Cache
}

func provideRedisConfig(cfg *config.Config) *config.RedisConfig {
	return &cfg.Redis
}

func provideMetricsConfig(cfg *config.Config) *observability.MetricsConfig {
	return &cfg.Metrics
}

func provideTracingConfig(cfg *config.Config) *observability.TracingConfig {
	return &cfg.Tracing
}

func provideODMConfig(cfg *config.Config) *config.ODMConfig {
	return &cfg.ODM
}

func provideAdminConfig(cfg *config.Config) *config.AdminConfig {
	return &cfg.Admin
}
