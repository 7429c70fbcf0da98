package di

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/config"
)

// AppModule aggregates all application modules
var AppModule = fx.Options(
	ConfigModule,
	LoggerModule,
	ObservabilityModule,
	CacheModule,
	ODMModule,
	MaintenanceModule,
	HTTPServerModule,
)

// New builds the application graph for cfg. Extra options are appended,
// typically fx.Populate or fx.Invoke calls from the CLI.
func New(cfg *config.Config, opts ...fx.Option) *fx.App {
	base := []fx.Option{
		fx.Supply(cfg),
		AppModule,
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	}
	return fx.New(append(base, opts...)...)
}

// PrintBanner prints the application startup banner
func PrintBanner(cfg *config.Config, logger *zap.Logger) {
	logger.Info("===========================================")
	logger.Info("                 Harbor ODM                ")
	logger.Info("===========================================")
	logger.Info("Application Info",
		zap.String("name", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)
	logger.Info("Store Config",
		zap.Bool("cache", cfg.Cache.Enabled),
		zap.String("cache_driver", string(cfg.Cache.Driver)),
		zap.Bool("auto_index", cfg.ODM.AutoIndex),
		zap.String("schema_dir", cfg.ODM.SchemaDir),
	)
	logger.Info("===========================================")
}
