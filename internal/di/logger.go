package di

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/config"
	"github.com/jrjohn/harbor-go/pkg/logger"
)

// LoggerModule provides logging dependencies
var LoggerModule = fx.Module("logger",
	fx.Provide(provideLogger),
)

func provideLogger(lc fx.Lifecycle, cfg *config.LogConfig) (*zap.Logger, error) {
	log, err := logger.New(cfg.Logger())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			// Sync returns EINVAL on stdout terminals.
			_ = log.Sync()
			return nil
		},
	})
	return log, nil
}
