package di

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/config"
	"github.com/jrjohn/harbor-go/pkg/cache/rediscache"
	"github.com/jrjohn/harbor-go/pkg/odm"
)

// CacheModule provides the lean query cache, or a nil odm.Cache when
// caching is disabled.
var CacheModule = fx.Module("cache",
	fx.Provide(provideCache),
)

func provideCache(lc fx.Lifecycle, cfg *config.CacheConfig, redisCfg *config.RedisConfig, logger *zap.Logger) (odm.Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Driver {
	case config.CacheMemory:
		logger.Info("Using in-memory query cache", zap.Duration("ttl", cfg.TTL))
		return odm.NewMemoryCache(), nil
	case config.CacheRedis:
		client, err := provideRedisClient(lc, redisCfg, logger)
		if err != nil {
			return nil, err
		}
		var opts []rediscache.Option
		if cfg.Prefix != "" {
			opts = append(opts, rediscache.WithPrefix(cfg.Prefix))
		}
		return rediscache.New(client, opts...), nil
	}
	return nil, fmt.Errorf("unsupported cache driver: %s", cfg.Driver)
}

func provideRedisClient(lc fx.Lifecycle, cfg *config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("Closing Redis connection")
			return client.Close()
		},
	})

	return client, nil
}
