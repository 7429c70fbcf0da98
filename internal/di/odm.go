package di

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/config"
	"github.com/jrjohn/harbor-go/internal/observability"
	"github.com/jrjohn/harbor-go/internal/resilience"
	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
	"github.com/jrjohn/harbor-go/pkg/odm"
	"github.com/jrjohn/harbor-go/pkg/odm/schemafile"
	"github.com/jrjohn/harbor-go/pkg/store"
)

// ODMModule provides the connection and ties it to the app lifecycle.
var ODMModule = fx.Module("odm",
	fx.Provide(provideConnection),
	fx.Invoke(connectDatabase),
)

// ConnectionParams groups the connection dependencies. Dialer is optional
// and replaces the MongoDB driver, which tests use to run on memstore.
type ConnectionParams struct {
	fx.In

	Logger   *zap.Logger
	Observer odm.Observer
	Cache    odm.Cache
	CacheCfg *config.CacheConfig
	Retry    *resilience.RetryConfig
	Dialer   store.Dialer `optional:"true"`
}

func provideConnection(p ConnectionParams) *odm.Connection {
	opts := []odm.Option{
		odm.WithLogger(p.Logger.Named("odm")),
		odm.WithObserver(p.Observer),
		odm.WithRetry(p.Retry),
	}
	if p.Cache != nil {
		opts = append(opts, odm.WithCache(p.Cache), odm.WithCacheTTL(p.CacheCfg.TTL))
	}
	if p.Dialer != nil {
		opts = append(opts, odm.WithDialer(p.Dialer))
	}
	return odm.NewConnection(opts...)
}

func connectDatabase(
	lc fx.Lifecycle,
	conn *odm.Connection,
	dbCfg *config.DatabaseConfig,
	odmCfg *config.ODMConfig,
	metrics *observability.MetricsProvider,
	logger *zap.Logger,
) {
	var database string
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := conn.Connect(ctx, dbCfg.MongoURI(), dbCfg.ClientOptions()); err != nil {
				return fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			database = conn.Name()
			metrics.ConnectionOpened(ctx, database)

			if odmCfg.SchemaDir != "" {
				if _, err := RegisterSchemas(conn.Registry(), odmCfg.SchemaDir, odmCfg.StrictRegistration, logger); err != nil {
					return err
				}
			}
			if odmCfg.AutoIndex {
				if _, err := SyncIndexes(ctx, conn, logger); err != nil {
					return err
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := conn.Disconnect(ctx); err != nil {
				return err
			}
			metrics.ConnectionClosed(ctx, database)
			return nil
		},
	})
}

// RegisterSchemas registers every schema file in dir. A name already
// registered with another schema is skipped with a warning unless strict.
func RegisterSchemas(reg *odm.Registry, dir string, strict bool, logger *zap.Logger) ([]*odm.Model, error) {
	files, err := schemafile.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	models := make([]*odm.Model, 0, len(files))
	for _, f := range files {
		m, err := f.Register(reg)
		switch {
		case err == nil:
			logger.Info("Registered model",
				zap.String("model", m.Name()),
				zap.String("collection", m.CollectionName()),
				zap.String("file", f.Path),
			)
			models = append(models, m)
		case apperrors.Is(err, apperrors.ErrSchemaMismatch) && !strict:
			logger.Warn("Model already registered, skipping schema file",
				zap.String("model", f.Model),
				zap.String("file", f.Path),
			)
		default:
			return models, fmt.Errorf("register %s: %w", f.Path, err)
		}
	}
	return models, nil
}

// IndexReport is the SyncIndexes outcome for one model.
type IndexReport struct {
	Model      string
	Collection string
	Created    []string
	Dropped    []string
}

// SyncIndexes syncs the indexes of every registered model whose schema
// enables auto indexing, in registration order.
func SyncIndexes(ctx context.Context, conn *odm.Connection, logger *zap.Logger) ([]IndexReport, error) {
	var reports []IndexReport
	for _, m := range conn.Registry().Models() {
		if !m.Schema().Options().AutoIndex {
			continue
		}
		res, err := m.SyncIndexes(ctx)
		if err != nil {
			return reports, fmt.Errorf("sync indexes for %s: %w", m.Name(), err)
		}
		logger.Info("Synced indexes",
			zap.String("model", m.Name()),
			zap.Strings("created", res.Created),
			zap.Strings("dropped", res.Dropped),
		)
		reports = append(reports, IndexReport{
			Model:      m.Name(),
			Collection: m.CollectionName(),
			Created:    res.Created,
			Dropped:    res.Dropped,
		})
	}
	return reports, nil
}
