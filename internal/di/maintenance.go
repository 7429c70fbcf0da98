package di

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/config"
	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
	"github.com/jrjohn/harbor-go/pkg/odm"
	"github.com/jrjohn/harbor-go/pkg/odm/schemafile"
)

const maintenanceTimeout = time.Minute

// MaintenanceModule runs the optional schema watcher and the scheduled
// index sync. Both start after the connection is up.
var MaintenanceModule = fx.Module("maintenance",
	fx.Invoke(watchSchemas),
	fx.Invoke(scheduleIndexSync),
)

func watchSchemas(lc fx.Lifecycle, conn *odm.Connection, cfg *config.ODMConfig, logger *zap.Logger) {
	if !cfg.WatchSchemas || cfg.SchemaDir == "" {
		return
	}
	var watcher *fsnotify.Watcher
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			w, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			if err := w.Add(cfg.SchemaDir); err != nil {
				_ = w.Close()
				return err
			}
			watcher = w
			logger.Info("Watching schema directory", zap.String("dir", cfg.SchemaDir))
			go func() {
				defer close(done)
				seen := make(map[string][]byte)
				for {
					select {
					case event, ok := <-w.Events:
						if !ok {
							return
						}
						if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
							registerSchemaFile(conn, event.Name, seen, cfg, logger)
						}
					case err, ok := <-w.Errors:
						if !ok {
							return
						}
						logger.Error("Schema watcher error", zap.Error(err))
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if watcher == nil {
				return nil
			}
			err := watcher.Close()
			<-done
			return err
		},
	})
}

// registerSchemaFile handles one changed file. seen holds the last content
// handled per path so repeated write events are ignored. Files that fail to
// parse are logged and skipped.
func registerSchemaFile(conn *odm.Connection, path string, seen map[string][]byte, cfg *config.ODMConfig, logger *zap.Logger) {
	format, err := schemafile.FormatOf(path)
	if err != nil {
		return
	}
	log := logger.With(zap.String("file", filepath.Base(path)))

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("Skipping unreadable schema file", zap.Error(err))
		return
	}
	if prev, ok := seen[path]; ok && bytes.Equal(prev, data) {
		return
	}
	f, err := schemafile.Parse(data, format, path)
	if err != nil {
		log.Warn("Skipping invalid schema file", zap.Error(err))
		return
	}
	seen[path] = data
	m, err := f.Register(conn.Registry())
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSchemaMismatch) {
			log.Warn("Model already registered, restart to apply schema changes", zap.String("model", f.Model))
		} else {
			log.Error("Failed to register schema file", zap.Error(err))
		}
		return
	}
	log.Info("Registered model", zap.String("model", m.Name()), zap.String("collection", m.CollectionName()))

	if !cfg.AutoIndex || !m.Schema().Options().AutoIndex {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()
	if _, err := m.SyncIndexes(ctx); err != nil {
		log.Error("Failed to sync indexes", zap.String("model", m.Name()), zap.Error(err))
	}
}

func scheduleIndexSync(lc fx.Lifecycle, conn *odm.Connection, cfg *config.ODMConfig, logger *zap.Logger) error {
	if cfg.SyncSchedule == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(cfg.SyncSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
		defer cancel()
		if _, err := SyncIndexes(ctx, conn, logger); err != nil {
			logger.Error("Scheduled index sync failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("Scheduling index sync", zap.String("schedule", cfg.SyncSchedule))
			c.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
	return nil
}
