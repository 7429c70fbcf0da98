package di

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	zapobs "go.uber.org/zap/zaptest/observer"

	"github.com/jrjohn/harbor-go/internal/admin"
	"github.com/jrjohn/harbor-go/internal/config"
	"github.com/jrjohn/harbor-go/internal/resilience"
	"github.com/jrjohn/harbor-go/internal/testutil"
	"github.com/jrjohn/harbor-go/pkg/odm"
	"github.com/jrjohn/harbor-go/pkg/store/memstore"
)

const userYAML = `
model: User
options:
  timestamps: true
fields:
  email: {type: String, required: true, unique: true}
  age: Number
`

const auditYAML = `
model: Audit
collection: audit_log
options:
  autoIndex: false
fields:
  action: {type: String, index: true}
`

func writeSchemas(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Log.Level = "error"
	cfg.Retry = *resilience.NoRetry()
	cfg.Tracing.Enabled = false
	cfg.Database.URI = "mongodb://localhost:27017/harbor_di"
	return cfg
}

func TestPrintBanner(t *testing.T) {
	core, logs := zapobs.New(zapcore.InfoLevel)
	cfg := &config.Config{
		App: config.AppConfig{Name: "test-app", Version: "1.0.0", Environment: "test"},
		ODM: config.ODMConfig{SchemaDir: "./schemas"},
	}

	PrintBanner(cfg, zap.New(core))

	info := logs.FilterMessage("Application Info").All()
	require.Len(t, info, 1)
	assert.Equal(t, "test-app", info[0].ContextMap()["name"])
	store := logs.FilterMessage("Store Config").All()
	require.Len(t, store, 1)
	assert.Equal(t, "./schemas", store[0].ContextMap()["schema_dir"])
}

func TestProvideLogger(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	logger, err := provideLogger(lc, &config.LogConfig{Level: "debug", Encoding: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	lc.RequireStart().RequireStop()
}

func TestProvideLogger_InvalidLevel(t *testing.T) {
	_, err := provideLogger(fxtest.NewLifecycle(t), &config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestProvideCache(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("disabled", func(t *testing.T) {
		cache, err := provideCache(fxtest.NewLifecycle(t), &config.CacheConfig{Driver: config.CacheMemory}, &config.RedisConfig{}, logger)
		require.NoError(t, err)
		assert.Nil(t, cache)
	})

	t.Run("memory", func(t *testing.T) {
		cache, err := provideCache(fxtest.NewLifecycle(t), &config.CacheConfig{Enabled: true, Driver: config.CacheMemory, TTL: time.Minute}, &config.RedisConfig{}, logger)
		require.NoError(t, err)
		assert.IsType(t, &odm.MemoryCache{}, cache)
	})

	t.Run("redis unreachable", func(t *testing.T) {
		_, err := provideCache(fxtest.NewLifecycle(t), &config.CacheConfig{Enabled: true, Driver: config.CacheRedis, TTL: time.Minute}, &config.RedisConfig{Host: "127.0.0.1", Port: 1}, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to Redis")
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, err := provideCache(fxtest.NewLifecycle(t), &config.CacheConfig{Enabled: true, Driver: "memcached"}, &config.RedisConfig{}, logger)
		assert.Error(t, err)
	})
}

func TestDatabaseName(t *testing.T) {
	assert.Equal(t, "orders", databaseName(&config.DatabaseConfig{URI: "mongodb://db/orders"}))
	assert.Equal(t, "test", databaseName(&config.DatabaseConfig{URI: "mongodb://db"}))
	assert.Equal(t, "stock", databaseName(&config.DatabaseConfig{Host: "db", Port: 27017, Name: "stock"}))
}

func TestRegisterSchemas(t *testing.T) {
	dir := writeSchemas(t, map[string]string{"user.yaml": userYAML, "audit.yaml": auditYAML})

	t.Run("registers every file", func(t *testing.T) {
		conn := odm.NewConnection()
		models, err := RegisterSchemas(conn.Registry(), dir, true, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.Len(t, models, 2)
		assert.ElementsMatch(t, []string{"Audit", "User"}, conn.Registry().Names())
	})

	t.Run("conflict warns when not strict", func(t *testing.T) {
		core, logs := zapobs.New(zapcore.WarnLevel)
		conn := odm.NewConnection()
		conn.Model("User", odm.NewSchema(odm.Def("name", "String")))

		models, err := RegisterSchemas(conn.Registry(), dir, false, zap.New(core))
		require.NoError(t, err)
		require.Len(t, models, 1)
		assert.Equal(t, "Audit", models[0].Name())
		assert.Equal(t, 1, logs.FilterMessage("Model already registered, skipping schema file").Len())
	})

	t.Run("conflict fails when strict", func(t *testing.T) {
		conn := odm.NewConnection()
		conn.Model("User", odm.NewSchema(odm.Def("name", "String")))

		_, err := RegisterSchemas(conn.Registry(), dir, true, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "user.yaml")
	})

	t.Run("missing dir", func(t *testing.T) {
		_, err := RegisterSchemas(odm.NewConnection().Registry(), filepath.Join(dir, "absent"), false, zaptest.NewLogger(t))
		assert.Error(t, err)
	})
}

func TestApp_Lifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.ODM.SchemaDir = writeSchemas(t, map[string]string{"user.yaml": userYAML, "audit.yaml": auditYAML})
	cfg.Cache.Enabled = true

	db := memstore.New("harbor_di")
	var conn *odm.Connection
	app := fxtest.New(t,
		fx.Supply(cfg),
		AppModule,
		fx.Supply(memstore.Dialer(db)),
		fx.Populate(&conn),
	)
	app.RequireStart()

	require.Equal(t, odm.Connected, conn.ReadyState())
	assert.Equal(t, "harbor_di", conn.Name())

	users, ok := conn.Registry().Lookup("User")
	require.True(t, ok)
	indexes, err := users.ListIndexes(ctx)
	require.NoError(t, err)
	var names []string
	for _, idx := range indexes {
		names = append(names, idx["name"].(string))
	}
	assert.ElementsMatch(t, []string{"_id_", "email_1"}, names)

	// autoIndex: false leaves the audit collection alone.
	audit, ok := conn.Registry().Lookup("Audit")
	require.True(t, ok)
	auditIndexes, err := audit.ListIndexes(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(auditIndexes), 1)

	// The configured TTL caches lean reads.
	_, err = users.Create(ctx, bson.M{"email": "a@b.io", "age": 30})
	require.NoError(t, err)
	_, err = users.Find(nil).Records(ctx)
	require.NoError(t, err)

	app.RequireStop()
	assert.Equal(t, odm.Disconnected, conn.ReadyState())
}

func TestApp_ConnectFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.URI = "mongodb://127.0.0.1:1/harbor_di"
	cfg.Database.ServerSelectionTimeout = 200 * time.Millisecond

	app := fx.New(
		fx.Supply(cfg),
		AppModule,
		fx.NopLogger,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := app.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to MongoDB")
}

func TestApp_BadListenAddr(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.ListenAddr = "not-an-address"

	app := fx.New(
		fx.Supply(cfg),
		AppModule,
		fx.Supply(memstore.Dialer(memstore.New("harbor_di"))),
		fx.NopLogger,
	)
	err := app.Start(context.Background())
	require.Error(t, err)
	_ = app.Stop(context.Background())
}

func TestApp_AdminAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Admin.JWTSecret = "s3cret"
	cfg.Admin.JWTIssuer = "harbor"

	var router *gin.Engine
	app := fxtest.New(t,
		fx.Supply(cfg),
		AppModule,
		fx.Supply(memstore.Dialer(memstore.New("harbor_di_auth"))),
		fx.Populate(&router),
	)
	app.RequireStart()
	defer app.RequireStop()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/models", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := admin.NewAuthenticator("s3cret", "harbor").Issue("ops", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSyncIndexes_Reports(t *testing.T) {
	ctx := context.Background()
	conn := odm.NewConnection(
		odm.WithDialer(memstore.Dialer(memstore.New("harbor_di"))),
		odm.WithRetry(resilience.NoRetry()),
	)
	require.NoError(t, conn.Connect(ctx, "mongodb://localhost/harbor_di"))
	defer conn.Disconnect(ctx)

	_, err := RegisterSchemas(conn.Registry(), writeSchemas(t, map[string]string{"user.yaml": userYAML, "audit.yaml": auditYAML}), true, zaptest.NewLogger(t))
	require.NoError(t, err)

	reports, err := SyncIndexes(ctx, conn, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "User", reports[0].Model)
	assert.Equal(t, "users", reports[0].Collection)
	assert.Equal(t, []string{"email_1"}, reports[0].Created)
	assert.Empty(t, reports[0].Dropped)
}

const widgetYAML = `
model: Widget
fields:
  sku: {type: String, unique: true}
`

func indexNames(t *testing.T, m *odm.Model) []string {
	t.Helper()
	indexes, err := m.ListIndexes(context.Background())
	require.NoError(t, err)
	var names []string
	for _, idx := range indexes {
		names = append(names, idx["name"].(string))
	}
	return names
}

func TestWatchSchemas(t *testing.T) {
	cfg := testConfig(t)
	cfg.ODM.SchemaDir = writeSchemas(t, map[string]string{"user.yaml": userYAML})
	cfg.ODM.WatchSchemas = true

	var conn *odm.Connection
	app := fxtest.New(t,
		fx.Supply(cfg),
		AppModule,
		fx.Supply(memstore.Dialer(memstore.New("harbor_di"))),
		fx.Populate(&conn),
	)
	app.RequireStart()
	defer app.RequireStop()

	require.NoError(t, os.WriteFile(filepath.Join(cfg.ODM.SchemaDir, "widget.yaml"), []byte(widgetYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ODM.SchemaDir, "notes.txt"), []byte("ignored"), 0o600))

	testutil.WaitForCondition(t, 5*time.Second, func() bool {
		_, ok := conn.Registry().Lookup("Widget")
		return ok
	}, "widget model registered")

	widgets, _ := conn.Registry().Lookup("Widget")
	testutil.WaitForCondition(t, 5*time.Second, func() bool {
		for _, name := range indexNames(t, widgets) {
			if name == "sku_1" {
				return true
			}
		}
		return false
	}, "widget indexes synced")
	assert.ElementsMatch(t, []string{"User", "Widget"}, conn.Registry().Names())
}

func TestRegisterSchemaFile_SkipsRepeatsAndBadFiles(t *testing.T) {
	core, logs := zapobs.New(zapcore.DebugLevel)
	logger := zap.New(core)
	dir := writeSchemas(t, map[string]string{"widget.yaml": widgetYAML, "broken.yaml": "fields: [", "readme.md": "x"})
	conn := odm.NewConnection()
	cfg := &config.ODMConfig{}
	seen := make(map[string][]byte)

	registerSchemaFile(conn, filepath.Join(dir, "widget.yaml"), seen, cfg, logger)
	registerSchemaFile(conn, filepath.Join(dir, "widget.yaml"), seen, cfg, logger)
	registerSchemaFile(conn, filepath.Join(dir, "broken.yaml"), seen, cfg, logger)
	registerSchemaFile(conn, filepath.Join(dir, "readme.md"), seen, cfg, logger)

	assert.Equal(t, []string{"Widget"}, conn.Registry().Names())
	assert.Equal(t, 1, logs.FilterMessage("Registered model").Len())
	assert.Equal(t, 1, logs.FilterMessage("Skipping invalid schema file").Len())
	assert.Zero(t, logs.FilterMessage("Model already registered, restart to apply schema changes").Len())

	// A changed file for a registered model is reported, not applied.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "widget.yaml"), []byte(widgetYAML+"  color: String\n"), 0o600))
	registerSchemaFile(conn, filepath.Join(dir, "widget.yaml"), seen, cfg, logger)
	assert.Equal(t, 1, logs.FilterMessage("Model already registered, restart to apply schema changes").Len())
}

func TestScheduleIndexSync(t *testing.T) {
	cfg := testConfig(t)
	cfg.ODM.SchemaDir = writeSchemas(t, map[string]string{"user.yaml": userYAML})
	cfg.ODM.AutoIndex = false
	cfg.ODM.SyncSchedule = "@every 1s"

	var conn *odm.Connection
	app := fxtest.New(t,
		fx.Supply(cfg),
		AppModule,
		fx.Supply(memstore.Dialer(memstore.New("harbor_di"))),
		fx.Populate(&conn),
	)
	app.RequireStart()
	defer app.RequireStop()

	users, ok := conn.Registry().Lookup("User")
	require.True(t, ok)
	assert.NotContains(t, indexNames(t, users), "email_1")

	testutil.WaitForCondition(t, 5*time.Second, func() bool {
		for _, name := range indexNames(t, users) {
			if name == "email_1" {
				return true
			}
		}
		return false
	}, "scheduled sync created email_1")
}

func TestScheduleIndexSync_BadSpec(t *testing.T) {
	err := scheduleIndexSync(fxtest.NewLifecycle(t), odm.NewConnection(), &config.ODMConfig{SyncSchedule: "nope"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestModulesNotNil(t *testing.T) {
	tests := []struct {
		name   string
		module fx.Option
	}{
		{"AppModule", AppModule},
		{"ConfigModule", ConfigModule},
		{"LoggerModule", LoggerModule},
		{"ObservabilityModule", ObservabilityModule},
		{"CacheModule", CacheModule},
		{"ODMModule", ODMModule},
		{"MaintenanceModule", MaintenanceModule},
		{"HTTPServerModule", HTTPServerModule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.module == nil {
				t.Errorf("%s is nil", tt.name)
			}
		})
	}
}

func TestNew_ValidatesGraph(t *testing.T) {
	require.NoError(t, fx.ValidateApp(
		fx.Supply(testConfig(t)),
		AppModule,
		fx.NopLogger,
	))
	app := New(testConfig(t))
	assert.NoError(t, app.Err())
}
