package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/jrjohn/harbor-go/internal/observability"
	"github.com/jrjohn/harbor-go/internal/resilience"
	"github.com/jrjohn/harbor-go/pkg/logger"
	"github.com/jrjohn/harbor-go/pkg/store"
)

// CacheDriver selects the query result cache backend.
type CacheDriver string

const (
	CacheMemory CacheDriver = "memory"
	CacheRedis  CacheDriver = "redis"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig                   `mapstructure:"app"`
	Log      LogConfig                   `mapstructure:"log"`
	Database DatabaseConfig              `mapstructure:"database"`
	Retry    resilience.RetryConfig      `mapstructure:"retry"`
	Cache    CacheConfig                 `mapstructure:"cache"`
	Redis    RedisConfig                 `mapstructure:"redis"`
	Metrics  observability.MetricsConfig `mapstructure:"metrics"`
	Tracing  observability.TracingConfig `mapstructure:"tracing"`
	ODM      ODMConfig                   `mapstructure:"odm"`
	Admin    AdminConfig                 `mapstructure:"admin"`
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
	Development bool   `mapstructure:"development"`
}

// Logger converts the section for pkg/logger.
func (c LogConfig) Logger() logger.Config {
	return logger.Config{Level: c.Level, Encoding: c.Encoding, Development: c.Development}
}

// DatabaseConfig holds the MongoDB connection settings. URI, when set, wins
// over the host/port/name/user fields.
type DatabaseConfig struct {
	URI        string `mapstructure:"uri"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Name       string `mapstructure:"name"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	AuthSource string `mapstructure:"auth_source"`
	ReplicaSet string `mapstructure:"replica_set"`

	MaxPoolSize            uint64        `mapstructure:"max_pool_size"`
	MinPoolSize            uint64        `mapstructure:"min_pool_size"`
	ServerSelectionTimeout time.Duration `mapstructure:"server_selection_timeout"`
	SocketTimeout          time.Duration `mapstructure:"socket_timeout"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
	RetryWrites            bool          `mapstructure:"retry_writes"`
	WriteConcern           string        `mapstructure:"write_concern"`
	AppName                string        `mapstructure:"app_name"`
	DirectConnection       bool          `mapstructure:"direct_connection"`
	Compressors            []string      `mapstructure:"compressors"`
}

// CacheConfig configures the lean query cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Driver  CacheDriver   `mapstructure:"driver"`
	TTL     time.Duration `mapstructure:"ttl"`
	Prefix  string        `mapstructure:"prefix"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ODMConfig holds model registration settings.
type ODMConfig struct {
	// AutoIndex syncs indexes for models whose schema allows it on startup.
	AutoIndex bool `mapstructure:"auto_index"`
	// StrictRegistration fails startup when a model is registered twice
	// with different schemas.
	StrictRegistration bool `mapstructure:"strict_registration"`
	// SchemaDir is loaded with schemafile on startup when set.
	SchemaDir string `mapstructure:"schema_dir"`
	// WatchSchemas registers files added to SchemaDir while running.
	WatchSchemas bool `mapstructure:"watch_schemas"`
	// SyncSchedule is a cron spec for periodic index syncs; empty disables.
	SyncSchedule string `mapstructure:"sync_schedule"`
}

// AdminConfig secures the admin HTTP endpoints.
type AdminConfig struct {
	// JWTSecret enables HS256 bearer authentication on /models and /graphql.
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

// Load reads configuration from the default search paths and HARBOR_*
// environment variables.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from path, or from the default search paths
// when path is empty. A missing default file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/harbor/")
	}

	v.SetEnvPrefix("HARBOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "harbor")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)

	// Connection defaults match odm.DefaultConnectOptions.
	v.SetDefault("database.uri", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 27017)
	v.SetDefault("database.name", "test")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.auth_source", "")
	v.SetDefault("database.replica_set", "")
	v.SetDefault("database.max_pool_size", 10)
	v.SetDefault("database.min_pool_size", 1)
	v.SetDefault("database.server_selection_timeout", 30*time.Second)
	v.SetDefault("database.socket_timeout", 45*time.Second)
	v.SetDefault("database.connect_timeout", 0)
	v.SetDefault("database.retry_writes", true)
	v.SetDefault("database.write_concern", "majority")
	v.SetDefault("database.app_name", "harbor")
	v.SetDefault("database.direct_connection", false)
	v.SetDefault("database.compressors", []string{})

	retry := resilience.DefaultRetryConfig()
	v.SetDefault("retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("retry.initial_interval", retry.InitialInterval)
	v.SetDefault("retry.max_interval", retry.MaxInterval)
	v.SetDefault("retry.multiplier", retry.Multiplier)
	v.SetDefault("retry.randomization_factor", retry.RandomizationFactor)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.driver", CacheMemory)
	v.SetDefault("cache.ttl", time.Minute)
	v.SetDefault("cache.prefix", "harbor:cache:")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	metrics := observability.DefaultMetricsConfig()
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.service_name", metrics.ServiceName)
	v.SetDefault("metrics.prometheus_path", metrics.PrometheusPath)
	v.SetDefault("metrics.listen_addr", "")

	tracing := observability.DefaultTracingConfig()
	v.SetDefault("tracing.enabled", tracing.Enabled)
	v.SetDefault("tracing.service_name", tracing.ServiceName)
	v.SetDefault("tracing.service_version", tracing.ServiceVersion)
	v.SetDefault("tracing.environment", tracing.Environment)
	v.SetDefault("tracing.exporter_type", tracing.ExporterType)
	v.SetDefault("tracing.otlp_endpoint", tracing.OTLPEndpoint)
	v.SetDefault("tracing.otlp_insecure", tracing.OTLPInsecure)
	v.SetDefault("tracing.sampling_rate", tracing.SamplingRate)

	v.SetDefault("odm.auto_index", true)
	v.SetDefault("odm.strict_registration", false)
	v.SetDefault("odm.schema_dir", "")
	v.SetDefault("odm.watch_schemas", false)
	v.SetDefault("odm.sync_schedule", "")

	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.jwt_issuer", "")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.URI == "" && c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if _, err := connstring.ParseAndValidate(c.Database.MongoURI()); err != nil {
		return fmt.Errorf("invalid database uri: %w", err)
	}
	if c.Database.MinPoolSize > c.Database.MaxPoolSize && c.Database.MaxPoolSize > 0 {
		return fmt.Errorf("database min_pool_size %d exceeds max_pool_size %d",
			c.Database.MinPoolSize, c.Database.MaxPoolSize)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	switch c.Cache.Driver {
	case CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if c.ODM.WatchSchemas && c.ODM.SchemaDir == "" {
		return fmt.Errorf("odm watch_schemas requires schema_dir")
	}
	if c.ODM.SyncSchedule != "" {
		if _, err := cron.ParseStandard(c.ODM.SyncSchedule); err != nil {
			return fmt.Errorf("invalid odm sync_schedule: %w", err)
		}
	}
	return nil
}

// MongoURI returns URI when set and otherwise builds one from the
// individual fields.
func (c *DatabaseConfig) MongoURI() string {
	if c.URI != "" {
		return c.URI
	}
	u := url.URL{
		Scheme: "mongodb",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Name,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	q := url.Values{}
	if c.AuthSource != "" {
		q.Set("authSource", c.AuthSource)
	}
	if c.ReplicaSet != "" {
		q.Set("replicaSet", c.ReplicaSet)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ClientOptions converts the pool, timeout and write settings.
func (c *DatabaseConfig) ClientOptions() store.ClientOptions {
	return store.ClientOptions{
		MaxPoolSize:            c.MaxPoolSize,
		MinPoolSize:            c.MinPoolSize,
		ServerSelectionTimeout: c.ServerSelectionTimeout,
		SocketTimeout:          c.SocketTimeout,
		ConnectTimeout:         c.ConnectTimeout,
		RetryWrites:            c.RetryWrites,
		WriteConcern:           c.WriteConcern,
		AppName:                c.AppName,
		ReplicaSet:             c.ReplicaSet,
		AuthSource:             c.AuthSource,
		DirectConnection:       c.DirectConnection,
		Compressors:            c.Compressors,
	}
}
