package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates all runtime settings required by the service.
type Config struct {
	AppName     string
	Environment string
	Database    DatabaseConfig
	Redis       RedisConfig
	EventStore  EventStoreConfig
	Encryption  EncryptionConfig
	Projection  ProjectionConfig
	Tenant      TenantConfig
	Context     ContextConfig
	Logger      LoggerConfig
	Migrations  MigrationsConfig
}

type DatabaseConfig struct {
	URL             string
	Host            string
	Port            string
	Name            string
	User            string
	Password        string
	MaxOpenConns    int
	MaxIdleConns    int
	MaxConnLifetime time.Duration
	SSLMode         string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// EventStoreConfig tunes append/replay behavior. SnapshotEvery is the global
// cadence; tenants may override it in the registry.
type EventStoreConfig struct {
	SnapshotEvery int
	SnapshotKeep  int
	AppendRetries int
	LoadBatchSize int
}

type EncryptionConfig struct {
	MasterKey string
}

type ProjectionConfig struct {
	Stream        string
	OutboxPath    string
	DrainInterval time.Duration
	BatchSize     int
}

type TenantConfig struct {
	CacheTTL time.Duration
}

type ContextConfig struct {
	CommandTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type LoggerConfig struct {
	Level    string
	Encoding string
}

type MigrationsConfig struct {
	Enabled bool
	Path    string
}

// Load reads configuration from environment variables (optionally .env)
// and applies sane defaults so the service can boot in any environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		AppName:     getString("APP_NAME", "eventcrm"),
		Environment: getString("APP_ENV", "development"),
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			Host:            getString("DB_HOST", "localhost"),
			Port:            getString("DB_PORT", "5432"),
			Name:            getString("DB_NAME", "eventcrm"),
			User:            getString("DB_USER", "eventcrm"),
			Password:        os.Getenv("DB_PASSWORD"),
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 10),
			MaxConnLifetime: getDuration("DB_CONN_LIFETIME", time.Hour),
			SSLMode:         getString("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			URL:      getString("REDIS_URL", "redis://localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getInt("REDIS_DB", 0),
		},
		EventStore: EventStoreConfig{
			SnapshotEvery: getInt("EVENTSTORE_SNAPSHOT_EVERY", 64),
			SnapshotKeep:  getInt("EVENTSTORE_SNAPSHOT_KEEP", 3),
			AppendRetries: getInt("EVENTSTORE_APPEND_RETRIES", 3),
			LoadBatchSize: getInt("EVENTSTORE_LOAD_BATCH", 256),
		},
		Encryption: EncryptionConfig{
			MasterKey: os.Getenv("ENCRYPTION_MASTER_KEY"),
		},
		Projection: ProjectionConfig{
			Stream:        getString("PROJECTION_STREAM", "eventcrm:events"),
			OutboxPath:    getString("PROJECTION_OUTBOX_PATH", "data/outbox.db"),
			DrainInterval: getDuration("PROJECTION_DRAIN_INTERVAL", 5*time.Second),
			BatchSize:     getInt("PROJECTION_BATCH_SIZE", 100),
		},
		Tenant: TenantConfig{
			CacheTTL: getDuration("TENANT_CACHE_TTL", time.Minute),
		},
		Context: ContextConfig{
			CommandTimeout:  getDuration("COMMAND_TIMEOUT", 10*time.Second),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Logger: LoggerConfig{
			Level:    getString("LOG_LEVEL", "info"),
			Encoding: getString("LOG_ENCODING", "json"),
		},
		Migrations: MigrationsConfig{
			Enabled: getBool("MIGRATIONS_ENABLED", true),
			Path:    getString("MIGRATIONS_PATH", "migrations"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EventStore.SnapshotEvery < 1 {
		return fmt.Errorf("EVENTSTORE_SNAPSHOT_EVERY must be positive")
	}
	if c.EventStore.AppendRetries < 1 {
		return fmt.Errorf("EVENTSTORE_APPEND_RETRIES must be positive")
	}
	return nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
