// Package config loads service configuration from a YAML file, a .env file,
// environment variables and command-line flags, in that order of precedence
// (later wins).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"notecard_fleet/internal/logging"
	"notecard_fleet/internal/storage"
)

// Config is the full service configuration.
type Config struct {
	Storage  storage.Config `yaml:"storage"`
	Log      logging.Config `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	NATS     NATSConfig     `yaml:"nats"`
	MapMatch MapMatchConfig `yaml:"mapmatch"`
	Identity IdentityConfig `yaml:"identity"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// NATSConfig configures the check-in consumer.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Subject        string        `yaml:"subject"`
	Queue          string        `yaml:"queue"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// MapMatchConfig configures the map-matching client.
type MapMatchConfig struct {
	BaseURL     string        `yaml:"base_url"`
	AccessToken string        `yaml:"access_token"`
	Profile     string        `yaml:"profile"`
	Timeout     time.Duration `yaml:"timeout"`
}

// IdentityConfig sizes the resolved-identity cache.
type IdentityConfig struct {
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// Default returns a configuration with default local development settings.
func Default() Config {
	return Config{
		Storage: storage.DefaultConfig(),
		Log:     logging.DefaultConfig(),
		HTTP: HTTPConfig{
			Port:           8080,
			RequestTimeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Subject:        "notehub.events",
			Queue:          "fleet-ingest",
			HandlerTimeout: 10 * time.Second,
		},
		MapMatch: MapMatchConfig{
			BaseURL: "https://api.mapbox.com",
			Profile: "mapbox/driving",
			Timeout: 30 * time.Second,
		},
		Identity: IdentityConfig{
			CacheSize: 256,
			CacheTTL:  time.Minute,
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (if any),
// a .env file in the working directory (if any) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// A missing .env is fine; variables already set in the environment win.
	_ = godotenv.Load()

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	s := &cfg.Storage
	s.Backend = envOrDefault("FLEET_STORE", s.Backend)
	s.SQLitePath = envOrDefault("FLEET_SQLITE_PATH", s.SQLitePath)
	s.UseClickHouse = envOrDefaultBool("FLEET_USE_CLICKHOUSE", s.UseClickHouse)

	s.Postgres.Host = envOrDefault("POSTGRES_HOST", s.Postgres.Host)
	s.Postgres.Port = envOrDefaultInt("POSTGRES_PORT", s.Postgres.Port)
	s.Postgres.User = envOrDefault("POSTGRES_USER", s.Postgres.User)
	s.Postgres.Password = envOrDefault("POSTGRES_PASSWORD", s.Postgres.Password)
	s.Postgres.Database = envOrDefault("POSTGRES_DATABASE", s.Postgres.Database)
	s.Postgres.SSLMode = envOrDefault("POSTGRES_SSLMODE", s.Postgres.SSLMode)

	s.Dynamo.Region = envOrDefault("AWS_REGION", s.Dynamo.Region)
	s.Dynamo.Endpoint = envOrDefault("DYNAMODB_ENDPOINT", s.Dynamo.Endpoint)
	s.Dynamo.TablePrefix = envOrDefault("DYNAMODB_TABLE_PREFIX", s.Dynamo.TablePrefix)

	s.ClickHouse.Host = envOrDefault("CLICKHOUSE_HOST", s.ClickHouse.Host)
	s.ClickHouse.Port = envOrDefaultInt("CLICKHOUSE_PORT", s.ClickHouse.Port)
	s.ClickHouse.Database = envOrDefault("CLICKHOUSE_DATABASE", s.ClickHouse.Database)
	s.ClickHouse.User = envOrDefault("CLICKHOUSE_USER", s.ClickHouse.User)
	s.ClickHouse.Password = envOrDefault("CLICKHOUSE_PASSWORD", s.ClickHouse.Password)

	cfg.Log.Level = envOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOrDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = envOrDefault("LOG_FILE", cfg.Log.File)

	cfg.HTTP.Port = envOrDefaultInt("FLEET_HTTP_PORT", cfg.HTTP.Port)

	cfg.NATS.URL = envOrDefault("NATS_URL", cfg.NATS.URL)
	cfg.NATS.Subject = envOrDefault("NATS_SUBJECT", cfg.NATS.Subject)
	cfg.NATS.Queue = envOrDefault("NATS_QUEUE", cfg.NATS.Queue)

	cfg.MapMatch.BaseURL = envOrDefault("MAPBOX_BASE_URL", cfg.MapMatch.BaseURL)
	cfg.MapMatch.AccessToken = envOrDefault("MAPBOX_TOKEN", cfg.MapMatch.AccessToken)
	cfg.MapMatch.Profile = envOrDefault("MAPBOX_PROFILE", cfg.MapMatch.Profile)

	cfg.Identity.CacheSize = envOrDefaultInt("FLEET_CACHE_SIZE", cfg.Identity.CacheSize)
	cfg.Identity.CacheTTL = envOrDefaultDuration("FLEET_CACHE_TTL", cfg.Identity.CacheTTL)
}

// RegisterFlags binds the commonly overridden settings to fs, using the
// current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Storage.Backend, "store", c.Storage.Backend, "Storage backend: memory, sqlite, postgres, dynamodb")
	fs.StringVar(&c.Storage.SQLitePath, "db", c.Storage.SQLitePath, "SQLite database path")
	fs.BoolVar(&c.Storage.UseClickHouse, "clickhouse", c.Storage.UseClickHouse, "Store telemetry and power in ClickHouse")

	fs.StringVar(&c.Storage.Postgres.Host, "pg-host", c.Storage.Postgres.Host, "PostgreSQL host")
	fs.IntVar(&c.Storage.Postgres.Port, "pg-port", c.Storage.Postgres.Port, "PostgreSQL port")
	fs.StringVar(&c.Storage.Postgres.User, "pg-user", c.Storage.Postgres.User, "PostgreSQL user")
	fs.StringVar(&c.Storage.Postgres.Password, "pg-password", c.Storage.Postgres.Password, "PostgreSQL password")
	fs.StringVar(&c.Storage.Postgres.Database, "pg-database", c.Storage.Postgres.Database, "PostgreSQL database")

	fs.StringVar(&c.Storage.ClickHouse.Host, "ch-host", c.Storage.ClickHouse.Host, "ClickHouse host")
	fs.IntVar(&c.Storage.ClickHouse.Port, "ch-port", c.Storage.ClickHouse.Port, "ClickHouse port")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "Rotate logs into this file instead of stderr")

	fs.IntVar(&c.HTTP.Port, "port", c.HTTP.Port, "HTTP port for API server")
	fs.StringVar(&c.NATS.URL, "nats-url", c.NATS.URL, "NATS server URL")
	fs.StringVar(&c.NATS.Subject, "nats-subject", c.NATS.Subject, "NATS subject carrying Notehub events")
	fs.StringVar(&c.MapMatch.AccessToken, "mapbox-token", c.MapMatch.AccessToken, "Mapbox access token")
}

// PathFromArgs returns the value of a -config flag in args, falling back to
// FLEET_CONFIG. It lets the file be read before the other flags are bound.
func PathFromArgs(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("FLEET_CONFIG")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
