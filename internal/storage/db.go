package storage

import (
	"context"
	"errors"
	"fmt"
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamodb"
)

// Backend is a primary store that can hold every record type.
type Backend interface {
	Store
	Writer
	CreateSchema(ctx context.Context) error
}

// Config holds the settings of every backend. Backend picks the primary
// store; ClickHouse, when enabled, takes over telemetry and power history.
type Config struct {
	Backend    string           `yaml:"backend"`
	SQLitePath string           `yaml:"sqlite_path"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Dynamo     DynamoConfig     `yaml:"dynamodb"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`

	UseClickHouse bool `yaml:"use_clickhouse"`
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendSQLite,
		SQLitePath: "fleet.db",
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "fleet",
			User:     "fleet",
			Password: "fleet",
		},
		Dynamo: DynamoConfig{
			Region:      "us-east-1",
			TablePrefix: "fleet_",
		},
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "fleet",
			User:     "default",
		},
	}
}

// DB is the opened storage layer: a primary backend plus an optional
// ClickHouse sensor store.
type DB struct {
	Primary Backend
	CH      *ClickHouseDB
}

// Open opens the configured backends.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	var primary Backend
	var err error
	switch cfg.Backend {
	case BackendMemory:
		primary = NewMemoryStore()
	case BackendSQLite, "":
		primary, err = OpenSQLite(ctx, cfg.SQLitePath)
	case BackendPostgres:
		primary, err = OpenPostgres(ctx, cfg.Postgres)
	case BackendDynamo:
		primary, err = OpenDynamo(ctx, cfg.Dynamo)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Backend, err)
	}

	db := &DB{Primary: primary}
	if cfg.UseClickHouse {
		ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			_ = primary.Close()
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		db.CH = ch
	}
	return db, nil
}

// Close closes every open connection.
func (d *DB) Close() error {
	var errs []error
	if d.CH != nil {
		if err := d.CH.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if d.Primary != nil {
		if err := d.Primary.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CreateSchemas creates the schemas in every backend.
func (d *DB) CreateSchemas(ctx context.Context) error {
	if err := d.Primary.CreateSchema(ctx); err != nil {
		return fmt.Errorf("primary schema: %w", err)
	}
	if d.CH != nil {
		if err := d.CH.CreateSchema(ctx); err != nil {
			return fmt.Errorf("clickhouse schema: %w", err)
		}
	}
	return nil
}

// Telemetry returns the store that holds telemetry history.
func (d *DB) Telemetry() TelemetryStore {
	if d.CH != nil {
		return d.CH
	}
	return d.Primary
}

// Power returns the store that holds power history.
func (d *DB) Power() PowerStore {
	if d.CH != nil {
		return d.CH
	}
	return d.Primary
}

// PutJourney implements Writer.
func (d *DB) PutJourney(ctx context.Context, j Journey) error {
	return d.Primary.PutJourney(ctx, j)
}

// PutLocation implements Writer.
func (d *DB) PutLocation(ctx context.Context, p LocationPoint) error {
	return d.Primary.PutLocation(ctx, p)
}

// PutTelemetry implements Writer, routing to ClickHouse when enabled.
func (d *DB) PutTelemetry(ctx context.Context, r TelemetryReading) error {
	if d.CH != nil {
		return d.CH.PutTelemetry(ctx, r)
	}
	return d.Primary.PutTelemetry(ctx, r)
}

// PutPower implements Writer, routing to ClickHouse when enabled.
func (d *DB) PutPower(ctx context.Context, r PowerReading) error {
	if d.CH != nil {
		return d.CH.PutPower(ctx, r)
	}
	return d.Primary.PutPower(ctx, r)
}

// GetDevice reads through to the primary store.
func (d *DB) GetDevice(ctx context.Context, deviceUID string) (*Device, error) {
	return d.Primary.GetDevice(ctx, deviceUID)
}

// PutDevice writes through to the primary store.
func (d *DB) PutDevice(ctx context.Context, dev Device) error {
	return d.Primary.PutDevice(ctx, dev)
}

// GetJourney reads through to the primary store.
func (d *DB) GetJourney(ctx context.Context, deviceUID string, journeyID int64) (*Journey, error) {
	return d.Primary.GetJourney(ctx, deviceUID, journeyID)
}

// QueryJourneys reads through to the primary store.
func (d *DB) QueryJourneys(ctx context.Context, q RangeQuery) (Page[Journey], error) {
	return d.Primary.QueryJourneys(ctx, q)
}

// QueryLocations reads through to the primary store.
func (d *DB) QueryLocations(ctx context.Context, q RangeQuery) (Page[LocationPoint], error) {
	return d.Primary.QueryLocations(ctx, q)
}
