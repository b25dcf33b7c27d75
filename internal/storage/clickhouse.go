package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB holds the high-volume sensor tables: telemetry and power.
type ClickHouseDB struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables. ReplacingMergeTree collapses
// re-delivered events that share a (device_uid, timestamp) key.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS telemetry (
			device_uid      LowCardinality(String),
			timestamp       Int64,
			temperature     Nullable(Float64),
			humidity        Nullable(Float64),
			pressure        Nullable(Float64),
			voltage         Nullable(Float64),
			motion          Bool,
			mode            LowCardinality(String),
			inserted_at     DateTime64(3) DEFAULT now64(3)
		) ENGINE = ReplacingMergeTree(inserted_at)
		PARTITION BY toYYYYMM(fromUnixTimestamp64Milli(timestamp))
		ORDER BY (device_uid, timestamp)`,

		`CREATE TABLE IF NOT EXISTS power (
			device_uid      LowCardinality(String),
			timestamp       Int64,
			voltage         Nullable(Float64),
			temperature     Nullable(Float64),
			milliamp_hours  Nullable(Float64),
			inserted_at     DateTime64(3) DEFAULT now64(3)
		) ENGINE = ReplacingMergeTree(inserted_at)
		PARTITION BY toYYYYMM(fromUnixTimestamp64Milli(timestamp))
		ORDER BY (device_uid, timestamp)`,
	}

	for _, q := range queries {
		if err := d.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// PutTelemetry stores a single telemetry reading.
func (d *ClickHouseDB) PutTelemetry(ctx context.Context, r TelemetryReading) error {
	return d.InsertTelemetry(ctx, []TelemetryReading{r})
}

// InsertTelemetry stores telemetry readings in one batch.
func (d *ClickHouseDB) InsertTelemetry(ctx context.Context, readings []TelemetryReading) error {
	if len(readings) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `INSERT INTO telemetry (`+telemetryCols+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range readings {
		err := batch.Append(r.DeviceUID, r.Timestamp, r.Temperature, r.Humidity, r.Pressure, r.Voltage, r.Motion, r.Mode)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// QueryTelemetry returns one page of telemetry readings.
func (d *ClickHouseDB) QueryTelemetry(ctx context.Context, q RangeQuery) (Page[TelemetryReading], error) {
	query, args, size, err := rangeSQL(questionMark, "telemetry FINAL", telemetryCols, "timestamp", "", q)
	if err != nil {
		return Page[TelemetryReading]{}, err
	}
	return chQuery(ctx, d.conn, query, args, size, func(rows driver.Rows) (TelemetryReading, error) {
		var r TelemetryReading
		err := rows.Scan(&r.DeviceUID, &r.Timestamp, &r.Temperature, &r.Humidity, &r.Pressure, &r.Voltage, &r.Motion, &r.Mode)
		return r, err
	})
}

// PutPower stores a single power reading.
func (d *ClickHouseDB) PutPower(ctx context.Context, r PowerReading) error {
	return d.InsertPower(ctx, []PowerReading{r})
}

// InsertPower stores power readings in one batch.
func (d *ClickHouseDB) InsertPower(ctx context.Context, readings []PowerReading) error {
	if len(readings) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `INSERT INTO power (`+powerCols+`)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range readings {
		if err := batch.Append(r.DeviceUID, r.Timestamp, r.Voltage, r.Temperature, r.MilliampHours); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// QueryPower returns one page of power readings.
func (d *ClickHouseDB) QueryPower(ctx context.Context, q RangeQuery) (Page[PowerReading], error) {
	query, args, size, err := rangeSQL(questionMark, "power FINAL", powerCols, "timestamp", "", q)
	if err != nil {
		return Page[PowerReading]{}, err
	}
	return chQuery(ctx, d.conn, query, args, size, func(rows driver.Rows) (PowerReading, error) {
		var r PowerReading
		err := rows.Scan(&r.DeviceUID, &r.Timestamp, &r.Voltage, &r.Temperature, &r.MilliampHours)
		return r, err
	})
}

// CountByDevice returns the number of telemetry rows per device.
func (d *ClickHouseDB) CountByDevice(ctx context.Context) (map[string]uint64, error) {
	rows, err := d.conn.Query(ctx, `SELECT device_uid, count() FROM telemetry GROUP BY device_uid`)
	if err != nil {
		return nil, fmt.Errorf("count by device: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var device string
		var n uint64
		if err := rows.Scan(&device, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[device] = n
	}
	return counts, rows.Err()
}

func chQuery[T Timestamped](ctx context.Context, conn driver.Conn, query string, args []any, size int, scan func(driver.Rows) (T, error)) (Page[T], error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return Page[T]{}, fmt.Errorf("range query: %w", err)
	}
	defer rows.Close()

	var items []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return Page[T]{}, fmt.Errorf("scan row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return Page[T]{}, fmt.Errorf("iterate rows: %w", err)
	}
	return finishPage(items, size), nil
}
