package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// PostgresDB is a Store backed by a PostgreSQL connection pool.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, sslMode)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() error {
	d.pool.Close()
	return nil
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	-- Identity: serial number to hardware ids
	CREATE TABLE IF NOT EXISTS device_aliases (
		serial_number   TEXT PRIMARY KEY,
		active_id       TEXT NOT NULL,
		previous_ids    JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_device_aliases_active_id ON device_aliases(active_id);

	CREATE TABLE IF NOT EXISTS devices (
		device_uid      TEXT PRIMARY KEY,
		serial_number   TEXT,
		name            TEXT,
		fleet_uid       TEXT,
		last_seen       TIMESTAMPTZ
	);

	-- History: journeys and their points
	CREATE TABLE IF NOT EXISTS journeys (
		device_uid              TEXT NOT NULL,
		journey_id              BIGINT NOT NULL,
		start_time              BIGINT NOT NULL,
		end_time                BIGINT,
		point_count             INTEGER NOT NULL DEFAULT 0,
		total_distance          DOUBLE PRECISION NOT NULL DEFAULT 0,
		status                  TEXT NOT NULL,
		matched_route           JSONB,
		match_confidence        DOUBLE PRECISION,
		matched_at              BIGINT,
		matched_points_count    INTEGER,
		PRIMARY KEY (device_uid, journey_id)
	);

	CREATE INDEX IF NOT EXISTS idx_journeys_status ON journeys(device_uid, status, journey_id);

	CREATE TABLE IF NOT EXISTS locations (
		device_uid      TEXT NOT NULL,
		timestamp       BIGINT NOT NULL,
		latitude        DOUBLE PRECISION NOT NULL,
		longitude       DOUBLE PRECISION NOT NULL,
		source          TEXT,
		journey_id      BIGINT,
		dop             DOUBLE PRECISION,
		speed           DOUBLE PRECISION,
		bearing         DOUBLE PRECISION,
		city            TEXT,
		state           TEXT,
		country         TEXT,
		PRIMARY KEY (device_uid, timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_locations_journey ON locations(journey_id, device_uid);

	-- History: sensor and power readings
	CREATE TABLE IF NOT EXISTS telemetry (
		device_uid      TEXT NOT NULL,
		timestamp       BIGINT NOT NULL,
		temperature     DOUBLE PRECISION,
		humidity        DOUBLE PRECISION,
		pressure        DOUBLE PRECISION,
		voltage         DOUBLE PRECISION,
		motion          BOOLEAN NOT NULL DEFAULT FALSE,
		mode            TEXT,
		PRIMARY KEY (device_uid, timestamp)
	);

	CREATE TABLE IF NOT EXISTS power (
		device_uid      TEXT NOT NULL,
		timestamp       BIGINT NOT NULL,
		voltage         DOUBLE PRECISION,
		temperature     DOUBLE PRECISION,
		milliamp_hours  DOUBLE PRECISION,
		PRIMARY KEY (device_uid, timestamp)
	);
	`

	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Pool returns the underlying connection pool.
func (d *PostgresDB) Pool() *pgxpool.Pool {
	return d.pool
}

const pgAliasCols = `serial_number, active_id, previous_ids, created_at, updated_at`

func (d *PostgresDB) getAlias(ctx context.Context, where string, arg string) (*DeviceAlias, error) {
	var a DeviceAlias
	err := d.pool.QueryRow(ctx, `SELECT `+pgAliasCols+` FROM device_aliases WHERE `+where, arg).
		Scan(&a.SerialNumber, &a.ActiveID, &a.PreviousIDs, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.PreviousIDs = nonNil(a.PreviousIDs)
	return &a, nil
}

// GetAlias retrieves an alias by serial number.
func (d *PostgresDB) GetAlias(ctx context.Context, serialNumber string) (*DeviceAlias, error) {
	a, err := d.getAlias(ctx, "serial_number = $1", serialNumber)
	if err != nil {
		return nil, fmt.Errorf("get alias: %w", err)
	}
	return a, nil
}

// GetAliasByActiveID retrieves the alias whose active id equals hardwareID.
func (d *PostgresDB) GetAliasByActiveID(ctx context.Context, hardwareID string) (*DeviceAlias, error) {
	a, err := d.getAlias(ctx, "active_id = $1 LIMIT 1", hardwareID)
	if err != nil {
		return nil, fmt.Errorf("get alias by active id: %w", err)
	}
	return a, nil
}

// CreateAlias inserts an alias if none exists for its serial number.
func (d *PostgresDB) CreateAlias(ctx context.Context, a DeviceAlias) error {
	tag, err := d.pool.Exec(ctx, `
		INSERT INTO device_aliases (serial_number, active_id, previous_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (serial_number) DO NOTHING
	`, a.SerialNumber, a.ActiveID, nonNil(a.PreviousIDs), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create alias: %w", err)
	}
	return requireTag(tag)
}

// SwapActiveID applies a swap in a single statement.
func (d *PostgresDB) SwapActiveID(ctx context.Context, serialNumber string, u SwapUpdate) error {
	var tag pgconn.CommandTag
	var err error
	if u.Rewrite.Present {
		tag, err = d.pool.Exec(ctx, `
			UPDATE device_aliases SET active_id = $1, previous_ids = $2, updated_at = $3
			WHERE serial_number = $4 AND active_id = $5
		`, u.NewActiveID, nonNil(u.Rewrite.IDs), u.At, serialNumber, u.OldActiveID)
	} else {
		tag, err = d.pool.Exec(ctx, `
			UPDATE device_aliases
			SET active_id = $1, previous_ids = previous_ids || jsonb_build_array($2::text), updated_at = $3
			WHERE serial_number = $4 AND active_id = $2
		`, u.NewActiveID, u.OldActiveID, u.At, serialNumber)
	}
	if err != nil {
		return fmt.Errorf("swap active id: %w", err)
	}
	return requireTag(tag)
}

// ReplacePreviousIDs overwrites the history of an existing alias.
func (d *PostgresDB) ReplacePreviousIDs(ctx context.Context, serialNumber string, ids []string, at time.Time) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE device_aliases SET previous_ids = $1, updated_at = $2 WHERE serial_number = $3
	`, nonNil(ids), at, serialNumber)
	if err != nil {
		return fmt.Errorf("replace previous ids: %w", err)
	}
	return requireTag(tag)
}

// DeleteAlias removes an alias.
func (d *PostgresDB) DeleteAlias(ctx context.Context, serialNumber string) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM device_aliases WHERE serial_number = $1`, serialNumber); err != nil {
		return fmt.Errorf("delete alias: %w", err)
	}
	return nil
}

// GetDevice retrieves a device record.
func (d *PostgresDB) GetDevice(ctx context.Context, deviceUID string) (*Device, error) {
	var dev Device
	var serial, name, fleet *string
	var lastSeen *time.Time
	err := d.pool.QueryRow(ctx, `
		SELECT device_uid, serial_number, name, fleet_uid, last_seen FROM devices WHERE device_uid = $1
	`, deviceUID).Scan(&dev.DeviceUID, &serial, &name, &fleet, &lastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	dev.SerialNumber = deref(serial)
	dev.Name = deref(name)
	dev.FleetUID = deref(fleet)
	if lastSeen != nil {
		dev.LastSeen = *lastSeen
	}
	return &dev, nil
}

// PutDevice inserts or replaces a device record.
func (d *PostgresDB) PutDevice(ctx context.Context, dev Device) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO devices (device_uid, serial_number, name, fleet_uid, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_uid) DO UPDATE SET
			serial_number = EXCLUDED.serial_number,
			name = EXCLUDED.name,
			fleet_uid = EXCLUDED.fleet_uid,
			last_seen = EXCLUDED.last_seen
	`, dev.DeviceUID, dev.SerialNumber, dev.Name, dev.FleetUID, dev.LastSeen)
	if err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	return nil
}

// DeleteDevice removes a device record.
func (d *PostgresDB) DeleteDevice(ctx context.Context, deviceUID string) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM devices WHERE device_uid = $1`, deviceUID); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// pgJourneyCols reads matched_route back as text for decodeRoute.
const pgJourneyCols = `device_uid, journey_id, start_time, end_time, point_count, total_distance, status,
	matched_route::text, match_confidence, matched_at, matched_points_count`

// GetJourney retrieves a journey by its key.
func (d *PostgresDB) GetJourney(ctx context.Context, deviceUID string, journeyID int64) (*Journey, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+pgJourneyCols+` FROM journeys WHERE device_uid = $1 AND journey_id = $2`, deviceUID, journeyID)
	j, err := scanJourney(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get journey: %w", err)
	}
	return &j, nil
}

// PutJourney inserts or replaces a journey.
func (d *PostgresDB) PutJourney(ctx context.Context, j Journey) error {
	route, err := encodeRoute(j.MatchedRoute)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO journeys (`+journeyCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)
		ON CONFLICT (device_uid, journey_id) DO UPDATE SET
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			point_count = EXCLUDED.point_count,
			total_distance = EXCLUDED.total_distance,
			status = EXCLUDED.status,
			matched_route = EXCLUDED.matched_route,
			match_confidence = EXCLUDED.match_confidence,
			matched_at = EXCLUDED.matched_at,
			matched_points_count = EXCLUDED.matched_points_count
	`, j.DeviceUID, j.JourneyID, j.StartTime, j.EndTime, j.PointCount, j.TotalDistance, j.Status,
		nullIfEmpty(route), j.MatchConfidence, j.MatchedAt, j.MatchedPointsCount)
	if err != nil {
		return fmt.Errorf("put journey: %w", err)
	}
	return nil
}

// QueryJourneys returns one page of journeys, filtered by status.
func (d *PostgresDB) QueryJourneys(ctx context.Context, q RangeQuery) (Page[Journey], error) {
	query, args, size, err := rangeSQL(dollar, "journeys", pgJourneyCols, "journey_id", "status", q)
	if err != nil {
		return Page[Journey]{}, err
	}
	return pgQuery(ctx, d.pool, query, args, size, func(r pgx.Rows) (Journey, error) { return scanJourney(r) })
}

// PutLocation inserts or replaces a location point.
func (d *PostgresDB) PutLocation(ctx context.Context, p LocationPoint) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO locations (`+locationCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (device_uid, timestamp) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			source = EXCLUDED.source,
			journey_id = EXCLUDED.journey_id,
			dop = EXCLUDED.dop,
			speed = EXCLUDED.speed,
			bearing = EXCLUDED.bearing,
			city = EXCLUDED.city,
			state = EXCLUDED.state,
			country = EXCLUDED.country
	`, p.DeviceUID, p.Timestamp, p.Latitude, p.Longitude, p.Source, p.JourneyID,
		p.DOP, p.Speed, p.Bearing, p.City, p.State, p.Country)
	if err != nil {
		return fmt.Errorf("put location: %w", err)
	}
	return nil
}

// pgLocationCols coalesces nullable text so rows scan into plain strings.
const pgLocationCols = `device_uid, timestamp, latitude, longitude, COALESCE(source, ''), journey_id, dop, speed, bearing,
	COALESCE(city, ''), COALESCE(state, ''), COALESCE(country, '')`

func scanPGLocation(row pgx.Row) (LocationPoint, error) {
	var p LocationPoint
	err := row.Scan(&p.DeviceUID, &p.Timestamp, &p.Latitude, &p.Longitude, &p.Source, &p.JourneyID,
		&p.DOP, &p.Speed, &p.Bearing, &p.City, &p.State, &p.Country)
	return p, err
}

// QueryLocations returns one page of locations, filtered by source.
func (d *PostgresDB) QueryLocations(ctx context.Context, q RangeQuery) (Page[LocationPoint], error) {
	query, args, size, err := rangeSQL(dollar, "locations", pgLocationCols, "timestamp", "source", q)
	if err != nil {
		return Page[LocationPoint]{}, err
	}
	return pgQuery(ctx, d.pool, query, args, size, func(r pgx.Rows) (LocationPoint, error) { return scanPGLocation(r) })
}

// JourneyPoints returns every location point tagged with the journey.
func (d *PostgresDB) JourneyPoints(ctx context.Context, deviceUID string, journeyID int64) ([]LocationPoint, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+pgLocationCols+` FROM locations WHERE journey_id = $1 AND device_uid = $2`, journeyID, deviceUID)
	if err != nil {
		return nil, fmt.Errorf("query journey points: %w", err)
	}
	defer rows.Close()

	var points []LocationPoint
	for rows.Next() {
		p, err := scanPGLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// JourneyPointKeys returns the keys of every location point tagged with the journey.
func (d *PostgresDB) JourneyPointKeys(ctx context.Context, deviceUID string, journeyID int64) ([]RecordKey, error) {
	rows, err := d.pool.Query(ctx, `SELECT device_uid, timestamp FROM locations WHERE journey_id = $1 AND device_uid = $2`, journeyID, deviceUID)
	if err != nil {
		return nil, fmt.Errorf("query journey point keys: %w", err)
	}
	defer rows.Close()

	var keys []RecordKey
	for rows.Next() {
		var k RecordKey
		if err := rows.Scan(&k.DeviceUID, &k.Timestamp); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// BatchDeleteLocations deletes up to MaxBatchWrite points in one statement.
func (d *PostgresDB) BatchDeleteLocations(ctx context.Context, keys []RecordKey) error {
	if len(keys) > MaxBatchWrite {
		return ErrBatchTooLarge
	}
	if len(keys) == 0 {
		return nil
	}

	devices := make([]string, len(keys))
	stamps := make([]int64, len(keys))
	for i, k := range keys {
		devices[i] = k.DeviceUID
		stamps[i] = k.Timestamp
	}

	_, err := d.pool.Exec(ctx, `
		DELETE FROM locations l
		USING unnest($1::text[], $2::bigint[]) AS k(device_uid, ts)
		WHERE l.device_uid = k.device_uid AND l.timestamp = k.ts
	`, devices, stamps)
	if err != nil {
		return fmt.Errorf("delete locations: %w", err)
	}
	return nil
}

// DeleteJourney removes a journey record.
func (d *PostgresDB) DeleteJourney(ctx context.Context, deviceUID string, journeyID int64) error {
	if _, err := d.pool.Exec(ctx, `DELETE FROM journeys WHERE device_uid = $1 AND journey_id = $2`, deviceUID, journeyID); err != nil {
		return fmt.Errorf("delete journey: %w", err)
	}
	return nil
}

// SaveMatchedRoute caches a map-matched route on an existing journey.
func (d *PostgresDB) SaveMatchedRoute(ctx context.Context, deviceUID string, journeyID int64, r MatchedRoute) error {
	route, err := encodeRoute(r.Geometry)
	if err != nil {
		return err
	}
	tag, err := d.pool.Exec(ctx, `
		UPDATE journeys
		SET matched_route = $1::jsonb, match_confidence = $2, matched_at = $3, matched_points_count = $4
		WHERE device_uid = $5 AND journey_id = $6
	`, nullIfEmpty(route), r.Confidence, r.MatchedAt, r.MatchedPointsCount, deviceUID, journeyID)
	if err != nil {
		return fmt.Errorf("save matched route: %w", err)
	}
	return requireTag(tag)
}

// PutTelemetry inserts or replaces a telemetry reading.
func (d *PostgresDB) PutTelemetry(ctx context.Context, r TelemetryReading) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO telemetry (`+telemetryCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_uid, timestamp) DO UPDATE SET
			temperature = EXCLUDED.temperature,
			humidity = EXCLUDED.humidity,
			pressure = EXCLUDED.pressure,
			voltage = EXCLUDED.voltage,
			motion = EXCLUDED.motion,
			mode = EXCLUDED.mode
	`, r.DeviceUID, r.Timestamp, r.Temperature, r.Humidity, r.Pressure, r.Voltage, r.Motion, r.Mode)
	if err != nil {
		return fmt.Errorf("put telemetry: %w", err)
	}
	return nil
}

// QueryTelemetry returns one page of telemetry readings.
func (d *PostgresDB) QueryTelemetry(ctx context.Context, q RangeQuery) (Page[TelemetryReading], error) {
	cols := `device_uid, timestamp, temperature, humidity, pressure, voltage, motion, COALESCE(mode, '')`
	query, args, size, err := rangeSQL(dollar, "telemetry", cols, "timestamp", "", q)
	if err != nil {
		return Page[TelemetryReading]{}, err
	}
	return pgQuery(ctx, d.pool, query, args, size, func(r pgx.Rows) (TelemetryReading, error) {
		var t TelemetryReading
		err := r.Scan(&t.DeviceUID, &t.Timestamp, &t.Temperature, &t.Humidity, &t.Pressure, &t.Voltage, &t.Motion, &t.Mode)
		return t, err
	})
}

// PutPower inserts or replaces a power reading.
func (d *PostgresDB) PutPower(ctx context.Context, r PowerReading) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO power (`+powerCols+`) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_uid, timestamp) DO UPDATE SET
			voltage = EXCLUDED.voltage,
			temperature = EXCLUDED.temperature,
			milliamp_hours = EXCLUDED.milliamp_hours
	`, r.DeviceUID, r.Timestamp, r.Voltage, r.Temperature, r.MilliampHours)
	if err != nil {
		return fmt.Errorf("put power: %w", err)
	}
	return nil
}

// QueryPower returns one page of power readings.
func (d *PostgresDB) QueryPower(ctx context.Context, q RangeQuery) (Page[PowerReading], error) {
	query, args, size, err := rangeSQL(dollar, "power", powerCols, "timestamp", "", q)
	if err != nil {
		return Page[PowerReading]{}, err
	}
	return pgQuery(ctx, d.pool, query, args, size, func(r pgx.Rows) (PowerReading, error) {
		var p PowerReading
		err := r.Scan(&p.DeviceUID, &p.Timestamp, &p.Voltage, &p.Temperature, &p.MilliampHours)
		return p, err
	})
}

func pgQuery[T Timestamped](ctx context.Context, pool *pgxpool.Pool, query string, args []any, size int, scan func(pgx.Rows) (T, error)) (Page[T], error) {
	rows, err := pool.Query(ctx, query, args...)
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

func requireTag(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
