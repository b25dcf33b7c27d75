package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store for development and small fleets.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite database at the given path and
// ensures the schema exists. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serialises writers and keeps ":memory:" databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.CreateSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSchema creates the tables and indices.
func (s *SQLiteStore) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_aliases (
		serial_number TEXT PRIMARY KEY,
		active_id     TEXT NOT NULL,
		previous_ids  TEXT NOT NULL DEFAULT '[]',
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_device_aliases_active_id ON device_aliases(active_id);

	CREATE TABLE IF NOT EXISTS devices (
		device_uid    TEXT PRIMARY KEY,
		serial_number TEXT,
		name          TEXT,
		fleet_uid     TEXT,
		last_seen     TEXT
	);

	CREATE TABLE IF NOT EXISTS journeys (
		device_uid           TEXT NOT NULL,
		journey_id           INTEGER NOT NULL,
		start_time           INTEGER NOT NULL,
		end_time             INTEGER,
		point_count          INTEGER NOT NULL DEFAULT 0,
		total_distance       REAL NOT NULL DEFAULT 0,
		status               TEXT NOT NULL,
		matched_route        TEXT,
		match_confidence     REAL,
		matched_at           INTEGER,
		matched_points_count INTEGER,
		PRIMARY KEY (device_uid, journey_id)
	);

	CREATE TABLE IF NOT EXISTS locations (
		device_uid TEXT NOT NULL,
		timestamp  INTEGER NOT NULL,
		latitude   REAL NOT NULL,
		longitude  REAL NOT NULL,
		source     TEXT,
		journey_id INTEGER,
		dop        REAL,
		speed      REAL,
		bearing    REAL,
		city       TEXT,
		state      TEXT,
		country    TEXT,
		PRIMARY KEY (device_uid, timestamp)
	);

	CREATE INDEX IF NOT EXISTS idx_locations_journey ON locations(journey_id, device_uid);

	CREATE TABLE IF NOT EXISTS telemetry (
		device_uid  TEXT NOT NULL,
		timestamp   INTEGER NOT NULL,
		temperature REAL,
		humidity    REAL,
		pressure    REAL,
		voltage     REAL,
		motion      INTEGER NOT NULL DEFAULT 0,
		mode        TEXT,
		PRIMARY KEY (device_uid, timestamp)
	);

	CREATE TABLE IF NOT EXISTS power (
		device_uid     TEXT NOT NULL,
		timestamp      INTEGER NOT NULL,
		voltage        REAL,
		temperature    REAL,
		milliamp_hours REAL,
		PRIMARY KEY (device_uid, timestamp)
	);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s.String)
	return t
}

const sqliteAliasCols = `serial_number, active_id, previous_ids, created_at, updated_at`

func scanSQLiteAlias(row interface{ Scan(...any) error }) (*DeviceAlias, error) {
	var a DeviceAlias
	var prev string
	var created, updated sql.NullString
	if err := row.Scan(&a.SerialNumber, &a.ActiveID, &prev, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(prev), &a.PreviousIDs); err != nil {
		return nil, fmt.Errorf("decode previous_ids: %w", err)
	}
	if a.PreviousIDs == nil {
		a.PreviousIDs = []string{}
	}
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

// GetAlias retrieves an alias by serial number.
func (s *SQLiteStore) GetAlias(ctx context.Context, serialNumber string) (*DeviceAlias, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAliasCols+` FROM device_aliases WHERE serial_number = ?`, serialNumber)
	a, err := scanSQLiteAlias(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alias: %w", err)
	}
	return a, nil
}

// GetAliasByActiveID retrieves the alias whose active id equals hardwareID.
func (s *SQLiteStore) GetAliasByActiveID(ctx context.Context, hardwareID string) (*DeviceAlias, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAliasCols+` FROM device_aliases WHERE active_id = ? LIMIT 1`, hardwareID)
	a, err := scanSQLiteAlias(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alias by active id: %w", err)
	}
	return a, nil
}

// CreateAlias inserts an alias if none exists for its serial number.
func (s *SQLiteStore) CreateAlias(ctx context.Context, a DeviceAlias) error {
	prev, err := json.Marshal(nonNil(a.PreviousIDs))
	if err != nil {
		return fmt.Errorf("encode previous_ids: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_aliases (serial_number, active_id, previous_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (serial_number) DO NOTHING
	`, a.SerialNumber, a.ActiveID, string(prev), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create alias: %w", err)
	}
	return requireRow(res)
}

// SwapActiveID applies a swap in a single statement.
func (s *SQLiteStore) SwapActiveID(ctx context.Context, serialNumber string, u SwapUpdate) error {
	var res sql.Result
	var err error
	if u.Rewrite.Present {
		prev, merr := json.Marshal(nonNil(u.Rewrite.IDs))
		if merr != nil {
			return fmt.Errorf("encode previous_ids: %w", merr)
		}
		res, err = s.db.ExecContext(ctx, `
			UPDATE device_aliases SET active_id = ?, previous_ids = ?, updated_at = ?
			WHERE serial_number = ? AND active_id = ?
		`, u.NewActiveID, string(prev), formatTime(u.At), serialNumber, u.OldActiveID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE device_aliases
			SET active_id = ?, previous_ids = json_insert(previous_ids, '$[#]', ?), updated_at = ?
			WHERE serial_number = ? AND active_id = ?
		`, u.NewActiveID, u.OldActiveID, formatTime(u.At), serialNumber, u.OldActiveID)
	}
	if err != nil {
		return fmt.Errorf("swap active id: %w", err)
	}
	return requireRow(res)
}

// ReplacePreviousIDs overwrites the history of an existing alias.
func (s *SQLiteStore) ReplacePreviousIDs(ctx context.Context, serialNumber string, ids []string, at time.Time) error {
	prev, err := json.Marshal(nonNil(ids))
	if err != nil {
		return fmt.Errorf("encode previous_ids: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_aliases SET previous_ids = ?, updated_at = ? WHERE serial_number = ?
	`, string(prev), formatTime(at), serialNumber)
	if err != nil {
		return fmt.Errorf("replace previous ids: %w", err)
	}
	return requireRow(res)
}

// DeleteAlias removes an alias.
func (s *SQLiteStore) DeleteAlias(ctx context.Context, serialNumber string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_aliases WHERE serial_number = ?`, serialNumber); err != nil {
		return fmt.Errorf("delete alias: %w", err)
	}
	return nil
}

// GetDevice retrieves a device record.
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceUID string) (*Device, error) {
	var d Device
	var serial, name, fleet, lastSeen sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT device_uid, serial_number, name, fleet_uid, last_seen FROM devices WHERE device_uid = ?
	`, deviceUID).Scan(&d.DeviceUID, &serial, &name, &fleet, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	d.SerialNumber = serial.String
	d.Name = name.String
	d.FleetUID = fleet.String
	d.LastSeen = parseTime(lastSeen)
	return &d, nil
}

// PutDevice inserts or replaces a device record.
func (s *SQLiteStore) PutDevice(ctx context.Context, d Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_uid, serial_number, name, fleet_uid, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (device_uid) DO UPDATE SET
			serial_number = excluded.serial_number,
			name = excluded.name,
			fleet_uid = excluded.fleet_uid,
			last_seen = excluded.last_seen
	`, d.DeviceUID, d.SerialNumber, d.Name, d.FleetUID, formatTime(d.LastSeen))
	if err != nil {
		return fmt.Errorf("put device: %w", err)
	}
	return nil
}

// DeleteDevice removes a device record.
func (s *SQLiteStore) DeleteDevice(ctx context.Context, deviceUID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_uid = ?`, deviceUID); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

const journeyCols = `device_uid, journey_id, start_time, end_time, point_count, total_distance, status,
	matched_route, match_confidence, matched_at, matched_points_count`

func scanJourney(row interface{ Scan(...any) error }) (Journey, error) {
	var j Journey
	var route *string
	err := row.Scan(&j.DeviceUID, &j.JourneyID, &j.StartTime, &j.EndTime, &j.PointCount, &j.TotalDistance,
		&j.Status, &route, &j.MatchConfidence, &j.MatchedAt, &j.MatchedPointsCount)
	if err != nil {
		return j, err
	}
	if route != nil {
		if j.MatchedRoute, err = decodeRoute(*route); err != nil {
			return j, err
		}
	}
	return j, nil
}

// GetJourney retrieves a journey by its key.
func (s *SQLiteStore) GetJourney(ctx context.Context, deviceUID string, journeyID int64) (*Journey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+journeyCols+` FROM journeys WHERE device_uid = ? AND journey_id = ?`, deviceUID, journeyID)
	j, err := scanJourney(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get journey: %w", err)
	}
	return &j, nil
}

// PutJourney inserts or replaces a journey.
func (s *SQLiteStore) PutJourney(ctx context.Context, j Journey) error {
	route, err := encodeRoute(j.MatchedRoute)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO journeys (`+journeyCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
	`, j.DeviceUID, j.JourneyID, j.StartTime, j.EndTime, j.PointCount, j.TotalDistance, j.Status,
		route, j.MatchConfidence, j.MatchedAt, j.MatchedPointsCount)
	if err != nil {
		return fmt.Errorf("put journey: %w", err)
	}
	return nil
}

// QueryJourneys returns one page of journeys, filtered by status.
func (s *SQLiteStore) QueryJourneys(ctx context.Context, q RangeQuery) (Page[Journey], error) {
	query, args, size, err := rangeSQL(questionMark, "journeys", journeyCols, "journey_id", "status", q)
	if err != nil {
		return Page[Journey]{}, err
	}
	return sqliteQuery(ctx, s.db, query, args, size, func(r *sql.Rows) (Journey, error) { return scanJourney(r) })
}

const locationCols = `device_uid, timestamp, latitude, longitude, source, journey_id, dop, speed, bearing, city, state, country`

func scanLocation(row interface{ Scan(...any) error }) (LocationPoint, error) {
	var p LocationPoint
	var source, city, state, country sql.NullString
	err := row.Scan(&p.DeviceUID, &p.Timestamp, &p.Latitude, &p.Longitude, &source, &p.JourneyID,
		&p.DOP, &p.Speed, &p.Bearing, &city, &state, &country)
	p.Source = source.String
	p.City = city.String
	p.State = state.String
	p.Country = country.String
	return p, err
}

// PutLocation inserts or replaces a location point.
func (s *SQLiteStore) PutLocation(ctx context.Context, p LocationPoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO locations (`+locationCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.DeviceUID, p.Timestamp, p.Latitude, p.Longitude, p.Source, p.JourneyID,
		p.DOP, p.Speed, p.Bearing, p.City, p.State, p.Country)
	if err != nil {
		return fmt.Errorf("put location: %w", err)
	}
	return nil
}

// QueryLocations returns one page of locations, filtered by source.
func (s *SQLiteStore) QueryLocations(ctx context.Context, q RangeQuery) (Page[LocationPoint], error) {
	query, args, size, err := rangeSQL(questionMark, "locations", locationCols, "timestamp", "source", q)
	if err != nil {
		return Page[LocationPoint]{}, err
	}
	return sqliteQuery(ctx, s.db, query, args, size, func(r *sql.Rows) (LocationPoint, error) { return scanLocation(r) })
}

// JourneyPoints returns every location point tagged with the journey.
func (s *SQLiteStore) JourneyPoints(ctx context.Context, deviceUID string, journeyID int64) ([]LocationPoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+locationCols+` FROM locations WHERE journey_id = ? AND device_uid = ?`, journeyID, deviceUID)
	if err != nil {
		return nil, fmt.Errorf("query journey points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var points []LocationPoint
	for rows.Next() {
		p, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// JourneyPointKeys returns the keys of every location point tagged with the journey.
func (s *SQLiteStore) JourneyPointKeys(ctx context.Context, deviceUID string, journeyID int64) ([]RecordKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_uid, timestamp FROM locations WHERE journey_id = ? AND device_uid = ?`, journeyID, deviceUID)
	if err != nil {
		return nil, fmt.Errorf("query journey point keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

// BatchDeleteLocations deletes up to MaxBatchWrite points in one transaction.
func (s *SQLiteStore) BatchDeleteLocations(ctx context.Context, keys []RecordKey) error {
	if len(keys) > MaxBatchWrite {
		return ErrBatchTooLarge
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM locations WHERE device_uid = ? AND timestamp = ?`, k.DeviceUID, k.Timestamp); err != nil {
			return fmt.Errorf("delete location: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteJourney removes a journey record.
func (s *SQLiteStore) DeleteJourney(ctx context.Context, deviceUID string, journeyID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM journeys WHERE device_uid = ? AND journey_id = ?`, deviceUID, journeyID); err != nil {
		return fmt.Errorf("delete journey: %w", err)
	}
	return nil
}

// SaveMatchedRoute caches a map-matched route on an existing journey.
func (s *SQLiteStore) SaveMatchedRoute(ctx context.Context, deviceUID string, journeyID int64, r MatchedRoute) error {
	route, err := encodeRoute(r.Geometry)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE journeys
		SET matched_route = ?, match_confidence = ?, matched_at = ?, matched_points_count = ?
		WHERE device_uid = ? AND journey_id = ?
	`, route, r.Confidence, r.MatchedAt, r.MatchedPointsCount, deviceUID, journeyID)
	if err != nil {
		return fmt.Errorf("save matched route: %w", err)
	}
	return requireRow(res)
}

const telemetryCols = `device_uid, timestamp, temperature, humidity, pressure, voltage, motion, mode`

func scanTelemetry(row interface{ Scan(...any) error }) (TelemetryReading, error) {
	var r TelemetryReading
	var mode sql.NullString
	err := row.Scan(&r.DeviceUID, &r.Timestamp, &r.Temperature, &r.Humidity, &r.Pressure, &r.Voltage, &r.Motion, &mode)
	r.Mode = mode.String
	return r, err
}

// PutTelemetry inserts or replaces a telemetry reading.
func (s *SQLiteStore) PutTelemetry(ctx context.Context, r TelemetryReading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO telemetry (`+telemetryCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.DeviceUID, r.Timestamp, r.Temperature, r.Humidity, r.Pressure, r.Voltage, r.Motion, r.Mode)
	if err != nil {
		return fmt.Errorf("put telemetry: %w", err)
	}
	return nil
}

// QueryTelemetry returns one page of telemetry readings.
func (s *SQLiteStore) QueryTelemetry(ctx context.Context, q RangeQuery) (Page[TelemetryReading], error) {
	query, args, size, err := rangeSQL(questionMark, "telemetry", telemetryCols, "timestamp", "", q)
	if err != nil {
		return Page[TelemetryReading]{}, err
	}
	return sqliteQuery(ctx, s.db, query, args, size, func(r *sql.Rows) (TelemetryReading, error) { return scanTelemetry(r) })
}

const powerCols = `device_uid, timestamp, voltage, temperature, milliamp_hours`

// PutPower inserts or replaces a power reading.
func (s *SQLiteStore) PutPower(ctx context.Context, r PowerReading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO power (`+powerCols+`) VALUES (?, ?, ?, ?, ?)
	`, r.DeviceUID, r.Timestamp, r.Voltage, r.Temperature, r.MilliampHours)
	if err != nil {
		return fmt.Errorf("put power: %w", err)
	}
	return nil
}

// QueryPower returns one page of power readings.
func (s *SQLiteStore) QueryPower(ctx context.Context, q RangeQuery) (Page[PowerReading], error) {
	query, args, size, err := rangeSQL(questionMark, "power", powerCols, "timestamp", "", q)
	if err != nil {
		return Page[PowerReading]{}, err
	}
	return sqliteQuery(ctx, s.db, query, args, size, func(r *sql.Rows) (PowerReading, error) {
		var p PowerReading
		err := r.Scan(&p.DeviceUID, &p.Timestamp, &p.Voltage, &p.Temperature, &p.MilliampHours)
		return p, err
	})
}

func sqliteQuery[T Timestamped](ctx context.Context, db *sql.DB, query string, args []any, size int, scan func(*sql.Rows) (T, error)) (Page[T], error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page[T]{}, fmt.Errorf("range query: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

// requireRow maps an update that touched no row to ErrConditionFailed.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrConditionFailed
	}
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
