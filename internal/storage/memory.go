package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It honours the same conditional-write
// and paging contracts as the database backends.
type MemoryStore struct {
	mu sync.RWMutex

	aliases   map[string]DeviceAlias
	devices   map[string]Device
	journeys  map[string]map[int64]Journey
	locations map[string]map[int64]LocationPoint
	telemetry map[string]map[int64]TelemetryReading
	power     map[string]map[int64]PowerReading
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		aliases:   make(map[string]DeviceAlias),
		devices:   make(map[string]Device),
		journeys:  make(map[string]map[int64]Journey),
		locations: make(map[string]map[int64]LocationPoint),
		telemetry: make(map[string]map[int64]TelemetryReading),
		power:     make(map[string]map[int64]PowerReading),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func copyAlias(a DeviceAlias) *DeviceAlias {
	a.PreviousIDs = append([]string{}, a.PreviousIDs...)
	return &a
}

// GetAlias retrieves an alias by serial number.
func (m *MemoryStore) GetAlias(_ context.Context, serialNumber string) (*DeviceAlias, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.aliases[serialNumber]
	if !ok {
		return nil, nil
	}
	return copyAlias(a), nil
}

// GetAliasByActiveID retrieves the alias whose active id equals hardwareID.
func (m *MemoryStore) GetAliasByActiveID(_ context.Context, hardwareID string) (*DeviceAlias, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.aliases {
		if a.ActiveID == hardwareID {
			return copyAlias(a), nil
		}
	}
	return nil, nil
}

// CreateAlias inserts an alias if none exists for its serial number.
func (m *MemoryStore) CreateAlias(_ context.Context, a DeviceAlias) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.aliases[a.SerialNumber]; exists {
		return ErrConditionFailed
	}
	m.aliases[a.SerialNumber] = *copyAlias(a)
	return nil
}

// SwapActiveID applies a swap to an existing alias.
func (m *MemoryStore) SwapActiveID(_ context.Context, serialNumber string, u SwapUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.aliases[serialNumber]
	if !ok || a.ActiveID != u.OldActiveID {
		return ErrConditionFailed
	}

	if u.Rewrite.Present {
		a.PreviousIDs = append([]string(nil), u.Rewrite.IDs...)
	} else {
		a.PreviousIDs = append(append([]string(nil), a.PreviousIDs...), u.OldActiveID)
	}
	a.ActiveID = u.NewActiveID
	a.UpdatedAt = u.At
	m.aliases[serialNumber] = a
	return nil
}

// ReplacePreviousIDs overwrites the history of an existing alias.
func (m *MemoryStore) ReplacePreviousIDs(_ context.Context, serialNumber string, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.aliases[serialNumber]
	if !ok {
		return ErrConditionFailed
	}
	a.PreviousIDs = append([]string(nil), ids...)
	a.UpdatedAt = at
	m.aliases[serialNumber] = a
	return nil
}

// DeleteAlias removes an alias. Deleting a missing alias is not an error.
func (m *MemoryStore) DeleteAlias(_ context.Context, serialNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.aliases, serialNumber)
	return nil
}

// GetDevice retrieves a device record.
func (m *MemoryStore) GetDevice(_ context.Context, deviceUID string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[deviceUID]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// PutDevice inserts or replaces a device record.
func (m *MemoryStore) PutDevice(_ context.Context, d Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.DeviceUID] = d
	return nil
}

// DeleteDevice removes a device record.
func (m *MemoryStore) DeleteDevice(_ context.Context, deviceUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, deviceUID)
	return nil
}

// PutJourney inserts or replaces a journey.
func (m *MemoryStore) PutJourney(_ context.Context, j Journey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	putRow(m.journeys, j.DeviceUID, j.JourneyID, j)
	return nil
}

// PutLocation inserts or replaces a location point.
func (m *MemoryStore) PutLocation(_ context.Context, p LocationPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	putRow(m.locations, p.DeviceUID, p.Timestamp, p)
	return nil
}

// PutTelemetry inserts or replaces a telemetry reading.
func (m *MemoryStore) PutTelemetry(_ context.Context, r TelemetryReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	putRow(m.telemetry, r.DeviceUID, r.Timestamp, r)
	return nil
}

// PutPower inserts or replaces a power reading.
func (m *MemoryStore) PutPower(_ context.Context, r PowerReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	putRow(m.power, r.DeviceUID, r.Timestamp, r)
	return nil
}

func putRow[T any](table map[string]map[int64]T, deviceUID string, ts int64, row T) {
	rows, ok := table[deviceUID]
	if !ok {
		rows = make(map[int64]T)
		table[deviceUID] = rows
	}
	rows[ts] = row
}

// GetJourney retrieves a journey by its key.
func (m *MemoryStore) GetJourney(_ context.Context, deviceUID string, journeyID int64) (*Journey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.journeys[deviceUID][journeyID]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

// QueryJourneys returns one page of journeys, filtered by status.
func (m *MemoryStore) QueryJourneys(_ context.Context, q RangeQuery) (Page[Journey], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return queryRows(m.journeys[q.DeviceUID], q, func(j Journey) string { return j.Status })
}

// QueryLocations returns one page of locations, filtered by source.
func (m *MemoryStore) QueryLocations(_ context.Context, q RangeQuery) (Page[LocationPoint], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return queryRows(m.locations[q.DeviceUID], q, func(p LocationPoint) string { return p.Source })
}

// QueryTelemetry returns one page of telemetry readings.
func (m *MemoryStore) QueryTelemetry(_ context.Context, q RangeQuery) (Page[TelemetryReading], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return queryRows(m.telemetry[q.DeviceUID], q, nil)
}

// QueryPower returns one page of power readings.
func (m *MemoryStore) QueryPower(_ context.Context, q RangeQuery) (Page[PowerReading], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return queryRows(m.power[q.DeviceUID], q, nil)
}

// queryRows pages through rows keyed by timestamp. The cursor is the
// timestamp of the last row returned.
func queryRows[T Timestamped](rows map[int64]T, q RangeQuery, attr func(T) string) (Page[T], error) {
	var after *int64
	if q.Cursor != "" {
		c, err := strconv.ParseInt(q.Cursor, 10, 64)
		if err != nil {
			return Page[T]{}, err
		}
		after = &c
	}

	matched := make([]T, 0, len(rows))
	for ts, row := range rows {
		if !q.InRange(ts) {
			continue
		}
		if after != nil && ((q.Descending && ts >= *after) || (!q.Descending && ts <= *after)) {
			continue
		}
		if attr != nil && !q.Filter.Matches(attr(row)) {
			continue
		}
		matched = append(matched, row)
	}

	sort.Slice(matched, func(i, j int) bool {
		if q.Descending {
			return matched[i].At() > matched[j].At()
		}
		return matched[i].At() < matched[j].At()
	})

	size := pageSize(q)
	if len(matched) <= size {
		return Page[T]{Items: matched}, nil
	}
	items := matched[:size]
	return Page[T]{
		Items:  items,
		Cursor: strconv.FormatInt(items[len(items)-1].At(), 10),
	}, nil
}

// JourneyPoints returns every location point tagged with the journey.
func (m *MemoryStore) JourneyPoints(_ context.Context, deviceUID string, journeyID int64) ([]LocationPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var points []LocationPoint
	for _, p := range m.locations[deviceUID] {
		if p.JourneyID != nil && *p.JourneyID == journeyID {
			points = append(points, p)
		}
	}
	return points, nil
}

// JourneyPointKeys returns the keys of every location point tagged with the journey.
func (m *MemoryStore) JourneyPointKeys(ctx context.Context, deviceUID string, journeyID int64) ([]RecordKey, error) {
	points, err := m.JourneyPoints(ctx, deviceUID, journeyID)
	if err != nil {
		return nil, err
	}
	keys := make([]RecordKey, len(points))
	for i, p := range points {
		keys[i] = p.Key()
	}
	return keys, nil
}

// BatchDeleteLocations deletes up to MaxBatchWrite location points.
func (m *MemoryStore) BatchDeleteLocations(_ context.Context, keys []RecordKey) error {
	if len(keys) > MaxBatchWrite {
		return ErrBatchTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.locations[k.DeviceUID], k.Timestamp)
	}
	return nil
}

// DeleteJourney removes a journey record.
func (m *MemoryStore) DeleteJourney(_ context.Context, deviceUID string, journeyID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.journeys[deviceUID], journeyID)
	return nil
}

// SaveMatchedRoute caches a map-matched route on an existing journey.
func (m *MemoryStore) SaveMatchedRoute(_ context.Context, deviceUID string, journeyID int64, r MatchedRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.journeys[deviceUID][journeyID]
	if !ok {
		return ErrConditionFailed
	}
	confidence := r.Confidence
	matchedAt := r.MatchedAt
	count := r.MatchedPointsCount
	j.MatchedRoute = r.Geometry
	j.MatchConfidence = &confidence
	j.MatchedAt = &matchedAt
	j.MatchedPointsCount = &count
	m.journeys[deviceUID][journeyID] = j
	return nil
}

// CreateSchema is a no-op.
func (m *MemoryStore) CreateSchema(context.Context) error { return nil }
