// Package storage provides persistence for device aliases, journeys and
// per-device history records.
package storage

import (
	"context"
	"errors"
	"time"
)

// MaxBatchWrite is the per-call item ceiling of a batch write.
const MaxBatchWrite = 25

var (
	// ErrConditionFailed is returned when a conditional write loses.
	ErrConditionFailed = errors.New("storage: condition failed")

	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchWrite.
	ErrBatchTooLarge = errors.New("storage: batch exceeds item ceiling")
)

// AttrFilter is a server-side equality filter on a single attribute
// (journey status, location source).
type AttrFilter struct {
	Present bool
	Value   string
}

// Matches reports whether v passes the filter.
func (f AttrFilter) Matches(v string) bool {
	return !f.Present || f.Value == v
}

// RangeQuery selects one page of records for one device.
type RangeQuery struct {
	DeviceUID  string
	Start      int64 // Inclusive, milliseconds. Zero means unbounded.
	End        int64 // Inclusive, milliseconds. Zero means unbounded.
	Filter     AttrFilter
	Descending bool
	PageSize   int
	Cursor     string
}

// InRange reports whether ts falls inside the query's time window.
func (q RangeQuery) InRange(ts int64) bool {
	if q.Start != 0 && ts < q.Start {
		return false
	}
	if q.End != 0 && ts > q.End {
		return false
	}
	return true
}

// Page is one page of a range query. An empty Cursor means no more pages.
type Page[T any] struct {
	Items  []T
	Cursor string
}

// HistoryRewrite replaces the whole history instead of appending to it.
type HistoryRewrite struct {
	Present bool
	IDs     []string
}

// SwapUpdate moves OldActiveID into the history and makes NewActiveID active.
// Without a rewrite the store appends OldActiveID atomically; with one it
// replaces the history. Either way the write applies only while the stored
// active id still equals OldActiveID.
type SwapUpdate struct {
	NewActiveID string
	OldActiveID string
	Rewrite     HistoryRewrite
	At          time.Time
}

// AliasStore persists device aliases.
type AliasStore interface {
	GetAlias(ctx context.Context, serialNumber string) (*DeviceAlias, error)
	GetAliasByActiveID(ctx context.Context, hardwareID string) (*DeviceAlias, error)
	CreateAlias(ctx context.Context, a DeviceAlias) error
	SwapActiveID(ctx context.Context, serialNumber string, u SwapUpdate) error
	ReplacePreviousIDs(ctx context.Context, serialNumber string, ids []string, at time.Time) error
	DeleteAlias(ctx context.Context, serialNumber string) error
}

// DeviceStore persists primary device records.
type DeviceStore interface {
	GetDevice(ctx context.Context, deviceUID string) (*Device, error)
	PutDevice(ctx context.Context, d Device) error
	DeleteDevice(ctx context.Context, deviceUID string) error
}

// JourneyStore persists journeys and resolves their points.
type JourneyStore interface {
	GetJourney(ctx context.Context, deviceUID string, journeyID int64) (*Journey, error)
	QueryJourneys(ctx context.Context, q RangeQuery) (Page[Journey], error)
	JourneyPoints(ctx context.Context, deviceUID string, journeyID int64) ([]LocationPoint, error)
	JourneyPointKeys(ctx context.Context, deviceUID string, journeyID int64) ([]RecordKey, error)
	BatchDeleteLocations(ctx context.Context, keys []RecordKey) error
	DeleteJourney(ctx context.Context, deviceUID string, journeyID int64) error
	SaveMatchedRoute(ctx context.Context, deviceUID string, journeyID int64, r MatchedRoute) error
}

// LocationStore reads location history.
type LocationStore interface {
	QueryLocations(ctx context.Context, q RangeQuery) (Page[LocationPoint], error)
}

// TelemetryStore reads environment telemetry history.
type TelemetryStore interface {
	QueryTelemetry(ctx context.Context, q RangeQuery) (Page[TelemetryReading], error)
}

// PowerStore reads power monitor history.
type PowerStore interface {
	QueryPower(ctx context.Context, q RangeQuery) (Page[PowerReading], error)
}

// Writer loads history records. Ingestion owns these tables; the core only
// reads them.
type Writer interface {
	PutJourney(ctx context.Context, j Journey) error
	PutLocation(ctx context.Context, p LocationPoint) error
	PutTelemetry(ctx context.Context, r TelemetryReading) error
	PutPower(ctx context.Context, r PowerReading) error
}

// Store is implemented by backends that hold every record type.
type Store interface {
	AliasStore
	DeviceStore
	JourneyStore
	LocationStore
	TelemetryStore
	PowerStore
	Close() error
}

// DefaultPageSize is used when a query does not set one.
const DefaultPageSize = 100

func pageSize(q RangeQuery) int {
	if q.PageSize <= 0 {
		return DefaultPageSize
	}
	return q.PageSize
}
