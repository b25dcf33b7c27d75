// Package history answers per-device history queries across every hardware
// id a serial number has used.
package history

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/mergequery"
	"notecard_fleet/internal/metrics"
	"notecard_fleet/internal/storage"
)

// FetchAllThreshold is the limit above which shards are paged to exhaustion
// instead of being capped locally.
const FetchAllThreshold = 500

// Resolver maps a serial number or hardware id to its identity.
type Resolver interface {
	Resolve(ctx context.Context, key string) (*storage.ResolvedIdentity, error)
}

// Stores groups the record stores the service reads.
type Stores struct {
	Journeys  storage.JourneyStore
	Locations storage.LocationStore
	Telemetry storage.TelemetryStore
	Power     storage.PowerStore
}

// Service runs merged history queries.
type Service struct {
	ids    Resolver
	stores Stores
	log    logrus.FieldLogger
}

// NewService creates a history service.
func NewService(ids Resolver, stores Stores, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{ids: ids, stores: stores, log: logger.WithField("component", "history")}
}

// Window is the part of a request shared by every record type.
type Window struct {
	Key      string // Serial number or hardware id.
	Start    int64  // Milliseconds, inclusive. Zero is unbounded.
	End      int64  // Milliseconds, inclusive. Zero is unbounded.
	Limit    int    // Zero or less is unlimited.
	FetchAll bool
	Order    mergequery.Order
}

func (w Window) fetchAll() bool {
	return w.FetchAll || w.Limit > FetchAllThreshold
}

// JourneyQuery selects journeys, optionally by status.
type JourneyQuery struct {
	Window
	Status storage.AttrFilter
}

// LocationQuery selects location points, optionally by source.
type LocationQuery struct {
	Window
	Source storage.AttrFilter
}

// Result is a merged history page.
type Result[T any] struct {
	SerialNumber string   `json:"serial_number"`
	DeviceUIDs   []string `json:"device_uids"`
	Items        []T      `json:"items"`
}

// Journeys returns journeys across every id of the device.
func (s *Service) Journeys(ctx context.Context, q JourneyQuery) (*Result[storage.Journey], error) {
	opts := options[storage.Journey](q.Window)
	opts.Range.Filter = q.Status
	opts.Keep = func(j storage.Journey) bool { return q.Status.Matches(j.Status) }
	return run(ctx, s, "journeys", q.Key, s.stores.Journeys.QueryJourneys, opts)
}

// Locations returns location points across every id of the device.
func (s *Service) Locations(ctx context.Context, q LocationQuery) (*Result[storage.LocationPoint], error) {
	opts := options[storage.LocationPoint](q.Window)
	opts.Range.Filter = q.Source
	opts.Keep = func(p storage.LocationPoint) bool { return q.Source.Matches(p.Source) }
	return run(ctx, s, "locations", q.Key, s.stores.Locations.QueryLocations, opts)
}

// Telemetry returns environment readings across every id of the device.
func (s *Service) Telemetry(ctx context.Context, w Window) (*Result[storage.TelemetryReading], error) {
	return run(ctx, s, "telemetry", w.Key, s.stores.Telemetry.QueryTelemetry, options[storage.TelemetryReading](w))
}

// Power returns power monitor readings across every id of the device.
func (s *Service) Power(ctx context.Context, w Window) (*Result[storage.PowerReading], error) {
	return run(ctx, s, "power", w.Key, s.stores.Power.QueryPower, options[storage.PowerReading](w))
}

func options[T any](w Window) mergequery.Options[T] {
	return mergequery.Options[T]{
		Range:    storage.RangeQuery{Start: w.Start, End: w.End},
		Limit:    w.Limit,
		FetchAll: w.fetchAll(),
		Order:    w.Order,
	}
}

func run[T storage.Timestamped](ctx context.Context, s *Service, record, key string, page mergequery.Pager[T], opts mergequery.Options[T]) (*Result[T], error) {
	if opts.Range.Start != 0 && opts.Range.End != 0 && opts.Range.Start > opts.Range.End {
		return nil, fault.Invalid("start %d is after end %d", opts.Range.Start, opts.Range.End)
	}

	id, err := s.ids.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	items, err := query(ctx, record, id.AllIDs, page, opts)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"record":        record,
			"serial_number": id.SerialNumber,
			"device_uids":   id.AllIDs,
		}).Warn("Merged history query failed.")
		return nil, err
	}

	if items == nil {
		items = []T{}
	}
	return &Result[T]{SerialNumber: id.SerialNumber, DeviceUIDs: id.AllIDs, Items: items}, nil
}

// query runs a merged query and records its latency and fan-out.
func query[T storage.Timestamped](ctx context.Context, record string, ids []string, page mergequery.Pager[T], opts mergequery.Options[T]) ([]T, error) {
	timer := prometheus.NewTimer(metrics.MergeQueryDuration.WithLabelValues(record))
	defer timer.ObserveDuration()
	metrics.MergeQueryShards.Observe(float64(len(ids)))

	items, err := mergequery.Query(ctx, ids, page, opts)
	if err != nil {
		return nil, fault.Upstream("query "+record, err)
	}
	return items, nil
}
