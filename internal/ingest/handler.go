package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/identity"
	"notecard_fleet/internal/metrics"
	"notecard_fleet/internal/storage"
)

// CheckInHandler records that a hardware id reported under a serial number.
type CheckInHandler interface {
	HandleCheckIn(ctx context.Context, serialNumber, hardwareID string) (identity.CheckInResult, error)
}

// Recorder stores the history carried by events.
type Recorder interface {
	storage.Writer
	GetDevice(ctx context.Context, deviceUID string) (*storage.Device, error)
	PutDevice(ctx context.Context, d storage.Device) error
	GetJourney(ctx context.Context, deviceUID string, journeyID int64) (*storage.Journey, error)
	QueryJourneys(ctx context.Context, q storage.RangeQuery) (storage.Page[storage.Journey], error)
	QueryLocations(ctx context.Context, q storage.RangeQuery) (storage.Page[storage.LocationPoint], error)
}

// Handler processes one event at a time.
type Handler struct {
	ids CheckInHandler
	rec Recorder
	log logrus.FieldLogger
}

// NewHandler creates a handler. A nil recorder limits it to check-ins.
func NewHandler(ids CheckInHandler, rec Recorder, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{ids: ids, rec: rec, log: logger.WithField("component", "ingest")}
}

// Handle decodes and applies a single event. Malformed events return an
// ErrInvalidArgument error; the caller logs and drops them.
func (h *Handler) Handle(ctx context.Context, data []byte) error {
	log := h.log.WithField("correlation_id", uuid.NewString())

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		metrics.IngestEvents.WithLabelValues("malformed").Inc()
		return fault.Invalid("decode event: %v", err)
	}
	if ev.DeviceUID == "" {
		metrics.IngestEvents.WithLabelValues("skipped").Inc()
		log.WithField("event", ev.EventUID).Debug("Event has no device, skipping.")
		return nil
	}

	log = log.WithFields(logrus.Fields{
		"event":      ev.EventUID,
		"file":       ev.File,
		"device_uid": ev.DeviceUID,
	})

	if ev.HasIdentity() {
		res, err := h.ids.HandleCheckIn(ctx, ev.SerialNumber, ev.DeviceUID)
		if err != nil {
			metrics.IngestEvents.WithLabelValues("failed").Inc()
			return fmt.Errorf("check-in %s: %w", ev.SerialNumber, err)
		}
		// The replaced module will not report again; close its journeys.
		if res.IsSwap && h.rec != nil {
			if err := h.completeJourneys(ctx, res.OldHardwareID, math.MaxInt64); err != nil {
				metrics.IngestEvents.WithLabelValues("failed").Inc()
				return err
			}
			log.WithField("old_device", res.OldHardwareID).Debug("Closed journeys of replaced hardware.")
		}
	}

	if h.rec != nil {
		if err := h.touchDevice(ctx, &ev); err != nil {
			metrics.IngestEvents.WithLabelValues("failed").Inc()
			return err
		}
		if err := h.record(ctx, &ev); err != nil {
			metrics.IngestEvents.WithLabelValues("failed").Inc()
			return err
		}
	}

	metrics.IngestEvents.WithLabelValues("ok").Inc()
	return nil
}

// touchDevice upserts the primary device record, keeping its name and fleet.
func (h *Handler) touchDevice(ctx context.Context, ev *Event) error {
	dev, err := h.rec.GetDevice(ctx, ev.DeviceUID)
	if err != nil {
		return fault.Upstream("get device", err)
	}
	if dev == nil {
		dev = &storage.Device{DeviceUID: ev.DeviceUID}
	}
	if ev.SerialNumber != "" {
		dev.SerialNumber = ev.SerialNumber
	}

	seen := time.Now().UTC()
	if ev.When > 0 {
		seen = time.Unix(int64(ev.When), 0).UTC()
	}
	if seen.After(dev.LastSeen) {
		dev.LastSeen = seen
	}

	if err := h.rec.PutDevice(ctx, *dev); err != nil {
		return fault.Upstream("put device", err)
	}
	return nil
}

func (h *Handler) record(ctx context.Context, ev *Event) error {
	ts := int64(ev.When) * 1000

	switch ev.File {
	case FileTrack:
		var b TrackBody
		if err := decodeBody(ev, &b); err != nil {
			return err
		}
		err := h.rec.PutTelemetry(ctx, storage.TelemetryReading{
			DeviceUID:   ev.DeviceUID,
			Timestamp:   ts,
			Temperature: b.Temp,
			Humidity:    b.Humidity,
			Pressure:    b.Pressure,
			Voltage:     b.Voltage,
			Motion:      b.Motion,
			Mode:        b.Mode,
		})
		if err != nil {
			return fault.Upstream("put telemetry", err)
		}

	case FilePowerLog:
		var b PowerBody
		if err := decodeBody(ev, &b); err != nil {
			return err
		}
		// Other log notes share the file.
		if b.MilliampHours == nil && b.Voltage == nil {
			return nil
		}
		err := h.rec.PutPower(ctx, storage.PowerReading{
			DeviceUID:     ev.DeviceUID,
			Timestamp:     ts,
			Voltage:       b.Voltage,
			Temperature:   b.Temperature,
			MilliampHours: b.MilliampHours,
		})
		if err != nil {
			return fault.Upstream("put power", err)
		}

	case FileLocation:
		return h.recordTrackPoint(ctx, ev, ts)
	}

	if ev.HasLocation() {
		at := int64(ev.BestLocationWhen) * 1000
		if at == 0 {
			at = ts
		}
		if err := h.rec.PutLocation(ctx, locationPoint(ev, at)); err != nil {
			return fault.Upstream("put location", err)
		}
	}
	return nil
}

func locationPoint(ev *Event, ts int64) storage.LocationPoint {
	return storage.LocationPoint{
		DeviceUID: ev.DeviceUID,
		Timestamp: ts,
		Latitude:  *ev.BestLat,
		Longitude: *ev.BestLon,
		Source:    locationSource(ev.BestLocationType),
		City:      ev.BestLocation,
		State:     ev.BestState,
		Country:   ev.BestCountry,
	}
}

// recordTrackPoint stores a GPS tracking point and folds it into its journey.
func (h *Handler) recordTrackPoint(ctx context.Context, ev *Event, ts int64) error {
	if !ev.HasLocation() {
		return nil
	}
	var b LocationBody
	if err := decodeBody(ev, &b); err != nil {
		return err
	}

	p := locationPoint(ev, ts)
	if p.Source == "" {
		p.Source = storage.SourceGPS
	}
	p.DOP = b.DOP
	p.Speed = b.Velocity
	p.Bearing = b.Bearing

	if b.Journey == 0 {
		if err := h.rec.PutLocation(ctx, p); err != nil {
			return fault.Upstream("put location", err)
		}
		return nil
	}

	journeyID := int64(b.Journey) * 1000
	p.JourneyID = &journeyID

	// A re-delivered point overwrites its row and must not count twice.
	seen, err := h.hasLocation(ctx, ev.DeviceUID, ts)
	if err != nil {
		return err
	}
	if err := h.rec.PutLocation(ctx, p); err != nil {
		return fault.Upstream("put location", err)
	}
	if seen {
		h.log.WithFields(logrus.Fields{
			"device_uid": ev.DeviceUID,
			"journey_id": journeyID,
			"event":      ev.EventUID,
		}).Debug("Track point already recorded.")
		return nil
	}
	return h.extendJourney(ctx, ev.DeviceUID, journeyID, ts, b.Distance)
}

func (h *Handler) hasLocation(ctx context.Context, deviceUID string, ts int64) (bool, error) {
	page, err := h.rec.QueryLocations(ctx, storage.RangeQuery{
		DeviceUID: deviceUID,
		Start:     ts,
		End:       ts,
		PageSize:  1,
	})
	if err != nil {
		return false, fault.Upstream("query locations", err)
	}
	for _, p := range page.Items {
		if p.Timestamp == ts {
			return true, nil
		}
	}
	return false, nil
}

func (h *Handler) extendJourney(ctx context.Context, deviceUID string, journeyID, ts int64, distance float64) error {
	j, err := h.rec.GetJourney(ctx, deviceUID, journeyID)
	if err != nil {
		return fault.Upstream("get journey", err)
	}
	if j == nil {
		if err := h.completeJourneys(ctx, deviceUID, journeyID); err != nil {
			return err
		}
		j = &storage.Journey{
			DeviceUID: deviceUID,
			JourneyID: journeyID,
			StartTime: journeyID,
			Status:    storage.JourneyActive,
		}
	}

	j.PointCount++
	j.TotalDistance += distance
	if j.EndTime == nil || ts > *j.EndTime {
		j.EndTime = &ts
	}
	if err := h.rec.PutJourney(ctx, *j); err != nil {
		return fault.Upstream("put journey", err)
	}
	return nil
}

// completeJourneys marks every active journey of the device that started
// before the given time completed.
func (h *Handler) completeJourneys(ctx context.Context, deviceUID string, before int64) error {
	q := storage.RangeQuery{
		DeviceUID: deviceUID,
		End:       before - 1,
		Filter:    storage.AttrFilter{Present: true, Value: storage.JourneyActive},
	}
	var stale []storage.Journey
	for {
		page, err := h.rec.QueryJourneys(ctx, q)
		if err != nil {
			return fault.Upstream("query journeys", err)
		}
		stale = append(stale, page.Items...)
		if page.Cursor == "" {
			break
		}
		q.Cursor = page.Cursor
	}

	for _, j := range stale {
		j.Status = storage.JourneyCompleted
		if err := h.rec.PutJourney(ctx, j); err != nil {
			return fault.Upstream("complete journey", err)
		}
		h.log.WithFields(logrus.Fields{"device_uid": deviceUID, "journey_id": j.JourneyID}).Debug("Journey completed.")
	}
	return nil
}

func decodeBody(ev *Event, v any) error {
	if len(ev.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Body, v); err != nil {
		metrics.IngestEvents.WithLabelValues("malformed").Inc()
		return fault.Invalid("decode %s body: %v", ev.File, err)
	}
	return nil
}
