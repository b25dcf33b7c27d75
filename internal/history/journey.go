package history

import (
	"context"
	"math"

	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/journey"
	"notecard_fleet/internal/mergequery"
	"notecard_fleet/internal/storage"
)

// JourneyDetail is a journey with its points.
type JourneyDetail struct {
	SerialNumber string                  `json:"serial_number"`
	Journey      storage.Journey         `json:"journey"`
	Points       []storage.LocationPoint `json:"points"`
	RouteStale   bool                    `json:"route_stale"`
}

// Journey returns one journey and its points from whichever id owns it.
func (s *Service) Journey(ctx context.Context, key string, journeyID int64) (*JourneyDetail, error) {
	id, err := s.ids.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	j, err := journey.FindOwner(ctx, s.stores.Journeys, id.AllIDs, journeyID)
	if err != nil {
		return nil, err
	}

	points, err := journey.Points(ctx, s.stores.Journeys, j.DeviceUID, journeyID)
	if err != nil {
		return nil, err
	}
	if points == nil {
		points = []storage.LocationPoint{}
	}

	return &JourneyDetail{
		SerialNumber: id.SerialNumber,
		Journey:      *j,
		Points:       points,
		RouteStale:   j.RouteIsStale(),
	}, nil
}

// PowerConsumption is the charge drawn over a journey.
type PowerConsumption struct {
	SerialNumber  string  `json:"serial_number"`
	JourneyID     int64   `json:"journey_id"`
	StartTime     int64   `json:"start_time"`
	EndTime       int64   `json:"end_time,omitempty"`
	Readings      int     `json:"readings"`
	MilliampHours float64 `json:"milliamp_hours"`
}

// JourneyPowerConsumption returns the mAh drawn during the journey from the
// power readings of every id of the device. It returns fault.ErrIndeterminate
// when fewer than two counter readings exist or the counter was reset.
func (s *Service) JourneyPowerConsumption(ctx context.Context, key string, journeyID int64) (*PowerConsumption, error) {
	id, err := s.ids.Resolve(ctx, key)
	if err != nil {
		return nil, err
	}

	j, err := journey.FindOwner(ctx, s.stores.Journeys, id.AllIDs, journeyID)
	if err != nil {
		return nil, err
	}

	window := storage.RangeQuery{Start: j.StartTime}
	if j.EndTime != nil {
		window.End = *j.EndTime
	}

	readings, err := query(ctx, "power", id.AllIDs, s.stores.Power.QueryPower, mergequery.Options[storage.PowerReading]{
		Range:    window,
		FetchAll: true,
		Order:    mergequery.Ascending,
		Keep:     func(r storage.PowerReading) bool { return r.MilliampHours != nil },
	})
	if err != nil {
		return nil, err
	}

	used, err := Consumption(readings)
	if err != nil {
		return nil, err
	}

	return &PowerConsumption{
		SerialNumber:  id.SerialNumber,
		JourneyID:     journeyID,
		StartTime:     window.Start,
		EndTime:       window.End,
		Readings:      len(readings),
		MilliampHours: used,
	}, nil
}

// Consumption returns the last cumulative mAh reading minus the first.
// Readings must be in ascending time order. A negative delta means the
// counter was reset and is reported as fault.ErrIndeterminate rather than
// clamped.
func Consumption(readings []storage.PowerReading) (float64, error) {
	var first, last *float64
	n := 0
	for _, r := range readings {
		if r.MilliampHours == nil {
			continue
		}
		if first == nil {
			first = r.MilliampHours
		}
		last = r.MilliampHours
		n++
	}

	if n < 2 {
		return 0, fault.Indeterminate("need 2 power readings, have %d", n)
	}
	delta := *last - *first
	if delta < 0 {
		return 0, fault.Indeterminate("power counter reset (%.3f -> %.3f mAh)", *first, *last)
	}
	return math.Round(delta*1000) / 1000, nil
}
