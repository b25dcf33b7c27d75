package storage

import (
	"time"

	"github.com/paulmach/orb"
)

// DeviceAlias maps a stable serial number to the hardware ids it has used.
// PreviousIDs is oldest-first and never contains ActiveID.
type DeviceAlias struct {
	SerialNumber string    `json:"serial_number"`
	ActiveID     string    `json:"active_id"`
	PreviousIDs  []string  `json:"previous_ids"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AllIDs returns the active id followed by the previous ids in stored order.
func (a *DeviceAlias) AllIDs() []string {
	ids := make([]string, 0, len(a.PreviousIDs)+1)
	ids = append(ids, a.ActiveID)
	return append(ids, a.PreviousIDs...)
}

// HasPreviousID reports whether id is part of the alias history.
func (a *DeviceAlias) HasPreviousID(id string) bool {
	for _, prev := range a.PreviousIDs {
		if prev == id {
			return true
		}
	}
	return false
}

// ResolvedIdentity is the read-time projection of an alias.
type ResolvedIdentity struct {
	SerialNumber string   `json:"serial_number"`
	ActiveID     string   `json:"active_id"`
	AllIDs       []string `json:"all_ids"`
}

// Device is the primary record of one piece of hardware.
type Device struct {
	DeviceUID    string    `json:"device_uid"`
	SerialNumber string    `json:"serial_number,omitempty"`
	Name         string    `json:"name,omitempty"`
	FleetUID     string    `json:"fleet_uid,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// Journey status values.
const (
	JourneyActive    = "active"
	JourneyCompleted = "completed"
)

// Journey is a contiguous span of location points. JourneyID is the start
// timestamp in milliseconds.
type Journey struct {
	DeviceUID          string         `json:"device_uid"`
	JourneyID          int64          `json:"journey_id"`
	StartTime          int64          `json:"start_time"`
	EndTime            *int64         `json:"end_time,omitempty"`
	PointCount         int            `json:"point_count"`
	TotalDistance      float64        `json:"total_distance"` // Metres.
	Status             string         `json:"status"`
	MatchedRoute       orb.LineString `json:"matched_route,omitempty"`
	MatchConfidence    *float64       `json:"match_confidence,omitempty"`
	MatchedAt          *int64         `json:"matched_at,omitempty"`
	MatchedPointsCount *int           `json:"matched_points_count,omitempty"`
}

// At implements Timestamped.
func (j Journey) At() int64 { return j.JourneyID }

// HasMatchedRoute returns true if a map-matched route has been cached.
func (j *Journey) HasMatchedRoute() bool {
	return len(j.MatchedRoute) > 0
}

// RouteIsStale returns true if points arrived after the route was cached,
// or no route was cached at all.
func (j *Journey) RouteIsStale() bool {
	return !j.HasMatchedRoute() || j.MatchedPointsCount == nil || *j.MatchedPointsCount != j.PointCount
}

// MatchedRoute is the map-matching result cached onto a journey.
type MatchedRoute struct {
	Geometry           orb.LineString
	Confidence         float64
	MatchedAt          int64
	MatchedPointsCount int
}

// Location sources reported by Notehub.
const (
	SourceGPS           = "gps"
	SourceCell          = "cell"
	SourceTriangulation = "triangulation"
	SourceWiFi          = "wifi"
)

// LocationPoint is a single position fix.
type LocationPoint struct {
	DeviceUID string   `json:"device_uid"`
	Timestamp int64    `json:"timestamp"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Source    string   `json:"source,omitempty"`
	JourneyID *int64   `json:"journey_id,omitempty"`
	DOP       *float64 `json:"dop,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Bearing   *float64 `json:"bearing,omitempty"`
	City      string   `json:"city,omitempty"`
	State     string   `json:"state,omitempty"`
	Country   string   `json:"country,omitempty"`
}

// At implements Timestamped.
func (p LocationPoint) At() int64 { return p.Timestamp }

// Key returns the primary key of the point.
func (p LocationPoint) Key() RecordKey {
	return RecordKey{DeviceUID: p.DeviceUID, Timestamp: p.Timestamp}
}

// TelemetryReading is one track.qo environment sample.
type TelemetryReading struct {
	DeviceUID   string   `json:"device_uid"`
	Timestamp   int64    `json:"timestamp"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	Voltage     *float64 `json:"voltage,omitempty"`
	Motion      bool     `json:"motion"`
	Mode        string   `json:"mode,omitempty"`
}

// At implements Timestamped.
func (r TelemetryReading) At() int64 { return r.Timestamp }

// PowerReading is one power monitor sample. MilliampHours is a cumulative
// counter that resets when the monitor restarts.
type PowerReading struct {
	DeviceUID     string   `json:"device_uid"`
	Timestamp     int64    `json:"timestamp"`
	Voltage       *float64 `json:"voltage,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	MilliampHours *float64 `json:"milliamp_hours,omitempty"`
}

// At implements Timestamped.
func (r PowerReading) At() int64 { return r.Timestamp }

// Timestamped is implemented by every record that can be merged across devices.
type Timestamped interface {
	At() int64
}

// RecordKey identifies a record in a (device_uid, timestamp) keyed table.
type RecordKey struct {
	DeviceUID string `json:"device_uid"`
	Timestamp int64  `json:"timestamp"`
}
