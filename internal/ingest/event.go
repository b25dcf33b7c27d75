// Package ingest consumes Notehub events and turns them into check-ins and
// history records.
package ingest

import (
	"encoding/json"
	"strconv"
)

// Notefiles the ingester records.
const (
	FileTrack    = "track.qo"  // Environment telemetry.
	FileLocation = "_track.qo" // Notecard GPS tracking, one point per event.
	FilePowerLog = "_log.qo"   // Mojo power monitor readings.
)

// FlexInt64 handles JSON fields that can be either string or number.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	// Try as number first
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			*f = FlexInt64(i)
			return nil
		}
		if fl, err := n.Float64(); err == nil {
			*f = FlexInt64(fl)
			return nil
		}
	}

	// Try as string
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			*f = FlexInt64(i)
			return nil
		}
	}

	*f = 0
	return nil
}

// Event is a routed Notehub event. Times are Unix seconds.
type Event struct {
	EventUID     string          `json:"event"`
	SerialNumber string          `json:"sn"`
	DeviceUID    string          `json:"device"`
	File         string          `json:"file"`
	When         FlexInt64       `json:"when"`
	Body         json.RawMessage `json:"body,omitempty"`

	// Best known location at the time of the event.
	BestLat          *float64  `json:"best_lat,omitempty"`
	BestLon          *float64  `json:"best_lon,omitempty"`
	BestLocationType string    `json:"best_location_type,omitempty"`
	BestLocationWhen FlexInt64 `json:"best_location_when,omitempty"`
	BestLocation     string    `json:"best_location,omitempty"`
	BestState        string    `json:"best_state,omitempty"`
	BestCountry      string    `json:"best_country,omitempty"`
}

// TrackBody is the body of a track.qo note.
type TrackBody struct {
	Temp     *float64 `json:"temp,omitempty"`
	Humidity *float64 `json:"humidity,omitempty"`
	Pressure *float64 `json:"pressure,omitempty"`
	Voltage  *float64 `json:"voltage,omitempty"`
	Motion   bool     `json:"motion,omitempty"`
	Mode     string   `json:"mode,omitempty"`
}

// LocationBody is the body of a _track.qo note. Journey is the journey start
// in Unix seconds; zero means the point belongs to no journey.
type LocationBody struct {
	Journey  FlexInt64 `json:"journey,omitempty"`
	JCount   int       `json:"jcount,omitempty"`
	Distance float64   `json:"distance,omitempty"` // Metres since the previous point.
	Velocity *float64  `json:"velocity,omitempty"`
	Bearing  *float64  `json:"bearing,omitempty"`
	DOP      *float64  `json:"dop,omitempty"`
}

// PowerBody is the body of a _log.qo power monitor note.
type PowerBody struct {
	MilliampHours *float64 `json:"milliamp_hours,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	Voltage       *float64 `json:"voltage,omitempty"`
}

// HasIdentity reports whether the event carries both halves of a check-in.
func (e *Event) HasIdentity() bool {
	return e.SerialNumber != "" && e.DeviceUID != ""
}

// HasLocation reports whether the event carries a best-known position.
func (e *Event) HasLocation() bool {
	return e.BestLat != nil && e.BestLon != nil
}

// locationSource maps Notehub location types onto stored sources.
func locationSource(t string) string {
	switch t {
	case "gps":
		return "gps"
	case "tower":
		return "cell"
	case "triangulated", "triangulation":
		return "triangulation"
	case "wifi":
		return "wifi"
	default:
		return t
	}
}
