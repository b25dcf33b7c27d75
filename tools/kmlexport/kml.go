package main

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"notecard_fleet/internal/history"
	"notecard_fleet/internal/storage"
)

// KML structures for XML marshalling.
// These follow the KML 2.2 reference: https://developers.google.com/kml/documentation/kmlreference

// KML is the root element of a KML document.
type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

// Document contains the document metadata and features.
type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

// Style defines the visual appearance of features.
type Style struct {
	ID        string    `xml:"id,attr"`
	LineStyle LineStyle `xml:"LineStyle"`
}

// LineStyle defines how lines are drawn. Colour is aabbggrr.
type LineStyle struct {
	Color string  `xml:"color"`
	Width float64 `xml:"width"`
}

// Placemark represents a geographic feature with geometry and metadata.
type Placemark struct {
	Name         string        `xml:"name"`
	Description  string        `xml:"description,omitempty"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	LineString   LineString    `xml:"LineString"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

// LineString is a path through coordinates.
type LineString struct {
	Tessellate  int    `xml:"tessellate"`
	Coordinates string `xml:"coordinates"` // Space separated lon,lat,altitude tuples.
}

// ExtendedData holds custom data associated with a placemark.
type ExtendedData struct {
	Data []Data `xml:"Data"`
}

// Data represents a single piece of extended data.
type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

// Journey line styles.
const (
	styleMatched = "matchedRoute"
	styleRaw     = "rawTrack"
)

// trackLine returns the cached matched route when it is current, otherwise
// the recorded points.
func trackLine(d *history.JourneyDetail) (orb.LineString, string) {
	if !d.RouteStale {
		return d.Journey.MatchedRoute, styleMatched
	}
	line := make(orb.LineString, 0, len(d.Points))
	for _, p := range d.Points {
		line = append(line, orb.Point{p.Longitude, p.Latitude})
	}
	return line, styleRaw
}

func coordinates(line orb.LineString) string {
	parts := make([]string, len(line))
	for i, p := range line {
		// KML coordinates are in the format: longitude,latitude,altitude
		parts[i] = fmt.Sprintf("%.6f,%.6f,0", p.Lon(), p.Lat())
	}
	return strings.Join(parts, " ")
}

func millis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// generateKML creates a KML document from the journeys of one device.
// Journeys with fewer than two points have no line and are left out.
func generateKML(serial string, journeys []*history.JourneyDetail, now time.Time) KML {
	placemarks := make([]Placemark, 0, len(journeys))
	for _, d := range journeys {
		line, style := trackLine(d)
		if len(line) < 2 {
			continue
		}
		j := d.Journey

		data := []Data{
			{Name: "device_uid", Value: j.DeviceUID},
			{Name: "journey_id", Value: strconv.FormatInt(j.JourneyID, 10)},
			{Name: "status", Value: j.Status},
			{Name: "point_count", Value: strconv.Itoa(j.PointCount)},
			{Name: "total_distance", Value: strconv.FormatFloat(j.TotalDistance, 'f', 1, 64)},
		}
		if j.MatchConfidence != nil && style == styleMatched {
			data = append(data, Data{Name: "match_confidence", Value: strconv.FormatFloat(*j.MatchConfidence, 'f', 3, 64)})
		}

		description := fmt.Sprintf("Device: %s\nStarted: %s\nPoints: %d",
			j.DeviceUID,
			millis(j.StartTime).Format("2006-01-02 15:04:05 UTC"),
			j.PointCount,
		)
		if j.EndTime != nil {
			description += "\nEnded: " + millis(*j.EndTime).Format("2006-01-02 15:04:05 UTC")
		}

		placemarks = append(placemarks, Placemark{
			Name:        fmt.Sprintf("Journey %d", j.JourneyID),
			Description: description,
			StyleURL:    "#" + style,
			LineString: LineString{
				Tessellate:  1,
				Coordinates: coordinates(line),
			},
			ExtendedData: &ExtendedData{Data: data},
		})
	}

	return KML{
		Namespace: "http://www.opengis.net/kml/2.2",
		Document: Document{
			Name:        serial + " journeys",
			Description: fmt.Sprintf("Journeys recorded by %s across all of its hardware. Generated %s.", serial, now.Format("2006-01-02 15:04:05")),
			Styles: []Style{
				{ID: styleMatched, LineStyle: LineStyle{Color: "ffff7800", Width: 4}},
				{ID: styleRaw, LineStyle: LineStyle{Color: "ff0000ff", Width: 2}},
			},
			Placemarks: placemarks,
		},
	}
}

// journeyIDs returns the ids of the listed journeys.
func journeyIDs(js []storage.Journey) []int64 {
	ids := make([]int64, len(js))
	for i, j := range js {
		ids[i] = j.JourneyID
	}
	return ids
}
