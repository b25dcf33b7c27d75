package history

import (
	"context"
	"sort"

	"notecard_fleet/internal/mergequery"
	"notecard_fleet/internal/storage"
)

// CityVisit aggregates the location points recorded in one city.
// A visit is a run of consecutive points in the same city.
type CityVisit struct {
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	Country    string `json:"country,omitempty"`
	Visits     int    `json:"visits"`
	Points     int    `json:"points"`
	FirstVisit int64  `json:"first_visit"`
	LastVisit  int64  `json:"last_visit"`
}

type place struct {
	city, state, country string
}

// VisitedCities aggregates the device's full location history in the window
// by city, most recently visited first. Points without a city are skipped.
func (s *Service) VisitedCities(ctx context.Context, key string, start, end int64) (*Result[CityVisit], error) {
	points, err := s.Locations(ctx, LocationQuery{Window: Window{
		Key:      key,
		Start:    start,
		End:      end,
		FetchAll: true,
		Order:    mergequery.Ascending,
	}})
	if err != nil {
		return nil, err
	}

	return &Result[CityVisit]{
		SerialNumber: points.SerialNumber,
		DeviceUIDs:   points.DeviceUIDs,
		Items:        AggregateCities(points.Items),
	}, nil
}

// AggregateCities groups ascending points by city.
func AggregateCities(points []storage.LocationPoint) []CityVisit {
	byPlace := make(map[place]*CityVisit)
	var prev *place

	for _, p := range points {
		if p.City == "" {
			continue
		}
		key := place{p.City, p.State, p.Country}

		v, ok := byPlace[key]
		if !ok {
			v = &CityVisit{
				City:       p.City,
				State:      p.State,
				Country:    p.Country,
				FirstVisit: p.Timestamp,
			}
			byPlace[key] = v
		}
		if prev == nil || *prev != key {
			v.Visits++
		}
		v.Points++
		v.LastVisit = p.Timestamp
		prev = &key
	}

	visits := make([]CityVisit, 0, len(byPlace))
	for _, v := range byPlace {
		visits = append(visits, *v)
	}
	sort.Slice(visits, func(i, j int) bool {
		if visits[i].LastVisit != visits[j].LastVisit {
			return visits[i].LastVisit > visits[j].LastVisit
		}
		return visits[i].City < visits[j].City
	})
	return visits
}
