// Package journey map-matches and deletes journeys recorded under any of a
// device's historical hardware ids.
package journey

import (
	"context"
	"sort"

	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/storage"
)

// FindOwner probes ids in order and returns the first journey stored under
// (id, journeyID). The scan is sequential and stops at the first hit.
func FindOwner(ctx context.Context, store storage.JourneyStore, ids []string, journeyID int64) (*storage.Journey, error) {
	for _, id := range ids {
		j, err := store.GetJourney(ctx, id, journeyID)
		if err != nil {
			return nil, fault.Upstream("get journey", err)
		}
		if j != nil {
			return j, nil
		}
	}
	return nil, fault.NotFound("journey %d", journeyID)
}

// Points returns the journey's location points sorted by timestamp.
func Points(ctx context.Context, store storage.JourneyStore, deviceUID string, journeyID int64) ([]storage.LocationPoint, error) {
	points, err := store.JourneyPoints(ctx, deviceUID, journeyID)
	if err != nil {
		return nil, fault.Upstream("get journey points", err)
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp < points[j].Timestamp
	})
	return points, nil
}
