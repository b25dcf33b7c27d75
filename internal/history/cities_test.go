package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notecard_fleet/internal/storage"
)

func at(ts int64, city, state string) storage.LocationPoint {
	return storage.LocationPoint{Timestamp: ts, City: city, State: state, Country: "US"}
}

func TestAggregateCities(t *testing.T) {
	points := []storage.LocationPoint{
		at(1, "Austin", "TX"),
		at(2, "Austin", "TX"),
		at(3, "Dallas", "TX"),
		at(4, "", ""),
		at(5, "Austin", "TX"),
		at(6, "Portland", "OR"),
		at(7, "Portland", "ME"),
	}

	got := AggregateCities(points)
	require.Len(t, got, 4)

	assert.Equal(t, CityVisit{City: "Portland", State: "ME", Country: "US", Visits: 1, Points: 1, FirstVisit: 7, LastVisit: 7}, got[0])
	assert.Equal(t, CityVisit{City: "Portland", State: "OR", Country: "US", Visits: 1, Points: 1, FirstVisit: 6, LastVisit: 6}, got[1])
	assert.Equal(t, CityVisit{City: "Austin", State: "TX", Country: "US", Visits: 2, Points: 3, FirstVisit: 1, LastVisit: 5}, got[2])
	assert.Equal(t, CityVisit{City: "Dallas", State: "TX", Country: "US", Visits: 1, Points: 1, FirstVisit: 3, LastVisit: 3}, got[3])
}

func TestVisitedCitiesSpansAllIDs(t *testing.T) {
	svc, store := newSwappedFixture(t)
	ctx := context.Background()
	for _, p := range []storage.LocationPoint{
		{DeviceUID: "dev:a", Timestamp: 10, City: "Austin", State: "TX"},
		{DeviceUID: "dev:b", Timestamp: 20, City: "Austin", State: "TX"},
		{DeviceUID: "dev:b", Timestamp: 30, City: "Waco", State: "TX"},
	} {
		require.NoError(t, store.PutLocation(ctx, p))
	}

	res, err := svc.VisitedCities(ctx, "SN1", 0, 0)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "Waco", res.Items[0].City)
	assert.Equal(t, "Austin", res.Items[1].City)
	assert.Equal(t, 2, res.Items[1].Points)
	assert.Equal(t, 1, res.Items[1].Visits)
}
