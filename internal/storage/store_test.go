package storage

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend interface {
	Store
	Writer
}

// setupTestPostgres creates a test database connection.
// Returns nil if no PostgreSQL connection is available.
func setupTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()

	port, _ := strconv.Atoi(envOr("POSTGRES_PORT", "5432"))
	ctx := context.Background()
	pg, err := OpenPostgres(ctx, PostgresConfig{
		Host:     envOr("POSTGRES_HOST", "localhost"),
		Port:     port,
		User:     envOr("POSTGRES_USER", "fleet"),
		Password: envOr("POSTGRES_PASSWORD", "fleet"),
		Database: envOr("POSTGRES_DB", "fleet_test"),
	})
	if err != nil {
		return nil
	}

	// Ensure schema exists and start from empty tables.
	if err := pg.CreateSchema(ctx); err != nil {
		pg.Close()
		return nil
	}
	_, err = pg.pool.Exec(ctx, `TRUNCATE device_aliases, devices, journeys, locations, telemetry, power`)
	if err != nil {
		pg.Close()
		return nil
	}

	return pg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// forEachBackend runs fn against every backend available in this environment.
func forEachBackend(t *testing.T, fn func(t *testing.T, s backend)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})

	t.Run("postgres", func(t *testing.T) {
		pg := setupTestPostgres(t)
		if pg == nil {
			t.Skip("No PostgreSQL connection available")
		}
		t.Cleanup(func() { _ = pg.Close() })
		fn(t, pg)
	})
}

func ptr[T any](v T) *T { return &v }

func TestAliasLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		got, err := s.GetAlias(ctx, "SN1")
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, s.CreateAlias(ctx, DeviceAlias{SerialNumber: "SN1", ActiveID: "dev:a", CreatedAt: now, UpdatedAt: now}))
		assert.ErrorIs(t, s.CreateAlias(ctx, DeviceAlias{SerialNumber: "SN1", ActiveID: "dev:z", CreatedAt: now, UpdatedAt: now}), ErrConditionFailed)

		got, err = s.GetAlias(ctx, "SN1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "dev:a", got.ActiveID)
		assert.Empty(t, got.PreviousIDs)
		assert.NotNil(t, got.PreviousIDs)

		later := now.Add(time.Hour)
		require.NoError(t, s.SwapActiveID(ctx, "SN1", SwapUpdate{NewActiveID: "dev:b", OldActiveID: "dev:a", At: later}))
		require.NoError(t, s.SwapActiveID(ctx, "SN1", SwapUpdate{NewActiveID: "dev:c", OldActiveID: "dev:b", At: later}))

		got, err = s.GetAlias(ctx, "SN1")
		require.NoError(t, err)
		assert.Equal(t, "dev:c", got.ActiveID)
		assert.Equal(t, []string{"dev:a", "dev:b"}, got.PreviousIDs)
		assert.True(t, got.UpdatedAt.Equal(later))

		byActive, err := s.GetAliasByActiveID(ctx, "dev:c")
		require.NoError(t, err)
		require.NotNil(t, byActive)
		assert.Equal(t, "SN1", byActive.SerialNumber)

		byOld, err := s.GetAliasByActiveID(ctx, "dev:a")
		require.NoError(t, err)
		assert.Nil(t, byOld)

		// Rewrite loses when the active id moved underneath it.
		err = s.SwapActiveID(ctx, "SN1", SwapUpdate{
			NewActiveID: "dev:a",
			OldActiveID: "dev:b",
			Rewrite:     HistoryRewrite{Present: true, IDs: []string{"dev:b", "dev:c"}},
			At:          later,
		})
		assert.ErrorIs(t, err, ErrConditionFailed)

		// So does a plain append.
		err = s.SwapActiveID(ctx, "SN1", SwapUpdate{NewActiveID: "dev:d", OldActiveID: "dev:b", At: later})
		assert.ErrorIs(t, err, ErrConditionFailed)

		require.NoError(t, s.SwapActiveID(ctx, "SN1", SwapUpdate{
			NewActiveID: "dev:a",
			OldActiveID: "dev:c",
			Rewrite:     HistoryRewrite{Present: true, IDs: []string{"dev:b", "dev:c"}},
			At:          later,
		}))
		got, err = s.GetAlias(ctx, "SN1")
		require.NoError(t, err)
		assert.Equal(t, "dev:a", got.ActiveID)
		assert.Equal(t, []string{"dev:b", "dev:c"}, got.PreviousIDs)

		require.NoError(t, s.ReplacePreviousIDs(ctx, "SN1", []string{"dev:x", "dev:b", "dev:c"}, later))
		got, err = s.GetAlias(ctx, "SN1")
		require.NoError(t, err)
		assert.Equal(t, []string{"dev:x", "dev:b", "dev:c"}, got.PreviousIDs)

		assert.ErrorIs(t, s.ReplacePreviousIDs(ctx, "SN404", nil, later), ErrConditionFailed)

		require.NoError(t, s.DeleteAlias(ctx, "SN1"))
		got, err = s.GetAlias(ctx, "SN1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestDeviceRecords(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		seen := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		require.NoError(t, s.PutDevice(ctx, Device{DeviceUID: "dev:a", SerialNumber: "SN1", Name: "van", LastSeen: seen}))
		got, err := s.GetDevice(ctx, "dev:a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "SN1", got.SerialNumber)
		assert.Equal(t, "van", got.Name)
		assert.True(t, got.LastSeen.Equal(seen))

		require.NoError(t, s.DeleteDevice(ctx, "dev:a"))
		got, err = s.GetDevice(ctx, "dev:a")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestRangeQueryPaging(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		for i := int64(1); i <= 7; i++ {
			source := SourceGPS
			if i%2 == 0 {
				source = SourceCell
			}
			require.NoError(t, s.PutLocation(ctx, LocationPoint{
				DeviceUID: "dev:a", Timestamp: i * 100, Latitude: float64(i), Longitude: -float64(i), Source: source,
			}))
		}
		require.NoError(t, s.PutLocation(ctx, LocationPoint{DeviceUID: "dev:b", Timestamp: 150}))

		tests := []struct {
			name string
			q    RangeQuery
			want []int64
		}{
			{"ascending", RangeQuery{DeviceUID: "dev:a"}, []int64{100, 200, 300, 400, 500, 600, 700}},
			{"descending", RangeQuery{DeviceUID: "dev:a", Descending: true}, []int64{700, 600, 500, 400, 300, 200, 100}},
			{"window", RangeQuery{DeviceUID: "dev:a", Start: 200, End: 500}, []int64{200, 300, 400, 500}},
			{"start only", RangeQuery{DeviceUID: "dev:a", Start: 600}, []int64{600, 700}},
			{"source filter", RangeQuery{DeviceUID: "dev:a", Filter: AttrFilter{Present: true, Value: SourceCell}}, []int64{200, 400, 600}},
			{"small pages", RangeQuery{DeviceUID: "dev:a", PageSize: 3}, []int64{100, 200, 300, 400, 500, 600, 700}},
			{"small pages descending", RangeQuery{DeviceUID: "dev:a", PageSize: 2, Descending: true}, []int64{700, 600, 500, 400, 300, 200, 100}},
			{"other device", RangeQuery{DeviceUID: "dev:b"}, []int64{150}},
			{"unknown device", RangeQuery{DeviceUID: "dev:z"}, nil},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				var got []int64
				q := tt.q
				for pages := 0; ; pages++ {
					require.Less(t, pages, 10, "cursor did not terminate")
					page, err := s.QueryLocations(ctx, q)
					require.NoError(t, err)
					for _, p := range page.Items {
						got = append(got, p.Timestamp)
					}
					if page.Cursor == "" {
						break
					}
					q.Cursor = page.Cursor
				}
				assert.Equal(t, tt.want, got)
			})
		}
	})
}

func TestJourneyLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		const journeyID = int64(1_700_000_000_000)

		require.NoError(t, s.PutJourney(ctx, Journey{
			DeviceUID: "dev:a", JourneyID: journeyID, StartTime: journeyID, PointCount: 30, Status: JourneyCompleted,
		}))
		require.NoError(t, s.PutJourney(ctx, Journey{
			DeviceUID: "dev:a", JourneyID: journeyID + 10_000, StartTime: journeyID + 10_000, Status: JourneyActive,
		}))
		for i := int64(0); i < 30; i++ {
			require.NoError(t, s.PutLocation(ctx, LocationPoint{
				DeviceUID: "dev:a", Timestamp: journeyID + i, Latitude: 1, Longitude: 2,
				JourneyID: ptr(journeyID), DOP: ptr(1.5),
			}))
		}
		// Same journey id on another device is not part of this journey.
		require.NoError(t, s.PutLocation(ctx, LocationPoint{DeviceUID: "dev:b", Timestamp: journeyID, JourneyID: ptr(journeyID)}))

		active, err := s.QueryJourneys(ctx, RangeQuery{DeviceUID: "dev:a", Filter: AttrFilter{Present: true, Value: JourneyActive}})
		require.NoError(t, err)
		require.Len(t, active.Items, 1)
		assert.Equal(t, journeyID+10_000, active.Items[0].JourneyID)

		points, err := s.JourneyPoints(ctx, "dev:a", journeyID)
		require.NoError(t, err)
		assert.Len(t, points, 30)
		require.NotNil(t, points[0].DOP)
		assert.Equal(t, 1.5, *points[0].DOP)

		keys, err := s.JourneyPointKeys(ctx, "dev:a", journeyID)
		require.NoError(t, err)
		require.Len(t, keys, 30)

		assert.ErrorIs(t, s.BatchDeleteLocations(ctx, keys), ErrBatchTooLarge)
		require.NoError(t, s.BatchDeleteLocations(ctx, keys[:MaxBatchWrite]))
		remaining, err := s.JourneyPointKeys(ctx, "dev:a", journeyID)
		require.NoError(t, err)
		assert.Len(t, remaining, 5)

		other, err := s.JourneyPoints(ctx, "dev:b", journeyID)
		require.NoError(t, err)
		assert.Len(t, other, 1)

		route := orb.LineString{{-97.7, 30.2}, {-97.8, 30.3}}
		require.NoError(t, s.SaveMatchedRoute(ctx, "dev:a", journeyID, MatchedRoute{
			Geometry: route, Confidence: 0.9, MatchedAt: 42, MatchedPointsCount: 30,
		}))
		j, err := s.GetJourney(ctx, "dev:a", journeyID)
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, route, j.MatchedRoute)
		assert.Equal(t, 0.9, *j.MatchConfidence)
		assert.Equal(t, int64(42), *j.MatchedAt)
		assert.False(t, j.RouteIsStale())

		assert.ErrorIs(t, s.SaveMatchedRoute(ctx, "dev:a", 1, MatchedRoute{Geometry: route}), ErrConditionFailed)

		require.NoError(t, s.DeleteJourney(ctx, "dev:a", journeyID))
		j, err = s.GetJourney(ctx, "dev:a", journeyID)
		require.NoError(t, err)
		assert.Nil(t, j)
	})
}

func TestSensorHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		for i := int64(1); i <= 3; i++ {
			require.NoError(t, s.PutTelemetry(ctx, TelemetryReading{
				DeviceUID: "dev:a", Timestamp: i, Temperature: ptr(20 + float64(i)), Motion: i == 2, Mode: "normal",
			}))
			require.NoError(t, s.PutPower(ctx, PowerReading{
				DeviceUID: "dev:a", Timestamp: i, MilliampHours: ptr(float64(i) * 1.5),
			}))
		}

		tele, err := s.QueryTelemetry(ctx, RangeQuery{DeviceUID: "dev:a", Descending: true})
		require.NoError(t, err)
		require.Len(t, tele.Items, 3)
		assert.Equal(t, int64(3), tele.Items[0].Timestamp)
		assert.Equal(t, 23.0, *tele.Items[0].Temperature)
		assert.Nil(t, tele.Items[0].Humidity)
		assert.True(t, tele.Items[1].Motion)
		assert.Equal(t, "normal", tele.Items[2].Mode)

		power, err := s.QueryPower(ctx, RangeQuery{DeviceUID: "dev:a", Start: 2})
		require.NoError(t, err)
		require.Len(t, power.Items, 2)
		assert.Equal(t, 3.0, *power.Items[0].MilliampHours)
		assert.Nil(t, power.Items[0].Voltage)
	})
}

func TestRangeSQL(t *testing.T) {
	query, args, size, err := rangeSQL(dollar, "locations", "device_uid, timestamp", "timestamp", "source", RangeQuery{
		DeviceUID:  "dev:a",
		Start:      10,
		Filter:     AttrFilter{Present: true, Value: "gps"},
		Descending: true,
		PageSize:   5,
		Cursor:     "99",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, size)
	assert.Equal(t, "SELECT device_uid, timestamp FROM locations WHERE device_uid = $1 AND timestamp >= $2 AND source = $3 AND timestamp < $4 ORDER BY timestamp DESC LIMIT 6", query)
	assert.Equal(t, []any{"dev:a", int64(10), "gps", int64(99)}, args)

	_, _, _, err = rangeSQL(questionMark, "power", "*", "timestamp", "", RangeQuery{Cursor: "x"})
	assert.Error(t, err)
}

func TestRouteEncoding(t *testing.T) {
	s, err := encodeRoute(nil)
	require.NoError(t, err)
	assert.Empty(t, s)

	route := orb.LineString{{1, 2}, {3, 4}}
	s, err = encodeRoute(route)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"LineString","coordinates":[[1,2],[3,4]]}`, s)

	back, err := decodeRoute(s)
	require.NoError(t, err)
	assert.Equal(t, route, back)

	_, err = decodeRoute(`{"type":"Point","coordinates":[1,2]}`)
	assert.Error(t, err)
}

func ExampleAttrFilter_Matches() {
	f := AttrFilter{Present: true, Value: SourceGPS}
	fmt.Println(f.Matches(SourceGPS), f.Matches(SourceCell), AttrFilter{}.Matches(SourceCell))
	// Output: true false true
}
