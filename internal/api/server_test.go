package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/history"
	"notecard_fleet/internal/identity"
	"notecard_fleet/internal/journey"
	"notecard_fleet/internal/mapmatch"
	"notecard_fleet/internal/storage"
)

type stubRoutes struct {
	err error
}

func (s stubRoutes) Match(_ context.Context, points []mapmatch.Point) (*mapmatch.Match, error) {
	if s.err != nil {
		return nil, s.err
	}
	line := make(orb.LineString, len(points))
	for i, p := range points {
		line[i] = orb.Point{p.Lon, p.Lat}
	}
	return &mapmatch.Match{Geometry: line, Confidence: 0.9}, nil
}

// newTestServer serves SN1, which moved from dev:a to dev:b, with one
// journey of three points on dev:a.
func newTestServer(t *testing.T, routes journey.RouteMatcher) (http.Handler, *storage.MemoryStore) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := storage.NewMemoryStore()
	ctx := context.Background()

	ids, err := identity.NewResolver(store, store, identity.Options{Logger: logger})
	require.NoError(t, err)
	_, err = ids.HandleCheckIn(ctx, "SN1", "dev:a")
	require.NoError(t, err)
	_, err = ids.HandleCheckIn(ctx, "SN1", "dev:b")
	require.NoError(t, err)

	jid := int64(1000)
	end := int64(3000)
	require.NoError(t, store.PutJourney(ctx, storage.Journey{
		DeviceUID: "dev:a", JourneyID: jid, StartTime: jid, EndTime: &end, PointCount: 3, Status: storage.JourneyCompleted,
	}))
	for i, ts := range []int64{1000, 2000, 3000} {
		require.NoError(t, store.PutLocation(ctx, storage.LocationPoint{
			DeviceUID: "dev:a",
			Timestamp: ts,
			Latitude:  32.7 + float64(i)*0.001,
			Longitude: -97.1,
			Source:    storage.SourceGPS,
			JourneyID: &jid,
		}))
	}
	require.NoError(t, store.PutLocation(ctx, storage.LocationPoint{DeviceUID: "dev:b", Timestamp: 5000, Source: storage.SourceCell}))

	hist := history.NewService(ids, history.Stores{
		Journeys: store, Locations: store, Telemetry: store, Power: store,
	}, logger)

	server := NewServer(Deps{
		Identities: ids,
		History:    hist,
		Matcher:    journey.NewMatcher(store, routes, journey.Options{Logger: logger}),
		Deleter:    journey.NewDeleter(store, logger),
	}, Config{Port: 8081}, logger)
	return server.Router(), store
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestServer(t, stubRoutes{})

	rec := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t, stubRoutes{})

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestIdentityEndpoint(t *testing.T) {
	h, _ := newTestServer(t, stubRoutes{})

	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{name: "serial number", key: "SN1", wantStatus: http.StatusOK},
		{name: "active hardware id", key: "dev:b", wantStatus: http.StatusOK},
		{name: "unknown", key: "SN9", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/devices/"+tt.key+"/identity", nil)
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var id storage.ResolvedIdentity
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&id))
			assert.Equal(t, "SN1", id.SerialNumber)
			assert.Equal(t, []string{"dev:b", "dev:a"}, id.AllIDs)
		})
	}
}

func TestLocationsEndpoint(t *testing.T) {
	h, _ := newTestServer(t, stubRoutes{})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantStamps []int64
	}{
		{name: "newest first by default", query: "", wantStatus: http.StatusOK, wantStamps: []int64{5000, 3000, 2000, 1000}},
		{name: "ascending", query: "?order=asc&limit=2", wantStatus: http.StatusOK, wantStamps: []int64{1000, 2000}},
		{name: "descending keeps newest", query: "?limit=2", wantStatus: http.StatusOK, wantStamps: []int64{5000, 3000}},
		{name: "source filter", query: "?source=gps&limit=1", wantStatus: http.StatusOK, wantStamps: []int64{3000}},
		{name: "window", query: "?start=2000&end=3000", wantStatus: http.StatusOK, wantStamps: []int64{3000, 2000}},
		{name: "bad limit", query: "?limit=x", wantStatus: http.StatusBadRequest},
		{name: "zero limit", query: "?limit=0", wantStatus: http.StatusBadRequest},
		{name: "bad order", query: "?order=up", wantStatus: http.StatusBadRequest},
		{name: "bad fetch_all", query: "?fetch_all=maybe", wantStatus: http.StatusBadRequest},
		{name: "inverted window", query: "?start=3000&end=2000", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, "/devices/SN1/locations"+tt.query, nil)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			var res history.Result[storage.LocationPoint]
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
			got := make([]int64, len(res.Items))
			for i, p := range res.Items {
				got[i] = p.Timestamp
			}
			assert.Equal(t, tt.wantStamps, got)
			assert.Equal(t, "SN1", res.SerialNumber)
		})
	}
}

func TestJourneyEndpoints(t *testing.T) {
	h, store := newTestServer(t, stubRoutes{})

	rec := do(t, h, http.MethodGet, "/devices/SN1/journeys?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list history.Result[storage.Journey]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "dev:a", list.Items[0].DeviceUID)

	rec = do(t, h, http.MethodGet, "/devices/SN1/journeys/1000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail history.JourneyDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	assert.Len(t, detail.Points, 3)
	assert.True(t, detail.RouteStale)

	rec = do(t, h, http.MethodPost, "/devices/SN1/journeys/1000/match", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var match journey.MatchResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&match))
	assert.Equal(t, 3, match.OriginalPoints)
	assert.Equal(t, 0.9, match.Confidence)

	j, err := store.GetJourney(context.Background(), "dev:a", 1000)
	require.NoError(t, err)
	assert.False(t, j.RouteIsStale())

	rec = do(t, h, http.MethodDelete, "/devices/SN1/journeys/1000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var del journey.DeleteResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&del))
	assert.Equal(t, 3, del.PointsDeleted)

	rec = do(t, h, http.MethodGet, "/devices/SN1/journeys/1000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/devices/SN1/journeys/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMatchUpstreamFailure(t *testing.T) {
	h, _ := newTestServer(t, stubRoutes{err: fault.Upstream("map match", errors.New("timeout"))})

	rec := do(t, h, http.MethodPost, "/devices/SN1/journeys/1000/match", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestJourneyPowerEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		readings []float64
		wantBody string
	}{
		{name: "consumption", readings: []float64{1.0, 2.5}},
		{name: "counter reset is null", readings: []float64{10.0, 7.5}, wantBody: "null\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store := newTestServer(t, stubRoutes{})
			for i, v := range tt.readings {
				require.NoError(t, store.PutPower(context.Background(), storage.PowerReading{
					DeviceUID: "dev:a", Timestamp: 1000 + int64(i)*1000, MilliampHours: &v,
				}))
			}

			rec := do(t, h, http.MethodGet, "/devices/SN1/journeys/1000/power", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
				return
			}
			var res history.PowerConsumption
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
			assert.InDelta(t, 1.5, res.MilliampHours, 1e-9)
		})
	}
}

func TestMergeEndpoint(t *testing.T) {
	h, store := newTestServer(t, stubRoutes{})
	ctx := context.Background()
	require.NoError(t, store.CreateAlias(ctx, storage.DeviceAlias{SerialNumber: "SN2", ActiveID: "dev:c"}))

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{name: "invalid json", body: "nope", wantStatus: http.StatusBadRequest},
		{name: "self merge", body: MergeRequest{Source: "SN1", Target: "SN1"}, wantStatus: http.StatusBadRequest},
		{name: "unknown source", body: MergeRequest{Source: "SN9", Target: "SN1"}, wantStatus: http.StatusNotFound},
		{name: "merge", body: MergeRequest{Source: "SN2", Target: "SN1"}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/admin/merge", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}

	alias, err := store.GetAlias(ctx, "SN1")
	require.NoError(t, err)
	assert.Contains(t, alias.PreviousIDs, "dev:c")
}

type partialMerge struct {
	Identities
}

func (partialMerge) MergeIdentities(context.Context, string, string) (*identity.MergeResult, error) {
	return &identity.MergeResult{SerialNumber: "SN1", SourceAliasDeleted: true},
		errors.Join(fault.ErrPartialFailure, errors.New("delete device"))
}

func TestMergePartialFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := NewServer(Deps{Identities: partialMerge{}}, Config{}, logger).Router()

	rec := do(t, h, http.MethodPost, "/admin/merge", MergeRequest{Source: "SN2", Target: "SN1"})
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	var resp struct {
		Result identity.MergeResult `json:"result"`
		Error  string               `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SN1", resp.Result.SerialNumber)
	assert.Contains(t, resp.Error, "delete device")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestCitiesEndpoint(t *testing.T) {
	h, _ := newTestServer(t, stubRoutes{})

	rec := do(t, h, http.MethodGet, "/devices/SN9/cities", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/devices/SN1/cities", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
