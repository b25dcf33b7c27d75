package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/identity"
	"notecard_fleet/internal/storage"
)

func newTestHandler(t *testing.T) (*Handler, *identity.Resolver, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger, _ := test.NewNullLogger()
	ids, err := identity.NewResolver(store, store, identity.Options{Logger: logger})
	require.NoError(t, err)
	return NewHandler(ids, store, logger), ids, store
}

func TestHandleCheckIns(t *testing.T) {
	h, ids, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, []byte(`{"event":"e1","sn":"SN1","device":"dev:a","file":"_session.qo","when":1700000000}`)))
	require.NoError(t, h.Handle(ctx, []byte(`{"event":"e2","sn":"SN1","device":"dev:b","file":"_session.qo","when":"1700000100"}`)))

	got, err := ids.Resolve(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, "dev:b", got.ActiveID)
	assert.Equal(t, []string{"dev:b", "dev:a"}, got.AllIDs)
}

func TestHandleUpsertsDevice(t *testing.T) {
	h, _, store := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, store.PutDevice(ctx, storage.Device{DeviceUID: "dev:a", Name: "truck 7"}))

	require.NoError(t, h.Handle(ctx, []byte(`{"event":"e1","sn":"SN1","device":"dev:a","when":1700000100}`)))
	// An older event does not move last_seen back.
	require.NoError(t, h.Handle(ctx, []byte(`{"event":"e0","device":"dev:a","when":1700000000}`)))

	dev, err := store.GetDevice(ctx, "dev:a")
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, "SN1", dev.SerialNumber)
	assert.Equal(t, "truck 7", dev.Name)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), dev.LastSeen)
}

func TestHandleRejectsMalformed(t *testing.T) {
	h, _, _ := newTestHandler(t)
	ctx := context.Background()

	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"sn":`},
		{"bad track body", `{"device":"dev:a","file":"track.qo","when":1,"body":{"temp":"warm"}}`},
		{"bad power body", `{"device":"dev:a","file":"_log.qo","when":1,"body":[1,2]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Handle(ctx, []byte(tt.data))
			assert.ErrorIs(t, err, fault.ErrInvalidArgument)
		})
	}
}

func TestHandleSkipsEventsWithoutDevice(t *testing.T) {
	h, ids, store := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, []byte(`{"sn":"SN1","file":"track.qo","when":1,"body":{"temp":20}}`)))

	_, err := ids.Resolve(ctx, "SN1")
	assert.ErrorIs(t, err, fault.ErrNotFound)
	page, err := store.QueryTelemetry(ctx, storage.RangeQuery{DeviceUID: ""})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestHandleTrackNote(t *testing.T) {
	h, _, store := newTestHandler(t)
	ctx := context.Background()

	err := h.Handle(ctx, []byte(`{
		"event": "e1", "sn": "SN1", "device": "dev:a", "file": "track.qo", "when": 1700000000,
		"body": {"temp": 21.5, "humidity": 40, "voltage": 3.9, "motion": true, "mode": "demo"},
		"best_lat": 30.27, "best_lon": -97.74, "best_location_type": "tower",
		"best_location_when": 1699999990, "best_location": "Austin", "best_state": "TX", "best_country": "US"
	}`))
	require.NoError(t, err)

	tele, err := store.QueryTelemetry(ctx, storage.RangeQuery{DeviceUID: "dev:a"})
	require.NoError(t, err)
	require.Len(t, tele.Items, 1)
	r := tele.Items[0]
	assert.Equal(t, int64(1_700_000_000_000), r.Timestamp)
	assert.Equal(t, 21.5, *r.Temperature)
	assert.Nil(t, r.Pressure)
	assert.True(t, r.Motion)
	assert.Equal(t, "demo", r.Mode)

	locs, err := store.QueryLocations(ctx, storage.RangeQuery{DeviceUID: "dev:a"})
	require.NoError(t, err)
	require.Len(t, locs.Items, 1)
	p := locs.Items[0]
	assert.Equal(t, int64(1_699_999_990_000), p.Timestamp)
	assert.Equal(t, storage.SourceCell, p.Source)
	assert.Equal(t, "Austin", p.City)
	assert.Nil(t, p.JourneyID)
}

func TestHandlePowerLog(t *testing.T) {
	h, _, store := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, []byte(`{"device":"dev:a","file":"_log.qo","when":10,"body":{"milliamp_hours":12.5,"voltage":4.1,"temperature":30}}`)))
	require.NoError(t, h.Handle(ctx, []byte(`{"device":"dev:a","file":"_log.qo","when":20,"body":{"text":"boot"}}`)))

	page, err := store.QueryPower(ctx, storage.RangeQuery{DeviceUID: "dev:a"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(10_000), page.Items[0].Timestamp)
	assert.Equal(t, 12.5, *page.Items[0].MilliampHours)
}

func trackPoint(when, journey int64, distance float64) []byte {
	return []byte(`{"device":"dev:a","file":"_track.qo","when":` + itoa(when) +
		`,"best_lat":30.1,"best_lon":-97.1,"best_location_type":"gps"` +
		`,"body":{"journey":` + itoa(journey) + `,"distance":` + ftoa(distance) + `,"dop":1.2,"velocity":8}}`)
}

func TestHandleJourneyTracking(t *testing.T) {
	h, _, store := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, trackPoint(1000, 1000, 0)))
	require.NoError(t, h.Handle(ctx, trackPoint(1060, 1000, 120.5)))
	require.NoError(t, h.Handle(ctx, trackPoint(1120, 1000, 80)))

	j, err := store.GetJourney(ctx, "dev:a", 1_000_000)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 3, j.PointCount)
	assert.InDelta(t, 200.5, j.TotalDistance, 1e-9)
	assert.Equal(t, int64(1_120_000), *j.EndTime)
	assert.Equal(t, storage.JourneyActive, j.Status)

	points, err := store.JourneyPoints(ctx, "dev:a", 1_000_000)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 1.2, *points[0].DOP)
	assert.Equal(t, 8.0, *points[0].Speed)

	// A new journey closes the previous one.
	require.NoError(t, h.Handle(ctx, trackPoint(5000, 5000, 0)))

	j, err = store.GetJourney(ctx, "dev:a", 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, storage.JourneyCompleted, j.Status)
	assert.Equal(t, 3, j.PointCount)

	next, err := store.GetJourney(ctx, "dev:a", 5_000_000)
	require.NoError(t, err)
	assert.Equal(t, storage.JourneyActive, next.Status)
	assert.Equal(t, 1, next.PointCount)
}

func TestHandleRedeliveredTrackPoint(t *testing.T) {
	h, _, store := newTestHandler(t)
	ctx := context.Background()

	first := trackPoint(1000, 1000, 5)
	require.NoError(t, h.Handle(ctx, first))
	require.NoError(t, h.Handle(ctx, trackPoint(1060, 1000, 5)))
	require.NoError(t, h.Handle(ctx, first))

	points, err := store.JourneyPoints(ctx, "dev:a", 1_000_000)
	require.NoError(t, err)
	require.Len(t, points, 2)

	j, err := store.GetJourney(ctx, "dev:a", 1_000_000)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, len(points), j.PointCount)
	assert.InDelta(t, 10.0, j.TotalDistance, 1e-9)
	assert.Equal(t, int64(1_060_000), *j.EndTime)
}

func TestHandleSwapClosesOldJourneys(t *testing.T) {
	h, _, store := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, []byte(`{"sn":"SN1","device":"dev:a","when":900}`)))
	require.NoError(t, h.Handle(ctx, trackPoint(1000, 1000, 0)))
	require.NoError(t, h.Handle(ctx, []byte(`{"sn":"SN1","device":"dev:b","when":2000}`)))

	j, err := store.GetJourney(ctx, "dev:a", 1_000_000)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, storage.JourneyCompleted, j.Status)
}

func TestHandleTrackPointWithoutJourney(t *testing.T) {
	h, _, store := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, trackPoint(1000, 0, 0)))

	locs, err := store.QueryLocations(ctx, storage.RangeQuery{DeviceUID: "dev:a"})
	require.NoError(t, err)
	require.Len(t, locs.Items, 1)
	assert.Nil(t, locs.Items[0].JourneyID)
	assert.Equal(t, storage.SourceGPS, locs.Items[0].Source)
}

type failingCheckIns struct{ err error }

func (f failingCheckIns) HandleCheckIn(context.Context, string, string) (identity.CheckInResult, error) {
	return identity.CheckInResult{}, f.err
}

func TestHandleCheckInFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := NewHandler(failingCheckIns{err: fault.Upstream("get alias", errors.New("timeout"))}, nil, logger)

	err := h.Handle(context.Background(), []byte(`{"sn":"SN1","device":"dev:a"}`))
	assert.ErrorIs(t, err, fault.ErrUpstreamUnavailable)
	assert.NotErrorIs(t, err, fault.ErrInvalidArgument)
}

func TestConsumerProcessLogsFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := NewHandler(failingCheckIns{err: errors.New("boom")}, nil, logger)
	c := &Consumer{handler: h, timeout: time.Second, log: logger}

	c.Process([]byte(`not json`))
	c.Process([]byte(`{"sn":"SN1","device":"dev:a"}`))

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, logrus.WarnLevel, entries[0].Level)
	assert.Equal(t, "Dropping malformed event.", entries[0].Message)
	assert.Equal(t, logrus.ErrorLevel, entries[1].Level)
}

func TestFlexInt64(t *testing.T) {
	tests := []struct {
		in   string
		want FlexInt64
	}{
		{`{"when":1700000000}`, 1700000000},
		{`{"when":"1700000000"}`, 1700000000},
		{`{"when":1700000000.9}`, 1700000000},
		{`{"when":"soon"}`, 0},
		{`{"when":null}`, 0},
	}
	for _, tt := range tests {
		var ev Event
		require.NoError(t, jsonUnmarshal(tt.in, &ev), tt.in)
		assert.Equal(t, tt.want, ev.When, tt.in)
	}
}
