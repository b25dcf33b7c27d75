package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notecard_fleet/internal/config"
	"notecard_fleet/internal/metrics"
	"notecard_fleet/internal/storage"
)

func newMemoryApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = storage.BackendMemory
	logger, _ := test.NewNullLogger()

	a, err := Open(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestReplay(t *testing.T) {
	a := newMemoryApp(t)
	ctx := context.Background()

	events := strings.Join([]string{
		`{"event":"e1","sn":"SN1","device":"dev:a","file":"_session.qo","when":1700000000}`,
		``,
		`not json`,
		`{"event":"e2","sn":"SN1","device":"dev:b","file":"_session.qo","when":1700000100}`,
		`{"event":"e3","device":"dev:b","file":"_log.qo","when":1700000200,"body":{"milliamp_hours":1.5}}`,
	}, "\n")

	st, err := a.Replay(ctx, strings.NewReader(events))
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{Lines: 5, Handled: 3, Malformed: 1}, st)

	id, err := a.Identity.Resolve(ctx, "SN1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev:b", "dev:a"}, id.AllIDs)
}

func TestReplayStopsOnCancel(t *testing.T) {
	a := newMemoryApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := a.Replay(ctx, strings.NewReader(`{"event":"e1","sn":"SN1","device":"dev:a"}`+"\n"+`{"event":"e2"}`))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, st.Lines)
}

func TestServerServesResolvedIdentity(t *testing.T) {
	a := newMemoryApp(t)
	ctx := context.Background()
	_, err := a.Identity.HandleCheckIn(ctx, "SN1", "dev:a")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	a.Server().Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices/dev:a/identity", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"serial_number":"SN1"`)
}

func TestIdentityChangesRecorded(t *testing.T) {
	a := newMemoryApp(t)
	ctx := context.Background()

	_, err := a.Identity.HandleCheckIn(ctx, "SN9", "dev:x")
	require.NoError(t, err)
	_, err = a.Identity.HandleCheckIn(ctx, "SN9", "dev:y")
	require.NoError(t, err)

	alias, err := a.DB.Primary.GetAlias(ctx, "SN9")
	require.NoError(t, err)
	require.NotNil(t, alias)

	assert.Equal(t, float64(alias.CreatedAt.Unix()),
		testutil.ToFloat64(metrics.IdentityChanges.WithLabelValues("alias_created")))
	assert.Equal(t, float64(alias.UpdatedAt.Unix()),
		testutil.ToFloat64(metrics.IdentityChanges.WithLabelValues("swap")))
}
