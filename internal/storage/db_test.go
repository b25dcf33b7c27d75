package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemory(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Backend: BackendMemory})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.CreateSchemas(ctx))
	assert.Nil(t, db.CH)
	assert.Same(t, db.Primary, db.Telemetry())

	require.NoError(t, db.PutTelemetry(ctx, TelemetryReading{DeviceUID: "dev:a", Timestamp: 1}))
	require.NoError(t, db.PutPower(ctx, PowerReading{DeviceUID: "dev:a", Timestamp: 1}))

	tele, err := db.Telemetry().QueryTelemetry(ctx, RangeQuery{DeviceUID: "dev:a"})
	require.NoError(t, err)
	assert.Len(t, tele.Items, 1)
	power, err := db.Power().QueryPower(ctx, RangeQuery{DeviceUID: "dev:a"})
	require.NoError(t, err)
	assert.Len(t, power.Items, 1)
}

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Backend: BackendSQLite, SQLitePath: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.CreateSchemas(ctx))
	require.NoError(t, db.PutLocation(ctx, LocationPoint{DeviceUID: "dev:a", Timestamp: 5}))
	page, err := db.Primary.QueryLocations(ctx, RangeQuery{DeviceUID: "dev:a"})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "etcd"})
	assert.ErrorContains(t, err, "unknown storage backend")
}
