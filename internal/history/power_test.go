package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notecard_fleet/internal/fault"
	"notecard_fleet/internal/storage"
)

func mah(ts int64, v float64) storage.PowerReading {
	return storage.PowerReading{Timestamp: ts, MilliampHours: &v}
}

func TestConsumption(t *testing.T) {
	tests := []struct {
		name     string
		readings []storage.PowerReading
		want     float64
		wantErr  error
	}{
		{
			name:     "counter reset",
			readings: []storage.PowerReading{mah(0, 10.0), mah(100, 7.5)},
			wantErr:  fault.ErrIndeterminate,
		},
		{
			name:     "single reading",
			readings: []storage.PowerReading{mah(0, 10.0)},
			wantErr:  fault.ErrIndeterminate,
		},
		{
			name:     "readings without counter are ignored",
			readings: []storage.PowerReading{{Timestamp: 0}, mah(10, 3.0), {Timestamp: 20}, mah(30, 4.25)},
			want:     1.25,
		},
		{
			name:     "no change",
			readings: []storage.PowerReading{mah(0, 5), mah(10, 5)},
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Consumption(tt.readings)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, fault.KindIndeterminate, fault.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestJourneyPowerConsumption(t *testing.T) {
	svc, store := newSwappedFixture(t)
	ctx := context.Background()

	end := int64(5000)
	require.NoError(t, store.PutJourney(ctx, storage.Journey{
		DeviceUID: "dev:b", JourneyID: 1000, StartTime: 1000, EndTime: &end, Status: storage.JourneyCompleted,
	}))

	// The monitor moved with the asset, so readings span both hardware ids.
	for _, r := range []storage.PowerReading{
		mah(500, 1.0), // Before the journey.
		mah(1000, 2.0),
		mah(3000, 2.5),
		mah(5000, 4.0),
		mah(6000, 9.0), // After the journey.
	} {
		r.DeviceUID = "dev:a"
		if r.Timestamp >= 3000 {
			r.DeviceUID = "dev:b"
		}
		require.NoError(t, store.PutPower(ctx, r))
	}

	got, err := svc.JourneyPowerConsumption(ctx, "SN1", 1000)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Readings)
	assert.InDelta(t, 2.0, got.MilliampHours, 1e-9)
	assert.Equal(t, int64(1000), got.StartTime)
	assert.Equal(t, int64(5000), got.EndTime)
}

func TestJourneyPowerConsumptionCounterReset(t *testing.T) {
	svc, store := newSwappedFixture(t)
	ctx := context.Background()

	require.NoError(t, store.PutJourney(ctx, storage.Journey{
		DeviceUID: "dev:a", JourneyID: 1, StartTime: 1, Status: storage.JourneyActive,
	}))
	for _, r := range []storage.PowerReading{mah(1, 10.0), mah(100, 7.5)} {
		r.DeviceUID = "dev:a"
		require.NoError(t, store.PutPower(ctx, r))
	}

	got, err := svc.JourneyPowerConsumption(ctx, "SN1", 1)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, fault.ErrIndeterminate)
}
