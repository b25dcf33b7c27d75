package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantLevel logrus.Level
		wantJSON  bool
		wantErr   bool
	}{
		{name: "defaults", cfg: DefaultConfig(), wantLevel: logrus.InfoLevel},
		{name: "json debug", cfg: Config{Level: "debug", Format: "json"}, wantLevel: logrus.DebugLevel, wantJSON: true},
		{name: "bad level", cfg: Config{Level: "loud"}, wantErr: true},
		{name: "bad format", cfg: Config{Level: "info", Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, closer, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer closer.Close()

			assert.Equal(t, tt.wantLevel, log.GetLevel())
			_, isJSON := log.Formatter.(*logrus.JSONFormatter)
			assert.Equal(t, tt.wantJSON, isJSON)
		})
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.log")
	cfg := DefaultConfig()
	cfg.File = path

	log, closer, err := New(cfg)
	require.NoError(t, err)
	log.WithField("serial_number", "SN1").Info("Device swapped.")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Device swapped.")
	assert.Contains(t, string(data), "serial_number=SN1")
}
