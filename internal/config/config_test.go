package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultNeedsDevice(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device is required")

	cfg.Device = "00:11:22:33:44:55"
	assert.NoError(t, cfg.Validate())

	u, err := cfg.ServiceUUID()
	require.NoError(t, err)
	assert.Equal(t, sppUUID, u.String())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	doc := `
device: "00:11:22:33:44:55"
transport: socket
channel: 3
read:
  poll_interval: 250ms
reconnect:
  enabled: false
log_level: debug
log_file:
  path: /var/log/rfcomm-monitor.log
  compress: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, TransportSocket, cfg.Transport)
	assert.EqualValues(t, 3, cfg.Channel)
	assert.Equal(t, 250*time.Millisecond, cfg.Read.PollInterval)
	assert.Equal(t, 1024, cfg.Read.ChunkSize)
	assert.Equal(t, 50000, cfg.MaxRetainedChars)
	assert.False(t, cfg.Reconnect.Enabled)
	assert.Equal(t, time.Second, cfg.Reconnect.InitialDelay)
	assert.Equal(t, "/var/log/rfcomm-monitor.log", cfg.LogFile.Path)
	assert.True(t, cfg.LogFile.Compress)
	assert.Equal(t, 10, cfg.LogFile.MaxSizeMB)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("devcie: typo\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "devcie")
}

func TestDecodeEmptyDocument(t *testing.T) {
	cfg := Default()
	require.NoError(t, Decode(strings.NewReader(""), &cfg))
	assert.Equal(t, Default(), cfg)
}

func TestValidateReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Device = "dev"
	cfg.Service = "not-a-uuid"
	cfg.Transport = TransportSocket
	cfg.Channel = 0
	cfg.Read.ChunkSize = 0
	cfg.Reconnect.MaxDelay = time.Millisecond
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"service_uuid", "channel 0", "chunk_size", "reconnect delays", "log_level"} {
		assert.Contains(t, err.Error(), want)
	}

	cfg = Default()
	cfg.Device = "dev"
	cfg.Transport = "serial"
	assert.ErrorContains(t, cfg.Validate(), `unknown transport "serial"`)
}
