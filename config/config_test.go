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

	"gosuda.org/datablock"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, datablock.DefaultLockTimeout.String(), cfg.Hub.LockTimeout)
	assert.Empty(t, cfg.Channels)

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "stderr", cfg.Logging.Output)
}

func TestLoadChannels(t *testing.T) {
	yml := `
hub:
  dir: /tmp/blocks
  lock_timeout: 250ms
logging:
  level: debug
channels:
  frames:
    policy: RingBuffer
    shared_secret: 77
    unit_block_size: 64K
    flexible_zone_size: 512
    capacity: 8
    audit_capacity: 100
  status:
    policy: Single
`
	cfg, err := Load(strings.NewReader(yml))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/blocks", cfg.Hub.Dir)
	assert.Equal(t, []string{"frames", "status"}, cfg.ChannelNames())
	assert.Equal(t, datablock.DefaultAttachTimeout.String(), cfg.Hub.AttachTimeout)

	policy, dc, err := cfg.Channels["frames"].DataBlock()
	require.NoError(t, err)
	assert.Equal(t, datablock.PolicyRingBuffer, policy)
	assert.Equal(t, datablock.DataBlockConfig{
		SharedSecret:       77,
		UnitBlockSize:      datablock.UnitBlock64K,
		FlexibleZoneSize:   512,
		RingBufferCapacity: 8,
		AuditCapacity:      100,
	}, dc)

	policy, dc, err = cfg.Channels["status"].DataBlock()
	require.NoError(t, err)
	assert.Equal(t, datablock.PolicySingle, policy)
	assert.Equal(t, datablock.UnitBlock4K, dc.UnitBlockSize)
}

func TestLoadRejectsBadChannel(t *testing.T) {
	_, err := Load(strings.NewReader("channels:\n  x:\n    unit_block_size: 3K\n"))
	assert.ErrorIs(t, err, datablock.ErrInvalidConfig)

	_, err = Load(strings.NewReader("channels:\n  x:\n    policy: fifo\n"))
	assert.ErrorIs(t, err, datablock.ErrInvalidConfig)

	_, err = Load(strings.NewReader("hub: ["))
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	assert.Equal(t, time.Second, ParseDuration("", time.Second, logger))
	assert.Equal(t, 3*time.Millisecond, ParseDuration("3ms", time.Second, logger))
	assert.Equal(t, time.Second, ParseDuration("soon", time.Second, logger))
	assert.Equal(t, time.Duration(0), ParseDuration("0s", time.Second, nil))
}

func TestNewHub(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(strings.NewReader("hub:\n  dir: " + dir + "\n  lock_timeout: 1s\ntracing:\n  enabled: true\n"))
	require.NoError(t, err)
	hub := cfg.NewHub(nil)
	assert.Equal(t, dir, hub.Dir())
	assert.Equal(t, time.Second, hub.LockTimeout())
	assert.NotNil(t, hub.Tracer())
}
