package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithDefaults(t *testing.T) {
	opts := Options{}.WithDefaults()

	assert.Equal(t, DefaultListenPort, opts.ListenPort)
	assert.Equal(t, DefaultDiscoveryPort, opts.DiscoveryPort)
	assert.Equal(t, DefaultBroadcastAddress, opts.BroadcastAddress)
	assert.Equal(t, DefaultBroadcastInterval, opts.BroadcastInterval)
	assert.Equal(t, DefaultHeartbeatInterval, opts.HeartbeatInterval)
	assert.Equal(t, DefaultConnectTimeout, opts.ConnectTimeout)
	assert.Equal(t, DefaultAckTimeout, opts.AckTimeout)
	assert.Equal(t, DefaultReadTimeout, opts.ReadTimeout)
	assert.Equal(t, DefaultMaxChunkRetries, opts.MaxChunkRetries)
	assert.Equal(t, DefaultChunkSize, opts.ChunkSize)
	assert.Equal(t, DefaultMaxDevices, opts.MaxDevices)
	assert.Equal(t, DefaultMaxSessions, opts.MaxSessions)
	assert.Equal(t, 3*DefaultBroadcastInterval, opts.DeviceStaleAfter)
	assert.Equal(t, ".", opts.SaveDir)

	require.NoError(t, opts.Validate())
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	opts := Options{
		ListenPort:        9001,
		BroadcastInterval: time.Second,
		ChunkSize:         MinChunkSize,
		SaveDir:           "/tmp/incoming",
	}.WithDefaults()

	assert.Equal(t, 9001, opts.ListenPort)
	assert.Equal(t, time.Second, opts.BroadcastInterval)
	assert.Equal(t, MinChunkSize, opts.ChunkSize)
	assert.Equal(t, "/tmp/incoming", opts.SaveDir)
	assert.Equal(t, 3*time.Second, opts.DeviceStaleAfter)
}

func TestValidate(t *testing.T) {
	base := Options{}.WithDefaults()

	t.Run("chunk size too small", func(t *testing.T) {
		opts := base
		opts.ChunkSize = MinChunkSize - 1
		assert.Error(t, opts.Validate())
	})

	t.Run("chunk size too large", func(t *testing.T) {
		opts := base
		opts.ChunkSize = MaxChunkSize + 1
		assert.Error(t, opts.Validate())
	})

	t.Run("chunk size bounds", func(t *testing.T) {
		opts := base
		opts.ChunkSize = MinChunkSize
		assert.NoError(t, opts.Validate())
		opts.ChunkSize = MaxChunkSize
		assert.NoError(t, opts.Validate())
	})

	t.Run("port collision", func(t *testing.T) {
		opts := base
		opts.ListenPort = 9000
		opts.DiscoveryPort = 9000
		assert.Error(t, opts.Validate())
	})
}
