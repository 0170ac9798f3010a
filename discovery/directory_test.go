package discovery

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landrop/models"
)

func device(id string, lastSeen int64) models.DeviceInfo {
	return models.DeviceInfo{
		DeviceID:   id,
		DeviceName: id,
		IPAddress:  "192.168.1.10",
		Port:       8888,
		LastSeen:   lastSeen,
	}
}

func TestDirectoryUpsert(t *testing.T) {
	dir := NewDirectory("SELF", 8, time.Minute)

	assert.True(t, dir.Upsert(device("PEER_A", 100)))
	assert.False(t, dir.Upsert(device("PEER_A", 200)), "refresh is not a new device")
	assert.Equal(t, 1, dir.Len())

	got, ok := dir.Find("PEER_A")
	require.True(t, ok)
	assert.Equal(t, int64(200), got.LastSeen)
}

func TestDirectoryRejectsSelfAndEmpty(t *testing.T) {
	dir := NewDirectory("SELF", 8, time.Minute)

	assert.False(t, dir.Upsert(device("SELF", 100)))
	assert.False(t, dir.Upsert(device("", 100)))
	assert.Zero(t, dir.Len())
}

func TestDirectoryTrustSurvivesRefresh(t *testing.T) {
	dir := NewDirectory("SELF", 8, time.Minute)

	dir.Upsert(device("PEER_A", 100))
	require.True(t, dir.SetTrusted("PEER_A", true))

	// A rediscovery broadcast must not clear local trust.
	dir.Upsert(device("PEER_A", 200))
	got, ok := dir.Find("PEER_A")
	require.True(t, ok)
	assert.True(t, got.IsTrusted)

	assert.False(t, dir.SetTrusted("PEER_B", true), "unknown device")
}

func TestDirectoryEvictsStalestWhenFull(t *testing.T) {
	dir := NewDirectory("SELF", 3, time.Minute)

	dir.Upsert(device("PEER_A", 100))
	dir.Upsert(device("PEER_B", 50)) // stalest
	dir.Upsert(device("PEER_C", 300))
	require.Equal(t, 3, dir.Len())

	assert.True(t, dir.Upsert(device("PEER_D", 400)))
	assert.Equal(t, 3, dir.Len())
	_, ok := dir.Find("PEER_B")
	assert.False(t, ok, "stalest entry evicted")
	_, ok = dir.Find("PEER_D")
	assert.True(t, ok)
}

func TestDirectorySnapshotOrder(t *testing.T) {
	dir := NewDirectory("SELF", 8, time.Minute)
	dir.Upsert(device("PEER_A", 100))
	dir.Upsert(device("PEER_B", 300))
	dir.Upsert(device("PEER_C", 200))

	snapshot := dir.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "PEER_B", snapshot[0].DeviceID)
	assert.Equal(t, "PEER_C", snapshot[1].DeviceID)
	assert.Equal(t, "PEER_A", snapshot[2].DeviceID)
}

func TestDirectorySweep(t *testing.T) {
	now := time.Now()
	dir := NewDirectory("SELF", 8, 15*time.Second)

	dir.Upsert(device("FRESH", now.UnixMilli()))
	dir.Upsert(device("STALE", now.Add(-time.Minute).UnixMilli()))

	evicted := dir.Sweep(now)
	require.Len(t, evicted, 1)
	assert.Equal(t, "STALE", evicted[0].DeviceID)
	assert.Equal(t, 1, dir.Len())

	assert.Empty(t, dir.Sweep(now), "second sweep finds nothing")
}

func TestDirectoryRemove(t *testing.T) {
	dir := NewDirectory("SELF", 8, time.Minute)
	dir.Upsert(device("PEER_A", 100))

	assert.True(t, dir.Remove("PEER_A"))
	assert.False(t, dir.Remove("PEER_A"))
	assert.Zero(t, dir.Len())
}

func TestDirectoryConcurrentAccess(t *testing.T) {
	dir := NewDirectory("SELF", 32, time.Minute)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			dir.Upsert(device(fmt.Sprintf("PEER_%d", i%16), int64(i)))
		}
	}()
	for i := 0; i < 200; i++ {
		dir.Snapshot()
		dir.Find("PEER_3")
	}
	<-done
}
