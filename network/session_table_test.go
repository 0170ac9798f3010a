package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landrop/models"
)

func newSession(id uint32, deviceID string) models.TransferSession {
	return models.TransferSession{
		SessionID:    id,
		RemoteDevice: models.DeviceInfo{DeviceID: deviceID},
		Status:       models.StatusConnected,
	}
}

func TestSessionTableInsertGet(t *testing.T) {
	table := NewSessionTable(4)

	require.NoError(t, table.Insert(newSession(1, "PEER_A")))
	assert.ErrorIs(t, table.Insert(newSession(1, "PEER_B")), ErrSessionExists)

	got, ok := table.Get(1)
	require.True(t, ok)
	assert.Equal(t, "PEER_A", got.RemoteDevice.DeviceID)

	_, ok = table.Get(99)
	assert.False(t, ok)
}

func TestSessionTableCapacity(t *testing.T) {
	table := NewSessionTable(2)
	require.NoError(t, table.Insert(newSession(1, "A")))
	require.NoError(t, table.Insert(newSession(2, "B")))
	assert.ErrorIs(t, table.Insert(newSession(3, "C")), ErrTableFull)

	_, removed := table.Remove(1)
	require.True(t, removed)
	assert.NoError(t, table.Insert(newSession(3, "C")))
}

func TestSessionTableCopiesInAndOut(t *testing.T) {
	table := NewSessionTable(4)
	session := newSession(1, "PEER_A")
	require.NoError(t, table.Insert(session))

	// Mutating the caller's value never reaches the table.
	session.RemoteDevice.DeviceID = "MUTATED"
	got, _ := table.Get(1)
	assert.Equal(t, "PEER_A", got.RemoteDevice.DeviceID)

	// Mutating a returned copy never reaches the table either.
	got.BytesTransferred = 12345
	again, _ := table.Get(1)
	assert.Zero(t, again.BytesTransferred)
}

func TestSessionTableSetStatus(t *testing.T) {
	table := NewSessionTable(4)
	require.NoError(t, table.Insert(newSession(1, "A")))

	require.NoError(t, table.SetStatus(1, models.StatusTransferring))
	require.NoError(t, table.SetStatus(1, models.StatusPaused))
	require.NoError(t, table.SetStatus(1, models.StatusTransferring))
	require.NoError(t, table.SetStatus(1, models.StatusCompleted))

	assert.ErrorIs(t, table.SetStatus(1, models.StatusTransferring), ErrBadTransition)
	assert.ErrorIs(t, table.SetStatus(99, models.StatusConnected), ErrSessionNotFound)

	status, ok := table.Status(1)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, status)
}

func TestSessionTableReactivate(t *testing.T) {
	table := NewSessionTable(4)
	require.NoError(t, table.Insert(newSession(1, "A")))

	// Already connected is a no-op.
	require.NoError(t, table.Reactivate(1))

	require.NoError(t, table.SetStatus(1, models.StatusTransferring))
	assert.ErrorIs(t, table.Reactivate(1), ErrBadTransition)

	require.NoError(t, table.SetStatus(1, models.StatusCompleted))
	require.NoError(t, table.Reactivate(1))
	status, _ := table.Status(1)
	assert.Equal(t, models.StatusConnected, status)

	// Reactivation clears the recorded error of a failed transfer.
	table.Update(1, func(s *models.TransferSession) {
		s.Status = models.StatusError
		s.LastError = models.ErrChecksumMismatch
	})
	require.NoError(t, table.Reactivate(1))
	got, _ := table.Get(1)
	assert.Equal(t, models.StatusConnected, got.Status)
	assert.Equal(t, models.ErrNone, got.LastError)

	assert.ErrorIs(t, table.Reactivate(99), ErrSessionNotFound)
}

func TestSessionTableUpdate(t *testing.T) {
	table := NewSessionTable(4)
	require.NoError(t, table.Insert(newSession(1, "A")))

	ok := table.Update(1, func(s *models.TransferSession) {
		s.TotalBytes = 4096
		s.TransferID = 77
	})
	require.True(t, ok)

	got, _ := table.Get(1)
	assert.Equal(t, int64(4096), got.TotalBytes)
	assert.Equal(t, uint32(77), got.TransferID)

	assert.False(t, table.Update(99, func(*models.TransferSession) {}))
}

func TestSessionTableListAndFind(t *testing.T) {
	table := NewSessionTable(4)
	require.NoError(t, table.Insert(newSession(3, "C")))
	require.NoError(t, table.Insert(newSession(1, "A")))
	require.NoError(t, table.Insert(newSession(2, "B")))

	list := table.List()
	require.Len(t, list, 3)
	assert.Equal(t, uint32(1), list[0].SessionID)
	assert.Equal(t, uint32(2), list[1].SessionID)
	assert.Equal(t, uint32(3), list[2].SessionID)
	assert.Equal(t, 3, table.Len())

	found, ok := table.FindByDevice("B")
	require.True(t, ok)
	assert.Equal(t, uint32(2), found.SessionID)

	_, ok = table.FindByDevice("Z")
	assert.False(t, ok)
}
