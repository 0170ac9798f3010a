package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusIdle, StatusDiscovering, true},
		{StatusIdle, StatusConnecting, true},
		{StatusIdle, StatusTransferring, false},
		{StatusDiscovering, StatusConnecting, true},
		{StatusDiscovering, StatusIdle, true},
		{StatusConnecting, StatusConnected, true},
		{StatusConnecting, StatusAuthenticating, true},
		{StatusAuthenticating, StatusConnected, true},
		{StatusConnected, StatusTransferring, true},
		{StatusConnected, StatusPaused, false},
		{StatusTransferring, StatusPaused, true},
		{StatusTransferring, StatusCompleted, true},
		{StatusTransferring, StatusCancelled, true},
		{StatusTransferring, StatusConnected, false},
		{StatusPaused, StatusTransferring, true},
		{StatusPaused, StatusCancelled, true},
		{StatusPaused, StatusCompleted, false},
		{StatusCompleted, StatusTransferring, false},
		{StatusCancelled, StatusTransferring, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestStatusDisconnectedFromAnywhere(t *testing.T) {
	for s := StatusIdle; s <= StatusDisconnected; s++ {
		assert.True(t, s.CanTransition(StatusDisconnected), "from %s", s)
	}
}

func TestStatusErrorFromNonTerminalOnly(t *testing.T) {
	assert.True(t, StatusTransferring.CanTransition(StatusError))
	assert.True(t, StatusConnected.CanTransition(StatusError))
	assert.True(t, StatusPaused.CanTransition(StatusError))
	assert.False(t, StatusCompleted.CanTransition(StatusError))
	assert.False(t, StatusCancelled.CanTransition(StatusError))
	assert.False(t, StatusDisconnected.CanTransition(StatusError))
}

func TestStatusIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusError, StatusDisconnected} {
		assert.True(t, s.IsTerminal(), "%s", s)
	}
	for _, s := range []Status{StatusIdle, StatusConnected, StatusTransferring, StatusPaused} {
		assert.False(t, s.IsTerminal(), "%s", s)
	}
}

func TestUpdateProgress(t *testing.T) {
	session := TransferSession{
		SessionID:  1,
		TotalBytes: 1000,
		StartTime:  time.Now().Add(-2 * time.Second).UnixMilli(),
	}

	session.UpdateProgress(500)
	assert.Equal(t, int64(500), session.BytesTransferred)
	assert.InDelta(t, 50.0, session.ProgressPercentage, 0.01)
	assert.Greater(t, session.TransferSpeed, 0.0)
	assert.Greater(t, session.EstimatedRemaining, time.Duration(0))
	assert.NotZero(t, session.LastActivityTime)

	session.UpdateProgress(1000)
	assert.InDelta(t, 100.0, session.ProgressPercentage, 0.01)
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "send", DirectionSend.String())
	assert.Equal(t, "receive", DirectionReceive.String())
}
