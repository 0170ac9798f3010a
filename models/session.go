package models

import "time"

// Status is the transfer session lifecycle state.
type Status uint8

const (
	StatusIdle Status = iota
	StatusDiscovering
	StatusConnecting
	StatusAuthenticating
	StatusConnected
	StatusTransferring
	StatusPaused
	StatusCompleted
	StatusCancelled
	StatusError
	StatusDisconnected
)

// String returns the canonical status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusDiscovering:
		return "discovering"
	case StatusConnecting:
		return "connecting"
	case StatusAuthenticating:
		return "authenticating"
	case StatusConnected:
		return "connected"
	case StatusTransferring:
		return "transferring"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transfer activity can occur.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError, StatusDisconnected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next follows a legal edge
// of the session state machine. Disconnected is reachable from every state;
// Error is reachable from every non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if next == StatusDisconnected {
		return true
	}
	if next == StatusError {
		return !s.IsTerminal()
	}

	switch s {
	case StatusIdle:
		return next == StatusDiscovering || next == StatusConnecting
	case StatusDiscovering:
		return next == StatusConnecting || next == StatusIdle
	case StatusConnecting:
		return next == StatusAuthenticating || next == StatusConnected
	case StatusAuthenticating:
		return next == StatusConnected
	case StatusConnected:
		return next == StatusTransferring
	case StatusTransferring:
		return next == StatusPaused || next == StatusCompleted || next == StatusCancelled
	case StatusPaused:
		return next == StatusTransferring || next == StatusCancelled
	default:
		return false
	}
}

// TransferDirection distinguishes the sending and receiving side.
type TransferDirection uint8

const (
	DirectionSend TransferDirection = iota
	DirectionReceive
)

// String returns "send" or "receive".
func (d TransferDirection) String() string {
	if d == DirectionReceive {
		return "receive"
	}
	return "send"
}

// TransferSession is the stateful link between two devices after a
// successful handshake. It is owned exclusively by the session table;
// components address it by id and mutate it under the table's lock.
type TransferSession struct {
	SessionID        uint32
	SessionToken     string
	RemoteDevice     DeviceInfo
	FileInfo         FileInfo
	TransferID       uint32
	Direction        TransferDirection
	Status           Status
	BytesTransferred int64
	TotalBytes       int64
	ChunkSize        int
	StartTime        int64
	LastActivityTime int64

	ProgressPercentage float64
	TransferSpeed      float64
	EstimatedRemaining time.Duration

	LastError ErrKind
}

// UpdateProgress records newly transferred bytes and refreshes the derived
// percentage, speed, and remaining-time figures.
func (s *TransferSession) UpdateProgress(bytesTransferred int64) {
	now := time.Now().UnixMilli()
	s.BytesTransferred = bytesTransferred
	s.LastActivityTime = now

	if s.TotalBytes > 0 {
		s.ProgressPercentage = float64(bytesTransferred) / float64(s.TotalBytes) * 100
	}

	elapsed := time.Duration(now-s.StartTime) * time.Millisecond
	if elapsed > 0 {
		s.TransferSpeed = float64(bytesTransferred) / elapsed.Seconds()
	}
	if s.TransferSpeed > 0 {
		remaining := float64(s.TotalBytes-bytesTransferred) / s.TransferSpeed
		s.EstimatedRemaining = time.Duration(remaining * float64(time.Second))
	}
}
