package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

const (
	// TransferDirectionSend marks records for files sent from this device.
	TransferDirectionSend = "send"
	// TransferDirectionReceive marks records for files received here.
	TransferDirectionReceive = "receive"
)

const (
	// TransferStatusComplete marks a verified, finished transfer.
	TransferStatusComplete = "complete"
	// TransferStatusFailed marks a transfer that ended with an error.
	TransferStatusFailed = "failed"
	// TransferStatusCancelled marks a transfer stopped on request.
	TransferStatusCancelled = "cancelled"
)

// TransferRecord is one row of transfer history.
type TransferRecord struct {
	ID               int64
	DeviceID         string
	DeviceName       string
	Filename         string
	Filesize         int64
	Direction        string
	Status           string
	ErrorKind        string
	BytesTransferred int64
	StartedAt        int64
	FinishedAt       int64
}

// TrustedDevice is a device the user marked trusted; trust survives
// restarts while the live device directory does not.
type TrustedDevice struct {
	DeviceID   string
	DeviceName string
	AddedAt    int64
	LastSeenAt int64
}

// TransferCheckpoint records how far an interrupted transfer got, keyed by
// device, filename, and direction, so it can resume on a later connection.
type TransferCheckpoint struct {
	DeviceID         string
	Filename         string
	Direction        string
	Filesize         int64
	BytesTransferred int64
	PartPath         string
	UpdatedAt        int64
}

func validateDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateStatus(status string) error {
	switch status {
	case TransferStatusComplete, TransferStatusFailed, TransferStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
