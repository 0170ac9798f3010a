package network

import (
	"time"

	"github.com/sirupsen/logrus"

	"landrop/models"
)

// Callbacks are the fire-and-forget notifications surfaced to the facade.
// Nil fields are skipped. Callbacks run on network goroutines and must not
// block.
type Callbacks struct {
	DeviceConnected    func(device models.DeviceInfo, sessionID uint32)
	DeviceDisconnected func(device models.DeviceInfo, sessionID uint32)
	Progress           func(sessionID uint32, bytesTransferred, totalBytes int64, speed float64)
	Complete           func(sessionID uint32, success bool, kind models.ErrKind)
	Error              func(sessionID uint32, kind models.ErrKind, message string)

	// FileReceiveRequest decides whether an offered file is accepted.
	// Nil means accept everything.
	FileReceiveRequest func(sender models.DeviceInfo, info models.FileInfo) bool
}

// Options configures the connection manager and transfer engine.
type Options struct {
	// LocalDevice snapshots the local identity; the listen port may only be
	// known after the listener binds, so this is a getter.
	LocalDevice func() models.DeviceInfo

	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	MaxChunkRetries   int

	ChunkSize   int
	MaxSessions int
	SaveDir     string

	// Cipher is the optional transport-encryption hook.
	Cipher Cipher

	Callbacks Callbacks
	Logger    *logrus.Entry
}

func (o Options) withDefaults() Options {
	out := o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 1 * time.Second
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = 10 * time.Second
	}
	if out.MaxChunkRetries <= 0 {
		out.MaxChunkRetries = 3
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = 64 * 1024
	}
	if out.MaxSessions <= 0 {
		out.MaxSessions = 16
	}
	if out.SaveDir == "" {
		out.SaveDir = "."
	}
	if out.Logger == nil {
		out.Logger = logrus.WithField("component", "network")
	}
	return out
}
