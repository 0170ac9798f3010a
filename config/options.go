package config

import (
	"fmt"
	"time"
)

const (
	// DefaultListenPort is the TCP transfer port.
	DefaultListenPort = 8888
	// DefaultDiscoveryPort is the UDP discovery port, always distinct from
	// the TCP listen port.
	DefaultDiscoveryPort = 8889
	// DefaultBroadcastAddress receives discovery announcements.
	DefaultBroadcastAddress = "255.255.255.255"
	// DefaultBroadcastInterval paces discovery announcements.
	DefaultBroadcastInterval = 5 * time.Second
	// DefaultHeartbeatInterval paces keep-alive messages on idle sessions.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultConnectTimeout bounds TCP dial plus handshake.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultAckTimeout bounds the wait for one chunk acknowledgment.
	DefaultAckTimeout = 10 * time.Second
	// DefaultReadTimeout bounds each blocking socket read so shutdown is
	// observed promptly.
	DefaultReadTimeout = 1 * time.Second
	// DefaultMaxChunkRetries is the resend budget for one chunk.
	DefaultMaxChunkRetries = 3

	// MinChunkSize is the smallest negotiable chunk size (4 KiB).
	MinChunkSize = 4 * 1024
	// MaxChunkSize is the largest negotiable chunk size (1 MiB).
	MaxChunkSize = 1024 * 1024
	// DefaultChunkSize is the chunk size offered when none is configured.
	DefaultChunkSize = 64 * 1024

	// DefaultMaxDevices caps the discovered-device directory.
	DefaultMaxDevices = 64
	// DefaultMaxSessions caps concurrently active sessions.
	DefaultMaxSessions = 16
)

// Options is the runtime configuration for a transfer manager. The zero
// value is usable; WithDefaults fills in everything left unset.
type Options struct {
	ListenPort    int
	DiscoveryPort int

	// BroadcastAddress is the discovery announcement target. Tests point it
	// at a loopback listener instead of the LAN broadcast address.
	BroadcastAddress string

	BroadcastInterval time.Duration
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	AckTimeout        time.Duration
	ReadTimeout       time.Duration
	MaxChunkRetries   int

	ChunkSize   int
	MaxDevices  int
	MaxSessions int

	// DeviceStaleAfter evicts directory entries not seen for this long.
	// Zero means three broadcast intervals.
	DeviceStaleAfter time.Duration

	// SaveDir receives incoming files. Empty means the working directory.
	SaveDir string

	// HistoryDSN is the SQLite DSN for the transfer-history store. Empty
	// keeps history in memory only, so nothing persists across runs.
	HistoryDSN string

	// EnableMDNS additionally announces and browses the mDNS service
	// beside the UDP broadcast protocol.
	EnableMDNS bool
}

// WithDefaults returns a copy of o with unset fields filled in.
func (o Options) WithDefaults() Options {
	out := o
	if out.ListenPort <= 0 {
		out.ListenPort = DefaultListenPort
	}
	if out.DiscoveryPort <= 0 {
		out.DiscoveryPort = DefaultDiscoveryPort
	}
	if out.BroadcastAddress == "" {
		out.BroadcastAddress = DefaultBroadcastAddress
	}
	if out.BroadcastInterval <= 0 {
		out.BroadcastInterval = DefaultBroadcastInterval
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.MaxChunkRetries <= 0 {
		out.MaxChunkRetries = DefaultMaxChunkRetries
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.MaxDevices <= 0 {
		out.MaxDevices = DefaultMaxDevices
	}
	if out.MaxSessions <= 0 {
		out.MaxSessions = DefaultMaxSessions
	}
	if out.DeviceStaleAfter <= 0 {
		out.DeviceStaleAfter = 3 * out.BroadcastInterval
	}
	if out.SaveDir == "" {
		out.SaveDir = "."
	}
	return out
}

// Validate rejects option combinations the protocol cannot honor.
func (o Options) Validate() error {
	if o.ChunkSize < MinChunkSize || o.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk size %d outside [%d, %d]", o.ChunkSize, MinChunkSize, MaxChunkSize)
	}
	if o.ListenPort == o.DiscoveryPort {
		return fmt.Errorf("listen port and discovery port must differ (both %d)", o.ListenPort)
	}
	return nil
}
