package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landrop/models"
)

func mdnsEntry(instance, deviceID string, port int) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, MDNSService, MDNSDomain)
	entry.Port = port
	entry.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 20)}
	entry.Text = []string{
		"device_id=" + deviceID,
		"device_type=3",
		"max_chunk_size=65536",
	}
	return entry
}

func TestMDNSBackendFeedsDirectory(t *testing.T) {
	directory := NewDirectory("SELF", 8, time.Minute)
	discovered := make(chan models.DeviceInfo, 4)

	backend, err := StartMDNS(MDNSConfig{
		LocalDevice:    models.DeviceInfo{DeviceID: "SELF", DeviceName: "self", Port: 8888},
		BrowseInterval: time.Hour,
		BrowseTimeout:  50 * time.Millisecond,
		OnDeviceDiscovered: func(d models.DeviceInfo) {
			discovered <- d
		},
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- mdnsEntry("peer-laptop", "LINUX_PEER01", 8890)
			entries <- mdnsEntry("self", "SELF", 8888)
			close(entries)
			return nil
		},
	}, directory)
	require.NoError(t, err)
	defer backend.Stop()

	select {
	case d := <-discovered:
		assert.Equal(t, "LINUX_PEER01", d.DeviceID)
		assert.Equal(t, "peer-laptop", d.DeviceName)
		assert.Equal(t, models.DeviceTypeDesktopLinux, d.DeviceType)
		assert.Equal(t, 65536, d.MaxChunkSize)
		assert.Equal(t, "192.168.1.20:8890", d.Addr())
	case <-time.After(5 * time.Second):
		t.Fatal("mDNS discovery callback never fired")
	}

	// Only the peer lands in the directory; the local announcement is filtered.
	assert.Equal(t, 1, directory.Len())
	_, ok := directory.Find("SELF")
	assert.False(t, ok)
}

func TestMDNSStopAfterBrowseError(t *testing.T) {
	directory := NewDirectory("SELF", 8, time.Minute)

	backend, err := StartMDNS(MDNSConfig{
		LocalDevice:    models.DeviceInfo{DeviceID: "SELF", DeviceName: "self", Port: 8888},
		BrowseInterval: time.Hour,
		BrowseTimeout:  50 * time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		// A failed browse never writes to or closes the entries channel.
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return context.DeadlineExceeded
		},
	}, directory)
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		backend.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after a failed browse")
	}
	assert.Equal(t, 0, directory.Len())
}

func TestMDNSRequiresDeviceID(t *testing.T) {
	_, err := StartMDNS(MDNSConfig{}, NewDirectory("SELF", 8, time.Minute))
	assert.Error(t, err)
}
