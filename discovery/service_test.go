package discovery

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landrop/models"
)

// freeUDPPort reserves and releases an ephemeral UDP port.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func newTestService(t *testing.T, id string, port, peerPort int, onDiscovered func(models.DeviceInfo)) *Service {
	t.Helper()
	service, err := NewService(Config{
		LocalDevice: models.DeviceInfo{
			DeviceID:     id,
			DeviceName:   id,
			DeviceType:   models.DeviceTypeDesktopLinux,
			Port:         8888,
			MaxChunkSize: 64 * 1024,
		},
		DiscoveryPort: port,
		// Loopback stand-in for the LAN broadcast address.
		BroadcastAddress:   fmt.Sprintf("127.0.0.1:%d", peerPort),
		BroadcastInterval:  100 * time.Millisecond,
		ReadTimeout:        50 * time.Millisecond,
		OnDeviceDiscovered: onDiscovered,
	})
	require.NoError(t, err)
	require.NoError(t, service.Start())
	t.Cleanup(service.Stop)
	return service
}

func waitForDevice(t *testing.T, dir *Directory, deviceID string) models.DeviceInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if device, ok := dir.Find(deviceID); ok {
			return device
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("device %s never discovered", deviceID)
	return models.DeviceInfo{}
}

func TestServiceRequiresDeviceID(t *testing.T) {
	_, err := NewService(Config{})
	assert.Error(t, err)
}

func TestMutualDiscoveryOverLoopback(t *testing.T) {
	portA := freeUDPPort(t)
	portB := freeUDPPort(t)

	discovered := make(chan models.DeviceInfo, 4)
	alpha := newTestService(t, "ALPHA", portA, portB, func(d models.DeviceInfo) {
		discovered <- d
	})
	beta := newTestService(t, "BETA", portB, portA, nil)

	alpha.Enable()

	// Alpha's announcement teaches beta; beta's response teaches alpha.
	gotBeta := waitForDevice(t, alpha.Directory(), "BETA")
	assert.Equal(t, "BETA", gotBeta.DeviceName)
	assert.Equal(t, 8888, gotBeta.Port)
	assert.Equal(t, "127.0.0.1", gotBeta.IPAddress)

	gotAlpha := waitForDevice(t, beta.Directory(), "ALPHA")
	assert.Equal(t, "ALPHA", gotAlpha.DeviceName)

	select {
	case d := <-discovered:
		assert.Equal(t, "BETA", d.DeviceID)
	case <-time.After(5 * time.Second):
		t.Fatal("discovery callback never fired")
	}
}

func TestDisabledServiceStaysSilent(t *testing.T) {
	portA := freeUDPPort(t)
	portB := freeUDPPort(t)

	alpha := newTestService(t, "ALPHA", portA, portB, nil)
	beta := newTestService(t, "BETA", portB, portA, nil)

	require.False(t, alpha.Enabled())
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, beta.Directory().Len(), "no announcements while disabled")

	alpha.Enable()
	require.True(t, alpha.Enabled())
	waitForDevice(t, beta.Directory(), "ALPHA")

	alpha.Disable()
	assert.False(t, alpha.Enabled())
}

func TestServiceIgnoresMalformedDatagrams(t *testing.T) {
	portA := freeUDPPort(t)
	alpha := newTestService(t, "ALPHA", portA, freeUDPPort(t), nil)

	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", portA))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not a protocol frame"))
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, alpha.Directory().Len())
}

func TestStopIsIdempotent(t *testing.T) {
	alpha := newTestService(t, "ALPHA", freeUDPPort(t), freeUDPPort(t), nil)
	alpha.Stop()
	alpha.Stop()
}
