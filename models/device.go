package models

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"time"
)

// DeviceType classifies the platform a device runs on.
type DeviceType uint8

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeDesktopWindows
	DeviceTypeDesktopMacOS
	DeviceTypeDesktopLinux
	DeviceTypeMobileAndroid
	DeviceTypeMobileIOS
	DeviceTypeWebBrowser
)

// String returns a human-readable device type name.
func (t DeviceType) String() string {
	switch t {
	case DeviceTypeDesktopWindows:
		return "desktop-windows"
	case DeviceTypeDesktopMacOS:
		return "desktop-macos"
	case DeviceTypeDesktopLinux:
		return "desktop-linux"
	case DeviceTypeMobileAndroid:
		return "mobile-android"
	case DeviceTypeMobileIOS:
		return "mobile-ios"
	case DeviceTypeWebBrowser:
		return "web-browser"
	default:
		return "unknown"
	}
}

// DeviceInfo describes one device on the local network: the local device
// itself or a peer learned through discovery.
type DeviceInfo struct {
	DeviceID           string     `json:"device_id"`
	DeviceName         string     `json:"device_name"`
	DeviceType         DeviceType `json:"device_type"`
	IPAddress          string     `json:"ip_address"`
	Port               int        `json:"port"`
	LastSeen           int64      `json:"last_seen"`
	IsTrusted          bool       `json:"-"`
	SupportsEncryption bool       `json:"supports_encryption"`
	MaxChunkSize       int        `json:"max_chunk_size"`
}

// Addr returns the device's TCP connect address.
func (d DeviceInfo) Addr() string {
	return net.JoinHostPort(d.IPAddress, fmt.Sprintf("%d", d.Port))
}

// Touch refreshes the last-seen timestamp to now (unix milliseconds).
func (d *DeviceInfo) Touch() {
	d.LastSeen = time.Now().UnixMilli()
}

// LocalDeviceType maps the running OS onto a device type.
func LocalDeviceType() DeviceType {
	switch runtime.GOOS {
	case "windows":
		return DeviceTypeDesktopWindows
	case "darwin":
		return DeviceTypeDesktopMacOS
	case "linux":
		return DeviceTypeDesktopLinux
	default:
		return DeviceTypeUnknown
	}
}

// GenerateDeviceID derives a stable device identifier from the first
// hardware address found, falling back to the hostname. The prefix keeps
// ids readable in logs and on remote peers.
func GenerateDeviceID() string {
	prefix := strings.ToUpper(runtime.GOOS)

	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			mac := strings.ReplaceAll(iface.HardwareAddr.String(), ":", "")
			return fmt.Sprintf("%s_%s", prefix, strings.ToUpper(mac))
		}
	}

	if host, err := os.Hostname(); err == nil && host != "" {
		return fmt.Sprintf("%s_%s", prefix, host)
	}

	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// DefaultDeviceName returns the hostname, or a generic fallback.
func DefaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "LAN Device"
}
