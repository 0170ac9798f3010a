//go:build windows

package discovery

import (
	"net"

	"golang.org/x/sys/windows"
)

// enableBroadcast sets SO_BROADCAST so announcements may target the
// limited broadcast address.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
