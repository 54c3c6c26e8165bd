//go:build windows

package server

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// setSocketOptions enables SO_REUSEADDR so the listener can rebind
// immediately after a restart, before TIME_WAIT sockets drain.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
