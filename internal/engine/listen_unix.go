//go:build linux || darwin || freebsd || netbsd || openbsd

package engine

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePort lets every fork bind the same stratum port; the kernel spreads
// incoming connections over them.
func reusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
