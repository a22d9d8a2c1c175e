//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package engine

import "syscall"

// reusePort is a no-op where SO_REUSEPORT is unavailable, so only one fork
// can serve each port.
func reusePort(_, _ string, _ syscall.RawConn) error { return nil }
