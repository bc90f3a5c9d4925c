//go:build linux

package socks5

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// applySockopts sets SO_REUSEADDR, TCP_NODELAY, and SO_KEEPALIVE on the
// outbound socket before connect, run through the raw connection's Control
// so the options land on the actual fd regardless of goroutine scheduling.
// Grounded on the teacher corpus's platform-split sockopt pattern
// (sockopt_linux.go / sockopt_other.go), using golang.org/x/sys/unix for
// the numeric constants rather than syscall's narrower, less-maintained set.
func applySockopts(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		if network == "tcp" || network == "tcp4" || network == "tcp6" {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
