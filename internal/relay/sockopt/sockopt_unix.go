//go:build !windows

package sockopt

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func init() {
	control = reuseAddr
}

// reuseAddr sets SO_REUSEADDR on the raw fd before bind, following the
// same "run a callback inside RawConn.Control" idiom
// net.ListenConfig.Control documents, with the actual setsockopt done via
// golang.org/x/sys/unix rather than syscall's platform-incomplete
// constants.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
