// Package sockopt applies raw socket options to the relay's main UDP
// socket before bind, the way xtaci-kcptun's server/listen_linux.go
// splits a platform-specific listen path out of main.go via a build tag.
// SO_REUSEADDR lets the relay rebind its port immediately across a fast
// restart instead of waiting out TIME_WAIT.
package sockopt

import (
	"context"
	"net"
	"syscall"
)

// control is swapped for the real implementation by the platform build
// file; the default applies no tuning, matching capture.Open's
// "unsupported platform keeps the no-op default" shape.
var control func(network, address string, c syscall.RawConn) error = func(string, string, syscall.RawConn) error {
	return nil
}

// ListenUDP binds addr with SO_REUSEADDR applied ahead of bind via
// net.ListenConfig.Control, then applies the caller's read/write buffer
// sizes with SetReadBuffer/SetWriteBuffer.
func ListenUDP(ctx context.Context, addr *net.UDPAddr, bufferSize int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: control}
	pc, err := lc.ListenPacket(ctx, "udp", addr.String())
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)

	if bufferSize > 0 {
		if err := conn.SetReadBuffer(bufferSize); err != nil {
			conn.Close()
			return nil, err
		}
		if err := conn.SetWriteBuffer(bufferSize); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return conn, nil
}
