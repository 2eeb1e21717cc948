//go:build windows

package sockopt

// golang.org/x/sys/unix does not build on Windows, and Windows'
// SO_REUSEADDR has different (looser, multi-bind) semantics than the
// POSIX fast-restart behavior this package exists for, so the relay's
// Windows build keeps the no-op default control from sockopt.go and
// relies on SetReadBuffer/SetWriteBuffer alone.
