// Package forwarder implements the relay's ingress loop (C5): a single
// task reading the main public UDP socket, validating sessions, and
// forwarding payloads to game servers via per-session sockets.
package forwarder

import (
	"context"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ewancrowle/plgboost/internal/relay/metrics"
	"github.com/ewancrowle/plgboost/internal/relay/session"
	"github.com/ewancrowle/plgboost/internal/wire"
)

// recvBufSize matches spec.md §5's 64 KiB ingress buffer.
const recvBufSize = 65535

// Forwarder owns the main public socket and the session cache it
// validates incoming packets against.
type Forwarder struct {
	conn    *net.UDPConn
	cache   *session.Cache
	metrics *metrics.Registry
}

// New wraps an already-bound main socket. Socket-level tuning (buffer
// sizes, SO_REUSEADDR) is applied by the caller before this is
// constructed, following the teacher's "construct the listener in main,
// hand the fd to the component" ordering in cmd/porter/main.go.
func New(conn *net.UDPConn, cache *session.Cache, reg *metrics.Registry) *Forwarder {
	return &Forwarder{conn: conn, cache: cache, metrics: reg}
}

// Run reads and processes datagrams until ctx is cancelled. Mirrors
// Relay.Start/processUDPDatagram from the teacher's internal/relay/engine.go,
// generalized from QUIC-DCID session lookup to PLG session-token lookup.
func (f *Forwarder) Run(ctx context.Context) error {
	buf := make([]byte, recvBufSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		f.conn.SetReadDeadline(deadline())
		n, clientAddr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			log.Printf("forwarder: recv error: %v", err)
			continue
		}

		f.metrics.PacketsReceived.Inc()
		f.handle(clientAddr, buf[:n])
	}
}

func (f *Forwarder) handle(clientAddr *net.UDPAddr, data []byte) {
	pkt, err := wire.Parse(data)
	if err != nil {
		f.metrics.PacketsDropped.Inc()
		return
	}

	info, ok := f.cache.Get(pkt.SessionToken)
	if !ok {
		f.metrics.InvalidSessions.Inc()
		return
	}

	if info.ClientAddr() == nil || info.ClientAddr().String() != clientAddr.String() {
		info.UpdateClientAddr(clientAddr)
	} else {
		info.Touch()
	}
	info.PacketsIn.Add(1)
	info.BytesIn.Add(uint64(len(data)))

	switch {
	case pkt.IsKeepalive():
		f.metrics.Keepalives.Inc()
		echo := wire.NewKeepalive(pkt.SessionToken, pkt.SeqNumber).Encode()
		if _, err := f.conn.WriteToUDP(echo, clientAddr); err != nil {
			log.Printf("forwarder: keepalive echo failed for token=%d: %v", pkt.SessionToken, err)
		}
		return

	case pkt.IsControl():
		target, err := parseControlPayload(pkt.Payload)
		if err != nil || !info.SetForwardTarget(target) {
			f.metrics.PacketsDropped.Inc()
			return
		}
		return

	default:
		target := info.ForwardTarget()
		if target == nil {
			f.metrics.PacketsDropped.Inc()
			return
		}
		sent, err := info.ForwardSocket.WriteToUDP(pkt.Payload, target)
		if err != nil {
			f.metrics.PacketsDropped.Inc()
			log.Printf("forwarder: send to %s failed for token=%d: %v", target, pkt.SessionToken, err)
			return
		}
		f.metrics.PacketsForwarded.Inc()
		f.metrics.BytesForwarded.Add(float64(sent))
	}
}

// parseControlPayload decodes "ip:port" as emitted by the client's control
// packet (see spec.md §4.4/§9). Grounded on forwarder.rs's
// parse_control_payload, restricted to IPv4 per the IPv6-Non-goal.
func parseControlPayload(payload []byte) (*net.UDPAddr, error) {
	idx := strings.LastIndexByte(string(payload), ':')
	if idx < 0 {
		return nil, errBadControlPayload
	}
	ipStr, portStr := string(payload[:idx]), string(payload[idx+1:])

	ip := net.ParseIP(ipStr).To4()
	if ip == nil {
		return nil, errBadControlPayload
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errBadControlPayload
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

var errBadControlPayload = &forwarderError{"forwarder: malformed control payload"}

type forwarderError struct{ msg string }

func (e *forwarderError) Error() string { return e.msg }

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// deadline implements spec.md §5's 100ms read-deadline cancellation
// polling, the Go equivalent of the original's set_read_timeout.
func deadline() time.Time {
	return time.Now().Add(100 * time.Millisecond)
}
