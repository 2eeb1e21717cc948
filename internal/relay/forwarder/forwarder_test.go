package forwarder

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ewancrowle/plgboost/internal/relay/metrics"
	"github.com/ewancrowle/plgboost/internal/relay/session"
	"github.com/ewancrowle/plgboost/internal/wire"
)

func newTestForwarder(t *testing.T) (*Forwarder, *session.Cache) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	reg := metrics.New()
	cache := session.NewCache(10, reg)
	return New(conn, cache, reg), cache
}

// S4 — session register & forward.
func TestHandleDataPacketForwardsToGameServer(t *testing.T) {
	f, cache := newTestForwarder(t)

	// A throwaway game-server socket to receive the forwarded payload.
	gameServer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer gameServer.Close()
	gamePort := gameServer.LocalAddr().(*net.UDPAddr).Port

	if _, err := cache.Register(100, []string{"127.0.0.1"}, []uint16{uint16(gamePort)}); err != nil {
		t.Fatal(err)
	}

	clientAddr := &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 5000}
	pkt := wire.NewData(100, 1, []byte("P"))
	f.handle(clientAddr, pkt.Encode())

	gameServer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, err := gameServer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected forwarded payload, got error: %v", err)
	}
	if string(buf[:n]) != "P" {
		t.Fatalf("expected payload %q, got %q", "P", buf[:n])
	}
	if got := testutil.ToFloat64(f.metrics.PacketsForwarded); got != 1 {
		t.Fatalf("expected packets_forwarded=1, got %v", got)
	}
}

// S5 — control packet with disallowed IP.
func TestControlPacketDisallowedIPLeavesTargetUnchanged(t *testing.T) {
	f, cache := newTestForwarder(t)
	if _, err := cache.Register(100, []string{"10.0.0.1"}, []uint16{27015}); err != nil {
		t.Fatal(err)
	}
	info, _ := cache.Get(100)
	before := info.ForwardTarget().String()

	clientAddr := &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 5000}
	ctrl := wire.NewControl(100, 2, "8.8.8.8:53")
	f.handle(clientAddr, ctrl.Encode())

	if info.ForwardTarget().String() != before {
		t.Fatalf("expected forward target unchanged, got %s", info.ForwardTarget())
	}
}

func TestControlPacketAllowedIPUpdatesTarget(t *testing.T) {
	f, cache := newTestForwarder(t)
	if _, err := cache.Register(100, []string{"10.0.0.1", "10.0.0.9"}, []uint16{27015}); err != nil {
		t.Fatal(err)
	}
	info, _ := cache.Get(100)

	clientAddr := &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 5000}
	ctrl := wire.NewControl(100, 2, "10.0.0.9:28015")
	f.handle(clientAddr, ctrl.Encode())

	if info.ForwardTarget().String() != "10.0.0.9:28015" {
		t.Fatalf("expected updated target, got %s", info.ForwardTarget())
	}
}

func TestUnknownSessionIncrementsInvalid(t *testing.T) {
	f, _ := newTestForwarder(t)
	clientAddr := &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 5000}
	f.handle(clientAddr, wire.NewData(999, 1, []byte("x")).Encode())
	if got := testutil.ToFloat64(f.metrics.InvalidSessions); got != 1 {
		t.Fatalf("expected invalid_sessions=1, got %v", got)
	}
}

func TestMalformedPacketDropped(t *testing.T) {
	f, _ := newTestForwarder(t)
	clientAddr := &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 5000}
	f.handle(clientAddr, []byte{0x01, 0x02})
	if got := testutil.ToFloat64(f.metrics.PacketsDropped); got != 1 {
		t.Fatalf("expected packets_dropped=1, got %v", got)
	}
}

// NAT-rebind: ingress from a new source address updates the session's
// recorded client address (Testable Property 5).
func TestNATRebindUpdatesClientAddr(t *testing.T) {
	f, cache := newTestForwarder(t)
	if _, err := cache.Register(100, []string{"10.0.0.1"}, []uint16{27015}); err != nil {
		t.Fatal(err)
	}

	addr1 := &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 5000}
	addr2 := &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 6000}

	f.handle(addr1, wire.NewData(100, 1, []byte("a")).Encode())
	f.handle(addr2, wire.NewData(100, 2, []byte("b")).Encode())

	info, _ := cache.Get(100)
	if info.ClientAddr().String() != addr2.String() {
		t.Fatalf("expected rebind to %s, got %s", addr2, info.ClientAddr())
	}
}
