package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ewancrowle/plgboost/internal/wire"
)

// fakeRelay binds a loopback UDP socket that stands in for the relay; it
// sends nothing on its own, so each test reads from and writes to it
// explicitly.
func fakeRelay(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("failed to bind fake relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStartLocalProxySendsControlPacketOnStart(t *testing.T) {
	relay := fakeRelay(t)

	tr, err := StartLocalProxy(context.Background(), 42, relay.LocalAddr().(*net.UDPAddr), nil, "10.0.0.5:27015", 0, false)
	if err != nil {
		t.Fatalf("StartLocalProxy failed: %v", err)
	}
	defer tr.Stop()

	buf := make([]byte, 256)
	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := relay.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected to receive control packet: %v", err)
	}
	pkt, err := wire.Parse(buf[:n])
	if err != nil {
		t.Fatalf("failed to parse control packet: %v", err)
	}
	if !pkt.IsControl() {
		t.Error("expected control flag set")
	}
	if string(pkt.Payload) != "10.0.0.5:27015" {
		t.Errorf("unexpected control payload: %q", pkt.Payload)
	}
	if pkt.SessionToken != 42 {
		t.Errorf("expected session token 42, got %d", pkt.SessionToken)
	}
}

func TestGameToRelayWrapsAndForwards(t *testing.T) {
	relay := fakeRelay(t)

	tr, err := StartLocalProxy(context.Background(), 7, relay.LocalAddr().(*net.UDPAddr), nil, "10.0.0.5:27015", 0, false)
	if err != nil {
		t.Fatalf("StartLocalProxy failed: %v", err)
	}
	defer tr.Stop()

	// Drain the initial control packet.
	buf := make([]byte, 256)
	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	relay.ReadFromUDP(buf)

	game, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tr.LocalPort()})
	if err != nil {
		t.Fatalf("failed to dial local proxy: %v", err)
	}
	defer game.Close()

	if _, err := game.Write([]byte("ping")); err != nil {
		t.Fatalf("failed to write game packet: %v", err)
	}

	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := relay.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected relay to receive wrapped packet: %v", err)
	}
	pkt, err := wire.Parse(buf[:n])
	if err != nil {
		t.Fatalf("failed to parse forwarded packet: %v", err)
	}
	if string(pkt.Payload) != "ping" {
		t.Errorf("expected payload 'ping', got %q", pkt.Payload)
	}

	stats := tr.Stats()
	if stats.PacketsSent != 1 {
		t.Errorf("expected 1 packet sent, got %d", stats.PacketsSent)
	}
}

func TestRelayToGameDeliversAfterGameAddrLearned(t *testing.T) {
	relay := fakeRelay(t)

	tr, err := StartLocalProxy(context.Background(), 9, relay.LocalAddr().(*net.UDPAddr), nil, "10.0.0.5:27015", 0, false)
	if err != nil {
		t.Fatalf("StartLocalProxy failed: %v", err)
	}
	defer tr.Stop()

	buf := make([]byte, 256)
	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, clientAddr, err := relay.ReadFromUDP(buf) // control packet, also learns the relay-facing src addr
	if err != nil {
		t.Fatalf("failed to receive control packet: %v", err)
	}

	game, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("failed to bind fake game client: %v", err)
	}
	defer game.Close()

	// Latch the game address the way pumpGameToRelay would on a real send.
	proxyAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tr.LocalPort()}
	if _, err := game.WriteToUDP([]byte("hello"), proxyAddr); err != nil {
		t.Fatalf("failed to send from game: %v", err)
	}

	// Drain the wrapped "hello" packet relay-side so the test's own read
	// doesn't race with the subsequent response send on the same socket.
	relay.SetReadDeadline(time.Now().Add(2 * time.Second))
	relay.ReadFromUDP(buf)

	resp := wire.NewData(9, 1, []byte("pong")).Encode()
	if _, err := relay.WriteToUDP(resp, clientAddr); err != nil {
		t.Fatalf("failed to send relay response: %v", err)
	}

	game.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := game.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected game client to receive unwrapped response: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Errorf("expected payload 'pong', got %q", buf[:n])
	}
}

func TestDuplicateSequenceIsDroppedAndCounted(t *testing.T) {
	tr := &Transport{seenSeqs: make(map[uint32]struct{})}

	if tr.isDuplicate(5) {
		t.Error("first occurrence of seq 5 should not be a duplicate")
	}
	if !tr.isDuplicate(5) {
		t.Error("second occurrence of seq 5 should be a duplicate")
	}
	if !tr.isDuplicate(5) {
		t.Error("seq 5 should remain a duplicate")
	}
	if tr.isDuplicate(6) {
		t.Error("distinct seq 6 should not be a duplicate")
	}
}

func TestSeenSetClearsOnOverflow(t *testing.T) {
	tr := &Transport{seenSeqs: make(map[uint32]struct{})}

	for i := uint32(0); i < seenSetCap+1; i++ {
		tr.isDuplicate(i)
	}
	if len(tr.seenSeqs) > seenSetCap {
		t.Errorf("expected seen set to have cleared on overflow, size=%d", len(tr.seenSeqs))
	}
}

func TestStatsReflectMultipathConfiguration(t *testing.T) {
	relay := fakeRelay(t)

	tr, err := StartLocalProxy(context.Background(), 1, relay.LocalAddr().(*net.UDPAddr), nil, "10.0.0.5:27015", 0, true)
	if err != nil {
		t.Fatalf("StartLocalProxy failed: %v", err)
	}
	defer tr.Stop()

	stats := tr.Stats()
	if !stats.MultipathEnabled {
		t.Error("expected MultipathEnabled true when requested")
	}
	if stats.MultipathActive {
		t.Error("expected MultipathActive false when no backup relay address given")
	}
}
