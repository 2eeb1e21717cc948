// Package transport implements the client's shared sender/receiver core
// and Mode A (localhost-proxy) interceptor (C4). Ported from
// original_source/client/src-tauri/src/udp_proxy.rs: one goroutine moves
// game→relay(s), one goroutine per relay path moves relay→game with
// dedup, and a keepalive goroutine ticks every 30s — the same
// goroutine-per-direction shape the teacher uses for its ingress/egress
// pair in internal/relay/engine.go, generalized to two directions plus a
// ticker instead of one.
package transport

import (
	"context"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ewancrowle/plgboost/internal/wire"
)

const (
	recvBufSize     = 65535
	seenSetCap      = 10000
	keepaliveEvery  = 30 * time.Second
	keepaliveExpiry = 60 * time.Second
	pollTimeout     = 100 * time.Millisecond
)

// Stats mirrors original_source's ProxyStats, snapshotted for callers
// (the admin surface / a future tray UI would read this).
type Stats struct {
	PacketsSent       uint64
	PacketsReceived   uint64
	BytesSent         uint64
	BytesReceived     uint64
	LastRTTMs         float64
	HasRTT            bool
	MultipathEnabled  bool
	MultipathActive   bool
	DuplicatesDropped uint64
}

// Transport is the Mode A sender/receiver core and owns localSocket.
// Mode B (package capture) does not use it: capture.Proxy keeps its own
// relay sockets and sequence counter.
type Transport struct {
	sessionToken uint32

	localSocket *net.UDPConn // the 127.0.0.1 socket the game sends to

	relaySocket     *net.UDPConn
	relayAddr       *net.UDPAddr
	backupSocket    *net.UDPConn // nil unless multipath is active
	backupAddr      *net.UDPAddr
	multipathActive bool

	seqCounter atomic.Uint32

	gameAddrMu sync.RWMutex
	gameAddr   *net.UDPAddr

	seenMu   sync.Mutex
	seenSeqs map[uint32]struct{}

	keepaliveMu   sync.Mutex
	keepaliveSent map[uint32]time.Time

	statsMu sync.RWMutex
	stats   Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartLocalProxy implements Mode A: binds 127.0.0.1:localPort and relays
// between it and the chosen relay path(s). gameTarget is sent immediately
// as a control packet on every relay path (mirroring the Rust original
// sending the control packet before spawning the pump goroutines).
func StartLocalProxy(ctx context.Context, sessionToken uint32, relayAddr, backupRelayAddr *net.UDPAddr, gameTarget string, localPort int, multipathRequested bool) (*Transport, error) {
	localSocket, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: localPort})
	if err != nil {
		return nil, err
	}

	relaySocket, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		localSocket.Close()
		return nil, err
	}

	var backupSocket *net.UDPConn
	multipathActive := multipathRequested && backupRelayAddr != nil
	if multipathActive {
		backupSocket, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			log.Printf("transport: failed to bind backup relay socket, disabling multipath: %v", err)
			multipathActive = false
		}
	}

	t := &Transport{
		sessionToken:    sessionToken,
		localSocket:     localSocket,
		relaySocket:     relaySocket,
		relayAddr:       relayAddr,
		backupSocket:    backupSocket,
		backupAddr:      backupRelayAddr,
		multipathActive: multipathActive,
		seenSeqs:        make(map[uint32]struct{}),
		keepaliveSent:   make(map[uint32]time.Time),
	}
	t.stats.MultipathEnabled = multipathRequested
	t.stats.MultipathActive = multipathActive

	t.sendControl(relaySocket, relayAddr, gameTarget)
	if multipathActive {
		t.sendControl(backupSocket, backupRelayAddr, gameTarget)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(2)
	go t.pumpGameToRelay(runCtx, localSocket)
	go t.pumpRelayToGame(runCtx, relaySocket, false)
	if multipathActive {
		t.wg.Add(1)
		go t.pumpRelayToGame(runCtx, backupSocket, true)
	}

	t.wg.Add(1)
	go t.keepaliveLoop(runCtx)

	return t, nil
}

func (t *Transport) nextSeq() uint32 {
	return t.seqCounter.Add(1) - 1
}

func (t *Transport) sendControl(sock *net.UDPConn, addr *net.UDPAddr, target string) {
	seq := t.nextSeq()
	pkt := wire.NewControl(t.sessionToken, seq, target)
	if _, err := sock.WriteToUDP(pkt.Encode(), addr); err != nil {
		log.Printf("transport: failed to send control packet to %s: %v", addr, err)
	}
}

// pumpGameToRelay is Task 1: game → local socket → PLG wrap → relay(s).
func (t *Transport) pumpGameToRelay(ctx context.Context, localSocket *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, recvBufSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		localSocket.SetReadDeadline(time.Now().Add(pollTimeout))
		n, src, err := localSocket.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("transport: local socket recv error: %v", err)
			continue
		}

		t.gameAddrMu.Lock()
		t.gameAddr = src
		t.gameAddrMu.Unlock()

		payload := append([]byte(nil), buf[:n]...)
		seq := t.nextSeq()
		pkt := wire.NewData(t.sessionToken, seq, payload)
		if _, err := t.relaySocket.WriteToUDP(pkt.Encode(), t.relayAddr); err != nil {
			log.Printf("transport: send to primary relay failed: %v", err)
		}

		if t.multipathActive {
			dup := wire.NewData(t.sessionToken, seq, payload).WithMultipath(wire.PathBackup)
			if _, err := t.backupSocket.WriteToUDP(dup.Encode(), t.backupAddr); err != nil {
				log.Printf("transport: send to backup relay failed: %v", err)
			}
		}

		t.statsMu.Lock()
		t.stats.PacketsSent++
		t.stats.BytesSent += uint64(n)
		t.statsMu.Unlock()
	}
}

// pumpRelayToGame is Task 2/2b: relay → PLG unwrap → dedup → local socket → game.
func (t *Transport) pumpRelayToGame(ctx context.Context, relaySocket *net.UDPConn, isBackup bool) {
	defer t.wg.Done()
	buf := make([]byte, recvBufSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		relaySocket.SetReadDeadline(time.Now().Add(pollTimeout))
		n, _, err := relaySocket.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("transport: relay socket recv error: %v", err)
			continue
		}

		pkt, err := wire.Parse(buf[:n])
		if err != nil {
			continue
		}

		if pkt.IsKeepalive() {
			if !isBackup {
				t.recordKeepaliveRTT(pkt.SeqNumber)
			}
			continue
		}

		if t.isDuplicate(pkt.SeqNumber) {
			t.statsMu.Lock()
			t.stats.DuplicatesDropped++
			t.statsMu.Unlock()
			continue
		}

		t.gameAddrMu.RLock()
		addr := t.gameAddr
		t.gameAddrMu.RUnlock()
		if addr == nil {
			continue
		}

		if _, err := t.localSocket.WriteToUDP(pkt.Payload, addr); err != nil {
			log.Printf("transport: send to game failed: %v", err)
			continue
		}

		t.statsMu.Lock()
		t.stats.PacketsReceived++
		t.stats.BytesReceived += uint64(len(pkt.Payload))
		t.statsMu.Unlock()
	}
}

// isDuplicate inserts seq into the shared seen-set, returning true if it
// was already present. The set is cleared on overflow per spec.md §3.
func (t *Transport) isDuplicate(seq uint32) bool {
	t.seenMu.Lock()
	defer t.seenMu.Unlock()

	if _, seen := t.seenSeqs[seq]; seen {
		return true
	}
	t.seenSeqs[seq] = struct{}{}
	if len(t.seenSeqs) > seenSetCap {
		t.seenSeqs = make(map[uint32]struct{})
	}
	return false
}

func (t *Transport) recordKeepaliveRTT(seq uint32) {
	t.keepaliveMu.Lock()
	sentAt, ok := t.keepaliveSent[seq]
	if ok {
		delete(t.keepaliveSent, seq)
	}
	t.keepaliveMu.Unlock()

	if !ok {
		return
	}
	rtt := float64(time.Since(sentAt).Microseconds()) / 1000.0
	t.statsMu.Lock()
	t.stats.LastRTTMs = rtt
	t.stats.HasRTT = true
	t.statsMu.Unlock()
}

// keepaliveLoop is Task 3: every 30s, send a keepalive on each relay-facing
// socket and record the send time for RTT measurement; entries older than
// 60s are evicted.
func (t *Transport) keepaliveLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(keepaliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := t.nextSeq()
			pkt := wire.NewKeepalive(t.sessionToken, seq)
			t.keepaliveMu.Lock()
			t.keepaliveSent[seq] = time.Now()
			t.keepaliveMu.Unlock()
			if _, err := t.relaySocket.WriteToUDP(pkt.Encode(), t.relayAddr); err != nil {
				log.Printf("transport: keepalive to primary failed: %v", err)
			}

			if t.multipathActive {
				backupSeq := t.nextSeq()
				backupPkt := wire.NewKeepalive(t.sessionToken, backupSeq)
				if _, err := t.backupSocket.WriteToUDP(backupPkt.Encode(), t.backupAddr); err != nil {
					log.Printf("transport: keepalive to backup failed: %v", err)
				}
			}

			t.keepaliveMu.Lock()
			for s, sentAt := range t.keepaliveSent {
				if time.Since(sentAt) > keepaliveExpiry {
					delete(t.keepaliveSent, s)
				}
			}
			t.keepaliveMu.Unlock()
		}
	}
}

// Stop cancels every goroutine and closes the owned sockets, then waits
// for clean shutdown.
func (t *Transport) Stop() {
	t.cancel()
	t.wg.Wait()
	if t.localSocket != nil {
		t.localSocket.Close()
	}
	t.relaySocket.Close()
	if t.backupSocket != nil {
		t.backupSocket.Close()
	}
}

// Stats returns a snapshot of the current counters.
func (t *Transport) Stats() Stats {
	t.statsMu.RLock()
	defer t.statsMu.RUnlock()
	return t.stats
}

// LocalPort returns the bound localhost port (Mode A only).
func (t *Transport) LocalPort() int {
	if t.localSocket == nil {
		return 0
	}
	return t.localSocket.LocalAddr().(*net.UDPAddr).Port
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
