// Package capture implements Mode B of the client interceptor: kernel-level
// capture of outbound game UDP traffic and injection of relay responses
// back into the network stack, so no localhost rebind of the game client
// is required. Ported from
// original_source/client/src-tauri/src/windivert.rs.
package capture

import (
	"context"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ewancrowle/plgboost/internal/filterbuilder"
	"github.com/ewancrowle/plgboost/internal/rawpacket"
	"github.com/ewancrowle/plgboost/internal/wire"
)

// ErrUnsupportedPlatform is returned by Open on any platform without a
// kernel-capture backend, forcing the caller to fall back to Mode A
// (package transport).
var ErrUnsupportedPlatform = errors.New("capture: kernel-level packet capture is not supported on this platform")

// Handle abstracts a kernel packet-capture/injection backend (WinDivert on
// Windows). Recv blocks until a packet matching the compiled filter
// arrives and returns the opaque per-packet address metadata alongside it
// (the WINDIVERT_ADDRESS layer, mirroring the Rust original's
// WinDivertPacket.address). Send injects a raw IPv4 packet into the stack;
// passing back the address Recv produced re-injects the packet exactly as
// captured, while a nil addr synthesizes a fresh inbound packet.
type Handle interface {
	Recv(buf []byte) (n int, addr []byte, err error)
	Send(rawPacket []byte, addr []byte) error
	Close() error
}

// OpenFunc opens a capture handle bound to the given WinDivert-style
// filter expression. The platform-specific build file assigns the real
// implementation to Open at init time.
type OpenFunc func(filter string) (Handle, error)

// Open is replaced by the platform build file. The default always fails,
// matching a non-Windows build of the original.
var Open OpenFunc = func(string) (Handle, error) {
	return nil, ErrUnsupportedPlatform
}

const (
	recvBufSize     = 65535
	seenSetCap      = 10000
	keepaliveEvery  = 30 * time.Second
	keepaliveExpiry = 60 * time.Second
	pollTimeout     = 100 * time.Millisecond
)

type connKey struct {
	localPort  uint16
	remoteIP   [4]byte
	remotePort uint16
}

type connInfo struct {
	localIP  [4]byte
	lastSeen time.Time
}

// Stats mirrors transport.Stats so both interceptor modes expose the same
// shape to the admin surface.
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

// Proxy is the kernel-capture interceptor: a capture goroutine, one
// relay-receive goroutine per active relay path, and a keepalive
// goroutine, sharing a connection table the way
// original_source/client/src-tauri/src/windivert.rs shares its
// `connections`/`reverse_map` across std::thread::spawn closures.
type Proxy struct {
	sessionToken uint32

	handle          Handle
	relaySocket     *net.UDPConn
	relayAddr       *net.UDPAddr
	backupSocket    *net.UDPConn
	backupAddr      *net.UDPAddr
	multipathActive bool

	seqCounter  atomic.Uint32
	controlSent atomic.Bool

	connMu  sync.RWMutex
	conns   map[connKey]connInfo
	reverse map[connKey]struct {
		localIP   [4]byte
		localPort uint16
	}

	seenMu   sync.Mutex
	seenSeqs map[uint32]struct{}

	keepaliveMu   sync.Mutex
	keepaliveSent map[uint32]time.Time

	statsMu sync.RWMutex
	stats   Stats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start compiles the capture filter from the game server profile, opens
// the capture handle, and spawns the capture/relay-receive/keepalive
// goroutines. It returns ErrUnsupportedPlatform unchanged if Open does
// (no Windows backend built), which callers use to fall back to Mode A.
func Start(ctx context.Context, sessionToken uint32, relayAddr, backupRelayAddr *net.UDPAddr, gameServerIPs, gamePorts []string, multipathRequested bool) (*Proxy, error) {
	filter, err := filterbuilder.Build(gameServerIPs, gamePorts)
	if err != nil {
		return nil, err
	}

	handle, err := Open(filter)
	if err != nil {
		return nil, err
	}

	relaySocket, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		handle.Close()
		return nil, err
	}

	var backupSocket *net.UDPConn
	multipathActive := multipathRequested && backupRelayAddr != nil
	if multipathActive {
		backupSocket, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			log.Printf("capture: failed to bind backup relay socket, disabling multipath: %v", err)
			multipathActive = false
		}
	}

	p := &Proxy{
		sessionToken:    sessionToken,
		handle:          handle,
		relaySocket:     relaySocket,
		relayAddr:       relayAddr,
		backupSocket:    backupSocket,
		backupAddr:      backupRelayAddr,
		multipathActive: multipathActive,
		conns:           make(map[connKey]connInfo),
		reverse: make(map[connKey]struct {
			localIP   [4]byte
			localPort uint16
		}),
		seenSeqs:      make(map[uint32]struct{}),
		keepaliveSent: make(map[uint32]time.Time),
	}
	p.stats.MultipathEnabled = multipathRequested
	p.stats.MultipathActive = multipathActive

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.captureLoop(runCtx)
	go p.relayReceiveLoop(runCtx, relaySocket, false)
	if multipathActive {
		p.wg.Add(1)
		go p.relayReceiveLoop(runCtx, backupSocket, true)
	}
	p.wg.Add(1)
	go p.keepaliveLoop(runCtx)

	return p, nil
}

func (p *Proxy) nextSeq() uint32 {
	return p.seqCounter.Add(1) - 1
}

// captureLoop mirrors the Rust capture thread: parse the minimal IPv4+UDP
// header, track the connection for response routing, send a one-time
// control packet naming the destination, then wrap and forward the
// payload to the relay(s).
func (p *Proxy) captureLoop(ctx context.Context) {
	defer p.wg.Done()
	buf := make([]byte, recvBufSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, addr, err := p.handle.Recv(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		data := buf[:n]

		if len(data) < 20 {
			continue
		}
		ihl := int(data[0]&0x0F) * 4
		if len(data) < ihl+8 || data[9] != 17 {
			// Non-UDP traffic that matched the filter is re-injected
			// unchanged, mirroring windivert.rs's handling of this branch.
			if err := p.handle.Send(data, addr); err != nil {
				log.Printf("capture: re-inject non-UDP packet failed: %v", err)
			}
			continue
		}

		var srcIP, dstIP [4]byte
		copy(srcIP[:], data[12:16])
		copy(dstIP[:], data[16:20])
		srcPort := uint16(data[ihl])<<8 | uint16(data[ihl+1])
		dstPort := uint16(data[ihl+2])<<8 | uint16(data[ihl+3])
		payload := append([]byte(nil), data[ihl+8:]...)

		key := connKey{localPort: srcPort, remoteIP: dstIP, remotePort: dstPort}
		p.connMu.Lock()
		p.conns[key] = connInfo{localIP: srcIP, lastSeen: time.Now()}
		p.reverse[key] = struct {
			localIP   [4]byte
			localPort uint16
		}{localIP: srcIP, localPort: srcPort}
		p.connMu.Unlock()

		if p.controlSent.CompareAndSwap(false, true) {
			target := net.JoinHostPort(net.IP(dstIP[:]).String(), strconv.Itoa(int(dstPort)))
			p.sendControl(target)
		}

		seq := p.nextSeq()
		pkt := wire.NewData(p.sessionToken, seq, payload)
		if _, err := p.relaySocket.WriteToUDP(pkt.Encode(), p.relayAddr); err != nil {
			log.Printf("capture: send to primary relay failed: %v", err)
		}
		if p.multipathActive {
			dup := wire.NewData(p.sessionToken, seq, payload).WithMultipath(wire.PathBackup)
			if _, err := p.backupSocket.WriteToUDP(dup.Encode(), p.backupAddr); err != nil {
				log.Printf("capture: send to backup relay failed: %v", err)
			}
		}

		p.statsMu.Lock()
		p.stats.PacketsSent++
		p.stats.BytesSent += uint64(len(payload))
		p.statsMu.Unlock()

		// Consumed, never re-injected outbound.
	}
}

func (p *Proxy) sendControl(target string) {
	seq := p.nextSeq()
	pkt := wire.NewControl(p.sessionToken, seq, target)
	if _, err := p.relaySocket.WriteToUDP(pkt.Encode(), p.relayAddr); err != nil {
		log.Printf("capture: failed to send control packet: %v", err)
	}
	if p.multipathActive {
		backupSeq := p.nextSeq()
		backupPkt := wire.NewControl(p.sessionToken, backupSeq, target)
		if _, err := p.backupSocket.WriteToUDP(backupPkt.Encode(), p.backupAddr); err != nil {
			log.Printf("capture: failed to send backup control packet: %v", err)
		}
	}
}

// relayReceiveLoop mirrors the Rust relay-receive thread: unwrap, dedup,
// pick a reverse-map entry for response routing via mostRecentRoute
// (see the Open Question resolution in DESIGN.md), build a raw
// game-server→local-machine packet, and inject it.
func (p *Proxy) relayReceiveLoop(ctx context.Context, relaySocket *net.UDPConn, isBackup bool) {
	defer p.wg.Done()
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
			continue
		}

		pkt, err := wire.Parse(buf[:n])
		if err != nil {
			continue
		}

		if pkt.IsKeepalive() {
			if !isBackup {
				p.recordKeepaliveRTT(pkt.SeqNumber)
			}
			continue
		}

		if p.isDuplicate(pkt.SeqNumber) {
			p.statsMu.Lock()
			p.stats.DuplicatesDropped++
			p.statsMu.Unlock()
			continue
		}

		localIP, localPort, remoteIP, remotePort, ok := p.mostRecentRoute()
		if !ok {
			continue
		}

		rawPkt := rawpacket.BuildUDP(remoteIP, localIP, remotePort, localPort, pkt.Payload)
		if err := p.handle.Send(rawPkt, nil); err != nil {
			log.Printf("capture: inject failed: %v", err)
			continue
		}

		p.statsMu.Lock()
		p.stats.PacketsReceived++
		p.stats.BytesReceived += uint64(len(pkt.Payload))
		p.statsMu.Unlock()
	}
}

// mostRecentRoute returns the first entry of a map iteration over the
// reverse map, so which entry is returned is not defined when several
// connections are tracked; with a single tracked connection it is that one.
func (p *Proxy) mostRecentRoute() (localIP [4]byte, localPort uint16, remoteIP [4]byte, remotePort uint16, ok bool) {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	for k, v := range p.reverse {
		return v.localIP, v.localPort, k.remoteIP, k.remotePort, true
	}
	return
}

func (p *Proxy) isDuplicate(seq uint32) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if _, seen := p.seenSeqs[seq]; seen {
		return true
	}
	p.seenSeqs[seq] = struct{}{}
	if len(p.seenSeqs) > seenSetCap {
		p.seenSeqs = make(map[uint32]struct{})
	}
	return false
}

func (p *Proxy) recordKeepaliveRTT(seq uint32) {
	p.keepaliveMu.Lock()
	sentAt, ok := p.keepaliveSent[seq]
	if ok {
		delete(p.keepaliveSent, seq)
	}
	p.keepaliveMu.Unlock()
	if !ok {
		return
	}
	p.statsMu.Lock()
	p.stats.LastRTTMs = float64(time.Since(sentAt).Microseconds()) / 1000.0
	p.stats.HasRTT = true
	p.statsMu.Unlock()
}

func (p *Proxy) keepaliveLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(keepaliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := p.nextSeq()
			pkt := wire.NewKeepalive(p.sessionToken, seq)
			p.keepaliveMu.Lock()
			p.keepaliveSent[seq] = time.Now()
			p.keepaliveMu.Unlock()
			if _, err := p.relaySocket.WriteToUDP(pkt.Encode(), p.relayAddr); err != nil {
				log.Printf("capture: keepalive to primary failed: %v", err)
			}
			if p.multipathActive {
				backupSeq := p.nextSeq()
				backupPkt := wire.NewKeepalive(p.sessionToken, backupSeq)
				if _, err := p.backupSocket.WriteToUDP(backupPkt.Encode(), p.backupAddr); err != nil {
					log.Printf("capture: keepalive to backup failed: %v", err)
				}
			}

			p.keepaliveMu.Lock()
			for s, sentAt := range p.keepaliveSent {
				if time.Since(sentAt) > keepaliveExpiry {
					delete(p.keepaliveSent, s)
				}
			}
			p.keepaliveMu.Unlock()
		}
	}
}

// Stop tears down every goroutine, the capture handle, and both relay
// sockets.
func (p *Proxy) Stop() {
	p.cancel()
	p.wg.Wait()
	p.handle.Close()
	p.relaySocket.Close()
	if p.backupSocket != nil {
		p.backupSocket.Close()
	}
}

// Stats returns a snapshot of the current counters.
func (p *Proxy) Stats() Stats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
