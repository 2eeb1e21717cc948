package session

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotFound is the error value for a lookup that finds no matching
// session. The lookups in this package report absence with a boolean and
// do not return it.
var ErrNotFound = fmt.Errorf("session: not found")

// Info is the per-session state held by the relay. client_addr and
// forward_target mutate under mu; the counters are atomics so the ingress
// loop and the response listener can bump them without taking mu.
type Info struct {
	Token         uint32
	GameServerIPs []string
	GamePorts     []uint16
	ForwardSocket *net.UDPConn

	mu            sync.RWMutex
	clientAddr    *net.UDPAddr
	forwardTarget *net.UDPAddr
	lastSeen      time.Time

	PacketsIn  atomic.Uint64
	PacketsOut atomic.Uint64
	BytesIn    atomic.Uint64
	BytesOut   atomic.Uint64
}

// ClientAddr returns the current recorded client endpoint.
func (i *Info) ClientAddr() *net.UDPAddr {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.clientAddr
}

// UpdateClientAddr adopts addr as the session's current client endpoint
// (NAT-rebind tolerance) and bumps last_seen.
func (i *Info) UpdateClientAddr(addr *net.UDPAddr) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.clientAddr = addr
	i.lastSeen = time.Now()
}

// Touch bumps last_seen without changing the client address.
func (i *Info) Touch() {
	i.mu.Lock()
	i.lastSeen = time.Now()
	i.mu.Unlock()
}

func (i *Info) lastSeenAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastSeen
}

// ForwardTarget returns the current forward target, or nil if unset.
func (i *Info) ForwardTarget() *net.UDPAddr {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.forwardTarget
}

// SetForwardTarget sets the forward target if ip is present in the
// session's allow-list. Returns false (no-op) if the IP is disallowed.
func (i *Info) SetForwardTarget(target *net.UDPAddr) bool {
	allowed := false
	ipStr := target.IP.String()
	for _, ip := range i.GameServerIPs {
		if ip == ipStr {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	i.mu.Lock()
	i.forwardTarget = target
	i.mu.Unlock()
	return true
}

// localPort returns the local port the forward socket is bound to.
func (i *Info) localPort() uint16 {
	addr := i.ForwardSocket.LocalAddr().(*net.UDPAddr)
	return uint16(addr.Port)
}

// repository is the unlocked storage backing a Cache: token→Info and the
// reverse local_port→token index. Mirrors session.rs's two DashMaps, minus
// the concurrency (added by the decorator in cache.go).
type repository struct {
	byToken map[uint32]*Info
	byPort  map[uint16]uint32
}

func newRepository() *repository {
	return &repository{
		byToken: make(map[uint32]*Info),
		byPort:  make(map[uint16]uint32),
	}
}

func (r *repository) add(info *Info) {
	r.byToken[info.Token] = info
	r.byPort[info.localPort()] = info.Token
}

func (r *repository) delete(token uint32) {
	info, ok := r.byToken[token]
	if !ok {
		return
	}
	delete(r.byPort, info.localPort())
	delete(r.byToken, token)
}

func (r *repository) getByToken(token uint32) (*Info, bool) {
	info, ok := r.byToken[token]
	return info, ok
}

func (r *repository) getByPort(port uint16) (uint32, bool) {
	token, ok := r.byPort[port]
	return token, ok
}

func (r *repository) count() int {
	return len(r.byToken)
}

func (r *repository) snapshot() []*Info {
	out := make([]*Info, 0, len(r.byToken))
	for _, info := range r.byToken {
		out = append(out, info)
	}
	return out
}

// defaultForwardTarget parses the first IP + first port into a UDP address,
// used as the registration-time default before any control packet arrives.
func defaultForwardTarget(ips []string, ports []uint16) *net.UDPAddr {
	if len(ips) == 0 || len(ports) == 0 {
		return nil
	}
	ip := net.ParseIP(ips[0])
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: int(ports[0])}
}
