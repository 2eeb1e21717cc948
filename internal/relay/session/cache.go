// Package session implements the relay's session cache (C6): a
// concurrent map from session token to per-session forwarding state, plus
// a reverse local_port→token index used by the response listener pool.
package session

import (
	"context"
	"log"
	"net"
	"sync"
	"time"
)

// GaugeSetter is the subset of the telemetry registry the cache needs;
// satisfied by *metrics.Registry without importing it here.
type GaugeSetter interface {
	SetActiveSessions(n int)
}

type noopGauge struct{}

func (noopGauge) SetActiveSessions(int) {}

// Cache is the concurrency-decorated session store. It composes an
// unlocked repository under an RWMutex the way the teacher's generic
// ConcurrentManager[T] decorates a plain SessionRepository[T] — here
// concretely, since session.Info is not a generic parameter.
type Cache struct {
	mu          sync.RWMutex
	repo        *repository
	maxSessions int
	metrics     GaugeSetter
}

// NewCache constructs an empty cache bounded to maxSessions entries.
func NewCache(maxSessions int, metrics GaugeSetter) *Cache {
	if metrics == nil {
		metrics = noopGauge{}
	}
	return &Cache{
		repo:        newRepository(),
		maxSessions: maxSessions,
		metrics:     metrics,
	}
}

// ActiveCount returns the number of currently registered sessions.
func (c *Cache) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.repo.count()
}

// Register binds a new ephemeral forward socket and inserts the session.
// Returns the chosen local port, or an error if the cache is full or the
// bind fails. Any pre-existing session with the same token is dropped
// first, matching the original's "unregister before insert" semantics.
func (c *Cache) Register(token uint32, ips []string, ports []uint16) (uint16, error) {
	c.mu.Lock()
	if c.repo.count() >= c.maxSessions {
		c.mu.Unlock()
		return 0, errMaxSessions
	}
	old, hadOld := c.repo.getByToken(token)
	c.repo.delete(token)
	c.mu.Unlock()
	if hadOld {
		old.ForwardSocket.Close()
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return 0, err
	}

	info := &Info{
		Token:         token,
		GameServerIPs: ips,
		GamePorts:     ports,
		ForwardSocket: conn,
	}
	info.forwardTarget = defaultForwardTarget(ips, ports)
	info.lastSeen = time.Now()
	// placeholder client address: port 0 means "not yet learned", per spec.
	info.clientAddr = &net.UDPAddr{IP: net.IPv4zero, Port: 0}

	c.mu.Lock()
	c.repo.add(info)
	active := c.repo.count()
	c.mu.Unlock()

	c.metrics.SetActiveSessions(active)
	log.Printf("session: registered token=%d local_port=%d", token, info.localPort())
	return info.localPort(), nil
}

// Unregister removes the session and closes its forward socket, which
// causes the response listener's next recv to fail and the task to exit.
// Idempotent: unregistering an absent token is a no-op.
func (c *Cache) Unregister(token uint32) {
	c.mu.Lock()
	info, ok := c.repo.getByToken(token)
	if ok {
		c.repo.delete(token)
	}
	active := c.repo.count()
	c.mu.Unlock()

	if !ok {
		return
	}
	info.ForwardSocket.Close()
	c.metrics.SetActiveSessions(active)
	log.Printf("session: unregistered token=%d", token)
}

// Get returns the session info for token, if present.
func (c *Cache) Get(token uint32) (*Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.repo.getByToken(token)
}

// TokenByPort resolves a session token from the local port of its forward
// socket — the only index the response listener pool needs.
func (c *Cache) TokenByPort(port uint16) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.repo.getByPort(port)
}

// CleanupStale unregisters every session whose last_seen exceeds timeout,
// returning the count removed.
func (c *Cache) CleanupStale(timeout time.Duration) int {
	c.mu.RLock()
	now := time.Now()
	stale := make([]uint32, 0)
	for _, info := range c.repo.snapshot() {
		if now.Sub(info.lastSeenAt()) > timeout {
			stale = append(stale, info.Token)
		}
	}
	c.mu.RUnlock()

	for _, token := range stale {
		c.Unregister(token)
	}
	if len(stale) > 0 {
		log.Printf("session: reaped %d stale session(s), %d remaining", len(stale), c.ActiveCount())
	}
	return len(stale)
}

// RunReaper runs CleanupStale every interval until ctx is cancelled,
// realizing C10's stale-session reaper.
func (c *Cache) RunReaper(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CleanupStale(timeout)
		}
	}
}

var errMaxSessions = &cacheError{"max sessions reached"}

type cacheError struct{ msg string }

func (e *cacheError) Error() string { return e.msg }
