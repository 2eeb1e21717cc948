// Package syncbus mirrors session lifecycle events (register/unregister)
// across a relay fleet over Redis pub/sub, adapted from the teacher's
// internal/sync/redis.go route-sync mechanism. It is purely observational:
// the in-memory session.Cache on each relay instance remains the sole
// forwarding source of truth (spec.md §3's cache/socket invariant is
// scoped to a single process), so a subscriber that misses an event or a
// Redis outage never affects forwarding correctness — only the fleet-wide
// session-count dashboard a subscriber might build from these events.
package syncbus

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// Event describes a session lifecycle transition.
type Event struct {
	Type         string `json:"type"` // "register" or "unregister"
	SessionToken uint32 `json:"session_token"`
	LocalPort    uint16 `json:"local_port,omitempty"`
}

// Bus publishes and subscribes to session lifecycle events over Redis.
// A nil *Bus is valid and every method becomes a no-op, mirroring the
// teacher's RedisSync nil-receiver pattern for "Redis disabled in config".
type Bus struct {
	client  *redis.Client
	channel string
}

// New returns nil when enabled is false, so callers can construct
// unconditionally and treat a disabled sync bus as a no-op throughout.
func New(enabled bool, addr, password string, db int, channel string) *Bus {
	if !enabled {
		return nil
	}
	return &Bus{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		channel: channel,
	}
}

// PublishRegister announces a new session.
func (b *Bus) PublishRegister(ctx context.Context, token uint32, localPort uint16) error {
	return b.publish(ctx, Event{Type: "register", SessionToken: token, LocalPort: localPort})
}

// PublishUnregister announces a session's removal.
func (b *Bus) PublishUnregister(ctx context.Context, token uint32) error {
	return b.publish(ctx, Event{Type: "unregister", SessionToken: token})
}

func (b *Bus) publish(ctx context.Context, ev Event) error {
	if b == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe logs every event seen on the channel until ctx is cancelled.
// A production fleet dashboard would consume this feed instead; this
// package only guarantees delivery of the event, not its consumption.
func (b *Bus) Subscribe(ctx context.Context) {
	if b == nil {
		return
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("syncbus: malformed event: %v", err)
				continue
			}
			log.Printf("syncbus: %s token=%d local_port=%d", ev.Type, ev.SessionToken, ev.LocalPort)
		}
	}
}
