// Package events fans engine activity out to local consumers: the
// interactive CLI, desktop notifications, and the WebSocket bridge all
// observe the same stream.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Type discriminates bus events.
type Type string

const (
	TypeMessageReceived  Type = "message.received"
	TypePeerJoined       Type = "peer.joined"
	TypePeerUpdated      Type = "peer.updated"
	TypePeerLeft         Type = "peer.left"
	TypePeerRenamed      Type = "peer.renamed"
	TypePeerTyping       Type = "peer.typing"
	TypeAuthState        Type = "auth.state"
	TypeRotationProposed Type = "rotation.proposed"
	TypeRotationResolved Type = "rotation.resolved"
)

// Event is one entry on the stream. Payload shape depends on Type.
type Event struct {
	Type      Type            `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an event, marshaling the payload now so subscribers never
// share mutable state with the publisher.
func New(t Type, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("unmarshalable event payload", "event", string(t), "error", err)
		data = nil
	}
	return Event{Type: t, Timestamp: time.Now(), Payload: data}
}

// subscriberBuffer bounds each subscriber's backlog. A consumer that
// stops draining loses events rather than blocking the engine.
const subscriberBuffer = 256

// Bus is a fan-out event stream with bounded, lossy subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and a cancel function. The
// channel is closed on cancel or when the bus shuts down.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers the event to every subscriber. Full subscribers are
// skipped with a warning.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("event subscriber backlogged, dropping event", "event", string(ev.Type))
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
