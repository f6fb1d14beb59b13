// Package registry owns the in-memory view of known peers. Discovery
// is the only writer; sync and auth react to the edge-triggered events
// it emits. All mutation goes through Upsert/EvictExpired so the
// "peer newly seen" edge stays correct under concurrent access.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Peer is one known device on the local network. IPAddress is always
// learned from the beacon datagram's source address, never from the
// payload.
type Peer struct {
	DeviceID        string
	DeviceName      string
	IPAddress       string
	TCPPort         int
	LastSeenAt      time.Time
	PublicKeyPEM    string
	IsAuthenticated bool
}

// EventKind classifies a registry change
type EventKind int

const (
	PeerAdded EventKind = iota
	PeerUpdated
	PeerRemoved
)

func (k EventKind) String() string {
	switch k {
	case PeerAdded:
		return "added"
	case PeerUpdated:
		return "updated"
	case PeerRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one registry change notification
type Event struct {
	Kind EventKind
	Peer Peer
}

// eventBuffer bounds the registry event queue. Beacons arrive every
// few seconds per peer, so a backlog this deep means the consumer is
// gone, not slow.
const eventBuffer = 256

// Registry is the single shared owner of peer state.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]Peer
	timeout time.Duration
	events  chan Event
	now     func() time.Time
}

// New creates a registry. Peers whose last beacon is older than
// timeout are removed by EvictExpired.
func New(timeout time.Duration) *Registry {
	return &Registry{
		peers:   make(map[string]Peer),
		timeout: timeout,
		events:  make(chan Event, eventBuffer),
		now:     time.Now,
	}
}

// Events returns the registry change stream. There is one consumer:
// the node event loop, which fans changes out to sync, auth, rotation
// and the UI bus.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Upsert inserts or refreshes a peer keyed by DeviceID, stamping
// LastSeenAt. Returns true when the peer was newly seen.
func (r *Registry) Upsert(peer Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer.LastSeenAt = r.now()
	_, known := r.peers[peer.DeviceID]
	r.peers[peer.DeviceID] = peer

	if known {
		r.emit(Event{Kind: PeerUpdated, Peer: peer})
	} else {
		r.emit(Event{Kind: PeerAdded, Peer: peer})
	}
	return !known
}

// EvictExpired removes every peer not seen within the timeout, firing
// one PeerRemoved event per eviction. Returns the evicted peers.
func (r *Registry) EvictExpired(now time.Time) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Peer
	for id, peer := range r.peers {
		if now.Sub(peer.LastSeenAt) > r.timeout {
			delete(r.peers, id)
			evicted = append(evicted, peer)
			slog.Info("peer timed out", "device_id", peer.DeviceID, "name", peer.DeviceName)
			r.emit(Event{Kind: PeerRemoved, Peer: peer})
		}
	}
	return evicted
}

// Get returns a copy of the peer with the given device ID.
func (r *Registry) Get(deviceID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[deviceID]
	return peer, ok
}

// All returns a copy of every known peer, ordered by DeviceID.
func (r *Registry) All() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].DeviceID < peers[j].DeviceID })
	return peers
}

// DeviceIDs returns the device IDs of every known peer.
func (r *Registry) DeviceIDs() []string {
	peers := r.All()
	ids := make([]string, len(peers))
	for i, peer := range peers {
		ids[i] = peer.DeviceID
	}
	return ids
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Clear removes all peers without firing events. Used on shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]Peer)
}

// SetClock replaces the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// emit runs under the registry lock so events enter the queue in the
// order the mutations happened. The send never blocks.
func (r *Registry) emit(event Event) {
	select {
	case r.events <- event:
	default:
		slog.Warn("registry event queue full, dropping event",
			"kind", event.Kind.String(), "device_id", event.Peer.DeviceID)
	}
}
