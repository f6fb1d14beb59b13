package registry

import (
	"sync"
	"testing"
	"time"
)

func drainEvents(r *Registry) []Event {
	var events []Event
	for {
		select {
		case e := <-r.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestUpsertAddedThenUpdated(t *testing.T) {
	r := New(30 * time.Second)

	added := r.Upsert(Peer{DeviceID: "dev-1", DeviceName: "alice", IPAddress: "192.168.1.2", TCPPort: 8888})
	if !added {
		t.Error("first upsert should report newly seen")
	}

	added = r.Upsert(Peer{DeviceID: "dev-1", DeviceName: "alice-renamed", IPAddress: "192.168.1.2", TCPPort: 8888})
	if added {
		t.Error("second upsert of same device should not report newly seen")
	}

	events := drainEvents(r)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != PeerAdded {
		t.Errorf("first event should be added, got %s", events[0].Kind)
	}
	if events[1].Kind != PeerUpdated {
		t.Errorf("second event should be updated, got %s", events[1].Kind)
	}

	peer, ok := r.Get("dev-1")
	if !ok {
		t.Fatal("peer should exist")
	}
	if peer.DeviceName != "alice-renamed" {
		t.Error("upsert with same device ID must update in place")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 peer, got %d", r.Len())
	}
}

func TestEvictExpiredExactlyOnce(t *testing.T) {
	r := New(30 * time.Second)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return base })

	r.Upsert(Peer{DeviceID: "stale"})
	r.SetClock(func() time.Time { return base.Add(20 * time.Second) })
	r.Upsert(Peer{DeviceID: "fresh"})
	drainEvents(r)

	// 31s after "stale" was seen, 11s after "fresh"
	evicted := r.EvictExpired(base.Add(31 * time.Second))
	if len(evicted) != 1 || evicted[0].DeviceID != "stale" {
		t.Fatalf("expected exactly [stale] evicted, got %v", evicted)
	}

	events := drainEvents(r)
	if len(events) != 1 || events[0].Kind != PeerRemoved || events[0].Peer.DeviceID != "stale" {
		t.Fatalf("expected exactly one removal event for stale, got %v", events)
	}

	// A second sweep must not evict or fire again
	evicted = r.EvictExpired(base.Add(32 * time.Second))
	if len(evicted) != 0 {
		t.Errorf("second sweep should evict nothing, got %v", evicted)
	}
	if events := drainEvents(r); len(events) != 0 {
		t.Errorf("second sweep should fire no events, got %v", events)
	}

	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh peer should survive the sweep")
	}
}

func TestUpsertRefreshDefersEviction(t *testing.T) {
	r := New(30 * time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	r.SetClock(func() time.Time { return base })
	r.Upsert(Peer{DeviceID: "dev-1"})

	// Beacon refresh at +25s resets the clock
	r.SetClock(func() time.Time { return base.Add(25 * time.Second) })
	r.Upsert(Peer{DeviceID: "dev-1"})

	if evicted := r.EvictExpired(base.Add(40 * time.Second)); len(evicted) != 0 {
		t.Errorf("refreshed peer must not be evicted, got %v", evicted)
	}
	if evicted := r.EvictExpired(base.Add(56 * time.Second)); len(evicted) != 1 {
		t.Errorf("peer should expire 30s after last refresh, got %v", evicted)
	}
}

func TestAllAndDeviceIDsSorted(t *testing.T) {
	r := New(30 * time.Second)
	for _, id := range []string{"c", "a", "b"} {
		r.Upsert(Peer{DeviceID: id})
	}

	ids := r.DeviceIDs()
	want := []string{"a", "b", "c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected sorted IDs %v, got %v", want, ids)
		}
	}
}

func TestEventOrderMatchesMutationOrder(t *testing.T) {
	r := New(time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return base })

	// Racing upserts and sweeps for the same peer must never deliver a
	// removal ahead of the insert it logically follows. Event totals
	// stay under the queue depth so nothing is dropped mid-test.
	const rounds = 60
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			r.Upsert(Peer{DeviceID: "flapper"})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			r.EvictExpired(base.Add(2 * time.Second))
		}
	}()
	wg.Wait()

	_, present := r.Get("flapper")
	known := false
	for i, ev := range drainEvents(r) {
		switch ev.Kind {
		case PeerAdded:
			if known {
				t.Fatalf("event %d: added for a peer already present", i)
			}
			known = true
		case PeerUpdated:
			if !known {
				t.Fatalf("event %d: updated for a peer never added", i)
			}
		case PeerRemoved:
			if !known {
				t.Fatalf("event %d: removed for a peer never added", i)
			}
			known = false
		}
	}
	if known != present {
		t.Errorf("event stream ends %v but registry presence is %v", known, present)
	}
}

func TestClear(t *testing.T) {
	r := New(30 * time.Second)
	r.Upsert(Peer{DeviceID: "dev-1"})
	drainEvents(r)

	r.Clear()
	if r.Len() != 0 {
		t.Error("Clear should remove all peers")
	}
	if events := drainEvents(r); len(events) != 0 {
		t.Error("Clear must not fire events")
	}
}
