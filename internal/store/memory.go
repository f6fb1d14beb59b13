package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu sync.RWMutex
	// networkID -> (uuid + "\x00" + senderID) -> Message
	networks map[string]map[string]Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{networks: make(map[string]map[string]Message)}
}

func messageKey(uuid, senderID string) string {
	return uuid + "\x00" + senderID
}

// Insert stores a message, replacing any existing (UUID, SenderID).
func (s *MemoryStore) Insert(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	network, ok := s.networks[msg.NetworkID]
	if !ok {
		network = make(map[string]Message)
		s.networks[msg.NetworkID] = network
	}
	network[messageKey(msg.UUID, msg.SenderID)] = msg
	return nil
}

// Messages returns the full history for a network, timestamp ascending.
func (s *MemoryStore) Messages(ctx context.Context, networkID string) ([]Message, error) {
	return s.MessagesSince(ctx, networkID, 0)
}

// MessagesSince returns messages strictly newer than sinceMicros.
func (s *MemoryStore) MessagesSince(_ context.Context, networkID string, sinceMicros int64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Message
	for _, msg := range s.networks[networkID] {
		if msg.TimestampMicros > sinceMicros || sinceMicros == 0 {
			result = append(result, msg)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].TimestampMicros != result[j].TimestampMicros {
			return result[i].TimestampMicros < result[j].TimestampMicros
		}
		return result[i].UUID < result[j].UUID
	})
	return result, nil
}

// LatestTimestamp returns the newest stored timestamp, or 0.
func (s *MemoryStore) LatestTimestamp(_ context.Context, networkID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest int64
	for _, msg := range s.networks[networkID] {
		if msg.TimestampMicros > latest {
			latest = msg.TimestampMicros
		}
	}
	return latest, nil
}

// RenameSender rewrites the display name on a sender's messages.
func (s *MemoryStore) RenameSender(_ context.Context, networkID, senderID, newName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, msg := range s.networks[networkID] {
		if msg.SenderID == senderID && msg.SenderName != newName {
			msg.SenderName = newName
			s.networks[networkID][key] = msg
			count++
		}
	}
	return count, nil
}

// DeleteOlderThan removes messages older than beforeMicros.
func (s *MemoryStore) DeleteOlderThan(_ context.Context, networkID string, beforeMicros int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, msg := range s.networks[networkID] {
		if msg.TimestampMicros < beforeMicros {
			delete(s.networks[networkID], key)
			count++
		}
	}
	return count, nil
}

// Count returns the number of messages stored for a network.
func (s *MemoryStore) Count(networkID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.networks[networkID])
}
