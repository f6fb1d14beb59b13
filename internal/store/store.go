// Package store defines the message persistence boundary. The engine
// only depends on the Store interface; MemoryStore is the reference
// implementation used by the daemon and by tests. A SQL-backed
// implementation can be swapped in without touching the protocol code.
package store

import (
	"context"
)

// Message is one chat message as stored locally, after transport
// decryption. Uniqueness is (UUID, SenderID); NetworkID partitions all
// storage and sync so histories from different networks never merge.
type Message struct {
	UUID            string `json:"uuid"`
	TimestampMicros int64  `json:"timestamp_micros"`
	SenderID        string `json:"sender_id"`
	SenderName      string `json:"sender_name"`
	Content         string `json:"content"`
	NetworkID       string `json:"network_id"`
}

// MaxContentBytes bounds the UTF-8 content of a single message.
const MaxContentBytes = 10 * 1024

// Store is the persistence collaborator consumed by the engine.
type Store interface {
	// Insert stores a message, replacing any existing message with the
	// same (UUID, SenderID) within the message's network. Replaying a
	// sync must therefore be idempotent.
	Insert(ctx context.Context, msg Message) error

	// Messages returns every message for the network, ordered by
	// TimestampMicros ascending.
	Messages(ctx context.Context, networkID string) ([]Message, error)

	// MessagesSince returns messages with TimestampMicros strictly
	// greater than sinceMicros, ordered ascending. sinceMicros == 0
	// returns full history.
	MessagesSince(ctx context.Context, networkID string, sinceMicros int64) ([]Message, error)

	// LatestTimestamp returns the highest TimestampMicros stored for
	// the network, or 0 when empty.
	LatestTimestamp(ctx context.Context, networkID string) (int64, error)

	// RenameSender rewrites SenderName on every stored message from
	// senderID within the network, returning the number updated.
	RenameSender(ctx context.Context, networkID, senderID, newName string) (int, error)

	// DeleteOlderThan removes messages with TimestampMicros below
	// beforeMicros, returning the number removed.
	DeleteOlderThan(ctx context.Context, networkID string, beforeMicros int64) (int, error)
}
