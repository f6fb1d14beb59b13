package store

import (
	"context"
	"testing"
)

func msg(uuid, sender string, ts int64, network string) Message {
	return Message{
		UUID:            uuid,
		TimestampMicros: ts,
		SenderID:        sender,
		SenderName:      sender,
		Content:         "content-" + uuid,
		NetworkID:       network,
	}
}

func TestInsertDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Same (uuid, sender) arriving via live delivery and via sync
	// must yield exactly one stored message.
	if err := s.Insert(ctx, msg("u1", "a", 100, "net")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := s.Insert(ctx, msg("u1", "a", 100, "net")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if got := s.Count("net"); got != 1 {
		t.Errorf("expected 1 message, got %d", got)
	}

	// Same uuid from a different sender is a distinct message.
	if err := s.Insert(ctx, msg("u1", "b", 101, "net")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if got := s.Count("net"); got != 2 {
		t.Errorf("expected 2 messages, got %d", got)
	}
}

func TestMessagesOrderedByTimestamp(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Arrival order [3,1,2] must render as [1,2,3].
	for _, ts := range []int64{3, 1, 2} {
		if err := s.Insert(ctx, msg(string(rune('u'+ts)), "a", ts, "net")); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	msgs, err := s.Messages(ctx, "net")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	want := []int64{1, 2, 3}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, ts := range want {
		if msgs[i].TimestampMicros != ts {
			t.Errorf("position %d: expected timestamp %d, got %d", i, ts, msgs[i].TimestampMicros)
		}
	}
}

func TestMessagesSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := int64(1); i <= 5; i++ {
		s.Insert(ctx, msg(string(rune('a'+i)), "a", i*10, "net"))
	}

	msgs, err := s.MessagesSince(ctx, "net", 30)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages newer than 30, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.TimestampMicros <= 30 {
			t.Errorf("message with timestamp %d should have been excluded", m.TimestampMicros)
		}
	}

	// sinceMicros == 0 means full history
	all, err := s.MessagesSince(ctx, "net", 0)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected full history of 5, got %d", len(all))
	}
}

func TestNetworkPartitioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Insert(ctx, msg("u1", "a", 1, "home-wifi"))
	s.Insert(ctx, msg("u2", "a", 2, "office-wifi"))

	home, _ := s.Messages(ctx, "home-wifi")
	office, _ := s.Messages(ctx, "office-wifi")

	if len(home) != 1 || len(office) != 1 {
		t.Fatalf("expected 1 message per network, got %d and %d", len(home), len(office))
	}
	if home[0].NetworkID == office[0].NetworkID {
		t.Error("messages from different networks must never share a result set")
	}

	latest, _ := s.LatestTimestamp(ctx, "home-wifi")
	if latest != 1 {
		t.Errorf("latest timestamp must be scoped per network, got %d", latest)
	}
}

func TestRenameSender(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Insert(ctx, msg("u1", "a", 1, "net"))
	s.Insert(ctx, msg("u2", "a", 2, "net"))
	s.Insert(ctx, msg("u3", "b", 3, "net"))

	n, err := s.RenameSender(ctx, "net", "a", "alice")
	if err != nil {
		t.Fatalf("RenameSender failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 renames, got %d", n)
	}

	msgs, _ := s.Messages(ctx, "net")
	for _, m := range msgs {
		if m.SenderID == "a" && m.SenderName != "alice" {
			t.Errorf("message %s not renamed", m.UUID)
		}
		if m.SenderID == "b" && m.SenderName != "b" {
			t.Errorf("message %s renamed unexpectedly", m.UUID)
		}
	}
}

func TestDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := int64(1); i <= 4; i++ {
		s.Insert(ctx, msg(string(rune('a'+i)), "a", i, "net"))
	}

	n, err := s.DeleteOlderThan(ctx, "net", 3)
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deletions, got %d", n)
	}
	if got := s.Count("net"); got != 2 {
		t.Errorf("expected 2 remaining, got %d", got)
	}
}
