// Package history implements message persistence and catch-up sync.
// When a peer (re)appears, each side asks the other for everything
// newer than what it already holds; replayed messages are re-encrypted
// under the room session key and delivered as ordinary message frames,
// so the receive path is identical for live and replayed traffic.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
	"unicode/utf8"

	"lanroom.dev/go/lanroom/internal/channel"
	"lanroom.dev/go/lanroom/internal/crypto"
	"lanroom.dev/go/lanroom/internal/protocol"
	"lanroom.dev/go/lanroom/internal/registry"
	"lanroom.dev/go/lanroom/internal/store"
)

var (
	// ErrContentTooLarge is returned for message bodies over the limit
	ErrContentTooLarge = errors.New("message content too large")

	// ErrInvalidContent is returned for bodies that are not valid UTF-8
	ErrInvalidContent = errors.New("message content is not valid UTF-8")
)

// maxFutureSkew bounds how far ahead of the local clock an inbound
// timestamp may sit. Anything further is clamped to local time: a
// single far-future timestamp would otherwise raise LatestTimestamp
// for good, and every later sync_request would skip real history.
const maxFutureSkew = 5 * time.Minute

// KeyFunc supplies the current room session key. It fails until the
// device has authenticated.
type KeyFunc func() ([]byte, error)

// Decrypter turns transport ciphertext back into a message body.
type Decrypter func(key, ciphertext []byte) ([]byte, error)

// Syncer serves and requests history replays over the message channel.
type Syncer struct {
	store     store.Store
	networkID string
	deviceID  string
	tcpPort   int
	key       KeyFunc
	send      channel.SendFunc
	encrypt   func(key, plaintext []byte) ([]byte, error)
	decrypt   Decrypter
	now       func() time.Time
}

// NewSyncer wires a syncer over the given store and transport.
func NewSyncer(st store.Store, networkID, deviceID string, key KeyFunc, send channel.SendFunc) *Syncer {
	return &Syncer{
		store:     st,
		networkID: networkID,
		deviceID:  deviceID,
		key:       key,
		send:      send,
		encrypt:   crypto.AESEncrypt,
		decrypt:   crypto.AESDecrypt,
		now:       time.Now,
	}
}

// SetTCPPort records the local listening port advertised in sync
// requests so the peer knows where to replay.
func (s *Syncer) SetTCPPort(port int) {
	s.tcpPort = port
}

// RequestFrom asks a peer to replay everything newer than our latest
// stored timestamp. A device with no history asks for the full replay.
func (s *Syncer) RequestFrom(ctx context.Context, peer registry.Peer) error {
	since, err := s.store.LatestTimestamp(ctx, s.networkID)
	if err != nil {
		return fmt.Errorf("latest timestamp: %w", err)
	}

	req := protocol.SyncRequestFrame{
		DeviceID:       s.deviceID,
		TCPPort:        s.tcpPort,
		SinceTimestamp: since,
	}
	addr := net.JoinHostPort(peer.IPAddress, strconv.Itoa(peer.TCPPort))
	if err := s.send(ctx, addr, req); err != nil {
		return fmt.Errorf("send sync request to %s: %w", peer.DeviceID, err)
	}
	slog.Debug("requested history sync", "from", peer.DeviceID, "since_micros", since)
	return nil
}

// ServeRequest replays stored messages newer than the requested
// timestamp back to the requester. The reply address is built from the
// connection's source IP and the port carried in the frame; the frame
// cannot redirect the replay to a third host.
func (s *Syncer) ServeRequest(ctx context.Context, f protocol.SyncRequestFrame, remote net.Addr) error {
	if f.TCPPort < 1 || f.TCPPort > 65535 {
		return fmt.Errorf("sync request from %s carries invalid port %d", f.DeviceID, f.TCPPort)
	}
	key, err := s.key()
	if err != nil {
		return fmt.Errorf("serve sync: %w", err)
	}

	msgs, err := s.store.MessagesSince(ctx, s.networkID, f.SinceTimestamp)
	if err != nil {
		return fmt.Errorf("load messages since %d: %w", f.SinceTimestamp, err)
	}
	if len(msgs) == 0 {
		return nil
	}

	addr := net.JoinHostPort(remoteHost(remote), strconv.Itoa(f.TCPPort))
	sent := 0
	for _, msg := range msgs {
		ciphertext, err := s.encrypt(key, []byte(msg.Content))
		if err != nil {
			return fmt.Errorf("encrypt replay %s: %w", msg.UUID, err)
		}
		frame := protocol.MessageFrame{
			UUID:            msg.UUID,
			TimestampMicros: msg.TimestampMicros,
			SenderID:        msg.SenderID,
			SenderName:      msg.SenderName,
			Content:         ciphertext,
		}
		if err := s.send(ctx, addr, frame); err != nil {
			return fmt.Errorf("replay to %s after %d of %d: %w", f.DeviceID, sent, len(msgs), err)
		}
		sent++
	}

	slog.Info("served history sync", "to", f.DeviceID, "messages", sent, "since_micros", f.SinceTimestamp)
	return nil
}

// Ingest decrypts an inbound message frame and stores it. The store
// replaces on (UUID, SenderID), so replaying the same history twice is
// harmless. Returns the stored message for event fan-out.
func (s *Syncer) Ingest(ctx context.Context, f protocol.MessageFrame) (store.Message, error) {
	if f.UUID == "" || f.SenderID == "" {
		return store.Message{}, errors.New("message frame missing uuid or sender_id")
	}
	key, err := s.key()
	if err != nil {
		return store.Message{}, fmt.Errorf("ingest message: %w", err)
	}
	plaintext, err := s.decrypt(key, f.Content)
	if err != nil {
		return store.Message{}, fmt.Errorf("decrypt message %s: %w", f.UUID, err)
	}
	if len(plaintext) > store.MaxContentBytes {
		return store.Message{}, ErrContentTooLarge
	}
	if !utf8.Valid(plaintext) {
		return store.Message{}, ErrInvalidContent
	}

	ts := f.TimestampMicros
	if limit := s.now().Add(maxFutureSkew).UnixMicro(); ts > limit {
		slog.Warn("clamping far-future message timestamp",
			"uuid", f.UUID, "sender", f.SenderID, "timestamp_micros", ts)
		ts = s.now().UnixMicro()
	}

	msg := store.Message{
		UUID:            f.UUID,
		TimestampMicros: ts,
		SenderID:        f.SenderID,
		SenderName:      f.SenderName,
		Content:         string(plaintext),
		NetworkID:       s.networkID,
	}
	if err := s.store.Insert(ctx, msg); err != nil {
		return store.Message{}, fmt.Errorf("store message %s: %w", f.UUID, err)
	}
	return msg, nil
}

func remoteHost(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
