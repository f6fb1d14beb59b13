// Package auth implements the room membership state machine: first
// device becomes the room creator, later devices join by proving the
// room password and receiving the AES session key, RSA-wrapped, in
// return.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"lanroom.dev/go/lanroom/internal/channel"
	"lanroom.dev/go/lanroom/internal/crypto"
	"lanroom.dev/go/lanroom/internal/keystore"
	"lanroom.dev/go/lanroom/internal/protocol"
	"lanroom.dev/go/lanroom/internal/registry"
)

// State is the device's position in the handshake lifecycle.
type State int

const (
	StateUnconfigured State = iota
	StateDiscovering
	StateRoomCreator
	StateJoining
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateDiscovering:
		return "discovering"
	case StateRoomCreator:
		return "room_creator"
	case StateJoining:
		return "joining"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

const (
	// MaxFailedAttempts is the per-peer failure budget before lockout
	MaxFailedAttempts = 10

	// LockoutDuration is how long a locked-out peer stays off limits
	LockoutDuration = 5 * time.Minute

	// ResponseTimeout bounds the wait for an auth_response
	ResponseTimeout = 30 * time.Second
)

var (
	// ErrLockedOut is returned before any frame is sent when the peer
	// has exhausted the failure budget
	ErrLockedOut = errors.New("too many failed attempts, peer locked out")

	// ErrAuthTimeout means no auth_response arrived in time; callers
	// treat it as non-fatal and retry
	ErrAuthTimeout = errors.New("timed out waiting for auth response")

	// ErrPasswordRejected means the peer verified and refused our hash
	ErrPasswordRejected = errors.New("password rejected by peer")

	// ErrHandshakeActive means a handshake is already outstanding
	ErrHandshakeActive = errors.New("handshake already in progress")

	// ErrNoSessionKey means the device has not authenticated yet
	ErrNoSessionKey = errors.New("no session key available")
)

type attemptState struct {
	failures    int
	lockedUntil time.Time
}

// Manager owns all authentication state for one device.
type Manager struct {
	deviceID   string
	deviceName string
	keys       *keystore.Keystore
	send       channel.SendFunc

	mu           sync.Mutex
	state        State
	tcpPort      int
	privKey      *rsa.PrivateKey
	sessionKey   []byte
	passwordHash []byte
	attempts     map[string]*attemptState
	pending      chan protocol.AuthResponseFrame
	now          func() time.Time
	onState      func(State)
}

// NewManager creates an auth manager in the Unconfigured state.
func NewManager(deviceID, deviceName string, keys *keystore.Keystore, send channel.SendFunc) *Manager {
	return &Manager{
		deviceID:   deviceID,
		deviceName: deviceName,
		keys:       keys,
		send:       send,
		state:      StateUnconfigured,
		attempts:   make(map[string]*attemptState),
		now:        time.Now,
	}
}

// SetTCPPort records the local listening port advertised in
// auth_request frames.
func (m *Manager) SetTCPPort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tcpPort = port
}

// OnStateChange registers a listener for state transitions. The
// listener runs outside the manager lock.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// State returns the current handshake state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAuthenticated reports whether the device holds the session key.
func (m *Manager) IsAuthenticated() bool {
	return m.State() == StateAuthenticated
}

// SessionKey returns the room AES key, or ErrNoSessionKey.
func (m *Manager) SessionKey() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionKey == nil {
		return nil, ErrNoSessionKey
	}
	key := make([]byte, len(m.sessionKey))
	copy(key, m.sessionKey)
	return key, nil
}

// PublicKeyPEM returns the device public key, generating the keypair
// on first use.
func (m *Manager) PublicKeyPEM() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureKeyPairLocked(); err != nil {
		return "", err
	}
	return crypto.PublicKeyToPEM(&m.privKey.PublicKey)
}

// Restore loads persisted key material. Returns true when the device
// was already a room member and can skip the handshake.
func (m *Manager) Restore() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pemStr, err := m.keys.PrivateKeyPEM(); err == nil {
		priv, perr := crypto.PrivateKeyFromPEM(pemStr)
		if perr != nil {
			return false, fmt.Errorf("restore private key: %w", perr)
		}
		m.privKey = priv
	} else if !errors.Is(err, keystore.ErrNotFound) {
		return false, err
	}

	key, err := m.keys.SessionKey()
	if errors.Is(err, keystore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	hash, err := m.keys.PasswordHash()
	if err != nil && !errors.Is(err, keystore.ErrNotFound) {
		return false, err
	}

	m.sessionKey = key
	m.passwordHash = hash
	m.setStateLocked(StateAuthenticated)
	return true, nil
}

// EnterDiscovering moves an unconfigured device into the listen-only
// discovery window.
func (m *Manager) EnterDiscovering() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(StateDiscovering)
}

// ElectCreator resolves a split-brain deterministically: the
// lexicographically smallest device ID among the candidates becomes
// the room creator. IDs are compared as opaque strings.
func ElectCreator(deviceIDs []string) string {
	if len(deviceIDs) == 0 {
		return ""
	}
	sorted := make([]string, len(deviceIDs))
	copy(sorted, deviceIDs)
	sort.Strings(sorted)
	return sorted[0]
}

// BecomeCreator establishes a new room: fresh RSA keypair, fresh AES
// session key, stored password hash, authenticated immediately.
func (m *Manager) BecomeCreator(password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureKeyPairLocked(); err != nil {
		return err
	}

	key, err := crypto.NewSessionKey()
	if err != nil {
		return err
	}
	hash := crypto.HashPassword(password)

	if err := m.keys.SetSessionKey(key); err != nil {
		return fmt.Errorf("persist session key: %w", err)
	}
	if err := m.keys.SetPasswordHash(hash); err != nil {
		return fmt.Errorf("persist password hash: %w", err)
	}

	m.sessionKey = key
	m.passwordHash = hash
	m.setStateLocked(StateRoomCreator)
	m.setStateLocked(StateAuthenticated)

	slog.Info("room created", "device_id", m.deviceID)
	return nil
}

// Join runs the joining side of the handshake against an
// authenticated peer. The failure counter for that peer persists
// across calls; after MaxFailedAttempts the peer is locked out and
// Join refuses locally without sending a frame.
func (m *Manager) Join(ctx context.Context, peer registry.Peer, password string) error {
	m.mu.Lock()
	if err := m.canAttemptLocked(peer.DeviceID); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.pending != nil {
		m.mu.Unlock()
		return ErrHandshakeActive
	}
	if err := m.ensureKeyPairLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	ownPEM, err := crypto.PublicKeyToPEM(&m.privKey.PublicKey)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	responseCh := make(chan protocol.AuthResponseFrame, 1)
	m.pending = responseCh
	tcpPort := m.tcpPort
	m.setStateLocked(StateJoining)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.pending = nil
		if m.state == StateJoining {
			m.setStateLocked(StateDiscovering)
		}
		m.mu.Unlock()
	}()

	peerPub, err := crypto.PublicKeyFromPEM(peer.PublicKeyPEM)
	if err != nil {
		return fmt.Errorf("peer public key: %w", err)
	}

	hash := crypto.HashPassword(password)
	encHash, err := crypto.RSAEncrypt(peerPub, hash)
	if err != nil {
		return fmt.Errorf("encrypt password hash: %w", err)
	}

	req := protocol.AuthRequestFrame{
		DeviceID:              m.deviceID,
		DeviceName:            m.deviceName,
		EncryptedPasswordHash: encHash,
		PublicKey:             ownPEM,
		TCPPort:               tcpPort,
	}
	addr := net.JoinHostPort(peer.IPAddress, strconv.Itoa(peer.TCPPort))
	if err := m.send(ctx, addr, req); err != nil {
		return fmt.Errorf("send auth request: %w", err)
	}

	select {
	case resp := <-responseCh:
		if !resp.Success {
			m.recordFailure(peer.DeviceID)
			if resp.Message != "" {
				return fmt.Errorf("%w: %s", ErrPasswordRejected, resp.Message)
			}
			return ErrPasswordRejected
		}
		return m.completeJoin(peer.DeviceID, hash, resp.EncryptedAESKey)

	case <-time.After(ResponseTimeout):
		return ErrAuthTimeout

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) completeJoin(peerID string, passwordHash, encryptedKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := crypto.RSADecrypt(m.privKey, encryptedKey)
	if err != nil {
		return fmt.Errorf("decrypt session key: %w", err)
	}

	if err := m.keys.SetSessionKey(key); err != nil {
		return fmt.Errorf("persist session key: %w", err)
	}
	if err := m.keys.SetPasswordHash(passwordHash); err != nil {
		return fmt.Errorf("persist password hash: %w", err)
	}

	m.sessionKey = key
	m.passwordHash = passwordHash
	delete(m.attempts, peerID)
	m.setStateLocked(StateAuthenticated)

	slog.Info("joined room", "device_id", m.deviceID, "via_peer", peerID)
	return nil
}

// HandleRequest answers an inbound auth_request. Never returns an
// error: failures become {success:false} responses so the joiner can
// count attempts.
func (m *Manager) HandleRequest(f protocol.AuthRequestFrame) protocol.AuthResponseFrame {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.privKey == nil || m.sessionKey == nil || m.passwordHash == nil {
		return protocol.AuthResponseFrame{Success: false, Message: "room not established"}
	}

	hash, err := crypto.RSADecrypt(m.privKey, f.EncryptedPasswordHash)
	if err != nil {
		return protocol.AuthResponseFrame{Success: false, Message: "could not read password hash"}
	}
	if !crypto.VerifyPasswordHash(hash, m.passwordHash) {
		slog.Info("rejected join attempt", "from", f.DeviceID)
		return protocol.AuthResponseFrame{Success: false, Message: "password mismatch"}
	}

	requesterPub, err := crypto.PublicKeyFromPEM(f.PublicKey)
	if err != nil {
		return protocol.AuthResponseFrame{Success: false, Message: "invalid public key"}
	}
	encKey, err := crypto.RSAEncrypt(requesterPub, m.sessionKey)
	if err != nil {
		return protocol.AuthResponseFrame{Success: false, Message: "could not wrap session key"}
	}

	slog.Info("approved join request", "from", f.DeviceID, "name", f.DeviceName)
	return protocol.AuthResponseFrame{Success: true, EncryptedAESKey: encKey}
}

// HandleResponse routes an inbound auth_response to the outstanding
// handshake, if any.
func (m *Manager) HandleResponse(f protocol.AuthResponseFrame) {
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()

	if pending == nil {
		slog.Debug("auth response with no outstanding handshake, dropped")
		return
	}
	select {
	case pending <- f:
	default:
	}
}

// ApplyRotation swaps in a new session key and password hash after an
// approved password rotation.
func (m *Manager) ApplyRotation(newHash, newKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.keys.SetSessionKey(newKey); err != nil {
		return fmt.Errorf("persist rotated session key: %w", err)
	}
	if err := m.keys.SetPasswordHash(newHash); err != nil {
		return fmt.Errorf("persist rotated password hash: %w", err)
	}
	m.sessionKey = newKey
	m.passwordHash = newHash
	slog.Info("session key rotated")
	return nil
}

// PasswordHash returns the stored room password hash.
func (m *Manager) PasswordHash() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := make([]byte, len(m.passwordHash))
	copy(hash, m.passwordHash)
	return hash
}

// Abort cancels any outstanding handshake. No partial auth state
// survives: the pending channel is dropped and the state falls back.
func (m *Manager) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	if m.state == StateJoining {
		m.setStateLocked(StateDiscovering)
	}
}

func (m *Manager) ensureKeyPairLocked() error {
	if m.privKey != nil {
		return nil
	}
	key, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	pemStr, err := crypto.PrivateKeyToPEM(key)
	if err != nil {
		return err
	}
	if err := m.keys.SetPrivateKeyPEM(pemStr); err != nil {
		return fmt.Errorf("persist private key: %w", err)
	}
	m.privKey = key
	return nil
}

func (m *Manager) canAttemptLocked(peerID string) error {
	a, ok := m.attempts[peerID]
	if !ok {
		return nil
	}
	if !a.lockedUntil.IsZero() {
		if m.now().Before(a.lockedUntil) {
			return ErrLockedOut
		}
		// lockout expired, start a fresh budget
		a.lockedUntil = time.Time{}
		a.failures = 0
	}
	return nil
}

func (m *Manager) recordFailure(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[peerID]
	if !ok {
		a = &attemptState{}
		m.attempts[peerID] = a
	}
	a.failures++
	if a.failures >= MaxFailedAttempts {
		a.lockedUntil = m.now().Add(LockoutDuration)
		slog.Warn("peer locked out after repeated failures",
			"peer", peerID, "failures", a.failures, "until", a.lockedUntil.Format(time.RFC3339))
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	slog.Debug("auth state changed", "state", s.String())
	if m.onState != nil {
		fn := m.onState
		go fn(s)
	}
}
