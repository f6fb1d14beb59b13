// Package rotation implements unanimous-consent password rotation. A
// proposal snapshots the authenticated peer set; every snapshotted
// peer must vote yes before the new password takes effect, and any
// membership change while the vote is open aborts it.
package rotation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"lanroom.dev/go/lanroom/internal/crypto"
	"lanroom.dev/go/lanroom/internal/protocol"
)

// ProposalTTL is how long a proposal may stay open before it aborts.
const ProposalTTL = 5 * time.Minute

var (
	// ErrProposalActive is returned when a rotation is already open
	ErrProposalActive = errors.New("a password rotation is already in progress")

	// ErrNoProposal is returned when voting with nothing open
	ErrNoProposal = errors.New("no active password proposal")
)

// Outcome is the terminal result of a proposal.
type Outcome int

const (
	OutcomeApproved Outcome = iota
	OutcomeRejected
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Resolution reports how a proposal ended.
type Resolution struct {
	Outcome  Outcome
	Reason   string
	Proposal protocol.PasswordProposalFrame

	// NewKey is the plaintext replacement session key. Set only on
	// approval, and only when this device can recover it: the proposer
	// holds it directly, voters derive it via DecryptKey.
	NewKey []byte
}

type activeProposal struct {
	frame    protocol.PasswordProposalFrame
	votes    map[string]bool
	newKey   []byte // plaintext, proposer only
	expiry   *time.Timer
	proposed bool // true when this device is the proposer
}

// earlyVote is a vote whose proposal frame has not arrived yet. Votes
// and proposals travel on independent short-lived connections from
// different hosts, so a vote can beat its own proposal here.
type earlyVote struct {
	frame protocol.PasswordVoteFrame
	seen  time.Time
}

// Manager tracks at most one open proposal.
type Manager struct {
	deviceID   string
	deviceName string

	mu        sync.Mutex
	active    *activeProposal
	early     map[string][]earlyVote
	ttl       time.Duration
	now       func() time.Time
	onResolve func(Resolution)
}

// NewManager creates a rotation manager for this device.
func NewManager(deviceID, deviceName string) *Manager {
	return &Manager{
		deviceID:   deviceID,
		deviceName: deviceName,
		early:      make(map[string][]earlyVote),
		ttl:        ProposalTTL,
		now:        time.Now,
	}
}

// OnResolve registers the callback invoked when a proposal terminates.
// It runs outside the manager lock.
func (m *Manager) OnResolve(fn func(Resolution)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResolve = fn
}

// Active reports whether a proposal is currently open.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// ActiveProposal returns the open proposal frame, if any.
func (m *Manager) ActiveProposal() (protocol.PasswordProposalFrame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return protocol.PasswordProposalFrame{}, false
	}
	return m.active.frame, true
}

// Propose opens a rotation to newPassword. peerIDs is the snapshot of
// currently authenticated peers; together with this device they form
// the required voter set. The proposer's own yes vote is recorded
// immediately. The returned frame is ready to broadcast.
//
// A single-device room approves instantly.
func (m *Manager) Propose(newPassword string, peerIDs []string) (protocol.PasswordProposalFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return protocol.PasswordProposalFrame{}, ErrProposalActive
	}

	newKey, err := crypto.NewSessionKey()
	if err != nil {
		return protocol.PasswordProposalFrame{}, err
	}
	salt := []byte(m.deviceID)
	wrapKey := crypto.DeriveKey(newPassword, salt)
	encKey, err := crypto.AESEncrypt(wrapKey, newKey)
	if err != nil {
		return protocol.PasswordProposalFrame{}, fmt.Errorf("wrap rotated key: %w", err)
	}

	required := make([]string, 0, len(peerIDs)+1)
	required = append(required, m.deviceID)
	for _, id := range peerIDs {
		if id != m.deviceID {
			required = append(required, id)
		}
	}

	frame := protocol.PasswordProposalFrame{
		ProposalID:       uuid.NewString(),
		ProposerDeviceID: m.deviceID,
		ProposerName:     m.deviceName,
		Timestamp:        time.Now().UnixMicro(),
		NewPasswordHash:  crypto.HashPassword(newPassword),
		NewEncryptedKey:  encKey,
		KeySalt:          salt,
		RequiredPeers:    required,
	}

	m.active = &activeProposal{
		frame:    frame,
		votes:    map[string]bool{m.deviceID: true},
		newKey:   newKey,
		proposed: true,
	}
	m.armExpiryLocked()

	slog.Info("proposed password rotation",
		"proposal_id", frame.ProposalID, "required_peers", len(required))

	m.tallyLocked()
	return frame, nil
}

// Receive adopts a peer's proposal as the open one. A second proposal
// while one is open is refused; the proposer will see it expire.
func (m *Manager) Receive(f protocol.PasswordProposalFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if m.active.frame.ProposalID == f.ProposalID {
			return nil
		}
		return ErrProposalActive
	}
	if f.ProposalID == "" || f.ProposerDeviceID == "" {
		return errors.New("malformed password proposal")
	}

	m.active = &activeProposal{
		frame: f,
		votes: map[string]bool{f.ProposerDeviceID: true},
	}
	m.armExpiryLocked()

	slog.Info("received password rotation proposal",
		"proposal_id", f.ProposalID, "from", f.ProposerName)

	m.replayEarlyVotesLocked(f.ProposalID)
	return nil
}

// Vote records this device's vote on the received proposal and returns
// the frame to broadcast. Voting no resolves the proposal immediately.
func (m *Manager) Vote(approve bool) (protocol.PasswordVoteFrame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return protocol.PasswordVoteFrame{}, ErrNoProposal
	}

	frame := protocol.PasswordVoteFrame{
		ProposalID:    m.active.frame.ProposalID,
		VoterDeviceID: m.deviceID,
		VoterName:     m.deviceName,
		Vote:          approve,
	}
	m.recordVoteLocked(m.deviceID, approve)
	return frame, nil
}

// RecordVote applies a peer's vote. One no vote rejects; the proposal
// approves only once every snapshotted peer has voted yes. A vote that
// arrives before its proposal frame is held and replayed when the
// proposal shows up, so reordering across connections cannot lose it.
func (m *Manager) RecordVote(f protocol.PasswordVoteFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.ProposalID == "" || f.VoterDeviceID == "" {
		return errors.New("vote missing proposal_id or voter_device_id")
	}
	if m.active == nil || m.active.frame.ProposalID != f.ProposalID {
		m.holdEarlyVoteLocked(f)
		return nil
	}

	m.recordVoteLocked(f.VoterDeviceID, f.Vote)
	return nil
}

func (m *Manager) holdEarlyVoteLocked(f protocol.PasswordVoteFrame) {
	m.pruneEarlyVotesLocked()

	votes := m.early[f.ProposalID]
	for i, ev := range votes {
		if ev.frame.VoterDeviceID == f.VoterDeviceID {
			votes[i] = earlyVote{frame: f, seen: m.now()}
			return
		}
	}
	m.early[f.ProposalID] = append(votes, earlyVote{frame: f, seen: m.now()})
	slog.Debug("holding vote for unseen proposal",
		"proposal_id", f.ProposalID, "voter", f.VoterDeviceID)
}

func (m *Manager) replayEarlyVotesLocked(proposalID string) {
	votes := m.early[proposalID]
	delete(m.early, proposalID)
	cutoff := m.now().Add(-m.ttl)
	for _, ev := range votes {
		if ev.seen.Before(cutoff) {
			continue
		}
		m.recordVoteLocked(ev.frame.VoterDeviceID, ev.frame.Vote)
		if m.active == nil {
			return
		}
	}
}

func (m *Manager) pruneEarlyVotesLocked() {
	cutoff := m.now().Add(-m.ttl)
	for id, votes := range m.early {
		kept := votes[:0]
		for _, ev := range votes {
			if !ev.seen.Before(cutoff) {
				kept = append(kept, ev)
			}
		}
		if len(kept) == 0 {
			delete(m.early, id)
		} else {
			m.early[id] = kept
		}
	}
}

// PeerLeft aborts the open proposal when a snapshotted voter drops off
// the network.
func (m *Manager) PeerLeft(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || !m.requiredLocked(deviceID) {
		return
	}
	m.resolveLocked(Resolution{
		Outcome: OutcomeAborted,
		Reason:  fmt.Sprintf("required voter %s left the network", deviceID),
	})
}

// PeerJoined aborts the open proposal when a device outside the
// snapshot appears; the vote no longer covers the whole room.
func (m *Manager) PeerJoined(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.requiredLocked(deviceID) {
		return
	}
	m.resolveLocked(Resolution{
		Outcome: OutcomeAborted,
		Reason:  fmt.Sprintf("device %s joined during the vote", deviceID),
	})
}

// Abort cancels the open proposal, if any.
func (m *Manager) Abort(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	m.resolveLocked(Resolution{Outcome: OutcomeAborted, Reason: reason})
}

// DecryptKey recovers the rotated session key from an approved
// proposal using the new password.
func DecryptKey(f protocol.PasswordProposalFrame, newPassword string) ([]byte, error) {
	wrapKey := crypto.DeriveKey(newPassword, f.KeySalt)
	key, err := crypto.AESDecrypt(wrapKey, f.NewEncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrap rotated key: %w", err)
	}
	return key, nil
}

func (m *Manager) recordVoteLocked(voterID string, approve bool) {
	if !m.requiredLocked(voterID) {
		slog.Debug("vote from device outside the snapshot, ignored", "voter", voterID)
		return
	}
	m.active.votes[voterID] = approve

	if !approve {
		m.resolveLocked(Resolution{
			Outcome: OutcomeRejected,
			Reason:  fmt.Sprintf("%s voted no", voterID),
		})
		return
	}
	m.tallyLocked()
}

func (m *Manager) tallyLocked() {
	for _, id := range m.active.frame.RequiredPeers {
		if approved, ok := m.active.votes[id]; !ok || !approved {
			return
		}
	}
	m.resolveLocked(Resolution{
		Outcome: OutcomeApproved,
		Reason:  "all peers approved",
		NewKey:  m.active.newKey,
	})
}

func (m *Manager) requiredLocked(deviceID string) bool {
	for _, id := range m.active.frame.RequiredPeers {
		if id == deviceID {
			return true
		}
	}
	return false
}

func (m *Manager) armExpiryLocked() {
	p := m.active
	p.expiry = time.AfterFunc(m.ttl, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.active != p {
			return
		}
		m.resolveLocked(Resolution{
			Outcome: OutcomeAborted,
			Reason:  "proposal expired without unanimous approval",
		})
	})
}

func (m *Manager) resolveLocked(res Resolution) {
	p := m.active
	res.Proposal = p.frame
	if p.expiry != nil {
		p.expiry.Stop()
	}
	m.active = nil
	delete(m.early, p.frame.ProposalID)

	slog.Info("password rotation resolved",
		"proposal_id", res.Proposal.ProposalID,
		"outcome", res.Outcome.String(), "reason", res.Reason)

	if m.onResolve != nil {
		fn := m.onResolve
		go fn(res)
	}
}
