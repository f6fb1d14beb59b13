package rotation

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"lanroom.dev/go/lanroom/internal/protocol"
)

func newTestManager(id string) (*Manager, chan Resolution) {
	m := NewManager(id, id+"-name")
	resolved := make(chan Resolution, 4)
	m.OnResolve(func(r Resolution) { resolved <- r })
	return m, resolved
}

func waitResolution(t *testing.T, ch chan Resolution) Resolution {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("proposal did not resolve")
		return Resolution{}
	}
}

func assertStillOpen(t *testing.T, m *Manager, ch chan Resolution) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("proposal resolved unexpectedly: %s (%s)", r.Outcome, r.Reason)
	case <-time.After(100 * time.Millisecond):
	}
	if !m.Active() {
		t.Fatal("proposal should still be open")
	}
}

func TestSingleDeviceApprovesInstantly(t *testing.T) {
	m, resolved := newTestManager("solo")

	frame, err := m.Propose("new-password", nil)
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if len(frame.RequiredPeers) != 1 || frame.RequiredPeers[0] != "solo" {
		t.Errorf("required peers = %v, want just the proposer", frame.RequiredPeers)
	}

	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", res.Outcome)
	}
	if len(res.NewKey) == 0 {
		t.Error("proposer resolution must carry the new key")
	}
}

func TestUnanimousYesApproves(t *testing.T) {
	m, resolved := newTestManager("proposer")

	frame, err := m.Propose("new-password", []string{"peer-a", "peer-b"})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	if err := m.RecordVote(protocol.PasswordVoteFrame{ProposalID: frame.ProposalID, VoterDeviceID: "peer-a", Vote: true}); err != nil {
		t.Fatalf("RecordVote peer-a: %v", err)
	}
	assertStillOpen(t, m, resolved)

	if err := m.RecordVote(protocol.PasswordVoteFrame{ProposalID: frame.ProposalID, VoterDeviceID: "peer-b", Vote: true}); err != nil {
		t.Fatalf("RecordVote peer-b: %v", err)
	}

	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s (%s), want approved", res.Outcome, res.Reason)
	}

	// Voters recover the same key from the frame and the new password
	key, err := DecryptKey(res.Proposal, "new-password")
	if err != nil {
		t.Fatalf("DecryptKey failed: %v", err)
	}
	if !bytes.Equal(key, res.NewKey) {
		t.Error("derived key does not match the proposer's key")
	}
	if _, err := DecryptKey(res.Proposal, "wrong-password"); err == nil {
		t.Error("wrong password must not unwrap the key")
	}
}

func TestSingleNoRejects(t *testing.T) {
	m, resolved := newTestManager("proposer")
	frame, _ := m.Propose("new-password", []string{"peer-a", "peer-b"})

	m.RecordVote(protocol.PasswordVoteFrame{ProposalID: frame.ProposalID, VoterDeviceID: "peer-a", Vote: true})
	m.RecordVote(protocol.PasswordVoteFrame{ProposalID: frame.ProposalID, VoterDeviceID: "peer-b", Vote: false})

	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
	if m.Active() {
		t.Error("rejected proposal must be cleared")
	}
}

func TestVoteFromOutsideSnapshotIgnored(t *testing.T) {
	m, resolved := newTestManager("proposer")
	frame, _ := m.Propose("new-password", []string{"peer-a"})

	// A no vote from a stranger must not reject the proposal
	m.RecordVote(protocol.PasswordVoteFrame{ProposalID: frame.ProposalID, VoterDeviceID: "stranger", Vote: false})
	assertStillOpen(t, m, resolved)

	m.RecordVote(protocol.PasswordVoteFrame{ProposalID: frame.ProposalID, VoterDeviceID: "peer-a", Vote: true})
	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved", res.Outcome)
	}
}

func TestRequiredPeerLeavingAborts(t *testing.T) {
	m, resolved := newTestManager("proposer")
	m.Propose("new-password", []string{"peer-a", "peer-b"})

	m.PeerLeft("unrelated-device")
	assertStillOpen(t, m, resolved)

	m.PeerLeft("peer-b")
	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", res.Outcome)
	}
}

func TestNewPeerJoiningAborts(t *testing.T) {
	m, resolved := newTestManager("proposer")
	m.Propose("new-password", []string{"peer-a"})

	// A snapshotted peer reappearing is not a membership change
	m.PeerJoined("peer-a")
	assertStillOpen(t, m, resolved)

	m.PeerJoined("newcomer")
	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", res.Outcome)
	}
}

func TestOnlyOneOpenProposal(t *testing.T) {
	m, _ := newTestManager("proposer")
	frame, err := m.Propose("first", []string{"peer-a"})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	if _, err := m.Propose("second", []string{"peer-a"}); !errors.Is(err, ErrProposalActive) {
		t.Errorf("second Propose: got %v, want ErrProposalActive", err)
	}
	if err := m.Receive(protocol.PasswordProposalFrame{ProposalID: "other", ProposerDeviceID: "peer-b"}); !errors.Is(err, ErrProposalActive) {
		t.Errorf("Receive competing proposal: got %v, want ErrProposalActive", err)
	}
	// The same proposal re-broadcast is not a conflict
	if err := m.Receive(frame); err != nil {
		t.Errorf("Receive own proposal again: %v", err)
	}
}

func TestReceiveAndVote(t *testing.T) {
	proposer, _ := newTestManager("proposer")
	frame, _ := proposer.Propose("new-password", []string{"voter"})

	voter, resolved := newTestManager("voter")
	if err := voter.Receive(frame); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	vote, err := voter.Vote(true)
	if err != nil {
		t.Fatalf("Vote failed: %v", err)
	}
	if vote.ProposalID != frame.ProposalID || !vote.Vote {
		t.Errorf("unexpected vote frame: %+v", vote)
	}

	// Proposer already voted yes; the voter's yes completes the set
	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeApproved {
		t.Fatalf("voter outcome = %s, want approved", res.Outcome)
	}
	if res.NewKey != nil {
		t.Error("a voter cannot hold the plaintext key before knowing the password")
	}
}

func TestVoteNoRejectsLocally(t *testing.T) {
	proposer, _ := newTestManager("proposer")
	frame, _ := proposer.Propose("new-password", []string{"voter"})

	voter, resolved := newTestManager("voter")
	voter.Receive(frame)

	if _, err := voter.Vote(false); err != nil {
		t.Fatalf("Vote failed: %v", err)
	}
	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
}

func TestVoteErrors(t *testing.T) {
	m, _ := newTestManager("dev")

	if _, err := m.Vote(true); !errors.Is(err, ErrNoProposal) {
		t.Errorf("Vote with nothing open: got %v, want ErrNoProposal", err)
	}
	if err := m.RecordVote(protocol.PasswordVoteFrame{ProposalID: "x"}); err == nil {
		t.Error("vote without a voter id must be refused")
	}
	if err := m.RecordVote(protocol.PasswordVoteFrame{VoterDeviceID: "peer-a"}); err == nil {
		t.Error("vote without a proposal id must be refused")
	}
}

func TestEarlyVoteReplayedOnReceive(t *testing.T) {
	proposer, _ := newTestManager("proposer")
	frame, _ := proposer.Propose("new-password", []string{"peer-a", "voter"})

	// peer-a's yes reaches this device before the proposal itself
	voter, resolved := newTestManager("voter")
	if err := voter.RecordVote(protocol.PasswordVoteFrame{ProposalID: frame.ProposalID, VoterDeviceID: "peer-a", Vote: true}); err != nil {
		t.Fatalf("early vote must be held, got %v", err)
	}

	if err := voter.Receive(frame); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	assertStillOpen(t, voter, resolved)

	// The held yes already counts; only this device's vote is missing
	if _, err := voter.Vote(true); err != nil {
		t.Fatalf("Vote failed: %v", err)
	}
	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s (%s), want approved", res.Outcome, res.Reason)
	}
}

func TestEarlyNoVoteRejectsOnReceive(t *testing.T) {
	proposer, _ := newTestManager("proposer")
	frame, _ := proposer.Propose("new-password", []string{"peer-a", "voter"})

	voter, resolved := newTestManager("voter")
	voter.RecordVote(protocol.PasswordVoteFrame{ProposalID: frame.ProposalID, VoterDeviceID: "peer-a", Vote: false})

	if err := voter.Receive(frame); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want rejected", res.Outcome)
	}
}

func TestStaleEarlyVoteDiscarded(t *testing.T) {
	proposer, _ := newTestManager("proposer")
	frame, _ := proposer.Propose("new-password", []string{"peer-a", "voter"})

	voter, resolved := newTestManager("voter")
	voter.RecordVote(protocol.PasswordVoteFrame{ProposalID: frame.ProposalID, VoterDeviceID: "peer-a", Vote: true})

	// Age the held vote past the proposal TTL before the frame arrives
	voter.mu.Lock()
	for i := range voter.early[frame.ProposalID] {
		voter.early[frame.ProposalID][i].seen = time.Now().Add(-voter.ttl - time.Minute)
	}
	voter.mu.Unlock()

	if err := voter.Receive(frame); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if _, err := voter.Vote(true); err != nil {
		t.Fatalf("Vote failed: %v", err)
	}

	// peer-a's stale vote must not count; the proposal stays open
	assertStillOpen(t, voter, resolved)

	voter.RecordVote(protocol.PasswordVoteFrame{ProposalID: frame.ProposalID, VoterDeviceID: "peer-a", Vote: true})
	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeApproved {
		t.Fatalf("outcome = %s, want approved after a fresh vote", res.Outcome)
	}
}

func TestProposalExpires(t *testing.T) {
	m, resolved := newTestManager("proposer")
	m.ttl = 50 * time.Millisecond

	m.Propose("new-password", []string{"peer-never-votes"})

	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted on expiry", res.Outcome)
	}
	if m.Active() {
		t.Error("expired proposal must be cleared")
	}
}

func TestAbort(t *testing.T) {
	m, resolved := newTestManager("proposer")
	m.Propose("new-password", []string{"peer-a"})

	m.Abort("shutting down")
	res := waitResolution(t, resolved)
	if res.Outcome != OutcomeAborted {
		t.Fatalf("outcome = %s, want aborted", res.Outcome)
	}

	// Idempotent
	m.Abort("again")
}
