// Package node wires the engine together: discovery feeds the peer
// registry, the TCP channel feeds the frame dispatcher, and auth,
// sync, rotation and the event bus all hang off those two streams.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"lanroom.dev/go/lanroom/internal/auth"
	"lanroom.dev/go/lanroom/internal/channel"
	"lanroom.dev/go/lanroom/internal/config"
	"lanroom.dev/go/lanroom/internal/crypto"
	"lanroom.dev/go/lanroom/internal/discovery"
	"lanroom.dev/go/lanroom/internal/events"
	"lanroom.dev/go/lanroom/internal/history"
	"lanroom.dev/go/lanroom/internal/keystore"
	"lanroom.dev/go/lanroom/internal/notify"
	"lanroom.dev/go/lanroom/internal/protocol"
	"lanroom.dev/go/lanroom/internal/registry"
	"lanroom.dev/go/lanroom/internal/rotation"
	"lanroom.dev/go/lanroom/internal/store"
)

const (
	// PeerTimeout is how long a peer survives without a beacon
	PeerTimeout = 30 * time.Second

	// DiscoveryWindow is the listen-only period before an unconfigured
	// device decides whether to create or join a room
	DiscoveryWindow = 10 * time.Second

	// typingExpiry clears a typing indicator that is never followed by
	// a message
	typingExpiry = 5 * time.Second

	// joinRetryLimit bounds the total join backoff
	joinRetryLimit = 2 * time.Minute
)

// ErrContentTooLarge mirrors the store limit at the API boundary.
var ErrContentTooLarge = errors.New("message content too large")

// Options configures a Node.
type Options struct {
	Config   *config.Config
	DeviceID string
	Keystore *keystore.Keystore
	Store    store.Store
	Notify   *notify.Service
}

// Node is one running chat engine instance.
type Node struct {
	cfg       *config.Config
	deviceID  string
	networkID string

	reg    *registry.Registry
	beacon *discovery.Engine
	server *channel.Server
	auth   *auth.Manager
	syncer *history.Syncer
	rot    *rotation.Manager
	bus    *events.Bus
	store  store.Store
	notify *notify.Service
	web    *events.WebServer

	mu               sync.Mutex
	deviceName       string
	typing           map[string]*time.Timer
	rotationPassword string

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New assembles a node from its collaborators. Nothing touches the
// network until Start.
func New(opts Options) *Node {
	n := &Node{
		cfg:        opts.Config,
		deviceID:   opts.DeviceID,
		deviceName: opts.Config.Device.Name,
		networkID:  opts.Config.Network.NetworkID,
		reg:        registry.New(PeerTimeout),
		bus:        events.NewBus(),
		store:      opts.Store,
		notify:     opts.Notify,
		typing:     make(map[string]*time.Timer),
		stop:       make(chan struct{}),
	}
	if n.deviceName == "" {
		n.deviceName = "device-" + shortID(opts.DeviceID)
	}

	n.auth = auth.NewManager(n.deviceID, n.deviceName, opts.Keystore, channel.Send)
	n.syncer = history.NewSyncer(opts.Store, n.networkID, n.deviceID, n.auth.SessionKey, channel.Send)
	n.rot = rotation.NewManager(n.deviceID, n.deviceName)

	n.auth.OnStateChange(func(s auth.State) {
		n.bus.Publish(events.New(events.TypeAuthState, map[string]string{"state": s.String()}))
		if s == auth.StateAuthenticated && n.beacon != nil {
			n.beacon.SetListenOnly(false)
		}
	})
	n.rot.OnResolve(n.onRotationResolved)

	return n
}

// Bus returns the node's event stream.
func (n *Node) Bus() *events.Bus {
	return n.bus
}

// Start binds the TCP listener, starts discovery and establishes room
// membership, creating the room or joining with password as needed.
func (n *Node) Start(ctx context.Context, password string) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	n.started = true
	n.mu.Unlock()

	server, err := channel.Listen(n.cfg.Network.BasePort, channel.DefaultMaxPortAttempts, n.handleFrame)
	if err != nil {
		return fmt.Errorf("start message channel: %w", err)
	}
	n.server = server
	n.auth.SetTCPPort(server.Port())
	n.syncer.SetTCPPort(server.Port())

	n.wg.Add(1)
	go n.registryLoop()

	n.beacon = discovery.NewEngine(discovery.Config{
		Group: n.cfg.Network.MulticastGroup,
	}, n.reg, n.beaconSelf)
	n.beacon.SetListenOnly(true)
	if err := n.beacon.Start(); err != nil {
		n.failStart()
		return err
	}

	if err := n.establishMembership(ctx, password); err != nil {
		n.beacon.Stop()
		n.failStart()
		return err
	}
	n.beacon.SetListenOnly(false)

	if n.cfg.Web.Enabled {
		hub := events.NewHub(n.bus)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			hub.Run(ctx)
		}()
		n.web = events.NewWebServer(n.cfg.Web.Port, hub, events.WebSources{
			Status:   n.Status,
			Peers:    n.Peers,
			Messages: n.Messages,
		})
		n.web.Start()
	}

	// Catch up from whoever is already in the room
	for _, peer := range n.reg.All() {
		if peer.IsAuthenticated {
			go n.requestSync(peer)
		}
	}

	slog.Info("node started",
		"device_id", n.deviceID,
		"name", n.DeviceName(),
		"port", server.Port(),
		"network_id", n.networkID,
	)
	return nil
}

// failStart unwinds a partial Start so no goroutine outlives the
// error return.
func (n *Node) failStart() {
	n.mu.Lock()
	n.started = false
	close(n.stop)
	n.mu.Unlock()
	n.server.Close()
	n.wg.Wait()
}

// Stop tears the node down: discovery first so peers see us expire,
// then the listener, then local state.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.started = false
	close(n.stop)
	for id, timer := range n.typing {
		timer.Stop()
		delete(n.typing, id)
	}
	n.mu.Unlock()

	if n.beacon != nil {
		n.beacon.Stop()
	}
	if n.server != nil {
		n.server.Close()
	}
	if n.web != nil {
		n.web.Stop()
	}
	n.rot.Abort("node shutting down")
	n.auth.Abort()
	n.reg.Clear()
	n.wg.Wait()
	n.bus.Close()
	slog.Info("node stopped", "device_id", n.deviceID)
}

// DeviceName returns the current display name.
func (n *Node) DeviceName() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deviceName
}

// Peers returns the known peer set.
func (n *Node) Peers() []registry.Peer {
	return n.reg.All()
}

// Messages returns stored history newer than sinceMicros.
func (n *Node) Messages(ctx context.Context, sinceMicros int64) ([]store.Message, error) {
	return n.store.MessagesSince(ctx, n.networkID, sinceMicros)
}

// Status reports a snapshot for the CLI and the local HTTP API.
func (n *Node) Status() any {
	port := 0
	if n.server != nil {
		port = n.server.Port()
	}
	return map[string]any{
		"device_id":   n.deviceID,
		"device_name": n.DeviceName(),
		"network_id":  n.networkID,
		"state":       n.auth.State().String(),
		"tcp_port":    port,
		"peers":       n.reg.Len(),
	}
}

// SendMessage encrypts and fans a message out to every known peer,
// storing it locally first so our own history is the source of truth
// for later syncs.
func (n *Node) SendMessage(ctx context.Context, content string) error {
	if len(content) > store.MaxContentBytes {
		return ErrContentTooLarge
	}
	if !utf8.ValidString(content) {
		return errors.New("message content is not valid UTF-8")
	}
	key, err := n.auth.SessionKey()
	if err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("message uuid: %w", err)
	}
	msg := store.Message{
		UUID:            id.String(),
		TimestampMicros: time.Now().UnixMicro(),
		SenderID:        n.deviceID,
		SenderName:      n.DeviceName(),
		Content:         content,
		NetworkID:       n.networkID,
	}

	ciphertext, err := crypto.AESEncrypt(key, []byte(content))
	if err != nil {
		return fmt.Errorf("encrypt message: %w", err)
	}
	frame := protocol.MessageFrame{
		UUID:            msg.UUID,
		TimestampMicros: msg.TimestampMicros,
		SenderID:        msg.SenderID,
		SenderName:      msg.SenderName,
		Content:         ciphertext,
	}
	// The frame must fit on the wire before the message enters local
	// history; a stored message that cannot be sent or replayed would
	// exist only on this device.
	if _, err := protocol.Encode(frame); err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			return ErrContentTooLarge
		}
		return fmt.Errorf("encode message: %w", err)
	}

	if err := n.store.Insert(ctx, msg); err != nil {
		return fmt.Errorf("store own message: %w", err)
	}
	n.bus.Publish(events.New(events.TypeMessageReceived, msg))
	n.broadcast(ctx, frame)
	return nil
}

// SetName changes the display name, rewrites our history and tells
// every peer.
func (n *Node) SetName(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("name must not be empty")
	}
	n.mu.Lock()
	n.deviceName = name
	n.mu.Unlock()

	if _, err := n.store.RenameSender(ctx, n.networkID, n.deviceID, name); err != nil {
		return fmt.Errorf("rename own messages: %w", err)
	}
	n.bus.Publish(events.New(events.TypePeerRenamed, map[string]string{
		"device_id": n.deviceID, "new_name": name,
	}))
	n.broadcast(ctx, protocol.NameChangeFrame{DeviceID: n.deviceID, NewName: name})
	return nil
}

// SendTyping tells peers this device is composing a message.
func (n *Node) SendTyping(ctx context.Context) {
	n.broadcast(ctx, protocol.TypingIndicatorFrame{
		DeviceID:   n.deviceID,
		DeviceName: n.DeviceName(),
	})
}

// ProposeRotation opens a password rotation vote across the current
// room. The proposal resolves via the rotation manager; on approval
// the new key is applied automatically.
func (n *Node) ProposeRotation(ctx context.Context, newPassword string) error {
	if !n.auth.IsAuthenticated() {
		return auth.ErrNoSessionKey
	}
	var peerIDs []string
	for _, peer := range n.reg.All() {
		if peer.IsAuthenticated {
			peerIDs = append(peerIDs, peer.DeviceID)
		}
	}

	frame, err := n.rot.Propose(newPassword, peerIDs)
	if err != nil {
		return err
	}
	n.bus.Publish(events.New(events.TypeRotationProposed, map[string]any{
		"proposal_id": frame.ProposalID,
		"proposer":    frame.ProposerName,
		"peers":       len(frame.RequiredPeers),
	}))
	n.broadcast(ctx, frame)
	return nil
}

// VoteRotation casts this device's vote on the open proposal. An
// approving voter must supply the new password; it is what unwraps the
// rotated session key if the vote carries.
func (n *Node) VoteRotation(ctx context.Context, approve bool, newPassword string) error {
	if approve {
		if _, ok := n.rot.ActiveProposal(); !ok {
			return rotation.ErrNoProposal
		}
		n.mu.Lock()
		n.rotationPassword = newPassword
		n.mu.Unlock()
	}

	frame, err := n.rot.Vote(approve)
	if err != nil {
		return err
	}
	n.broadcast(ctx, frame)
	return nil
}

// beaconSelf builds the current multicast announcement.
func (n *Node) beaconSelf() discovery.Beacon {
	b := discovery.Beacon{
		DeviceID:        n.deviceID,
		DeviceName:      n.DeviceName(),
		IsAuthenticated: n.auth.IsAuthenticated(),
	}
	if n.server != nil {
		b.TCPPort = n.server.Port()
	}
	if pem, err := n.auth.PublicKeyPEM(); err == nil {
		b.PublicKey = pem
	}
	return b
}

// establishMembership restores persisted membership or runs the
// discovery window, then creates or joins as the window dictates.
func (n *Node) establishMembership(ctx context.Context, password string) error {
	restored, err := n.auth.Restore()
	if err != nil {
		slog.Warn("could not restore membership, starting fresh", "error", err)
	}
	if restored {
		slog.Info("room membership restored")
		return nil
	}

	n.auth.EnterDiscovering()
	slog.Info("listening for an existing room", "window", DiscoveryWindow)
	select {
	case <-time.After(DiscoveryWindow):
	case <-ctx.Done():
		return ctx.Err()
	}

	if n.reg.Len() == 0 {
		slog.Info("no peers found, creating room")
		return n.auth.BecomeCreator(password)
	}

	op := func() error {
		if peer, ok := n.authenticatedPeer(); ok {
			err := n.auth.Join(ctx, peer, password)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, auth.ErrPasswordRejected), errors.Is(err, auth.ErrLockedOut):
				return backoff.Permanent(err)
			default:
				slog.Warn("join attempt failed, will retry", "peer", peer.DeviceID, "error", err)
				return err
			}
		}

		// Nobody is authenticated: simultaneous first start. The
		// smallest device ID creates, everyone else waits for it.
		ids := append(n.reg.DeviceIDs(), n.deviceID)
		if auth.ElectCreator(ids) == n.deviceID {
			slog.Info("elected room creator among simultaneous starters")
			if err := n.auth.BecomeCreator(password); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		return errors.New("waiting for elected creator to establish the room")
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = joinRetryLimit
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func (n *Node) authenticatedPeer() (registry.Peer, bool) {
	for _, peer := range n.reg.All() {
		if peer.IsAuthenticated && peer.PublicKeyPEM != "" {
			return peer, true
		}
	}
	return registry.Peer{}, false
}

// registryLoop fans registry changes out to sync, rotation, the bus
// and notifications.
func (n *Node) registryLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.stop:
			return
		case ev := <-n.reg.Events():
			switch ev.Kind {
			case registry.PeerAdded:
				slog.Info("peer appeared", "device_id", ev.Peer.DeviceID, "name", ev.Peer.DeviceName)
				n.bus.Publish(events.New(events.TypePeerJoined, peerPayload(ev.Peer)))
				if n.notify != nil {
					n.notify.NotifyPeerJoined(ev.Peer.DeviceName)
				}
				n.rot.PeerJoined(ev.Peer.DeviceID)
				if n.auth.IsAuthenticated() && ev.Peer.IsAuthenticated {
					go n.requestSync(ev.Peer)
				}

			case registry.PeerUpdated:
				n.bus.Publish(events.New(events.TypePeerUpdated, peerPayload(ev.Peer)))

			case registry.PeerRemoved:
				n.bus.Publish(events.New(events.TypePeerLeft, peerPayload(ev.Peer)))
				n.rot.PeerLeft(ev.Peer.DeviceID)
			}
		}
	}
}

func (n *Node) requestSync(peer registry.Peer) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.syncer.RequestFrom(ctx, peer); err != nil {
		slog.Warn("sync request failed", "peer", peer.DeviceID, "error", err)
	}
}

// handleFrame is the single dispatch point for inbound TCP frames.
func (n *Node) handleFrame(frame protocol.Frame, remote net.Addr) {
	switch f := frame.(type) {
	case protocol.MessageFrame:
		n.handleMessage(f)

	case protocol.SyncRequestFrame:
		if f.DeviceID == n.deviceID {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := n.syncer.ServeRequest(ctx, f, remote); err != nil {
				slog.Warn("serve sync failed", "requester", f.DeviceID, "error", err)
			}
		}()

	case protocol.AuthRequestFrame:
		resp := n.auth.HandleRequest(f)
		addr := net.JoinHostPort(remoteHost(remote), strconv.Itoa(f.TCPPort))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := channel.Send(ctx, addr, resp); err != nil {
				slog.Warn("send auth response failed", "to", addr, "error", err)
			}
		}()

	case protocol.AuthResponseFrame:
		n.auth.HandleResponse(f)

	case protocol.NameChangeFrame:
		n.handleNameChange(f)

	case protocol.TypingIndicatorFrame:
		if f.DeviceID != n.deviceID {
			n.handleTyping(f)
		}

	case protocol.PasswordProposalFrame:
		if f.ProposerDeviceID == n.deviceID {
			return
		}
		if err := n.rot.Receive(f); err != nil {
			slog.Warn("rejected password proposal", "proposal_id", f.ProposalID, "error", err)
			return
		}
		n.bus.Publish(events.New(events.TypeRotationProposed, map[string]any{
			"proposal_id": f.ProposalID,
			"proposer":    f.ProposerName,
			"peers":       len(f.RequiredPeers),
		}))
		if n.notify != nil {
			n.notify.NotifyRotation(f.ProposerName)
		}

	case protocol.PasswordVoteFrame:
		if f.VoterDeviceID == n.deviceID {
			return
		}
		if err := n.rot.RecordVote(f); err != nil {
			slog.Debug("dropped rotation vote", "proposal_id", f.ProposalID, "error", err)
		}
	}
}

func (n *Node) handleMessage(f protocol.MessageFrame) {
	if f.SenderID == n.deviceID {
		// Our own message replayed by a sync; already stored
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := n.syncer.Ingest(ctx, f)
	if err != nil {
		slog.Warn("dropped inbound message", "uuid", f.UUID, "error", err)
		return
	}
	n.clearTyping(f.SenderID)
	n.bus.Publish(events.New(events.TypeMessageReceived, msg))
	if n.notify != nil {
		n.notify.NotifyMessage(msg.SenderName, msg.Content)
	}
}

func (n *Node) handleNameChange(f protocol.NameChangeFrame) {
	if f.DeviceID == n.deviceID || f.NewName == "" {
		return
	}
	if peer, ok := n.reg.Get(f.DeviceID); ok {
		peer.DeviceName = f.NewName
		n.reg.Upsert(peer)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := n.store.RenameSender(ctx, n.networkID, f.DeviceID, f.NewName); err != nil {
		slog.Warn("rename peer history failed", "device_id", f.DeviceID, "error", err)
	}
	n.bus.Publish(events.New(events.TypePeerRenamed, map[string]string{
		"device_id": f.DeviceID, "new_name": f.NewName,
	}))
}

// handleTyping publishes the indicator and arms a timer that retracts
// it if no message follows.
func (n *Node) handleTyping(f protocol.TypingIndicatorFrame) {
	n.bus.Publish(events.New(events.TypePeerTyping, map[string]any{
		"device_id": f.DeviceID, "device_name": f.DeviceName, "typing": true,
	}))

	n.mu.Lock()
	defer n.mu.Unlock()
	if timer, ok := n.typing[f.DeviceID]; ok {
		timer.Stop()
	}
	n.typing[f.DeviceID] = time.AfterFunc(typingExpiry, func() {
		n.mu.Lock()
		delete(n.typing, f.DeviceID)
		n.mu.Unlock()
		n.bus.Publish(events.New(events.TypePeerTyping, map[string]any{
			"device_id": f.DeviceID, "device_name": f.DeviceName, "typing": false,
		}))
	})
}

func (n *Node) clearTyping(deviceID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if timer, ok := n.typing[deviceID]; ok {
		timer.Stop()
		delete(n.typing, deviceID)
	}
}

func (n *Node) onRotationResolved(res rotation.Resolution) {
	n.bus.Publish(events.New(events.TypeRotationResolved, map[string]any{
		"proposal_id": res.Proposal.ProposalID,
		"outcome":     res.Outcome.String(),
		"reason":      res.Reason,
	}))

	n.mu.Lock()
	password := n.rotationPassword
	n.rotationPassword = ""
	n.mu.Unlock()

	if res.Outcome != rotation.OutcomeApproved {
		return
	}

	key := res.NewKey
	if key == nil {
		if password == "" {
			slog.Error("rotation approved but no password on hand to unwrap the new key")
			return
		}
		k, err := rotation.DecryptKey(res.Proposal, password)
		if err != nil {
			slog.Error("could not unwrap rotated key", "error", err)
			return
		}
		key = k
	}
	if err := n.auth.ApplyRotation(res.Proposal.NewPasswordHash, key); err != nil {
		slog.Error("apply rotated key failed", "error", err)
	}
}

// broadcast sends a frame to every known peer, best effort. Per-peer
// failures are logged; a peer that misses a frame catches up via sync.
func (n *Node) broadcast(ctx context.Context, frame protocol.Frame) {
	for _, peer := range n.reg.All() {
		addr := net.JoinHostPort(peer.IPAddress, strconv.Itoa(peer.TCPPort))
		go func(addr, id string) {
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := channel.Send(sendCtx, addr, frame); err != nil {
				slog.Warn("broadcast to peer failed", "peer", id, "error", err)
			}
		}(addr, peer.DeviceID)
	}
}

func peerPayload(p registry.Peer) map[string]any {
	return map[string]any{
		"device_id":     p.DeviceID,
		"device_name":   p.DeviceName,
		"ip_address":    p.IPAddress,
		"tcp_port":      p.TCPPort,
		"authenticated": p.IsAuthenticated,
	}
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

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
