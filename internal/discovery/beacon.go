// Package discovery implements the UDP multicast beacon engine. Every
// device periodically announces itself to the group; receipts populate
// the peer registry, and a periodic sweep evicts peers that have gone
// quiet.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"lanroom.dev/go/lanroom/internal/registry"
)

const (
	// DefaultGroup is the multicast destination for beacons
	DefaultGroup = "239.255.42.99:4445"

	// DefaultInterval is how often a beacon is broadcast
	DefaultInterval = 3 * time.Second

	// DefaultSweepInterval is how often expired peers are evicted
	DefaultSweepInterval = 5 * time.Second

	// beacons are compact JSON; anything bigger is garbage
	maxDatagramSize = 2048
)

// Beacon is the multicast announcement payload. It deliberately
// carries no address field: a peer's IP is always taken from the
// datagram source, which cannot be spoofed by the payload.
type Beacon struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	TCPPort         int    `json:"tcp_port"`
	PublicKey       string `json:"public_key,omitempty"`
	IsAuthenticated bool   `json:"is_authenticated"`
}

// Config holds beacon engine settings.
type Config struct {
	Group         string
	Interval      time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Group:         DefaultGroup,
		Interval:      DefaultInterval,
		SweepInterval: DefaultSweepInterval,
	}
}

// Engine broadcasts and receives beacons. Self returns the current
// announcement so name changes and auth-state transitions show up in
// the next beacon without restarting the engine.
type Engine struct {
	cfg  Config
	reg  *registry.Registry
	self func() Beacon

	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	group *net.UDPAddr

	listenOnly atomic.Bool

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates a beacon engine feeding the given registry.
func NewEngine(cfg Config, reg *registry.Registry, self func() Beacon) *Engine {
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Engine{cfg: cfg, reg: reg, self: self}
}

// SetListenOnly suppresses beacon broadcasting while still receiving.
// Used before the device has authenticated, so it never announces
// itself to the room ahead of the handshake.
func (e *Engine) SetListenOnly(v bool) {
	e.listenOnly.Store(v)
}

// ListenOnly reports whether broadcasting is suppressed.
func (e *Engine) ListenOnly() bool {
	return e.listenOnly.Load()
}

// Start joins the multicast group on the best local interface and
// launches the receive, broadcast and sweep loops. Fails when no
// usable interface exists.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	group, err := net.ResolveUDPAddr("udp4", e.cfg.Group)
	if err != nil {
		return fmt.Errorf("resolve multicast group %s: %w", e.cfg.Group, err)
	}

	ifi, err := SelectInterface()
	if err != nil {
		return fmt.Errorf("select beacon interface: %w", err)
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, group)
	if err != nil {
		return fmt.Errorf("join multicast group %s on %s: %w", e.cfg.Group, ifi.Name, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastInterface(ifi); err != nil {
		slog.Warn("set multicast egress interface failed", "iface", ifi.Name, "error", err)
	}
	if err := pc.SetMulticastTTL(1); err != nil {
		slog.Warn("set multicast TTL failed", "error", err)
	}
	// Multiple instances may share one host (the TCP port probe exists
	// for exactly that), so loop beacons back locally.
	if err := pc.SetMulticastLoopback(true); err != nil {
		slog.Warn("set multicast loopback failed", "error", err)
	}

	e.conn = conn
	e.pc = pc
	e.group = group
	e.stop = make(chan struct{})
	e.started = true

	slog.Info("beacon engine started",
		"group", e.cfg.Group,
		"iface", ifi.Name,
		"interval", e.cfg.Interval,
		"listen_only", e.listenOnly.Load(),
	)

	e.wg.Add(3)
	go e.receiveLoop()
	go e.broadcastLoop()
	go e.sweepLoop()
	return nil
}

// Stop closes the socket and waits for the loops to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stop)
	e.conn.Close()
	e.mu.Unlock()

	e.wg.Wait()
	slog.Info("beacon engine stopped")
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("beacon read error", "error", err)
			continue
		}
		e.handleDatagram(buf[:n], src)
	}
}

// handleDatagram parses one beacon and upserts the sender into the
// registry. Self-beacons and garbage are dropped.
func (e *Engine) handleDatagram(data []byte, src *net.UDPAddr) {
	var b Beacon
	if err := json.Unmarshal(data, &b); err != nil {
		slog.Debug("dropping malformed beacon", "from", src.String(), "error", err)
		return
	}
	if b.DeviceID == "" || b.DeviceID == e.self().DeviceID {
		return
	}
	if b.TCPPort <= 0 || b.TCPPort > 65535 {
		slog.Debug("dropping beacon with invalid port", "device_id", b.DeviceID, "port", b.TCPPort)
		return
	}

	e.reg.Upsert(registry.Peer{
		DeviceID:        b.DeviceID,
		DeviceName:      b.DeviceName,
		IPAddress:       src.IP.String(),
		TCPPort:         b.TCPPort,
		PublicKeyPEM:    b.PublicKey,
		IsAuthenticated: b.IsAuthenticated,
	})
}

func (e *Engine) broadcastLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if e.listenOnly.Load() {
				continue
			}
			e.broadcastOnce()
		}
	}
}

func (e *Engine) broadcastOnce() {
	data, err := json.Marshal(e.self())
	if err != nil {
		slog.Warn("encode beacon failed", "error", err)
		return
	}
	if _, err := e.conn.WriteToUDP(data, e.group); err != nil {
		select {
		case <-e.stop:
		default:
			slog.Warn("beacon send failed", "error", err)
		}
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.reg.EvictExpired(time.Now())
		}
	}
}
