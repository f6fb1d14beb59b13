// Package channel is the TCP transport every protocol multiplexes
// over: a long-lived listener on the receiving side, and short-lived
// one-frame connections on the sending side.
package channel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"lanroom.dev/go/lanroom/internal/protocol"
)

const (
	// DefaultBasePort is the first port tried by the listener probe
	DefaultBasePort = 8888

	// DefaultMaxPortAttempts bounds the probe; the range is
	// [base, base+attempts-1], 8888-8987 by default
	DefaultMaxPortAttempts = 100

	// readChunkSize is the per-read buffer for inbound streams
	readChunkSize = 4096

	// connIdleTimeout closes inbound connections that stop sending
	connIdleTimeout = 30 * time.Second
)

// ErrNoPortAvailable is returned when every port in the probe range is
// taken.
var ErrNoPortAvailable = errors.New("no listening port available in probe range")

// Handler receives every successfully decoded inbound frame together
// with the remote address it arrived from.
type Handler func(frame protocol.Frame, remote net.Addr)

// bindFunc abstracts net.Listen for the port probe tests.
type bindFunc func(addr string) (net.Listener, error)

func systemBind(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// probePort linearly probes [base, base+attempts-1] until a bind
// succeeds. There is no port-reservation authority on a LAN host, and
// several instances may share one machine, so first-free wins.
func probePort(base, attempts int, bind bindFunc) (net.Listener, int, error) {
	for port := base; port < base+attempts; port++ {
		ln, err := bind(fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
		slog.Debug("port busy, probing next", "port", port)
	}
	return nil, 0, fmt.Errorf("%w: %d-%d", ErrNoPortAvailable, base, base+attempts-1)
}

// Server is the long-lived frame listener.
type Server struct {
	listener net.Listener
	port     int
	handler  Handler
	limiter  *connLimiter

	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Listen binds the first free port in [basePort, basePort+maxAttempts-1]
// and starts accepting connections.
func Listen(basePort, maxAttempts int, handler Handler) (*Server, error) {
	return listenWith(basePort, maxAttempts, handler, systemBind)
}

func listenWith(basePort, maxAttempts int, handler Handler, bind bindFunc) (*Server, error) {
	if basePort <= 0 {
		basePort = DefaultBasePort
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPortAttempts
	}

	ln, port, err := probePort(basePort, maxAttempts, bind)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener: ln,
		port:     port,
		handler:  handler,
		limiter:  newConnLimiter(),
		stop:     make(chan struct{}),
	}

	slog.Info("message channel listening", "port", port)
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Port returns the bound listening port.
func (s *Server) Port() int {
	return s.port
}

// Close shuts the listener and every live connection down.
func (s *Server) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	s.listener.Close()
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("message channel stopped", "port", s.port)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept failed", "error", err)
			continue
		}

		if err := s.limiter.allow(conn.RemoteAddr()); err != nil {
			slog.Warn("inbound connection throttled", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn reads the inbound byte stream, splits it on newlines and
// dispatches each decoded frame. Malformed or unknown lines are logged
// and dropped without tearing the connection down: robustness against
// garbage or partial peers beats strict error surfacing here.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer s.limiter.release(conn.RemoteAddr())

	remote := conn.RemoteAddr()
	var lb protocol.LineBuffer
	buf := make([]byte, readChunkSize)

	for {
		conn.SetReadDeadline(time.Now().Add(connIdleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			lines, ferr := lb.Feed(buf[:n])
			for _, line := range lines {
				s.dispatch(line, remote)
			}
			if ferr != nil {
				slog.Warn("oversized line dropped", "remote", remote.String(), "error", ferr)
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				slog.Debug("connection read ended", "remote", remote.String(), "error", err)
			}
			return
		}
		select {
		case <-s.stop:
			return
		default:
		}
	}
}

func (s *Server) dispatch(line []byte, remote net.Addr) {
	frame, err := protocol.Decode(line)
	if err != nil {
		slog.Warn("dropping undecodable line", "remote", remote.String(), "error", err)
		return
	}
	s.handler(frame, remote)
}
