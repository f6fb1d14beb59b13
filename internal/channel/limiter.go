package channel

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// Inbound connection limits. Applied before any byte of a connection
// is parsed; a hostile or broken peer on the LAN cannot starve the
// listener.
const (
	maxConcurrentConns = 64
	globalConnsPerSec  = 50
	globalConnBurst    = 100
	perIPConnsPerSec   = 10
	perIPConnBurst     = 20
)

type connLimiter struct {
	mu      sync.Mutex
	current int
	global  *rate.Limiter
	perIP   map[string]*rate.Limiter
}

func newConnLimiter() *connLimiter {
	return &connLimiter{
		global: rate.NewLimiter(rate.Limit(globalConnsPerSec), globalConnBurst),
		perIP:  make(map[string]*rate.Limiter),
	}
}

func (cl *connLimiter) allow(remote net.Addr) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.current >= maxConcurrentConns {
		return fmt.Errorf("connection limit reached (%d)", maxConcurrentConns)
	}
	if !cl.global.Allow() {
		return fmt.Errorf("global connection rate exceeded")
	}

	ip := remoteIP(remote)
	lim, ok := cl.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(perIPConnsPerSec), perIPConnBurst)
		cl.perIP[ip] = lim
	}
	if !lim.Allow() {
		return fmt.Errorf("per-IP connection rate exceeded for %s", ip)
	}

	cl.current++
	return nil
}

func (cl *connLimiter) release(remote net.Addr) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.current > 0 {
		cl.current--
	}
}

func remoteIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
