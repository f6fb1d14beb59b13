package channel

import (
	"context"
	"fmt"
	"net"
	"time"

	"lanroom.dev/go/lanroom/internal/protocol"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// Send opens a short-lived connection to addr, writes exactly one
// frame line and closes. Oversized frames are rejected by the encoder
// before the dial happens. Transport failures are returned to the
// caller, which owns any retry policy.
func Send(ctx context.Context, addr string, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetWriteDeadline(deadline)

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write frame to %s: %w", addr, err)
	}
	return nil
}

// SendFunc matches Send's signature so protocols can take the sender
// as a dependency and tests can substitute a fake.
type SendFunc func(ctx context.Context, addr string, f protocol.Frame) error
