package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mdlayher/vsock"
	"go.uber.org/atomic"
)

// DefaultBacklog mirrors the system maximum.
const DefaultBacklog = 0

// Listener is the manager's listening endpoint.
type Listener struct {
	ln     net.Listener
	addr   Addr
	closed atomic.Bool
}

// Listen binds and listens on addr. Port 0 picks an ephemeral port, which
// LocalAddress then reports.
func Listen(ctx context.Context, addr Addr, backlog int) (*Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		ln  net.Listener
		err error
	)
	switch addr.network() {
	case NetworkTCP:
		ln, err = listenTCP4(addr.Host, addr.Port, backlog)
	case NetworkVsock:
		ln, err = listenVsock(addr)
	default:
		return nil, fmt.Errorf("%w: unsupported network %q", ErrBind, addr.Network)
	}
	if err != nil {
		return nil, err
	}

	l := &Listener{ln: ln}
	host, port, err := addrFrom(ln.Addr())
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("%w: %w", ErrListen, err)
	}
	l.addr = Addr{Network: addr.network(), Host: host, Port: port}
	return l, nil
}

func listenVsock(addr Addr) (net.Listener, error) {
	if addr.Host == "" {
		ln, err := vsock.Listen(uint32(addr.Port), nil)
		if err != nil {
			return nil, fmt.Errorf("%w: vsock port %d: %w", ErrListen, addr.Port, err)
		}
		return ln, nil
	}
	cid, err := parseContextID(addr.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	ln, err := vsock.ListenContextID(cid, uint32(addr.Port), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: vsock %d:%d: %w", ErrListen, cid, addr.Port, err)
	}
	return ln, nil
}

// AcceptOne waits up to timeout for one inbound connection. A zero timeout
// blocks until a connection arrives or the listener is closed. ErrTimeout
// means nothing was pending.
func (l *Listener) AcceptOne(timeout time.Duration) (*Endpoint, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	if d, ok := l.ln.(interface{ SetDeadline(time.Time) error }); ok {
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}
		if err := d.SetDeadline(deadline); err != nil && !l.closed.Load() {
			return nil, fmt.Errorf("set accept deadline: %w", err)
		}
	}

	conn, err := l.ln.Accept()
	if err != nil {
		switch {
		case l.closed.Load() || errors.Is(err, net.ErrClosed):
			return nil, ErrClosed
		case errors.Is(err, os.ErrDeadlineExceeded):
			return nil, ErrTimeout
		default:
			return nil, fmt.Errorf("accept: %w", err)
		}
	}
	return newEndpoint(conn), nil
}

// LocalAddress reports the bound address.
func (l *Listener) LocalAddress() Addr {
	return l.addr
}

// Close stops accepting. Closing twice is a no-op.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.ln.Close()
}
