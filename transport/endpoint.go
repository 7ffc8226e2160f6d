package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
	"go.uber.org/atomic"
)

// SendTimeout bounds a single Send so a stalled peer cannot block the caller.
const SendTimeout = 5 * time.Second

// FragmentQuietGap is how long an unterminated tail waits for the rest of
// its line before it is taken as a whole message.
const FragmentQuietGap = 250 * time.Millisecond

const (
	readBufferSize  = 1024
	maxFragmentSize = 4 * readBufferSize
)

// Endpoint is an owned, connected stream. Once closed it is poisoned: every
// further Send or Receive fails with ErrClosed and Close is a no-op.
//
// Send and Close may be called from any goroutine. ReceiveWithTimeout must
// only be called from one goroutine at a time.
type Endpoint struct {
	conn    net.Conn
	closed  atomic.Bool
	buf     []byte
	partial []byte
	pending []string
}

func newEndpoint(conn net.Conn) *Endpoint {
	return &Endpoint{
		conn: conn,
		buf:  make([]byte, readBufferSize),
	}
}

// Dial connects to a listening manager.
func Dial(ctx context.Context, addr Addr) (*Endpoint, error) {
	switch addr.network() {
	case NetworkTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp4", addr.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
		}
		return newEndpoint(conn), nil
	case NetworkVsock:
		cid, err := parseContextID(addr.Host)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnect, err)
		}
		conn, err := vsock.Dial(cid, uint32(addr.Port), nil)
		if err != nil {
			return nil, fmt.Errorf("%w: vsock %d:%d: %w", ErrConnect, cid, addr.Port, err)
		}
		return newEndpoint(conn), nil
	default:
		return nil, fmt.Errorf("%w: unsupported network %q", ErrConnect, addr.Network)
	}
}

// Send writes msg followed by a newline. Short writes are retried until the
// whole message is out or the socket fails.
func (e *Endpoint) Send(msg string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	b := []byte(msg)

	_ = e.conn.SetWriteDeadline(time.Now().Add(SendTimeout))
	for len(b) > 0 {
		n, err := e.conn.Write(b)
		b = b[n:]
		if err != nil {
			if e.closed.Load() {
				return ErrClosed
			}
			return fmt.Errorf("%w: %w", ErrSend, err)
		}
	}
	return nil
}

// ReceiveWithTimeout returns the next message. A zero timeout blocks.
//
// Bytes are split on newlines and a line split across reads is reassembled.
// An unterminated tail is taken as a whole message only when the peer closes
// or stays quiet for FragmentQuietGap, which frames peers that send one
// unterminated message per write.
func (e *Endpoint) ReceiveWithTimeout(timeout time.Duration) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	if msg, ok := e.pop(); ok {
		return msg, nil
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		readDeadline, gapArmed := deadline, false
		if len(e.partial) > 0 {
			gap := time.Now().Add(FragmentQuietGap)
			if deadline.IsZero() || gap.Before(deadline) {
				readDeadline, gapArmed = gap, true
			}
		}
		if err := e.conn.SetReadDeadline(readDeadline); err != nil && !e.closed.Load() {
			return "", fmt.Errorf("%w: set deadline: %w", ErrReceive, err)
		}

		n, err := e.conn.Read(e.buf)
		if n > 0 {
			e.absorb(e.buf[:n])
			if msg, ok := e.pop(); ok {
				return msg, nil
			}
		}
		if err == nil {
			continue
		}

		switch {
		case e.closed.Load() || errors.Is(err, net.ErrClosed):
			return "", ErrClosed
		case errors.Is(err, os.ErrDeadlineExceeded):
			if !gapArmed {
				return "", ErrTimeout
			}
			e.flushPartial()
			if msg, ok := e.pop(); ok {
				return msg, nil
			}
		case errors.Is(err, io.EOF):
			e.flushPartial()
			if msg, ok := e.pop(); ok {
				return msg, nil
			}
			return "", ErrPeerClosed
		default:
			return "", fmt.Errorf("%w: %w", ErrReceive, err)
		}
	}
}

// absorb queues every complete line in b and keeps the unterminated tail.
func (e *Endpoint) absorb(b []byte) {
	e.partial = append(e.partial, b...)
	i := bytes.LastIndexByte(e.partial, '\n')
	if i < 0 {
		if len(e.partial) > maxFragmentSize {
			e.flushPartial()
		}
		return
	}
	e.pending = append(e.pending, SplitMessages(e.partial[:i+1])...)
	e.partial = append(e.partial[:0], e.partial[i+1:]...)
}

func (e *Endpoint) flushPartial() {
	e.pending = append(e.pending, SplitMessages(e.partial)...)
	e.partial = e.partial[:0]
}

func (e *Endpoint) pop() (string, bool) {
	if len(e.pending) == 0 {
		return "", false
	}
	msg := e.pending[0]
	e.pending = e.pending[1:]
	return msg, true
}

// LocalAddress reports this side's host and port.
func (e *Endpoint) LocalAddress() (string, int, error) {
	return addrFrom(e.conn.LocalAddr())
}

// RemoteAddress reports the peer's address for logging.
func (e *Endpoint) RemoteAddress() string {
	return e.conn.RemoteAddr().String()
}

// Closed reports whether Close has been called.
func (e *Endpoint) Closed() bool {
	return e.closed.Load()
}

// Close releases the connection. Closing an already closed endpoint is a no-op.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.conn.Close()
}

// SplitMessages cuts raw bytes into trimmed, non-empty lines.
func SplitMessages(b []byte) []string {
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
