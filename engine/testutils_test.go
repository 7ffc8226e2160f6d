package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"

	"github.com/cloudx-io/sealedbid/protocol"
	"github.com/cloudx-io/sealedbid/transport"
)

const testTimeout = 5 * time.Second

// mockRandSource provides a deterministic random source for testing
type mockRandSource struct {
	sequence []int
	index    int
}

func (m *mockRandSource) Intn(n int) int {
	if m.index >= len(m.sequence) {
		return 0
	}
	val := m.sequence[m.index] % n
	m.index++
	return val
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine listens on an ephemeral loopback port.
func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, transport.Addr) {
	t.Helper()
	ln, err := transport.Listen(context.Background(), transport.Addr{Host: "127.0.0.1"}, transport.DefaultBacklog)
	assert.NoError(t, err)

	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	e, err := New(cfg, ln, opts...)
	assert.NoError(t, err)
	return e, ln.LocalAddress()
}

type runResult struct {
	outcome Outcome
	err     error
}

// runAsync runs e and returns a channel carrying its result.
func runAsync(ctx context.Context, e *Engine) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		out, err := e.Run(ctx)
		ch <- runResult{out, err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(testTimeout):
		t.Fatal("engine did not finish")
		return runResult{}
	}
}

// fakeWorker is a scripted worker speaking the wire protocol directly.
type fakeWorker struct {
	t  *testing.T
	id int64
	ep *transport.Endpoint
}

func dialWorker(t *testing.T, addr transport.Addr) *fakeWorker {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	ep, err := transport.Dial(ctx, addr)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })
	return &fakeWorker{t: t, ep: ep}
}

// registerWorker dials and registers id.
func registerWorker(t *testing.T, addr transport.Addr, id int64) *fakeWorker {
	t.Helper()
	w := dialWorker(t, addr)
	w.id = id
	_, port, err := w.ep.LocalAddress()
	assert.NoError(t, err)
	w.send(protocol.Register(port, id))
	return w
}

func (w *fakeWorker) send(m protocol.Message) {
	w.t.Helper()
	w.sendRaw(protocol.Encode(m))
}

func (w *fakeWorker) sendRaw(s string) {
	w.t.Helper()
	assert.NoError(w.t, w.ep.Send(s))
}

func (w *fakeWorker) bid(v int64) {
	w.t.Helper()
	w.send(protocol.Bid(w.id, v))
}

// next reads one command from the engine.
func (w *fakeWorker) next() (protocol.Kind, error) {
	line, err := w.ep.ReceiveWithTimeout(testTimeout)
	if err != nil {
		return protocol.KindUnknown, err
	}
	msg, err := protocol.DecodeCommand(line)
	if err != nil {
		return protocol.KindUnknown, err
	}
	return msg.Kind, nil
}

func (w *fakeWorker) expect(kind protocol.Kind) {
	w.t.Helper()
	got, err := w.next()
	assert.NoError(w.t, err)
	assert.Equal(w.t, kind, got)
}

// expectDropped waits for the engine to close the connection.
func (w *fakeWorker) expectDropped() {
	w.t.Helper()
	for {
		_, err := w.ep.ReceiveWithTimeout(testTimeout)
		if err == nil {
			continue
		}
		assert.True(w.t, errors.Is(err, transport.ErrPeerClosed) || errors.Is(err, transport.ErrReceive))
		return
	}
}

// autoBid answers every Start with the next value from bids (repeating the
// last one) and returns the terminating command on done.
func (w *fakeWorker) autoBid(bids ...int64) <-chan protocol.Kind {
	done := make(chan protocol.Kind, 1)
	go func() {
		round := 0
		for {
			kind, err := w.next()
			if err != nil {
				done <- protocol.KindUnknown
				return
			}
			switch kind {
			case protocol.KindStart:
				v := bids[len(bids)-1]
				if round < len(bids) {
					v = bids[round]
				}
				round++
				if err := w.ep.Send(protocol.Encode(protocol.Bid(w.id, v))); err != nil {
					done <- protocol.KindUnknown
					return
				}
			default:
				done <- kind
				return
			}
		}
	}()
	return done
}

func waitKind(t *testing.T, ch <-chan protocol.Kind) protocol.Kind {
	t.Helper()
	select {
	case k := <-ch:
		return k
	case <-time.After(testTimeout):
		t.Fatal("worker did not terminate")
		return protocol.KindUnknown
	}
}
