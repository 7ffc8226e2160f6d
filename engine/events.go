package engine

import (
	"errors"
	"time"

	"github.com/cloudx-io/sealedbid/transport"
)

type eventKind int

const (
	evAccepted eventKind = iota
	evMessage
	evGone
)

// event is posted by the I/O goroutines to the engine goroutine. conn
// identifies the connection; events for connections the engine has already
// released are dropped.
type event struct {
	kind eventKind
	conn uint64
	ep   *transport.Endpoint
	line string
	err  error
}

const acceptRetryDelay = 50 * time.Millisecond

// post delivers ev unless the engine is shutting down.
func (e *Engine) post(ev event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()

	var next uint64
	for {
		ep, err := e.ln.AcceptOne(0)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			e.log.Warn("accept failed", "error", err)
			select {
			case <-e.done:
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		next++
		if !e.post(event{kind: evAccepted, conn: next, ep: ep}) {
			_ = ep.Close()
			return
		}
	}
}

// startReader begins reading conn. Called from the engine goroutine.
func (e *Engine) startReader(conn uint64, ep *transport.Endpoint) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			line, err := ep.ReceiveWithTimeout(0)
			if err != nil {
				e.post(event{kind: evGone, conn: conn, err: err})
				return
			}
			if !e.post(event{kind: evMessage, conn: conn, line: line}) {
				return
			}
		}
	}()
}

// phaseTimer returns a channel that fires after d, or nil when d is 0.
func phaseTimer(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}
