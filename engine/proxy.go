package engine

import (
	"github.com/cloudx-io/sealedbid/protocol"
	"github.com/cloudx-io/sealedbid/transport"
)

// WorkerProxy correlates a registered worker with its connection. It is owned
// and mutated only by the engine goroutine.
type WorkerProxy struct {
	id         int64
	listenPort int
	conn       uint64
	ep         *transport.Endpoint

	lastBid int64
	hasBid  bool
}

func newWorkerProxy(id int64, listenPort int, conn uint64, ep *transport.Endpoint) *WorkerProxy {
	return &WorkerProxy{
		id:         id,
		listenPort: listenPort,
		conn:       conn,
		ep:         ep,
	}
}

// ID returns the worker's self-reported id.
func (w *WorkerProxy) ID() int64 {
	return w.id
}

// ListenPort returns the port the worker announced at registration.
func (w *WorkerProxy) ListenPort() int {
	return w.listenPort
}

// LastBid returns the worker's bid in the current round, if any.
func (w *WorkerProxy) LastBid() (int64, bool) {
	return w.lastBid, w.hasBid
}

// Send encodes and writes one message to the worker.
func (w *WorkerProxy) Send(m protocol.Message) error {
	return w.ep.Send(protocol.Encode(m))
}

// Remote returns the worker's network address.
func (w *WorkerProxy) Remote() string {
	return w.ep.RemoteAddress()
}

func (w *WorkerProxy) recordBid(v int64) {
	w.lastBid = v
	w.hasBid = true
}

func (w *WorkerProxy) clearBid() {
	w.lastBid = 0
	w.hasBid = false
}

func (w *WorkerProxy) close() {
	_ = w.ep.Close()
}
