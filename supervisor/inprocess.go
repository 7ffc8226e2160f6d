package supervisor

import (
	"context"
	"log/slog"

	"go.uber.org/atomic"

	"github.com/cloudx-io/sealedbid/bidder"
	"github.com/cloudx-io/sealedbid/transport"
)

// InProcess runs each worker as a goroutine speaking the same wire protocol
// over a real connection.
type InProcess struct {
	// Worker is the template for every worker; Coordinator and WorkerID are
	// filled in per spawn.
	Worker bidder.Config

	// NewStrategy picks the strategy for a worker id. nil bids at random.
	NewStrategy func(workerID int64) bidder.Strategy

	// FirstID is the id of the first spawned worker; later ones count up.
	FirstID int64

	next atomic.Int64
}

// SpawnWorker implements Spawner.
func (p *InProcess) SpawnWorker(ctx context.Context, addr transport.Addr) (Handle, error) {
	first := p.FirstID
	if first == 0 {
		first = 1
	}
	id := first + p.next.Inc() - 1

	cfg := p.Worker
	cfg.Coordinator = addr
	cfg.WorkerID = id
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var strategy bidder.Strategy
	if p.NewStrategy != nil {
		strategy = p.NewStrategy(id)
	}
	w := bidder.New(cfg, strategy)

	h := &inProcessHandle{id: id, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.result, h.err = w.Run(ctx)
		cfg.Logger.Debug("worker exited", "worker_id", id, "result", h.result.String(), "error", h.err)
	}()
	return h, nil
}

type inProcessHandle struct {
	id     int64
	done   chan struct{}
	result bidder.Result
	err    error
}

func (h *inProcessHandle) ID() int64 { return h.id }

func (h *inProcessHandle) Wait() error {
	<-h.done
	return h.err
}

// Result returns how the worker ended. Only valid after Wait returns.
func (h *inProcessHandle) Result() bidder.Result {
	<-h.done
	return h.result
}

// ResultOf returns the bidder result of an in-process handle, waiting for it
// to finish. ok is false for other handle types.
func ResultOf(h Handle) (result bidder.Result, ok bool) {
	ih, ok := h.(*inProcessHandle)
	if !ok {
		return bidder.ResultFailed, false
	}
	return ih.Result(), true
}
