// Package bidder implements the worker side of the auction: connect to the
// manager, register, then answer every Start with one bid until told to stop.
package bidder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudx-io/sealedbid/protocol"
	"github.com/cloudx-io/sealedbid/transport"
)

// ErrCoordinatorSilent is returned when nothing arrives within MaxIdle.
var ErrCoordinatorSilent = errors.New("bidder: coordinator silent")

// Result is how a worker's participation ended.
type Result int

const (
	ResultFailed Result = iota

	// ResultKilled is the normal end: eliminated, or told the auction is over.
	ResultKilled

	// ResultWon is returned when the manager sends the distinct winner notice.
	ResultWon
)

func (r Result) String() string {
	switch r {
	case ResultKilled:
		return "killed"
	case ResultWon:
		return "won"
	default:
		return "failed"
	}
}

// Config configures a Worker.
type Config struct {
	Coordinator transport.Addr

	// WorkerID is announced at registration. 0 uses the process id.
	WorkerID int64

	// ReceiveTimeout bounds each wait for a message; an expired wait is
	// retried. 0 blocks.
	ReceiveTimeout time.Duration

	// MaxIdle fails the worker when no message arrives for this long. 0 waits forever.
	MaxIdle time.Duration

	Logger *slog.Logger
}

// Worker is one bidder connection.
type Worker struct {
	cfg      Config
	strategy Strategy
	log      *slog.Logger
}

// New creates a worker. A nil strategy bids at random.
func New(cfg Config, strategy Strategy) *Worker {
	if cfg.WorkerID == 0 {
		cfg.WorkerID = int64(os.Getpid())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if strategy == nil {
		strategy = NewRandomStrategy(uint64(cfg.WorkerID))
	}
	return &Worker{
		cfg:      cfg,
		strategy: strategy,
		log:      cfg.Logger.With("worker_id", cfg.WorkerID),
	}
}

// ID returns the id the worker registers with.
func (w *Worker) ID() int64 {
	return w.cfg.WorkerID
}

// Run connects, registers and bids until the manager sends kill or won.
// Cancelling ctx closes the connection.
func (w *Worker) Run(ctx context.Context) (Result, error) {
	ep, err := transport.Dial(ctx, w.cfg.Coordinator)
	if err != nil {
		return ResultFailed, err
	}
	defer ep.Close()
	stop := context.AfterFunc(ctx, func() { _ = ep.Close() })
	defer stop()

	_, port, err := ep.LocalAddress()
	if err != nil {
		return ResultFailed, fmt.Errorf("local address: %w", err)
	}
	if err := ep.Send(protocol.Encode(protocol.Register(port, w.cfg.WorkerID))); err != nil {
		return ResultFailed, fmt.Errorf("register: %w", err)
	}
	w.log.Debug("registered", "coordinator", w.cfg.Coordinator.String(), "listen_port", port)

	receiveTimeout := w.cfg.ReceiveTimeout
	if w.cfg.MaxIdle > 0 && (receiveTimeout == 0 || receiveTimeout > w.cfg.MaxIdle) {
		receiveTimeout = w.cfg.MaxIdle
	}

	round := 0
	lastHeard := time.Now()
	for {
		line, err := ep.ReceiveWithTimeout(receiveTimeout)
		if errors.Is(err, transport.ErrTimeout) {
			if w.cfg.MaxIdle > 0 && time.Since(lastHeard) >= w.cfg.MaxIdle {
				return ResultFailed, ErrCoordinatorSilent
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ResultFailed, ctx.Err()
			}
			return ResultFailed, fmt.Errorf("receive: %w", err)
		}
		lastHeard = time.Now()

		msg, err := protocol.DecodeCommand(line)
		if err != nil {
			w.log.Warn("unexpected message ignored", "message", line, "error", err)
			continue
		}

		switch msg.Kind {
		case protocol.KindStart:
			round++
			bid := w.strategy.Bid(round)
			if err := ep.Send(protocol.Encode(protocol.Bid(w.cfg.WorkerID, bid))); err != nil {
				return ResultFailed, fmt.Errorf("bid: %w", err)
			}
			w.log.Info("bidder has bid", "round", round, "bid", bid)
		case protocol.KindKill:
			w.log.Info("killed", "rounds", round)
			return ResultKilled, nil
		case protocol.KindWon:
			w.log.Info("won", "rounds", round)
			return ResultWon, nil
		}
	}
}
