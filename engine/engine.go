// Package engine runs a sealed-bid elimination auction over connected workers.
//
// A single goroutine owns the worker sets and round state. Socket I/O happens
// on helper goroutines (one accepting, one reading per connection) that only
// post events back to the owner, so no auction state is ever shared.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/status"
	"github.com/cloudx-io/sealedbid/transcript"
	"github.com/cloudx-io/sealedbid/transport"
)

var (
	// ErrTimeout is returned when a phase timeout expires and the policy
	// does not absorb it.
	ErrTimeout = errors.New("engine: phase timed out")

	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("engine: already run")

	ErrInvalidConfig = errors.New("engine: invalid config")
)

const eventBuffer = 64

// Config tunes an Engine.
type Config struct {
	// Workers is the number of registrations that closes the registration phase.
	Workers int

	// RegistrationTimeout bounds registration. 0 waits forever.
	RegistrationTimeout time.Duration

	// BidTimeout bounds each bidding round. 0 waits forever.
	BidTimeout       time.Duration
	BidTimeoutPolicy TimeoutPolicy

	WinnerNotice WinnerNotice

	// MaxTieRounds is the number of consecutive rounds without an elimination
	// after which the winner is drawn at random. 0 disables the draw.
	MaxTieRounds int

	Logger *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Engine)

// WithRandSource sets the source used for forced tie-breaks.
func WithRandSource(r core.RandSource) Option {
	return func(e *Engine) { e.rand = r }
}

// WithObserver registers fn to be called from the engine goroutine after
// every state change.
func WithObserver(fn func(RoundState)) Option {
	return func(e *Engine) { e.observer = fn }
}

// WithBoard publishes status snapshots to b.
func WithBoard(b *status.Board) Option {
	return func(e *Engine) { e.board = b }
}

// WithAuctionID overrides the generated auction id.
func WithAuctionID(id string) Option {
	return func(e *Engine) { e.auctionID = id }
}

// Engine is one auction run over a listening endpoint.
type Engine struct {
	cfg       Config
	ln        *transport.Listener
	log       *slog.Logger
	rand      core.RandSource
	observer  func(RoundState)
	board     *status.Board
	auctionID string

	started atomic.Bool
	events  chan event
	done    chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	state RoundState

	// owned by the engine goroutine
	provisional map[uint64]*transport.Endpoint
	active      map[int64]*WorkerProxy
	byConn      map[uint64]*WorkerProxy
	rec         *transcript.Recorder
	tieRounds   int
	forced      bool
}

// New creates an engine that takes ownership of ln. The listener is closed
// when Run returns.
func New(cfg Config, ln *transport.Listener, opts ...Option) (*Engine, error) {
	if cfg.Workers < 2 {
		return nil, fmt.Errorf("%w: need at least 2 workers, got %d", ErrInvalidConfig, cfg.Workers)
	}
	if ln == nil {
		return nil, fmt.Errorf("%w: nil listener", ErrInvalidConfig)
	}
	if cfg.MaxTieRounds < 0 {
		return nil, fmt.Errorf("%w: negative max tie rounds", ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		cfg:         cfg,
		ln:          ln,
		rand:        core.DefaultRandSource,
		auctionID:   uuid.NewString(),
		events:      make(chan event, eventBuffer),
		done:        make(chan struct{}),
		provisional: make(map[uint64]*transport.Endpoint),
		active:      make(map[int64]*WorkerProxy),
		byConn:      make(map[uint64]*WorkerProxy),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = cfg.Logger.With("auction_id", e.auctionID)
	e.rec = transcript.NewRecorder(e.auctionID, cfg.Workers)
	return e, nil
}

// AuctionID returns the id used in logs, status and the transcript.
func (e *Engine) AuctionID() string {
	return e.auctionID
}

// State returns a copy of the current round state. Safe for concurrent use.
func (e *Engine) State() RoundState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run drives the auction to completion. Terminal outcomes, including the
// case where every worker vanished, are returned as an Outcome with a nil
// error. Errors are reserved for phase timeouts the policy does not absorb
// and for cancellation of ctx.
func (e *Engine) Run(ctx context.Context) (Outcome, error) {
	if !e.started.CompareAndSwap(false, true) {
		return Outcome{}, ErrAlreadyRun
	}
	defer e.shutdown()

	e.wg.Add(1)
	go e.acceptLoop()

	e.log.Info("auction started",
		"workers", e.cfg.Workers,
		"addr", e.ln.LocalAddress().String(),
	)
	e.setState(RoundState{Phase: PhaseAwaitingRegistration})

	if err := e.awaitRegistration(ctx); err != nil {
		return e.abort(err)
	}
	e.closeProvisional()

	for {
		e.startRound()

		err := e.awaitBids(ctx)
		if errors.Is(err, ErrTimeout) && e.cfg.BidTimeoutPolicy == DropNonResponders {
			e.dropNonResponders()
		} else if err != nil {
			return e.abort(err)
		}

		if e.State().ExpectedCount == 0 {
			e.log.Warn("every worker vanished before bidding", "round", e.State().Round)
			e.rec.Resolved(core.ResolveRound(nil), false)
			return e.finish(NoWinner, 0, 0), nil
		}

		if winner, ok := e.resolve(); ok {
			bid, _ := winner.LastBid()
			return e.finish(WinnerDeclared, winner.ID(), bid), nil
		}
	}
}

func (e *Engine) finish(kind OutcomeKind, winnerID, winningBid int64) Outcome {
	st := e.State()
	st.Phase = PhaseTerminated
	e.setState(st)

	outcome := transcript.OutcomeNoWinner
	if kind == WinnerDeclared {
		outcome = transcript.OutcomeWinner
	}
	t := e.rec.Finish(outcome, winnerID, winningBid)

	e.log.Info("auction finished",
		"outcome", kind.String(),
		"winner_id", winnerID,
		"winning_bid", winningBid,
		"rounds", st.Round,
		"forced_tiebreak", e.forced,
	)
	e.publish(kind.String(), winnerID, winningBid)

	return Outcome{
		Kind:       kind,
		WinnerID:   winnerID,
		WinningBid: winningBid,
		Rounds:     st.Round,
		Forced:     e.forced,
		AuctionID:  e.auctionID,
		Transcript: t,
	}
}

func (e *Engine) abort(err error) (Outcome, error) {
	st := e.State()
	phase := st.Phase
	st.Phase = PhaseTerminated
	e.setState(st)

	t := e.rec.Finish(transcript.OutcomeAborted, 0, 0)
	e.log.Error("auction aborted", "phase", phase.String(), "round", st.Round, "error", err)
	e.publish(transcript.OutcomeAborted, 0, 0)

	return Outcome{
		Kind:       NoWinner,
		Rounds:     st.Round,
		AuctionID:  e.auctionID,
		Transcript: t,
	}, err
}

// shutdown stops the helper goroutines and releases every endpoint.
func (e *Engine) shutdown() {
	close(e.done)
	if err := e.ln.Close(); err != nil {
		e.log.Debug("close listener", "error", err)
	}
	e.closeProvisional()
	for id, w := range e.active {
		w.close()
		delete(e.active, id)
	}
	clear(e.byConn)
	e.wg.Wait()
}

func (e *Engine) closeProvisional() {
	for conn, ep := range e.provisional {
		_ = ep.Close()
		delete(e.provisional, conn)
	}
}

func (e *Engine) setState(s RoundState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()

	if e.observer != nil {
		e.observer(s)
	}
	e.publish("", 0, 0)
}

func (e *Engine) publish(outcome string, winnerID, winningBid int64) {
	if e.board == nil {
		return
	}
	st := e.State()
	e.board.Publish(status.Snapshot{
		AuctionID:  e.auctionID,
		Phase:      st.Phase.String(),
		Round:      st.Round,
		Expected:   st.ExpectedCount,
		Responded:  st.RespondedCount,
		Active:     e.activeIDs(),
		Done:       st.Phase == PhaseTerminated,
		Outcome:    outcome,
		WinnerID:   winnerID,
		WinningBid: winningBid,
	})
}

// activeIDs returns the registered worker ids in ascending order.
func (e *Engine) activeIDs() []int64 {
	ids := make([]int64, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (e *Engine) workerAttrs(w *WorkerProxy) []any {
	st := e.State()
	return []any{
		"worker_id", w.ID(),
		"remote", w.Remote(),
		"phase", st.Phase.String(),
		"round", st.Round,
	}
}
