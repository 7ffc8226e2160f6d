// Package transcript records what happened during an auction run and seals
// the record so it can be checked after the fact.
//
// A transcript is CBOR encoded with deterministic (core) encoding options and
// wrapped in a COSE_Sign1 envelope signed with an ephemeral ES384 key. When the
// manager runs inside a Nitro enclave, an NSM attestation document binding the
// payload digest and the signing key is attached as well.
package transcript

import (
	"slices"
	"time"

	"github.com/cloudx-io/sealedbid/core"
)

// Outcome values stored in Transcript.Outcome.
const (
	OutcomeWinner   = "winner_declared"
	OutcomeNoWinner = "no_winner"
	OutcomeAborted  = "aborted"
)

// Round is the record of one Start → bids → resolution cycle.
type Round struct {
	Number         int        `cbor:"number" json:"number"`
	Bids           []core.Bid `cbor:"bids" json:"bids"`
	MaxBid         int64      `cbor:"max_bid" json:"max_bid"`
	Eliminated     []int64    `cbor:"eliminated" json:"eliminated"`
	Vanished       []int64    `cbor:"vanished" json:"vanished"`
	Survivors      []int64    `cbor:"survivors" json:"survivors"`
	ForcedTieBreak bool       `cbor:"forced_tiebreak" json:"forced_tiebreak"`
}

// Transcript is the full record of an auction run.
type Transcript struct {
	AuctionID  string    `cbor:"auction_id" json:"auction_id"`
	Workers    int       `cbor:"workers" json:"workers"`
	Registered []int64   `cbor:"registered" json:"registered"`
	Rounds     []Round   `cbor:"rounds" json:"rounds"`
	Outcome    string    `cbor:"outcome" json:"outcome"`
	WinnerID   int64     `cbor:"winner_id" json:"winner_id"`
	WinningBid int64     `cbor:"winning_bid" json:"winning_bid"`
	StartedAt  time.Time `cbor:"started_at" json:"started_at"`
	FinishedAt time.Time `cbor:"finished_at" json:"finished_at"`
}

// Recorder accumulates a Transcript while an auction runs. It is not safe for
// concurrent use; the engine drives it from its event loop.
type Recorder struct {
	t       Transcript
	current *Round
	now     func() time.Time
}

// NewRecorder starts a transcript for an auction expecting the given number
// of workers.
func NewRecorder(auctionID string, workers int) *Recorder {
	r := &Recorder{now: time.Now}
	r.t = Transcript{
		AuctionID:  auctionID,
		Workers:    workers,
		Registered: []int64{},
		Rounds:     []Round{},
		StartedAt:  r.now().UTC(),
	}
	return r
}

// Registered records a worker admitted to the auction.
func (r *Recorder) Registered(workerID int64) {
	r.t.Registered = append(r.t.Registered, workerID)
}

// BeginRound opens a new round. Any round still open is closed as-is.
func (r *Recorder) BeginRound(number int) {
	r.flush()
	r.current = &Round{
		Number:     number,
		Bids:       []core.Bid{},
		Eliminated: []int64{},
		Vanished:   []int64{},
		Survivors:  []int64{},
	}
}

// Bid records a bid accepted in the current round.
func (r *Recorder) Bid(workerID, value int64) {
	if r.current == nil {
		return
	}
	r.current.Bids = append(r.current.Bids, core.Bid{WorkerID: workerID, Value: value})
}

// Vanished records a worker dropped during the current round.
func (r *Recorder) Vanished(workerID int64) {
	if r.current == nil {
		return
	}
	r.current.Vanished = append(r.current.Vanished, workerID)
}

// Resolved records the resolution of the current round and closes it.
func (r *Recorder) Resolved(res core.RoundResolution, forced bool) {
	if r.current == nil {
		return
	}
	r.current.MaxBid = res.MaxBid
	r.current.Eliminated = append(r.current.Eliminated, res.Losers...)
	r.current.Survivors = append(r.current.Survivors, res.Survivors...)
	r.current.ForcedTieBreak = forced
	r.flush()
}

// Finish closes the transcript and returns it.
func (r *Recorder) Finish(outcome string, winnerID, winningBid int64) Transcript {
	r.flush()
	r.t.Outcome = outcome
	r.t.WinnerID = winnerID
	r.t.WinningBid = winningBid
	r.t.FinishedAt = r.now().UTC()

	out := r.t
	out.Registered = slices.Clone(r.t.Registered)
	out.Rounds = slices.Clone(r.t.Rounds)
	return out
}

func (r *Recorder) flush() {
	if r.current == nil {
		return
	}
	slices.SortFunc(r.current.Bids, func(a, b core.Bid) int {
		switch {
		case a.WorkerID < b.WorkerID:
			return -1
		case a.WorkerID > b.WorkerID:
			return 1
		}
		return 0
	})
	slices.Sort(r.current.Vanished)
	r.t.Rounds = append(r.t.Rounds, *r.current)
	r.current = nil
}
