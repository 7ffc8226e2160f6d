// Package status exposes a read-only view of a running auction over HTTP.
//
// The engine publishes immutable snapshots to a Board; HTTP handlers load
// the latest snapshot without coordinating with the engine goroutine.
package status

import (
	"slices"
	"time"

	"go.uber.org/atomic"
)

// Snapshot is the auction state at one point in time.
type Snapshot struct {
	AuctionID  string    `json:"auction_id"`
	Phase      string    `json:"phase"`
	Round      int       `json:"round"`
	Expected   int       `json:"expected"`
	Responded  int       `json:"responded"`
	Active     []int64   `json:"active"`
	Done       bool      `json:"done"`
	Outcome    string    `json:"outcome,omitempty"`
	WinnerID   int64     `json:"winner_id,omitempty"`
	WinningBid int64     `json:"winning_bid,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Board holds the latest published Snapshot. The zero value is ready to use.
type Board struct {
	latest    atomic.Pointer[Snapshot]
	published atomic.Int64
}

// NewBoard returns an empty Board.
func NewBoard() *Board {
	return &Board{}
}

// Publish replaces the current snapshot. The caller must not modify s.Active
// afterwards.
func (b *Board) Publish(s Snapshot) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	b.latest.Store(&s)
	b.published.Inc()
}

// Snapshot returns a copy of the latest snapshot and whether one has been
// published yet.
func (b *Board) Snapshot() (Snapshot, bool) {
	s := b.latest.Load()
	if s == nil {
		return Snapshot{}, false
	}
	out := *s
	out.Active = slices.Clone(s.Active)
	return out, true
}

// Published returns the number of snapshots published so far.
func (b *Board) Published() int64 {
	return b.published.Load()
}
