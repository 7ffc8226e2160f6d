package engine

import (
	"fmt"

	"github.com/cloudx-io/sealedbid/transcript"
)

// Phase is the engine's position in the auction state machine.
type Phase int

const (
	PhaseAwaitingRegistration Phase = iota
	PhaseAwaitingBids
	PhaseResolving
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingRegistration:
		return "awaiting_registration"
	case PhaseAwaitingBids:
		return "awaiting_bids"
	case PhaseResolving:
		return "resolving"
	case PhaseTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// RoundState is the engine's progress counters. RespondedCount never exceeds
// ExpectedCount.
type RoundState struct {
	Phase          Phase
	Round          int
	ExpectedCount  int
	RespondedCount int
}

// OutcomeKind distinguishes the two terminal outcomes.
type OutcomeKind int

const (
	NoWinner OutcomeKind = iota
	WinnerDeclared
)

func (k OutcomeKind) String() string {
	if k == WinnerDeclared {
		return "winner_declared"
	}
	return "no_winner"
}

// Outcome is the terminal result of a completed auction.
type Outcome struct {
	Kind       OutcomeKind
	WinnerID   int64
	WinningBid int64

	// Rounds is the number of bidding rounds started.
	Rounds int

	// Forced reports that the winner was drawn from a persistent tie.
	Forced bool

	AuctionID  string
	Transcript transcript.Transcript
}

// TimeoutPolicy decides what happens when a bidding round times out.
type TimeoutPolicy int

const (
	// DropNonResponders treats workers that have not bid as vanished and
	// resolves the round among those that did.
	DropNonResponders TimeoutPolicy = iota

	// AbortOnTimeout returns ErrTimeout from Run.
	AbortOnTimeout
)

// WinnerNotice selects the message sent to the winning worker.
type WinnerNotice int

const (
	// NoticeKill tells the winner "kill", the same as every loser.
	NoticeKill WinnerNotice = iota

	// NoticeWon sends the distinct "won" message.
	NoticeWon
)
