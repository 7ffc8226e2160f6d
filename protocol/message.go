// Package protocol implements the line-oriented text codec spoken between the
// auction manager and its bidders.
//
// Every message is a single line:
//
//	Register  bidder -> manager  "<listenPort>: <workerId>"
//	Start     manager -> bidder  "start"
//	Bid       bidder -> manager  "<workerId>: <bidValue>"
//	Kill      manager -> bidder  "kill"
//	Won       manager -> bidder  "won" (only when the distinct winner notice is enabled)
package protocol

import (
	"errors"
	"fmt"
	"strconv"
)

// MaxMessageSize is the largest accepted encoded message, newline excluded.
const MaxMessageSize = 400

// ErrMalformed is returned for any line that does not decode to the expected message kind.
var ErrMalformed = errors.New("malformed message")

// Kind identifies one of the protocol's message kinds.
type Kind int

const (
	KindUnknown Kind = iota
	KindRegister
	KindStart
	KindBid
	KindKill
	KindWon
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindStart:
		return "start"
	case KindBid:
		return "bid"
	case KindKill:
		return "kill"
	case KindWon:
		return "won"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Message is a decoded protocol message. Only the fields relevant to Kind are set.
type Message struct {
	Kind Kind

	// WorkerID is set for Register and Bid.
	WorkerID int64

	// ListenPort is set for Register. The manager only logs it.
	ListenPort int

	// Bid is set for Bid.
	Bid int64
}

// Register builds the message a bidder sends right after connecting.
func Register(listenPort int, workerID int64) Message {
	return Message{Kind: KindRegister, ListenPort: listenPort, WorkerID: workerID}
}

// Bid builds a sealed bid for the current round.
func Bid(workerID, value int64) Message {
	return Message{Kind: KindBid, WorkerID: workerID, Bid: value}
}

// Start asks a bidder to submit a bid for a new round.
func Start() Message { return Message{Kind: KindStart} }

// Kill tells a bidder the auction is over for it.
func Kill() Message { return Message{Kind: KindKill} }

// Won tells the winning bidder it won.
func Won() Message { return Message{Kind: KindWon} }

// Encode renders m in the wire format, without the trailing newline.
func Encode(m Message) string {
	switch m.Kind {
	case KindRegister:
		return strconv.Itoa(m.ListenPort) + ": " + strconv.FormatInt(m.WorkerID, 10)
	case KindBid:
		return strconv.FormatInt(m.WorkerID, 10) + ": " + strconv.FormatInt(m.Bid, 10)
	case KindStart:
		return "start"
	case KindKill:
		return "kill"
	case KindWon:
		return "won"
	default:
		return ""
	}
}

func (m Message) String() string {
	return Encode(m)
}
