package core

// Bid is one worker's sealed bid for a round.
type Bid struct {
	WorkerID int64 `json:"worker_id" cbor:"worker_id"`
	Value    int64 `json:"value" cbor:"value"`
}

// RoundResolution is the outcome of resolving one round of bids.
type RoundResolution struct {
	// MaxBid is the highest bid of the round (0 when there were no bids)
	MaxBid int64

	// Survivors bid exactly MaxBid, sorted by worker id
	Survivors []int64

	// Losers bid strictly less than MaxBid, sorted by worker id
	Losers []int64
}

// Decided reports whether exactly one worker survived the round.
func (r RoundResolution) Decided() bool {
	return len(r.Survivors) == 1
}

// Tied reports whether the round eliminated nobody among two or more bidders.
func (r RoundResolution) Tied() bool {
	return len(r.Survivors) > 1 && len(r.Losers) == 0
}
