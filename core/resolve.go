package core

import "slices"

// ResolveRound executes one elimination step: every bid below the round's
// maximum loses, every bid equal to it survives.
//
// Processing flow:
//  1. Find the maximum bid
//  2. Partition workers into survivors (== max) and losers (< max)
//  3. Sort both lists by worker id so callers act on them deterministically
//
// Attribution is by worker id, so the order of bids does not matter.
func ResolveRound(bids []Bid) RoundResolution {
	if len(bids) == 0 {
		return RoundResolution{
			Survivors: []int64{},
			Losers:    []int64{},
		}
	}

	maxBid := bids[0].Value
	for _, bid := range bids[1:] {
		if bid.Value > maxBid {
			maxBid = bid.Value
		}
	}

	result := RoundResolution{
		MaxBid:    maxBid,
		Survivors: make([]int64, 0, len(bids)),
		Losers:    make([]int64, 0, len(bids)),
	}
	for _, bid := range bids {
		if bid.Value < maxBid {
			result.Losers = append(result.Losers, bid.WorkerID)
		} else {
			result.Survivors = append(result.Survivors, bid.WorkerID)
		}
	}

	slices.Sort(result.Survivors)
	slices.Sort(result.Losers)
	return result
}
