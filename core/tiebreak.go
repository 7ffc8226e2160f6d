package core

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"slices"
)

// RandSource provides random number generation for tie-breaking.
// This interface enables dependency injection for deterministic testing.
type RandSource interface {
	// Intn returns a random integer in [0, n). Panics if n <= 0.
	Intn(n int) int
}

// cryptoRandSource wraps crypto/rand for production use
type cryptoRandSource struct{}

// Intn returns a cryptographically secure random integer in [0, n).
// Panics if n <= 0 (programmer error).
func (cryptoRandSource) Intn(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("cryptoRandSource.Intn: n must be positive, got %d", n))
	}
	// rand.Int does not error when using rand.Reader
	// https://pkg.go.dev/crypto/rand#Int
	nBig, _ := rand.Int(rand.Reader, big.NewInt(int64(n)))
	return int(nBig.Int64())
}

// DefaultRandSource is a cryptographically secure random source.
var DefaultRandSource RandSource = cryptoRandSource{}

// ForceTieBreak picks one winner uniformly at random among tied workers and
// returns the rest as losers. It is used when repeated exact ties would
// otherwise keep an auction running indefinitely.
//
// The tied ids are sorted first, so a given RandSource sequence always picks
// the same worker regardless of input order.
func ForceTieBreak(tied []int64, randSource RandSource) (winner int64, losers []int64) {
	if len(tied) == 0 {
		panic("ForceTieBreak: no tied workers")
	}
	if randSource == nil {
		randSource = DefaultRandSource
	}

	ids := slices.Clone(tied)
	slices.Sort(ids)

	idx := randSource.Intn(len(ids))
	winner = ids[idx]
	losers = make([]int64, 0, len(ids)-1)
	losers = append(losers, ids[:idx]...)
	losers = append(losers, ids[idx+1:]...)
	return winner, losers
}
