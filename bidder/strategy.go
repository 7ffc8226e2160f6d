package bidder

import (
	"math/rand/v2"
	"sync"
)

// Strategy chooses a worker's bid for each round. round starts at 1.
type Strategy interface {
	Bid(round int) int64
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(round int) int64

func (f StrategyFunc) Bid(round int) int64 { return f(round) }

// DefaultBidCeiling is the exclusive upper bound of RandomStrategy bids.
const DefaultBidCeiling = 100

// RandomStrategy bids uniformly in [0, Ceiling).
type RandomStrategy struct {
	Ceiling int64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomStrategy returns a strategy seeded from seed. Distinct workers
// should use distinct seeds.
func NewRandomStrategy(seed uint64) *RandomStrategy {
	return &RandomStrategy{
		Ceiling: DefaultBidCeiling,
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *RandomStrategy) Bid(int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	ceiling := s.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultBidCeiling
	}
	return s.rng.Int64N(ceiling)
}

// Sequence bids the given values in order and repeats the last one.
func Sequence(values ...int64) Strategy {
	if len(values) == 0 {
		values = []int64{0}
	}
	return StrategyFunc(func(round int) int64 {
		if round < 1 {
			round = 1
		}
		if round > len(values) {
			return values[len(values)-1]
		}
		return values[round-1]
	})
}
