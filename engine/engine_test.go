package engine

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/sealedbid/protocol"
	"github.com/cloudx-io/sealedbid/status"
	"github.com/cloudx-io/sealedbid/transcript"
	"github.com/cloudx-io/sealedbid/transport"
)

func TestNew_RejectsSingleWorker(t *testing.T) {
	ln, err := transport.Listen(context.Background(), transport.Addr{Host: "127.0.0.1"}, transport.DefaultBacklog)
	assert.NoError(t, err)
	defer ln.Close()

	_, err = New(Config{Workers: 1}, ln)
	check.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = New(Config{Workers: 3}, nil)
	check.True(t, errors.Is(err, ErrInvalidConfig))
}

// Three workers bid {10, 20, 20}; the tied pair re-bids {5, 9}.
func TestRun_TieRestartsAmongSurvivors(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 3})
	result := runAsync(context.Background(), e)

	w1 := registerWorker(t, addr, 101)
	w2 := registerWorker(t, addr, 102)
	w3 := registerWorker(t, addr, 103)

	for _, w := range []*fakeWorker{w1, w2, w3} {
		w.expect(protocol.KindStart)
	}
	w1.bid(10)
	w2.bid(20)
	w3.bid(20)

	w1.expect(protocol.KindKill)
	w2.expect(protocol.KindStart)
	w3.expect(protocol.KindStart)

	w2.bid(5)
	w3.bid(9)

	w2.expect(protocol.KindKill)
	w3.expect(protocol.KindKill)

	r := waitResult(t, result)
	assert.NoError(t, r.err)
	check.Equal(t, WinnerDeclared, r.outcome.Kind)
	check.Equal(t, int64(103), r.outcome.WinnerID)
	check.Equal(t, int64(9), r.outcome.WinningBid)
	check.Equal(t, 2, r.outcome.Rounds)
	check.True(t, !r.outcome.Forced)
	check.Equal(t, e.AuctionID(), r.outcome.AuctionID)

	tr := r.outcome.Transcript
	check.Equal(t, transcript.OutcomeWinner, tr.Outcome)
	assert.Equal(t, 2, len(tr.Rounds))
	check.Equal(t, []int64{101}, tr.Rounds[0].Eliminated)
	check.Equal(t, []int64{102, 103}, tr.Rounds[0].Survivors)
	check.Equal(t, []int64{102}, tr.Rounds[1].Eliminated)
	check.Equal(t, []int64{103}, tr.Rounds[1].Survivors)

	check.Equal(t, PhaseTerminated, e.State().Phase)
}

// One of three workers disconnects after Start and before bidding.
func TestRun_DisconnectDuringBidding(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 3})
	result := runAsync(context.Background(), e)

	w1 := registerWorker(t, addr, 1)
	w2 := registerWorker(t, addr, 2)
	w3 := registerWorker(t, addr, 3)

	for _, w := range []*fakeWorker{w1, w2, w3} {
		w.expect(protocol.KindStart)
	}
	assert.NoError(t, w3.ep.Close())
	w1.bid(30)
	w2.bid(40)

	w1.expect(protocol.KindKill)
	w2.expect(protocol.KindKill)

	r := waitResult(t, result)
	assert.NoError(t, r.err)
	check.Equal(t, WinnerDeclared, r.outcome.Kind)
	check.Equal(t, int64(2), r.outcome.WinnerID)
	check.Equal(t, 1, r.outcome.Rounds)
	check.Equal(t, []int64{3}, r.outcome.Transcript.Rounds[0].Vanished)
}

// A bid line that arrives in two TCP segments is still one bid.
func TestRun_BidSplitAcrossSegments(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 2})
	result := runAsync(context.Background(), e)

	conn, err := net.DialTimeout("tcp4", addr.String(), testTimeout)
	assert.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("40000: 1\n"))
	assert.NoError(t, err)

	w2 := registerWorker(t, addr, 2)

	assert.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	assert.NoError(t, err)
	check.Equal(t, "start\n", line)
	w2.expect(protocol.KindStart)

	_, err = conn.Write([]byte("1: 4"))
	assert.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write([]byte("2\n"))
	assert.NoError(t, err)
	w2.bid(5)

	w2.expect(protocol.KindKill)
	line, err = r.ReadString('\n')
	assert.NoError(t, err)
	check.Equal(t, "kill\n", line)

	res := waitResult(t, result)
	assert.NoError(t, res.err)
	check.Equal(t, WinnerDeclared, res.outcome.Kind)
	check.Equal(t, int64(1), res.outcome.WinnerID)
	check.Equal(t, int64(42), res.outcome.WinningBid)
}

// The first bid read after a Start belongs to that round; anything after it
// on the same connection is a duplicate.
func TestRun_FirstBidAfterStartCountsForThatRound(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 3})
	result := runAsync(context.Background(), e)

	w1 := registerWorker(t, addr, 1)
	w2 := registerWorker(t, addr, 2)
	w3 := registerWorker(t, addr, 3)
	for _, w := range []*fakeWorker{w1, w2, w3} {
		w.expect(protocol.KindStart)
	}
	w1.bid(20)
	w2.bid(20)
	w3.bid(5)
	w3.expect(protocol.KindKill)

	w1.expect(protocol.KindStart)
	w2.expect(protocol.KindStart)
	w1.bid(7)
	w1.bid(30)
	w2.bid(10)

	w1.expect(protocol.KindKill)
	w2.expect(protocol.KindKill)

	r := waitResult(t, result)
	assert.NoError(t, r.err)
	check.Equal(t, int64(2), r.outcome.WinnerID)
	check.Equal(t, int64(10), r.outcome.WinningBid)
	check.Equal(t, 2, len(r.outcome.Transcript.Rounds))
	check.Equal(t, []int64{1}, r.outcome.Transcript.Rounds[1].Eliminated)
}

// A worker that already bid and then disconnects is a loss, not a vote.
func TestRun_DisconnectAfterBidDiscardsBid(t *testing.T) {
	var (
		mu     sync.Mutex
		states []RoundState
	)
	e, addr := newTestEngine(t, Config{Workers: 3}, WithObserver(func(s RoundState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))
	result := runAsync(context.Background(), e)

	w1 := registerWorker(t, addr, 1)
	w2 := registerWorker(t, addr, 2)
	w3 := registerWorker(t, addr, 3)
	for _, w := range []*fakeWorker{w1, w2, w3} {
		w.expect(protocol.KindStart)
	}

	w3.bid(99)
	waitFor(t, func() bool { return e.State().RespondedCount == 1 })
	assert.NoError(t, w3.ep.Close())
	waitFor(t, func() bool { return e.State().ExpectedCount == 2 })
	check.Equal(t, 0, e.State().RespondedCount)

	w1.bid(5)
	w2.bid(6)

	r := waitResult(t, result)
	assert.NoError(t, r.err)
	check.Equal(t, int64(2), r.outcome.WinnerID)
	check.Equal(t, int64(6), r.outcome.WinningBid)

	mu.Lock()
	defer mu.Unlock()
	for _, s := range states {
		check.True(t, s.RespondedCount <= s.ExpectedCount)
	}
}

// Identical bids forever still terminate through the forced draw.
func TestRun_PersistentTieIsBroken(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 3, MaxTieRounds: 3},
		WithRandSource(&mockRandSource{sequence: []int{1}}))
	result := runAsync(context.Background(), e)

	var done []<-chan protocol.Kind
	for _, id := range []int64{1, 2, 3} {
		w := registerWorker(t, addr, id)
		done = append(done, w.autoBid(50))
	}

	for _, ch := range done {
		check.Equal(t, protocol.KindKill, waitKind(t, ch))
	}

	r := waitResult(t, result)
	assert.NoError(t, r.err)
	check.Equal(t, WinnerDeclared, r.outcome.Kind)
	check.Equal(t, int64(2), r.outcome.WinnerID)
	check.Equal(t, int64(50), r.outcome.WinningBid)
	check.Equal(t, 3, r.outcome.Rounds)
	check.True(t, r.outcome.Forced)

	rounds := r.outcome.Transcript.Rounds
	assert.Equal(t, 3, len(rounds))
	check.True(t, !rounds[0].ForcedTieBreak)
	check.True(t, rounds[2].ForcedTieBreak)
	check.Equal(t, []int64{1, 3}, rounds[2].Eliminated)
}

// Ties within ties shrink the set each round until one worker is left.
func TestRun_NestedTies(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 4})
	result := runAsync(context.Background(), e)

	k1 := registerWorker(t, addr, 1).autoBid(10)
	k2 := registerWorker(t, addr, 2).autoBid(70, 30)
	k3 := registerWorker(t, addr, 3).autoBid(70, 40, 1)
	k4 := registerWorker(t, addr, 4).autoBid(70, 40, 2)

	for _, ch := range []<-chan protocol.Kind{k1, k2, k3, k4} {
		check.Equal(t, protocol.KindKill, waitKind(t, ch))
	}

	r := waitResult(t, result)
	assert.NoError(t, r.err)
	check.Equal(t, int64(4), r.outcome.WinnerID)
	check.Equal(t, 3, r.outcome.Rounds)
}

func TestRun_EveryWorkerVanishes(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 2})
	result := runAsync(context.Background(), e)

	w1 := registerWorker(t, addr, 1)
	w2 := registerWorker(t, addr, 2)
	w1.expect(protocol.KindStart)
	w2.expect(protocol.KindStart)
	assert.NoError(t, w1.ep.Close())
	assert.NoError(t, w2.ep.Close())

	r := waitResult(t, result)
	assert.NoError(t, r.err)
	check.Equal(t, NoWinner, r.outcome.Kind)
	check.Equal(t, transcript.OutcomeNoWinner, r.outcome.Transcript.Outcome)
}

func TestRun_WinnerNoticeWon(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 2, WinnerNotice: NoticeWon})
	result := runAsync(context.Background(), e)

	k1 := registerWorker(t, addr, 1).autoBid(1)
	k2 := registerWorker(t, addr, 2).autoBid(2)

	check.Equal(t, protocol.KindKill, waitKind(t, k1))
	check.Equal(t, protocol.KindWon, waitKind(t, k2))

	r := waitResult(t, result)
	assert.NoError(t, r.err)
	check.Equal(t, int64(2), r.outcome.WinnerID)
}

func TestRun_RegistrationTimeout(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 3, RegistrationTimeout: 200 * time.Millisecond})
	result := runAsync(context.Background(), e)

	registerWorker(t, addr, 1)

	r := waitResult(t, result)
	check.True(t, errors.Is(r.err, ErrTimeout))
	check.Equal(t, transcript.OutcomeAborted, r.outcome.Transcript.Outcome)
	check.Equal(t, PhaseTerminated, e.State().Phase)
}

func TestRun_BidTimeoutDropsNonResponders(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 3, BidTimeout: 300 * time.Millisecond})
	result := runAsync(context.Background(), e)

	k1 := registerWorker(t, addr, 1).autoBid(10)
	k2 := registerWorker(t, addr, 2).autoBid(20)
	silent := registerWorker(t, addr, 3)
	silent.expect(protocol.KindStart)

	check.Equal(t, protocol.KindKill, waitKind(t, k1))
	check.Equal(t, protocol.KindKill, waitKind(t, k2))
	silent.expect(protocol.KindKill)

	r := waitResult(t, result)
	assert.NoError(t, r.err)
	check.Equal(t, int64(2), r.outcome.WinnerID)
	check.Equal(t, []int64{3}, r.outcome.Transcript.Rounds[0].Vanished)
}

func TestRun_BidTimeoutAbortPolicy(t *testing.T) {
	e, addr := newTestEngine(t, Config{
		Workers:          2,
		BidTimeout:       200 * time.Millisecond,
		BidTimeoutPolicy: AbortOnTimeout,
	})
	result := runAsync(context.Background(), e)

	w1 := registerWorker(t, addr, 1)
	w2 := registerWorker(t, addr, 2)
	w1.expect(protocol.KindStart)
	w2.expect(protocol.KindStart)
	w1.bid(5)

	r := waitResult(t, result)
	check.True(t, errors.Is(r.err, ErrTimeout))
}

func TestRun_MalformedAndForeignBidsIgnored(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 2})
	result := runAsync(context.Background(), e)

	w1 := registerWorker(t, addr, 1)
	w2 := registerWorker(t, addr, 2)
	w1.expect(protocol.KindStart)
	w2.expect(protocol.KindStart)

	w1.sendRaw("one: lots")
	w1.sendRaw("1: 12.5")
	w1.sendRaw("2: 99")

	w1.bid(7)
	w1.bid(100) // duplicate within the round
	w2.bid(3)

	w1.expect(protocol.KindKill)
	w2.expect(protocol.KindKill)

	r := waitResult(t, result)
	assert.NoError(t, r.err)
	check.Equal(t, int64(1), r.outcome.WinnerID)
	check.Equal(t, int64(7), r.outcome.WinningBid)
}

func TestRun_BadRegistrationsAreDropped(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 2})
	result := runAsync(context.Background(), e)

	first := registerWorker(t, addr, 7)

	dup := registerWorker(t, addr, 7)
	dup.expectDropped()

	garbage := dialWorker(t, addr)
	garbage.sendRaw("hello there")
	garbage.expectDropped()

	second := registerWorker(t, addr, 8)

	k1 := first.autoBid(1)
	k2 := second.autoBid(2)
	check.Equal(t, protocol.KindKill, waitKind(t, k1))
	check.Equal(t, protocol.KindKill, waitKind(t, k2))

	r := waitResult(t, result)
	assert.NoError(t, r.err)
	check.Equal(t, int64(8), r.outcome.WinnerID)
	check.Equal(t, []int64{7, 8}, r.outcome.Transcript.Registered)
}

func TestRun_LateConnectionIsClosed(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 2})
	result := runAsync(context.Background(), e)

	w1 := registerWorker(t, addr, 1)
	w2 := registerWorker(t, addr, 2)
	w1.expect(protocol.KindStart)
	w2.expect(protocol.KindStart)

	late := registerWorker(t, addr, 3)
	late.expectDropped()

	w1.bid(1)
	w2.bid(2)

	r := waitResult(t, result)
	assert.NoError(t, r.err)
	check.Equal(t, int64(2), r.outcome.WinnerID)
}

func TestRun_ContextCancelled(t *testing.T) {
	e, _ := newTestEngine(t, Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, e)

	cancel()

	r := waitResult(t, result)
	check.True(t, errors.Is(r.err, context.Canceled))
}

func TestRun_OnlyOnce(t *testing.T) {
	e, _ := newTestEngine(t, Config{Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx)
	check.True(t, errors.Is(err, context.Canceled))

	_, err = e.Run(context.Background())
	check.True(t, errors.Is(err, ErrAlreadyRun))
}

func TestRun_PublishesToBoard(t *testing.T) {
	board := status.NewBoard()
	e, addr := newTestEngine(t, Config{Workers: 2}, WithBoard(board), WithAuctionID("auction-x"))
	result := runAsync(context.Background(), e)

	k1 := registerWorker(t, addr, 1).autoBid(3)
	k2 := registerWorker(t, addr, 2).autoBid(4)
	waitKind(t, k1)
	waitKind(t, k2)

	r := waitResult(t, result)
	assert.NoError(t, r.err)

	snap, ok := board.Snapshot()
	assert.True(t, ok)
	check.Equal(t, "auction-x", snap.AuctionID)
	check.Equal(t, "terminated", snap.Phase)
	check.True(t, snap.Done)
	check.Equal(t, "winner_declared", snap.Outcome)
	check.Equal(t, int64(2), snap.WinnerID)
}

// The survivor/loser partition holds for every recorded round.
func TestRun_TranscriptPartitionInvariant(t *testing.T) {
	e, addr := newTestEngine(t, Config{Workers: 4})
	result := runAsync(context.Background(), e)

	registerWorker(t, addr, 1).autoBid(40, 8)
	registerWorker(t, addr, 2).autoBid(40, 9)
	registerWorker(t, addr, 3).autoBid(12)
	registerWorker(t, addr, 4).autoBid(40, 9, 3)

	r := waitResult(t, result)
	assert.NoError(t, r.err)

	for _, round := range r.outcome.Transcript.Rounds {
		values := map[int64]int64{}
		for _, b := range round.Bids {
			values[b.WorkerID] = b.Value
		}
		for _, id := range round.Survivors {
			check.Equal(t, round.MaxBid, values[id])
		}
		for _, id := range round.Eliminated {
			check.True(t, values[id] < round.MaxBid || round.ForcedTieBreak)
		}
	}
	check.Equal(t, int64(2), r.outcome.WinnerID)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			time.Sleep(20 * time.Millisecond)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
