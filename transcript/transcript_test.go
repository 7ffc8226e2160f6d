package transcript

import (
	"testing"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/sealedbid/core"
)

func TestRecorder_RecordsRounds(t *testing.T) {
	tr := sampleTranscript()

	check.Equal(t, "auction-1", tr.AuctionID)
	check.Equal(t, 3, tr.Workers)
	check.Equal(t, []int64{101, 102, 103}, tr.Registered)
	check.Equal(t, OutcomeWinner, tr.Outcome)
	check.Equal(t, int64(103), tr.WinnerID)
	check.Equal(t, int64(9), tr.WinningBid)
	check.True(t, !tr.FinishedAt.Before(tr.StartedAt))

	assert.Equal(t, 2, len(tr.Rounds))

	first := tr.Rounds[0]
	check.Equal(t, 1, first.Number)
	check.Equal(t, []core.Bid{{WorkerID: 101, Value: 10}, {WorkerID: 102, Value: 20}, {WorkerID: 103, Value: 20}}, first.Bids)
	check.Equal(t, int64(20), first.MaxBid)
	check.Equal(t, []int64{101}, first.Eliminated)
	check.Equal(t, []int64{102, 103}, first.Survivors)

	second := tr.Rounds[1]
	check.Equal(t, 2, second.Number)
	check.Equal(t, []int64{102}, second.Eliminated)
	check.Equal(t, []int64{103}, second.Survivors)
}

func TestRecorder_VanishedAndUnresolvedRound(t *testing.T) {
	r := NewRecorder("auction-2", 2)
	r.Registered(1)
	r.Registered(2)

	r.BeginRound(1)
	r.Vanished(2)
	r.Vanished(1)

	tr := r.Finish(OutcomeNoWinner, 0, 0)

	assert.Equal(t, 1, len(tr.Rounds))
	check.Equal(t, []int64{1, 2}, tr.Rounds[0].Vanished)
	check.Equal(t, 0, len(tr.Rounds[0].Bids))
	check.Equal(t, OutcomeNoWinner, tr.Outcome)
}

func TestRecorder_ForcedTieBreakFlag(t *testing.T) {
	r := NewRecorder("auction-3", 2)
	r.BeginRound(1)
	r.Bid(1, 50)
	r.Bid(2, 50)
	r.Resolved(core.RoundResolution{MaxBid: 50, Survivors: []int64{2}, Losers: []int64{1}}, true)

	tr := r.Finish(OutcomeWinner, 2, 50)

	check.True(t, tr.Rounds[0].ForcedTieBreak)
}

func TestRecorder_IgnoresEventsOutsideRound(t *testing.T) {
	r := NewRecorder("auction-4", 2)
	r.Bid(1, 10)
	r.Vanished(1)
	r.Resolved(core.RoundResolution{}, false)

	tr := r.Finish(OutcomeNoWinner, 0, 0)

	check.Equal(t, 0, len(tr.Rounds))
}

func TestEncodeDecode(t *testing.T) {
	tr := sampleTranscript()

	data, err := Encode(tr)
	assert.NoError(t, err)

	decoded, err := Decode(data)
	assert.NoError(t, err)

	check.Equal(t, tr.AuctionID, decoded.AuctionID)
	check.Equal(t, tr.Registered, decoded.Registered)
	assert.Equal(t, len(tr.Rounds), len(decoded.Rounds))
	for i := range tr.Rounds {
		check.Equal(t, tr.Rounds[i].Bids, decoded.Rounds[i].Bids)
		check.Equal(t, tr.Rounds[i].Eliminated, decoded.Rounds[i].Eliminated)
		check.Equal(t, tr.Rounds[i].Survivors, decoded.Rounds[i].Survivors)
		check.Equal(t, tr.Rounds[i].MaxBid, decoded.Rounds[i].MaxBid)
	}
	check.Equal(t, tr.WinnerID, decoded.WinnerID)
	check.True(t, tr.StartedAt.Equal(decoded.StartedAt))
}

func TestEncode_Deterministic(t *testing.T) {
	tr := sampleTranscript()

	a, err := Encode(tr)
	assert.NoError(t, err)
	b, err := Encode(tr)
	assert.NoError(t, err)

	check.Equal(t, a, b)
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00})
	check.NotNil(t, err)
}
