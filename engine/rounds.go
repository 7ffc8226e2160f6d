package engine

import (
	"slices"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/protocol"
)

// startRound broadcasts Start to every active worker. Workers that cannot be
// reached are dropped before the round's expected count is fixed.
func (e *Engine) startRound() {
	st := e.State()
	st.Round++
	st.Phase = PhaseAwaitingBids
	st.RespondedCount = 0
	st.ExpectedCount = 0
	e.setState(st)
	e.rec.BeginRound(st.Round)

	for _, id := range e.activeIDs() {
		w := e.active[id]
		w.clearBid()
		if err := w.Send(protocol.Start()); err != nil {
			e.log.Warn("start failed, dropping worker", append(e.workerAttrs(w), "error", err)...)
			e.rec.Vanished(w.ID())
			e.remove(w)
		}
	}

	st.ExpectedCount = len(e.active)
	e.setState(st)
	e.log.Info("round started", "round", st.Round, "bidders", st.ExpectedCount)
}

// dropNonResponders applies the drop policy after a bidding timeout.
func (e *Engine) dropNonResponders() {
	for _, id := range e.activeIDs() {
		w := e.active[id]
		if _, ok := w.LastBid(); ok {
			continue
		}
		e.log.Warn("no bid before timeout, dropping worker", e.workerAttrs(w)...)
		_ = w.Send(protocol.Kill())
		e.vanish(w)
	}
}

// resolve eliminates every worker below the round's maximum. It returns the
// winner once a single worker remains.
func (e *Engine) resolve() (*WorkerProxy, bool) {
	st := e.State()
	st.Phase = PhaseResolving
	e.setState(st)

	bids := make([]core.Bid, 0, len(e.active))
	for _, id := range e.activeIDs() {
		w := e.active[id]
		if v, ok := w.LastBid(); ok {
			bids = append(bids, core.Bid{WorkerID: id, Value: v})
		}
	}

	res := core.ResolveRound(bids)
	for _, b := range bids {
		e.log.Info("bidder has bid", "round", st.Round, "worker_id", b.WorkerID, "bid", b.Value)
	}

	if len(res.Losers) == 0 && len(res.Survivors) > 1 {
		e.tieRounds++
	} else {
		e.tieRounds = 0
	}

	forced := false
	if len(res.Survivors) > 1 && e.cfg.MaxTieRounds > 0 && e.tieRounds >= e.cfg.MaxTieRounds {
		winner, rest := core.ForceTieBreak(res.Survivors, e.rand)
		e.log.Warn("persistent tie, drawing winner",
			"round", st.Round,
			"tied", res.Survivors,
			"tie_rounds", e.tieRounds,
			"winner_id", winner,
		)
		res.Survivors = []int64{winner}
		res.Losers = append(res.Losers, rest...)
		slices.Sort(res.Losers)
		forced = true
		e.forced = true
	}

	for _, id := range res.Losers {
		w := e.active[id]
		if err := w.Send(protocol.Kill()); err != nil {
			e.log.Debug("kill not delivered", append(e.workerAttrs(w), "error", err)...)
		}
		e.remove(w)
		e.log.Info("worker eliminated", "round", st.Round, "worker_id", id, "max_bid", res.MaxBid)
	}
	e.rec.Resolved(res, forced)

	if len(e.active) != 1 {
		e.log.Info("tie, restarting round", "round", st.Round, "survivors", res.Survivors, "max_bid", res.MaxBid)
		return nil, false
	}

	winner := e.active[res.Survivors[0]]
	e.log.Info("winner declared", "round", st.Round, "worker_id", winner.ID(), "bid", res.MaxBid)

	notice := protocol.Kill()
	if e.cfg.WinnerNotice == NoticeWon {
		notice = protocol.Won()
	}
	if err := winner.Send(notice); err != nil {
		e.log.Warn("winner notice not delivered", append(e.workerAttrs(winner), "error", err)...)
	}
	return winner, true
}
