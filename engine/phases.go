package engine

import (
	"context"
	"errors"

	"github.com/cloudx-io/sealedbid/protocol"
	"github.com/cloudx-io/sealedbid/transport"
)

// awaitRegistration admits workers until the configured count is active.
func (e *Engine) awaitRegistration(ctx context.Context) error {
	timeout, stop := phaseTimer(e.cfg.RegistrationTimeout)
	defer stop()

	for len(e.active) < e.cfg.Workers {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			e.log.Warn("registration timed out",
				"registered", len(e.active),
				"expected", e.cfg.Workers,
			)
			return ErrTimeout
		case ev := <-e.events:
			switch ev.kind {
			case evAccepted:
				e.provisional[ev.conn] = ev.ep
				e.startReader(ev.conn, ev.ep)
				e.log.Debug("connection accepted", "remote", ev.ep.RemoteAddress())
			case evMessage:
				e.handleRegistrationMessage(ev)
			case evGone:
				e.handleGone(ev)
			}
		}
	}
	return nil
}

func (e *Engine) handleRegistrationMessage(ev event) {
	if w, ok := e.byConn[ev.conn]; ok {
		e.log.Warn("message before start ignored", append(e.workerAttrs(w), "message", ev.line)...)
		return
	}
	ep, ok := e.provisional[ev.conn]
	if !ok {
		return
	}
	delete(e.provisional, ev.conn)

	msg, err := protocol.DecodeRegister(ev.line)
	if err != nil {
		e.log.Warn("malformed registration, dropping connection",
			"remote", ep.RemoteAddress(),
			"error", err,
		)
		_ = ep.Close()
		return
	}
	if existing, dup := e.active[msg.WorkerID]; dup {
		e.log.Warn("duplicate registration, dropping new connection",
			append(e.workerAttrs(existing), "new_remote", ep.RemoteAddress())...)
		_ = ep.Close()
		return
	}

	w := newWorkerProxy(msg.WorkerID, msg.ListenPort, ev.conn, ep)
	e.active[w.ID()] = w
	e.byConn[ev.conn] = w
	e.rec.Registered(w.ID())
	e.log.Info("worker registered",
		"worker_id", w.ID(),
		"listen_port", w.ListenPort(),
		"remote", w.Remote(),
		"registered", len(e.active),
		"expected", e.cfg.Workers,
	)
	e.publish("", 0, 0)
}

// awaitBids collects one bid from every worker expected this round.
func (e *Engine) awaitBids(ctx context.Context) error {
	timeout, stop := phaseTimer(e.cfg.BidTimeout)
	defer stop()

	for {
		st := e.State()
		if st.RespondedCount == st.ExpectedCount {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			e.log.Warn("bidding timed out",
				"round", st.Round,
				"responded", st.RespondedCount,
				"expected", st.ExpectedCount,
			)
			return ErrTimeout
		case ev := <-e.events:
			switch ev.kind {
			case evAccepted:
				e.log.Warn("late connection closed", "remote", ev.ep.RemoteAddress(), "round", st.Round)
				_ = ev.ep.Close()
			case evMessage:
				e.handleBidMessage(ev)
			case evGone:
				e.handleGone(ev)
			}
		}
	}
}

// handleBidMessage records the first well-formed bid a worker sends after
// the round's Start. Later bids in the same round are ignored as duplicates.
// Bids carry no round number, so an extra bid written for round r that is
// read only after round r+1's Start counts as the worker's round r+1 bid.
func (e *Engine) handleBidMessage(ev event) {
	w, ok := e.byConn[ev.conn]
	if !ok {
		return
	}

	msg, err := protocol.DecodeBid(ev.line)
	if err != nil {
		e.log.Warn("malformed bid ignored", append(e.workerAttrs(w), "message", ev.line, "error", err)...)
		return
	}
	if msg.WorkerID != w.ID() {
		e.log.Warn("bid for another worker ignored", append(e.workerAttrs(w), "claimed_id", msg.WorkerID)...)
		return
	}
	if _, already := w.LastBid(); already {
		e.log.Warn("duplicate bid ignored", append(e.workerAttrs(w), "bid", msg.Bid)...)
		return
	}

	w.recordBid(msg.Bid)
	e.rec.Bid(w.ID(), msg.Bid)
	e.log.Debug("bid received", append(e.workerAttrs(w), "bid", msg.Bid)...)

	st := e.State()
	st.RespondedCount++
	e.setState(st)
}

// handleGone releases a connection whose peer closed or failed.
func (e *Engine) handleGone(ev event) {
	if ep, ok := e.provisional[ev.conn]; ok {
		delete(e.provisional, ev.conn)
		_ = ep.Close()
		e.log.Debug("unregistered connection closed", "remote", ep.RemoteAddress(), "error", ev.err)
		return
	}
	w, ok := e.byConn[ev.conn]
	if !ok {
		return
	}

	level := e.log.Warn
	if errors.Is(ev.err, transport.ErrPeerClosed) {
		level = e.log.Info
	}
	level("worker vanished", append(e.workerAttrs(w), "error", ev.err)...)
	e.vanish(w)
}

// vanish removes w from the auction as an automatic loss.
func (e *Engine) vanish(w *WorkerProxy) {
	e.remove(w)

	st := e.State()
	if st.Phase != PhaseAwaitingBids {
		e.publish("", 0, 0)
		return
	}
	e.rec.Vanished(w.ID())
	st.ExpectedCount--
	if _, bid := w.LastBid(); bid {
		st.RespondedCount--
	}
	e.setState(st)
}

func (e *Engine) remove(w *WorkerProxy) {
	w.close()
	delete(e.active, w.ID())
	delete(e.byConn, w.conn)
}
