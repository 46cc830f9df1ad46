package engine

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/embermesh/beacon/pkg/wire"
)

// handleHeartbeatTick is the gossip engine's periodic tick: advance the
// self sequence, broadcast a fresh HEARTBEAT, and sweep stale peers.
func (e *Engine) handleHeartbeatTick(ctx context.Context, now time.Time) {
	e.mySeq++
	e.peers.AddOrUpdate(e.id.ID.String(), e.mySeq, nil, now)

	hb := e.buildSelfHeartbeat(0)
	e.broadcast(ctx, hb, nil)

	evicted := e.peers.SweepStale(now, e.tunables.LivenessTTL)
	if len(evicted) > 0 {
		e.log.Debugw("evicted stale peers", "ids", evicted)
		e.publishMembership(ctx)
	}
}

// buildSelfHeartbeat constructs a signed HEARTBEAT for the local node at
// the given hop count.
func (e *Engine) buildSelfHeartbeat(hops uint8) *wire.Message {
	sig := e.id.Sign(selfSeqSignPayload(e.mySeq))
	return &wire.Message{Type: wire.TypeHeartbeat, Heartbeat: &wire.Heartbeat{
		ID:    e.id.ID.String(),
		Seq:   e.mySeq,
		Hops:  hops,
		Nonce: e.id.Nonce,
		Sig:   hex.EncodeToString(sig),
	}}
}

// shutdown performs the best-effort graceful-leave sequence on
// cancellation: broadcast a signed LEAVE, wait ShutdownGrace, return.
func (e *Engine) shutdown(ctx context.Context) {
	sig := e.id.Sign(leavePayload(e.id.ID.String()))
	leave := &wire.Message{Type: wire.TypeLeave, Leave: &wire.Leave{
		ID: e.id.ID.String(), Hops: 0, Sig: hex.EncodeToString(sig),
	}}
	e.broadcast(ctx, leave, nil)
	e.log.Infow("broadcast leave, waiting for shutdown grace", "grace", e.tunables.ShutdownGrace)
	time.Sleep(e.tunables.ShutdownGrace)
}
