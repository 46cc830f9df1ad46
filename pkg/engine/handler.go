package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"net"
	"time"

	"github.com/embermesh/beacon/pkg/dedup"
	"github.com/embermesh/beacon/pkg/eventbus"
	"github.com/embermesh/beacon/pkg/identity"
	"github.com/embermesh/beacon/pkg/wire"
)

// chatFreshnessWindow bounds how stale a GLOBAL chat's timestamp may be.
const chatFreshnessWindow = 60 * time.Second

// handleMessage is the message handler entry point, invoked only from
// the engine loop so it runs with exclusive access to the peer table,
// dedup filter, and rate limiters.
func (e *Engine) handleMessage(ctx context.Context, src *peerConn, msg *wire.Message) {
	switch msg.Type {
	case wire.TypeHeartbeat:
		e.handleHeartbeat(ctx, src, msg.Heartbeat)
	case wire.TypeLeave:
		e.handleLeave(ctx, src, msg.Leave)
	case wire.TypeChat:
		e.handleChat(ctx, src, msg.Chat)
	}
}

func (e *Engine) handleHeartbeat(ctx context.Context, src *peerConn, hb *wire.Heartbeat) {
	e.diag.IncHeartbeatsReceived(ctx)

	if existing, ok := e.peers.Get(hb.ID); ok && hb.Seq <= existing.Seq {
		e.diag.IncDuplicateSeq(ctx)
		return
	}

	id, err := decodeID(hb.ID)
	if err != nil {
		e.log.Debugw("heartbeat with malformed id", "error", err)
		return
	}

	if !identity.VerifyPow(id, hb.Nonce, e.tunables.PowDifficulty) {
		e.diag.IncInvalidPoW(ctx)
		return
	}

	if hb.Sig == "" {
		return
	}
	sig, err := hex.DecodeString(hb.Sig)
	if err != nil {
		return
	}
	if !identity.Verify(id, selfSeqSignPayload(hb.Seq), sig) {
		e.diag.IncInvalidSig(ctx)
		return
	}

	var directIP net.IP
	if hb.Hops == 0 {
		src.peerID = hb.ID
		directIP = remoteIP(src.conn)
	}

	wasNew := e.peers.AddOrUpdate(hb.ID, hb.Seq, directIP, time.Now())
	if wasNew {
		e.diag.IncNewPeersAdded(ctx)
		e.publishMembership(ctx)
	}

	if hb.Hops < e.tunables.MaxRelayHops {
		key := relayKeyHeartbeat(hb.ID, hb.Seq)
		if !e.dedup.HasRelayed(key, dedup.KindHeartbeat) {
			e.dedup.MarkRelayed(key, dedup.KindHeartbeat)
			relayed := &wire.Message{Type: wire.TypeHeartbeat, Heartbeat: &wire.Heartbeat{
				ID: hb.ID, Seq: hb.Seq, Hops: hb.Hops + 1, Nonce: hb.Nonce, Sig: hb.Sig,
			}}
			e.diag.IncHeartbeatsRelayed(ctx)
			e.broadcast(ctx, relayed, src)
		}
	}
}

func (e *Engine) handleLeave(ctx context.Context, src *peerConn, lv *wire.Leave) {
	if _, ok := e.peers.Get(lv.ID); !ok {
		return
	}

	id, err := decodeID(lv.ID)
	if err != nil {
		return
	}
	sig, err := hex.DecodeString(lv.Sig)
	if err != nil {
		return
	}
	if !identity.Verify(id, leavePayload(lv.ID), sig) {
		return
	}

	e.peers.Remove(lv.ID)
	e.diag.IncLeaveMessages(ctx)
	e.publishMembership(ctx)

	if lv.Hops < e.tunables.MaxRelayHops {
		key := lv.ID
		if !e.dedup.HasRelayed(key, dedup.KindLeave) {
			e.dedup.MarkRelayed(key, dedup.KindLeave)
			relayed := &wire.Message{Type: wire.TypeLeave, Leave: &wire.Leave{
				ID: lv.ID, Hops: lv.Hops + 1, Sig: lv.Sig,
			}}
			e.broadcast(ctx, relayed, src)
		}
	}
}

func (e *Engine) handleChat(ctx context.Context, src *peerConn, chat *wire.Chat) {
	if !e.tunables.EnableChat {
		return
	}

	switch chat.Scope {
	case wire.ScopeLocal:
		if src.peerID == "" || src.peerID != chat.Sender {
			return
		}
		if !e.rate.Allow(chat.Sender, time.Now()) {
			return
		}
		e.publishChat(chat)

	case wire.ScopeGlobal:
		if chat.Sig == "" || chat.ID == "" {
			return
		}
		wantID := chatContentID(chat.Sender, chat.Content, chat.Timestamp)
		if wantID != chat.ID {
			return
		}
		if absDuration(time.Since(time.UnixMilli(chat.Timestamp))) > chatFreshnessWindow {
			return
		}

		id, err := decodeID(chat.Sender)
		if err != nil {
			return
		}
		sig, err := hex.DecodeString(chat.Sig)
		if err != nil {
			return
		}
		if !identity.Verify(id, chatSignPayload(chat.ID), sig) {
			return
		}

		if e.dedup.HasRelayed(chat.ID, dedup.KindChat) {
			return
		}
		e.dedup.MarkRelayed(chat.ID, dedup.KindChat)

		if !e.rate.Allow(chat.Sender, time.Now()) {
			return
		}

		e.publishChat(chat)

		if chat.Hops < e.tunables.MaxRelayHops {
			relayed := &wire.Message{Type: wire.TypeChat, Chat: &wire.Chat{
				Sender: chat.Sender, Content: chat.Content, Timestamp: chat.Timestamp,
				Scope: chat.Scope, Hops: chat.Hops + 1, ID: chat.ID, Sig: chat.Sig, Target: chat.Target,
			}}
			e.broadcast(ctx, relayed, src)
		}
	}
}

func (e *Engine) publishChat(chat *wire.Chat) {
	e.bus.Publish(eventbus.Event{
		Type: eventbus.EventChat,
		Chat: &eventbus.Chat{
			Sender: chat.Sender, Content: chat.Content, Timestamp: chat.Timestamp,
			Scope: string(chat.Scope), Target: chat.Target,
		},
	})
}

func (e *Engine) publishMembership(ctx context.Context) {
	e.bus.Publish(eventbus.Event{
		Type:       eventbus.EventMembership,
		Membership: ptr(e.MembershipSnapshot(ctx)),
	})
}

func ptr[T any](v T) *T { return &v }

func decodeID(s string) (identity.ID, error) {
	var id identity.ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != ed25519.PublicKeySize {
		return id, errBadIDLength
	}
	copy(id[:], b)
	return id, nil
}

var errBadIDLength = errors.New("node id has wrong length for an ed25519 key")

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
