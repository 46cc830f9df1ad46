package engine

import (
	"context"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embermesh/beacon/pkg/dedup"
	"github.com/embermesh/beacon/pkg/identity"
	"github.com/embermesh/beacon/pkg/wire"
)

func newTestPeerConn(t *testing.T) *peerConn {
	t.Helper()
	c1, _ := net.Pipe()
	return newPeerConn(&fakeConn{Conn: c1, ip: net.IPv4(10, 0, 0, 1)})
}

// TestHandleChatRejectsStaleGlobalChat exercises S6: a GLOBAL chat whose
// signature and content-address both check out is still dropped once its
// timestamp falls outside the freshness window, and nothing is published
// or relayed as a result.
func TestHandleChatRejectsStaleGlobalChat(t *testing.T) {
	sender, err := identity.Generate(0)
	require.NoError(t, err)

	e, _ := newTestEngine(t, fastTunables())

	ctx := context.Background()
	_, sub := e.Bus().Subscribe()

	staleTimestamp := time.Now().Add(-120 * time.Second).UnixMilli()
	content := "hello from the past"
	senderHex := sender.ID.String()
	chatID := chatContentID(senderHex, content, staleTimestamp)
	sig := sender.Sign(chatSignPayload(chatID))

	chat := &wire.Chat{
		Sender:    senderHex,
		Content:   content,
		Timestamp: staleTimestamp,
		Scope:     wire.ScopeGlobal,
		Hops:      0,
		ID:        chatID,
		Sig:       hex.EncodeToString(sig),
	}

	src := newTestPeerConn(t)
	e.handleChat(ctx, src, chat)

	select {
	case <-sub:
		t.Fatal("stale GLOBAL chat must not be published to the event bus")
	case <-time.After(50 * time.Millisecond):
	}

	require.False(t, e.dedup.HasRelayed(chatID, dedup.KindChat), "a dropped chat must not be marked as relayed")
}

// TestHandleChatAcceptsFreshGlobalChat is the positive counterpart: a
// correctly signed, fresh GLOBAL chat is published and marked for dedup.
func TestHandleChatAcceptsFreshGlobalChat(t *testing.T) {
	sender, err := identity.Generate(0)
	require.NoError(t, err)

	e, _ := newTestEngine(t, fastTunables())

	ctx := context.Background()
	_, sub := e.Bus().Subscribe()

	now := time.Now().UnixMilli()
	content := "hello"
	senderHex := sender.ID.String()
	chatID := chatContentID(senderHex, content, now)
	sig := sender.Sign(chatSignPayload(chatID))

	chat := &wire.Chat{
		Sender:    senderHex,
		Content:   content,
		Timestamp: now,
		Scope:     wire.ScopeGlobal,
		Hops:      0,
		ID:        chatID,
		Sig:       hex.EncodeToString(sig),
	}

	src := newTestPeerConn(t)
	e.handleChat(ctx, src, chat)

	select {
	case ev := <-sub:
		require.NotNil(t, ev.Chat)
		require.Equal(t, content, ev.Chat.Content)
	case <-time.After(time.Second):
		t.Fatal("expected a fresh GLOBAL chat to be published")
	}

	require.True(t, e.dedup.HasRelayed(chatID, dedup.KindChat), "an accepted chat must be marked as relayed")
}

// TestSubmitChatRejectsOverlongContent exercises the chat submission
// endpoint's own validation, independent of relay/verification logic.
func TestSubmitChatRejectsOverlongContent(t *testing.T) {
	e, _ := newTestEngine(t, fastTunables())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runEngine(ctx, e)

	overlong := make([]byte, wire.MaxChatContentLen+1)
	for i := range overlong {
		overlong[i] = 'a'
	}

	err := e.SubmitChat(context.Background(), ChatRequest{Content: string(overlong), Scope: wire.ScopeLocal})
	require.ErrorIs(t, err, ErrInvalidContent)
}

func TestSubmitChatRejectsUnknownScope(t *testing.T) {
	e, _ := newTestEngine(t, fastTunables())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runEngine(ctx, e)

	err := e.SubmitChat(context.Background(), ChatRequest{Content: "hi", Scope: wire.Scope("BOGUS")})
	require.ErrorIs(t, err, ErrInvalidScope)
}
