package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/embermesh/beacon/pkg/dedup"
	"github.com/embermesh/beacon/pkg/wire"
)

// ChatRequest is the chat submission endpoint's input.
type ChatRequest struct {
	Content string
	Scope   wire.Scope
	Target  string
}

var (
	ErrInvalidContent = errors.New("invalid content")
	ErrInvalidScope   = errors.New("invalid scope")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

// SubmitChat hands req to the engine loop and waits for it to be accepted
// or rejected. Safe to call from any goroutine.
func (e *Engine) SubmitChat(ctx context.Context, req ChatRequest) error {
	result := make(chan error, 1)
	select {
	case e.cmds <- cmdChatSubmit{req: req, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitChat runs on the engine loop goroutine only.
func (e *Engine) submitChat(ctx context.Context, req ChatRequest) error {
	if len(req.Content) == 0 || len(req.Content) > wire.MaxChatContentLen {
		return ErrInvalidContent
	}
	if req.Scope != wire.ScopeLocal && req.Scope != wire.ScopeGlobal {
		return ErrInvalidScope
	}
	if !e.tunables.EnableChat {
		return ErrInvalidScope
	}

	if !e.global.Allow(time.Now()) {
		return ErrRateLimited
	}

	sender := e.id.ID.String()
	now := time.Now().UnixMilli()

	chat := &wire.Chat{
		Sender: sender, Content: req.Content, Timestamp: now,
		Scope: req.Scope, Hops: 0, Target: req.Target,
	}

	if req.Scope == wire.ScopeGlobal {
		chat.ID = chatContentID(sender, req.Content, now)
		sig := e.id.Sign(chatSignPayload(chat.ID))
		chat.Sig = hex.EncodeToString(sig)

		// Mark our own relay dedup so an echo of this chat looping back
		// through the fabric is suppressed rather than re-published.
		e.dedup.MarkRelayed(chat.ID, dedup.KindChat)

		e.broadcast(ctx, &wire.Message{Type: wire.TypeChat, Chat: chat}, nil)
	}

	e.publishChat(chat)
	return nil
}
