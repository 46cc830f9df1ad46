// Package engine implements the single-writer membership and
// message-dissemination engine: the message handler, gossip ticker,
// connection manager, and chat submission endpoint, all serialized
// through one logical actor.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/embermesh/beacon/pkg/config"
	"github.com/embermesh/beacon/pkg/dedup"
	"github.com/embermesh/beacon/pkg/diagnostics"
	"github.com/embermesh/beacon/pkg/eventbus"
	"github.com/embermesh/beacon/pkg/identity"
	"github.com/embermesh/beacon/pkg/overlay"
	"github.com/embermesh/beacon/pkg/peertable"
	"github.com/embermesh/beacon/pkg/ratelimit"
	"github.com/embermesh/beacon/pkg/wire"
)

// broadcastConcurrency bounds how many peer sockets the engine writes to
// at once during a heartbeat/relay fan-out.
const broadcastConcurrency = 32

// Engine owns every piece of gossip/membership state and serializes all
// mutation to it through a single goroutine (Run).
type Engine struct {
	id       *identity.Identity
	tunables config.Tunables
	log      *zap.SugaredLogger

	peers  *peertable.Table
	dedup  *dedup.Filter
	rate   *ratelimit.Limiter
	global *ratelimit.Global
	diag   *diagnostics.Diagnostics
	bus    *eventbus.Bus

	transport overlay.Transport

	mySeq uint64

	connsMu sync.Mutex
	conns   map[*peerConn]struct{}

	cmds chan command
}

// New constructs an Engine. The returned Engine does nothing until Run is
// called.
func New(id *identity.Identity, tunables config.Tunables, transport overlay.Transport) (*Engine, error) {
	diag, err := diagnostics.New()
	if err != nil {
		return nil, fmt.Errorf("create diagnostics: %w", err)
	}

	expectedElements := uint(tunables.MaxPeers) * 64 //nolint:gosec
	if expectedElements == 0 {
		expectedElements = 4096
	}

	return &Engine{
		id:        id,
		tunables:  tunables,
		log:       zap.S().Named("engine"),
		peers:     peertable.New(id.ID.String(), tunables.MaxPeers),
		dedup:     dedup.New(expectedElements),
		rate:      ratelimit.New(tunables.ChatRateWindow, tunables.ChatRateMax),
		global:    ratelimit.NewGlobal(tunables.ChatRateWindow, tunables.ChatRateMax),
		diag:      diag,
		bus:       eventbus.New(),
		transport: transport,
		conns:     make(map[*peerConn]struct{}),
		cmds:      make(chan command, 256),
	}, nil
}

// Bus exposes the Event Bus for local subscribers.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// DiagnosticsSnapshot exposes a snapshot accessor for the status CLI /
// control socket.
func (e *Engine) DiagnosticsSnapshot(ctx context.Context) (diagnostics.Snapshot, error) {
	return e.diag.Snapshot(ctx)
}

// MembershipSnapshot builds the JSON-ready membership view rendered by
// the status CLI and published on the event bus.
func (e *Engine) MembershipSnapshot(ctx context.Context) eventbus.Membership {
	records := e.peers.Snapshot()
	peers := make([]eventbus.PeerView, 0, len(records))
	direct := 0
	for _, r := range records {
		pv := eventbus.PeerView{ID: r.ID}
		if r.DirectIP != nil {
			pv.IP = r.DirectIP.String()
			direct++
		}
		peers = append(peers, pv)
	}

	snap, err := e.diag.Snapshot(ctx)
	if err != nil {
		e.log.Warnw("diagnostics snapshot failed", "error", err)
	}

	return eventbus.Membership{
		Count:       len(records),
		Direct:      direct,
		TotalUnique: len(records),
		ID:          e.id.ID.String(),
		Peers:       peers,
		Diagnostics: eventbus.DiagnosticsView{
			HeartbeatsReceived: snap.HeartbeatsReceived,
			HeartbeatsRelayed:  snap.HeartbeatsRelayed,
			DuplicateSeq:       snap.DuplicateSeq,
			InvalidPoW:         snap.InvalidPoW,
			InvalidSig:         snap.InvalidSig,
			NewPeersAdded:      snap.NewPeersAdded,
			LeaveMessages:      snap.LeaveMessages,
		},
	}
}

// command is the engine loop's inbound union: every state mutation enters
// through exactly one of these, processed one at a time by Run.
type command interface{ isCommand() }

type cmdInboundMessage struct {
	conn *peerConn
	msg  *wire.Message
}

func (cmdInboundMessage) isCommand() {}

type cmdConnOpened struct{ conn *peerConn }

func (cmdConnOpened) isCommand() {}

type cmdConnClosed struct{ conn *peerConn }

func (cmdConnClosed) isCommand() {}

type cmdChatSubmit struct {
	req    ChatRequest
	result chan<- error
}

func (cmdChatSubmit) isCommand() {}

// Run drives the engine loop until ctx is canceled, then performs the
// graceful-leave shutdown sequence. The local node's own record, at seq=1,
// is written into the peer table before the loop starts reading accepted
// connections, so that the first connection sees a fully seeded self
// record rather than racing the first heartbeat tick.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.transport.Join(ctx, overlay.TopicFromName("beacon-gossip")); err != nil {
		return fmt.Errorf("join overlay topic: %w", err)
	}

	e.mySeq = 1
	e.peers.AddOrUpdate(e.id.ID.String(), e.mySeq, nil, time.Now())
	e.broadcast(ctx, e.buildSelfHeartbeat(0), nil)

	heartbeatTicker := time.NewTicker(e.tunables.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	e.dedup.StartRotation(ctx, e.tunables.RotationInterval)

	accepted := e.transport.Accept(ctx)

	for {
		select {
		case <-ctx.Done():
			e.shutdown(context.Background())
			return nil

		case conn := <-accepted:
			e.onAccepted(ctx, conn)

		case t := <-heartbeatTicker.C:
			e.handleHeartbeatTick(ctx, t)

		case cmd := <-e.cmds:
			e.dispatch(ctx, cmd)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case cmdInboundMessage:
		e.handleMessage(ctx, c.conn, c.msg)
	case cmdConnOpened:
		e.onConnOpened(ctx, c.conn)
	case cmdConnClosed:
		e.onConnClosed(ctx, c.conn)
	case cmdChatSubmit:
		c.result <- e.submitChat(ctx, c.req)
	}
}

// broadcast transmits msg to every open connection except exclude,
// bounding fan-out concurrency with an errgroup.
func (e *Engine) broadcast(ctx context.Context, msg *wire.Message, exclude *peerConn) {
	e.connsMu.Lock()
	targets := make([]*peerConn, 0, len(e.conns))
	for c := range e.conns {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	e.connsMu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(broadcastConcurrency)
	for _, c := range targets {
		c := c
		g.Go(func() error {
			c.send(msg)
			return nil
		})
	}
	_ = g.Wait()
}

func selfSeqSignPayload(seq uint64) []byte {
	return []byte("seq:" + decUint64(seq))
}

func decUint64(v uint64) string {
	return fmt.Sprintf("%d", v)
}

func leavePayload(id string) []byte {
	return []byte("type:LEAVE:" + id)
}

func chatContentID(sender, content string, timestamp int64) string {
	h := sha256.Sum256([]byte(sender + content + fmt.Sprintf("%d", timestamp)))
	return hex.EncodeToString(h[:])
}

func chatSignPayload(id string) []byte {
	return []byte("chat:" + id)
}

// relayKeyHeartbeat derives the dedup key for a heartbeat at a given
// sequence number.
func relayKeyHeartbeat(id string, seq uint64) string {
	return id + ":" + decUint64(seq)
}
