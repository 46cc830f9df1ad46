package engine

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/embermesh/beacon/pkg/overlay"
	"github.com/embermesh/beacon/pkg/wire"
)

const writeBufferSize = 64

// peerConn is one socket's state: the underlying overlay connection, its
// outbound write queue (so a slow peer cannot block the engine loop), and
// the peer id bound to it once a 0-hop HEARTBEAT identifies the far end.
type peerConn struct {
	conn     overlay.Conn
	outbound chan *wire.Message
	peerID   string // empty until bound
	done     chan struct{}
}

func newPeerConn(conn overlay.Conn) *peerConn {
	return &peerConn{
		conn:     conn,
		outbound: make(chan *wire.Message, writeBufferSize),
		done:     make(chan struct{}),
	}
}

// send enqueues msg for transmission, dropping it if the outbound buffer is
// full rather than blocking the caller.
func (pc *peerConn) send(msg *wire.Message) {
	select {
	case pc.outbound <- msg:
	default:
	}
}

func (pc *peerConn) writeLoop(log *zap.SugaredLogger) {
	for {
		select {
		case msg, ok := <-pc.outbound:
			if !ok {
				return
			}
			if err := wire.WriteFrame(pc.conn, msg); err != nil {
				log.Debugw("write failed, closing connection", "error", err)
				_ = pc.conn.Close()
				return
			}
		case <-pc.done:
			return
		}
	}
}

func (pc *peerConn) close() {
	select {
	case <-pc.done:
	default:
		close(pc.done)
	}
	_ = pc.conn.Close()
}

// onAccepted registers a freshly established overlay connection and spawns
// its reader/writer goroutines. Called from the engine loop goroutine, so
// it may touch e.conns directly, but socket I/O itself happens off-loop.
func (e *Engine) onAccepted(ctx context.Context, conn overlay.Conn) {
	pc := newPeerConn(conn)

	e.connsMu.Lock()
	e.conns[pc] = struct{}{}
	e.connsMu.Unlock()

	go pc.writeLoop(e.log)
	go e.readLoop(ctx, pc)

	e.cmds <- cmdConnOpened{conn: pc}
}

func (e *Engine) onConnOpened(ctx context.Context, pc *peerConn) {
	hb := e.buildSelfHeartbeat(0)
	pc.send(hb)
	e.publishMembership(ctx)
}

func (e *Engine) readLoop(ctx context.Context, pc *peerConn) {
	defer func() {
		pc.close()
		e.connsMu.Lock()
		delete(e.conns, pc)
		e.connsMu.Unlock()
		select {
		case e.cmds <- cmdConnClosed{conn: pc}:
		case <-ctx.Done():
		}
	}()

	r := wire.NewReaderSize(pc.conn, e.tunables.MaxMessageSize)
	for {
		msg, err := r.Next()
		if err != nil {
			return
		}
		if msg == nil {
			continue // malformed/oversized/unknown frame, silently dropped
		}
		select {
		case e.cmds <- cmdInboundMessage{conn: pc, msg: msg}:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) onConnClosed(ctx context.Context, pc *peerConn) {
	if pc.peerID == "" {
		return
	}
	// A closed socket only clears the observed direct IP; it does not
	// evict the peer, which may still be reachable via a relayed
	// heartbeat through another connection.
	e.peers.ClearDirectIP(pc.peerID)
	e.publishMembership(ctx)
}

func remoteIP(conn overlay.Conn) net.IP {
	return conn.RemoteAddress()
}
