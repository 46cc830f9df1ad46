package overlay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// tcpConn wraps a net.Conn with the RemoteAddress accessor Conn requires.
type tcpConn struct {
	net.Conn
}

func (c *tcpConn) RemoteAddress() net.IP {
	addr, ok := c.Conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}

// TCPTransport joins a "topic" by dialing a static list of peer addresses
// and accepting inbound connections on a local listen address. It stands
// in for the DHT-based discovery and encrypted transport this system
// treats as an external collaborator: real topic discovery would satisfy
// the same Transport interface.
type TCPTransport struct {
	listenAddr  string
	dialAddrs   []string
	dialTimeout time.Duration
	dialRetry   time.Duration
	log         *zap.SugaredLogger
	listener    net.Listener
	mu          sync.Mutex
	conns       map[net.Conn]Conn
	connCh      chan Conn
}

// NewTCPTransport creates an adapter that will listen on listenAddr and
// dial every address in dialAddrs once joined.
func NewTCPTransport(listenAddr string, dialAddrs []string) *TCPTransport {
	return &TCPTransport{
		listenAddr:  listenAddr,
		dialAddrs:   dialAddrs,
		dialTimeout: 5 * time.Second,
		dialRetry:   3 * time.Second,
		log:         zap.S().Named("overlay.tcp"),
		conns:       make(map[net.Conn]Conn),
		connCh:      make(chan Conn, 16),
	}
}

func (t *TCPTransport) Join(ctx context.Context, _ Topic) error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.listenAddr, err)
	}
	t.listener = ln

	p := pool.New().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		t.acceptLoop(ctx, ln)
		return nil
	})
	for _, addr := range t.dialAddrs {
		addr := addr
		p.Go(func(ctx context.Context) error {
			t.dialLoop(ctx, addr)
			return nil
		})
	}
	// Detached: Join returns once listening; the pool's goroutines keep
	// running for the lifetime of ctx.
	go func() { _ = p.Wait() }()

	return nil
}

func (t *TCPTransport) acceptLoop(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warnw("accept failed", "error", err)
			return
		}
		t.register(conn)
	}
}

func (t *TCPTransport) dialLoop(ctx context.Context, addr string) {
	ticker := time.NewTicker(t.dialRetry)
	defer ticker.Stop()

	dial := func() {
		dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
		defer cancel()
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
		if err != nil {
			t.log.Debugw("dial failed, will retry", "addr", addr, "error", err)
			return
		}
		t.register(conn)
	}

	dial()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			_, already := t.connForAddr(addr)
			t.mu.Unlock()
			if !already {
				dial()
			}
		}
	}
}

func (t *TCPTransport) connForAddr(addr string) (Conn, bool) {
	for raw, c := range t.conns {
		if raw.RemoteAddr().String() == addr {
			return c, true
		}
	}
	return nil, false
}

func (t *TCPTransport) register(raw net.Conn) {
	c := &tcpConn{Conn: raw}
	t.mu.Lock()
	t.conns[raw] = c
	t.mu.Unlock()

	select {
	case t.connCh <- c:
	default:
		t.log.Warnw("accept channel full, dropping connection notice", "remote", raw.RemoteAddr())
	}
}

func (t *TCPTransport) Accept(_ context.Context) <-chan Conn {
	return t.connCh
}

func (t *TCPTransport) Connections() []Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

func (t *TCPTransport) Close() error {
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
