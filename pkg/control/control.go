// Package control implements the local control socket the status CLI
// talks to: a long-running node exposes its membership and diagnostics
// snapshots over a unix domain socket, one JSON request/response per
// connection.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/embermesh/beacon/pkg/diagnostics"
	"github.com/embermesh/beacon/pkg/eventbus"
)

// Request is the single control-socket command shape. Command is
// presently always "status"; the field exists so the protocol can grow
// without breaking older clients.
type Request struct {
	Command string `json:"command"`
}

// Response carries either a populated snapshot or an error string.
type Response struct {
	ID          string               `json:"id"`
	Membership  eventbus.Membership  `json:"membership"`
	Diagnostics diagnostics.Snapshot `json:"diagnostics"`
	Error       string               `json:"error,omitempty"`
}

// StatusSource is the subset of *engine.Engine the control server needs.
// Defined here rather than imported directly so pkg/control has no
// dependency on pkg/engine's internals beyond this seam.
type StatusSource interface {
	MembershipSnapshot(ctx context.Context) eventbus.Membership
	DiagnosticsSnapshot(ctx context.Context) (diagnostics.Snapshot, error)
}

// Server accepts connections on a unix socket and answers status
// requests from the node passed to NewServer.
type Server struct {
	source StatusSource
	log    *zap.SugaredLogger
}

func NewServer(source StatusSource) *Server {
	return &Server{source: source, log: zap.S().Named("control")}
}

// Serve listens on socketPath until ctx is canceled. Any stale socket
// file left behind by a previous, uncleanly terminated process is
// removed before binding.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale control socket: %w", err)
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept control connection: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.log.Debugw("malformed control request", "error", err)
		return
	}

	resp := Response{Membership: s.source.MembershipSnapshot(ctx)}
	snap, err := s.source.DiagnosticsSnapshot(ctx)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Diagnostics = snap
	}
	resp.ID = resp.Membership.ID

	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Debugw("failed to write control response", "error", err)
	}
}

// Client dials a running node's control socket to fetch a status
// snapshot.
type Client struct {
	socketPath string
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Status performs one request/response round trip.
func (c *Client) Status(ctx context.Context) (Response, error) {
	var resp Response

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return resp, fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(Request{Command: "status"}); err != nil {
		return resp, fmt.Errorf("send control request: %w", err)
	}

	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return resp, fmt.Errorf("read control response: %w", err)
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}
