package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embermesh/beacon/pkg/diagnostics"
	"github.com/embermesh/beacon/pkg/eventbus"
)

type fakeSource struct {
	membership eventbus.Membership
}

func (f fakeSource) MembershipSnapshot(ctx context.Context) eventbus.Membership { return f.membership }

func (f fakeSource) DiagnosticsSnapshot(ctx context.Context) (diagnostics.Snapshot, error) {
	return diagnostics.Snapshot{HeartbeatsReceived: 7}, nil
}

func TestClientStatusRoundTrip(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "beacon.sock")

	src := fakeSource{membership: eventbus.Membership{ID: "self", Count: 3}}
	srv := NewServer(src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, socketPath) }()

	var resp Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = NewClient(socketPath).Status(context.Background())
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	require.Equal(t, "self", resp.ID)
	require.Equal(t, 3, resp.Membership.Count)
	require.Equal(t, uint64(7), resp.Diagnostics.HeartbeatsReceived)

	cancel()
}

func TestClientStatusFailsWithoutServer(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "nonexistent.sock")

	_, err := NewClient(socketPath).Status(context.Background())
	require.Error(t, err)
}
