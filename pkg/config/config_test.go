package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmptySettings(t *testing.T) {
	dir := t.TempDir()
	s, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, &Settings{}, s)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	want := &Settings{ListenAddr: "0.0.0.0:7777", PeerAddrs: []string{"10.0.0.1:7777"}}
	require.NoError(t, Save(dir, want))

	got, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestTunablesFromEnvAppliesOverride(t *testing.T) {
	t.Setenv("BEACON_MAX_PEERS", "128")
	t.Setenv("BEACON_ENABLE_CHAT", "false")

	tunables, err := TunablesFromEnv()
	require.NoError(t, err)
	require.Equal(t, 128, tunables.MaxPeers)
	require.False(t, tunables.EnableChat)
	require.Equal(t, DefaultTunables().HeartbeatInterval, tunables.HeartbeatInterval)
}

func TestTunablesFromEnvRejectsInvalidValue(t *testing.T) {
	t.Setenv("BEACON_MAX_PEERS", "not-a-number")
	_, err := TunablesFromEnv()
	require.Error(t, err)
}
