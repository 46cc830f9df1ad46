package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSolvesPow(t *testing.T) {
	id, err := Generate(8)
	require.NoError(t, err)
	require.True(t, VerifyPow(id.ID, id.Nonce, 8))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id, err := Generate(0)
	require.NoError(t, err)

	msg := []byte("seq:42")
	sig := id.Sign(msg)
	require.True(t, Verify(id.ID, msg, sig))
	require.False(t, Verify(id.ID, []byte("seq:43"), sig))
}

func TestVerifyPowRejectsWrongNonce(t *testing.T) {
	id, err := Generate(8)
	require.NoError(t, err)
	require.False(t, VerifyPow(id.ID, id.Nonce+1, 8))
}

func TestLoadOrGeneratePersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerate(dir, 4)
	require.NoError(t, err)

	second, err := LoadOrGenerate(dir, 4)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Priv, second.Priv)
}

func TestZeroDifficultyAcceptsAnyNonce(t *testing.T) {
	id, err := Generate(0)
	require.NoError(t, err)
	require.True(t, VerifyPow(id.ID, 0, 0))
}
