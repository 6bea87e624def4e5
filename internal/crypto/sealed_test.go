package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	sealed, err := Seal("binance-secret", "hunter2")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "binance-secret")

	plain, err := Open(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "binance-secret", plain)

	again, err := Seal("binance-secret", "hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "fresh salt and nonce per seal")
}

func TestOpen_WrongOrMissingPassphrase(t *testing.T) {
	sealed, err := Seal("s", "right")
	require.NoError(t, err)

	_, err = Open(sealed, "wrong")
	assert.ErrorIs(t, err, ErrPassphrase)
	_, err = Open(sealed, "")
	assert.ErrorIs(t, err, ErrPassphrase)

	_, err = Open(SealedPrefix+"AAAA", "right")
	assert.Error(t, err)
}

func TestOpen_PlaintextPassesThrough(t *testing.T) {
	v, err := Open("plain-key", "")
	require.NoError(t, err)
	assert.Equal(t, "plain-key", v)

	_, err = Seal("x", "")
	assert.ErrorIs(t, err, ErrPassphrase)
}
