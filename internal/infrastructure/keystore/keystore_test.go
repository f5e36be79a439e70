package keystore

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/duel-escrow/internal/p2p/protocol"
)

func openTemp(t *testing.T) *Keyring {
	t.Helper()
	kr, err := Open(filepath.Join(t.TempDir(), "keys", "keyring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kr.Close() })
	return kr
}

func TestCreateAndGet(t *testing.T) {
	kr := openTemp(t)

	created, err := kr.Create("alice")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(created.Address), "0x"))
	assert.Len(t, string(created.Address), 42)

	loaded, err := kr.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, created.Address, loaded.Address)
	assert.Equal(t, created.PrivateKey(), loaded.PrivateKey())

	_, err = kr.Create("alice")
	assert.ErrorIs(t, err, ErrKeyExists)
	_, err = kr.Get("nobody")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestImportMatchesProtocolAddress(t *testing.T) {
	kr := openTemp(t)
	seed := strings.Repeat("ab", ed25519.SeedSize)

	key, err := kr.Import("bob", seed)
	require.NoError(t, err)

	raw, _ := hex.DecodeString(seed)
	pub := ed25519.NewKeyFromSeed(raw).Public().(ed25519.PublicKey)
	assert.Equal(t, protocol.AddressFromPublicKey(pub), key.Address)

	fromEnv, err := FromSeed("0x" + seed)
	require.NoError(t, err)
	assert.Equal(t, key.Address, fromEnv.Address)

	_, err = kr.Import("short", "abcd")
	assert.True(t, errors.Is(err, ErrInvalidSeed))
}

func TestListAndDelete(t *testing.T) {
	kr := openTemp(t)
	for _, name := range []string{"carol", "alice", "bob"} {
		_, err := kr.Create(name)
		require.NoError(t, err)
	}

	keys, err := kr.List()
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, "alice", keys[0].Name)
	assert.Equal(t, "carol", keys[2].Name)

	require.NoError(t, kr.Delete("bob"))
	assert.ErrorIs(t, kr.Delete("bob"), ErrKeyNotFound)
	keys, err = kr.List()
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
