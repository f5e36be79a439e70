package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/duel-escrow/internal/p2p/protocol"
)

func TestBuildTxSignsAndValidates(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tx, err := buildTx(protocol.OpMatchJoin, protocol.MatchRefPayload{MatchID: 4}, priv, "", time.Now().UTC())
	require.NoError(t, err)
	assert.NotEmpty(t, tx.TxID)
	assert.NotEqual(t, tx.TxID, tx.Nonce)
	assert.Equal(t, protocol.AddressFromPublicKey(pub), tx.ActorAddress())
	require.NoError(t, tx.Verify())

	p, err := protocol.DecodePayload[protocol.MatchRefPayload](tx.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), p.MatchID)

	fixed, err := buildTx(protocol.OpMatchJoin, protocol.MatchRefPayload{MatchID: 4}, priv, " my-id ", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, "my-id", fixed.TxID)
}

func TestTxOpsCoverEveryOperation(t *testing.T) {
	seen := map[protocol.Operation]bool{}
	for _, op := range txOps() {
		assert.True(t, protocol.IsValidOp(op.op), op.name)
		seen[op.op] = true
	}
	assert.Len(t, seen, 12)
}
