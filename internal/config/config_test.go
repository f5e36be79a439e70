package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

func TestLoadNodeDefaults(t *testing.T) {
	t.Setenv("P2P_NODE_ID", "n1")
	t.Setenv("P2P_DATA_DIR", "")
	t.Setenv("GENESIS_OWNER", " 0xOWNER ")
	t.Setenv("GENESIS_REFEREES", "0xRef1, ,0xref2")

	cfg, err := LoadNode()
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, "tmp/p2pnode/n1", cfg.DataDir)
	assert.Equal(t, 30*time.Second, cfg.MaxClockSkew)
	assert.Equal(t, match.Address("0xowner"), cfg.Genesis.Owner)
	assert.Equal(t, uint32(1000), cfg.Genesis.MaxFeeBps)
	assert.True(t, cfg.Genesis.IsReferee("0xref1"))
	assert.True(t, cfg.Genesis.IsReferee("0xref2"))
	assert.Len(t, cfg.Genesis.Referees, 2)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
}

func TestLoadNodeRejectsBadGenesis(t *testing.T) {
	t.Setenv("GENESIS_OWNER", "")
	_, err := LoadNode()
	require.Error(t, err)

	t.Setenv("GENESIS_OWNER", "0xowner")
	t.Setenv("GENESIS_MAX_FEE_BPS", "2000")
	_, err = LoadNode()
	assert.ErrorIs(t, err, match.ErrInvalidFeeConfig)
}

func TestLoadIndexer(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("P2P_NODE_URL", "http://node:18080/")
	t.Setenv("INDEXER_POLL_INTERVAL", "bogus")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://duel_escrow:duel_escrow_pass@db:5432/duel_escrow?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, "http://node:18080", cfg.NodeURL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 200, cfg.BatchSize)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)

	t.Setenv("INDEXER_BATCH_SIZE", "5000")
	_, err = Load()
	assert.Error(t, err)
}
