//go:build integration
// +build integration

package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/execution-hub/duel-escrow/internal/application/indexer"
	"github.com/execution-hub/duel-escrow/internal/domain/admin"
	"github.com/execution-hub/duel-escrow/internal/domain/match"
	"github.com/execution-hub/duel-escrow/internal/infrastructure/postgres"
	"github.com/execution-hub/duel-escrow/internal/infrastructure/sse"
	p2papi "github.com/execution-hub/duel-escrow/internal/p2p/api"
	"github.com/execution-hub/duel-escrow/internal/p2p/client"
	"github.com/execution-hub/duel-escrow/internal/p2p/consensus"
	"github.com/execution-hub/duel-escrow/internal/p2p/protocol"
	"github.com/execution-hub/duel-escrow/internal/p2p/state"
)

type party struct {
	priv ed25519.PrivateKey
	addr match.Address
}

func newParty(t *testing.T) party {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return party{priv: priv, addr: protocol.AddressFromPublicKey(pub)}
}

func TestMutualMatchIsIndexed(t *testing.T) {
	pool := newTestPool(t)
	owner, fees, alice, bob := newParty(t), newParty(t), newParty(t), newParty(t)

	node := newTestNode(t, admin.Config{Owner: owner.addr, FeeRecipient: fees.addr, DefaultFeeBps: 250, MaxFeeBps: 500})
	api := p2papi.NewServer(node, sse.NewHub(), zerolog.Nop())
	defer api.Close()
	srv := httptest.NewServer(api.Router())
	defer srv.Close()
	c := client.New(srv.URL)

	ctx := context.Background()
	txs := 0
	submit := func(p party, op protocol.Operation, payload any) state.Receipt {
		t.Helper()
		raw, _ := json.Marshal(payload)
		txs++
		id := fmt.Sprintf("it-%03d", txs)
		tx := protocol.Tx{TxID: id, Nonce: id, Timestamp: time.Now().UTC(), Op: op, Payload: raw}
		if err := tx.Sign(p.priv); err != nil {
			t.Fatalf("sign: %v", err)
		}
		receipt, err := c.SubmitTx(ctx, tx)
		if err != nil {
			t.Fatalf("%s by %s: %v", op, p.addr, err)
		}
		return receipt
	}

	for _, p := range []party{alice, bob} {
		submit(owner, protocol.OpTokenMint, protocol.TokenMintPayload{Token: "USDC", To: string(p.addr), Amount: 1000})
		submit(p, protocol.OpTokenApprove, protocol.TokenApprovePayload{Token: "USDC", Spender: string(state.EscrowAccount), Amount: 1000})
	}
	created := submit(alice, protocol.OpMatchCreate, protocol.MatchCreatePayload{Token: "USDC", Stake: 100, JoinWindowSeconds: 600, ResolveWindowSeconds: 3600})
	ref := protocol.MatchRefPayload{MatchID: created.MatchID}
	submit(bob, protocol.OpMatchJoin, ref)
	submit(alice, protocol.OpResultSubmit, protocol.ResultSubmitPayload{MatchID: created.MatchID, ClaimedWinner: string(bob.addr)})
	submit(bob, protocol.OpResultSubmit, protocol.ResultSubmitPayload{MatchID: created.MatchID, ClaimedWinner: string(bob.addr)})

	m, err := c.Match(ctx, created.MatchID)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if m.Status != match.StatusResolved || m.Winner != bob.addr {
		t.Fatalf("unexpected match: %+v", m)
	}
	if got := node.Machine().Balance("USDC", bob.addr); got != 1095 {
		t.Fatalf("winner balance = %d, want 1095", got)
	}
	if got := node.Machine().Balance("USDC", fees.addr); got != 5 {
		t.Fatalf("fee balance = %d, want 5", got)
	}

	repo := postgres.NewMatchRepository(pool)
	svc := indexer.NewService(repo, c, 3, zerolog.Nop())
	for {
		n, err := svc.SyncOnce(ctx)
		if err != nil {
			t.Fatalf("sync: %v", err)
		}
		if n == 0 {
			break
		}
	}
	row, err := repo.GetMatch(ctx, created.MatchID)
	if err != nil || row == nil {
		t.Fatalf("indexed match: %v %v", row, err)
	}
	if row.Status != match.StatusResolved || row.Prize != 195 || row.Fee != 5 || row.Pot != 0 {
		t.Fatalf("unexpected row: %+v", row)
	}
	seq, err := repo.LastSeq(ctx)
	if err != nil {
		t.Fatalf("last seq: %v", err)
	}
	if events := node.Machine().ListEvents(0, 1000); uint64(len(events)) != seq {
		t.Fatalf("cursor %d, node has %d events", seq, len(events))
	}
}

func newTestNode(t *testing.T, cfg admin.Config) *consensus.Node {
	t.Helper()
	node, err := consensus.NewNode(consensus.Config{
		NodeID:    "it-1",
		RaftAddr:  freeAddr(t),
		DataDir:   t.TempDir(),
		Bootstrap: true,
		Genesis:   state.Genesis{Admin: cfg},
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = node.Shutdown() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := node.WaitForLeader(ctx, 50*time.Millisecond); err != nil {
		t.Fatalf("wait for leader: %v", err)
	}
	for !node.IsLeader() {
		select {
		case <-ctx.Done():
			t.Fatalf("node never became leader")
		case <-time.After(50 * time.Millisecond):
		}
	}
	return node
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("db pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := postgres.RunMigrations(ctx, pool, filepath.Join(repoRoot(t), "internal", "migrations")); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE TABLE match_events, matches, indexer_cursor`); err != nil {
		t.Fatalf("reset db: %v", err)
	}
	return pool
}

func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}
