package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/rs/zerolog"

	"github.com/execution-hub/duel-escrow/internal/p2p/protocol"
	"github.com/execution-hub/duel-escrow/internal/p2p/state"
)

// ErrClockSkew rejects stale or future-dated txs at the leader.
var ErrClockSkew = errors.New("tx timestamp outside allowed clock skew")

// Config defines one Raft node runtime.
type Config struct {
	NodeID            string
	RaftAddr          string
	DataDir           string
	Bootstrap         bool
	SnapshotRetain    int
	SnapshotThreshold uint64 // applied txs between snapshots
	ApplyTimeout      time.Duration
	MaxClockSkew      time.Duration
	Genesis           state.Genesis
	Logger            zerolog.Logger
}

// Node wraps Raft + deterministic state machine.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration
	maxSkew      time.Duration
	now          func() time.Time
	logger       zerolog.Logger

	raft      *raft.Raft
	transport *raft.NetworkTransport
	stores    []*raftboltdb.BoltStore
	machine   *state.Machine
}

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if c.RaftAddr == "" {
		return c, errors.New("raft_addr is required")
	}
	if c.DataDir == "" {
		return c, errors.New("data_dir is required")
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.MaxClockSkew <= 0 {
		c.MaxClockSkew = 30 * time.Second
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 1024
	}
	return c, nil
}

// NewNode creates a Raft node.
func NewNode(cfg Config) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	machine, err := state.NewMachine(cfg.Genesis, cfg.Logger)
	if err != nil {
		return nil, err
	}
	fsm := &fsm{machine: machine}
	logger := cfg.Logger.With().Str("service", "consensus").Str("node_id", cfg.NodeID).Logger()
	// raft writes hclog lines; keep them in the node's log stream.
	raftLog := logger.With().Str("component", "raft").Logger()

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("open raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		_ = logStore.Close()
		return nil, fmt.Errorf("open raft stable store: %w", err)
	}
	stores := []*raftboltdb.BoltStore{logStore, stableStore}
	closeStores := func() {
		for _, st := range stores {
			_ = st.Close()
		}
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, raftLog)
	if err != nil {
		closeStores()
		return nil, err
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, raftLog)
	if err != nil {
		closeStores()
		return nil, fmt.Errorf("raft transport on %s: %w", cfg.RaftAddr, err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogOutput = raftLog
	raftCfg.SnapshotThreshold = cfg.SnapshotThreshold
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		_ = transport.Close()
		closeStores()
		return nil, err
	}

	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     cfg.RaftAddr,
		applyTimeout: cfg.ApplyTimeout,
		maxSkew:      cfg.MaxClockSkew,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger,
		raft:         r,
		transport:    transport,
		stores:       stores,
		machine:      machine,
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			return nil, err
		}
		if !hasState {
			future := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
				ID:      raft.ServerID(cfg.NodeID),
				Address: raft.ServerAddress(cfg.RaftAddr),
			}}})
			if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
				return nil, err
			}
			n.logger.Info().Str("raft_addr", cfg.RaftAddr).Msg("bootstrapped single-node cluster")
		}
	}

	return n, nil
}

// ApplyTx replicates one signed transaction through Raft and returns the
// receipt produced by the state machine.
func (n *Node) ApplyTx(ctx context.Context, tx protocol.Tx) (state.Receipt, error) {
	if err := tx.Verify(); err != nil {
		return state.Receipt{}, err
	}
	if err := checkSkew(tx.Timestamp, n.now(), n.maxSkew); err != nil {
		return state.Receipt{}, err
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return state.Receipt{}, err
	}
	timeout := n.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return state.Receipt{}, context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return state.Receipt{}, err
	}
	switch resp := future.Response().(type) {
	case applyResult:
		return resp.receipt, resp.err
	case error:
		return state.Receipt{}, resp
	default:
		return state.Receipt{}, fmt.Errorf("unexpected fsm response %T", resp)
	}
}

func checkSkew(ts, now time.Time, maxSkew time.Duration) error {
	diff := ts.Sub(now)
	if diff < 0 {
		diff = -diff
	}
	if diff > maxSkew {
		return fmt.Errorf("%w: %s off leader clock (max %s)", ErrClockSkew, diff.Truncate(time.Millisecond), maxSkew)
	}
	return nil
}

// AddVoter joins or updates one voter in the cluster config.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	nodeID = strings.TrimSpace(nodeID)
	raftAddr = strings.TrimSpace(raftAddr)
	if nodeID == "" || raftAddr == "" {
		return errors.New("node_id and raft_addr are required")
	}
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(raftAddr) {
			return nil
		}
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(raftAddr) {
			if err := n.raft.RemoveServer(srv.ID, 0, n.raftTimeout(ctx)).Error(); err != nil {
				return fmt.Errorf("replace stale server %s: %w", srv.ID, err)
			}
		}
	}
	if err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, n.raftTimeout(ctx)).Error(); err != nil {
		return err
	}
	n.logger.Info().Str("peer_id", nodeID).Str("peer_addr", raftAddr).Msg("voter added")
	return nil
}

// RemoveServer removes one server by node ID.
func (n *Node) RemoveServer(ctx context.Context, nodeID string) error {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return errors.New("node_id is required")
	}
	if err := n.raft.RemoveServer(raft.ServerID(nodeID), 0, n.raftTimeout(ctx)).Error(); err != nil {
		return err
	}
	n.logger.Info().Str("peer_id", nodeID).Msg("server removed")
	return nil
}

func (n *Node) raftTimeout(ctx context.Context) time.Duration {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// WaitForLeader waits until any leader is elected.
func (n *Node) WaitForLeader(ctx context.Context, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		leader := strings.TrimSpace(string(n.raft.Leader()))
		if leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) ID() string              { return n.id }
func (n *Node) RaftAddr() string        { return n.raftAddr }
func (n *Node) Machine() *state.Machine { return n.machine }
func (n *Node) IsLeader() bool          { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string      { return strings.TrimSpace(string(n.raft.Leader())) }

// LeaderNodeID returns leader ID if available.
func (n *Node) LeaderNodeID() string {
	_, leaderID := n.raft.LeaderWithID()
	return strings.TrimSpace(string(leaderID))
}

func (n *Node) State() string {
	return n.raft.State().String()
}

func (n *Node) Stats() map[string]string {
	stats := n.raft.Stats()
	out := make(map[string]string, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return out
}

// Shutdown stops Raft and transport.
func (n *Node) Shutdown() error {
	var shutdownErr error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			shutdownErr = err
		}
	}
	if n.transport != nil {
		_ = n.transport.Close()
	}
	for _, st := range n.stores {
		if err := st.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}
	return shutdownErr
}

// fsm wires raft log entries into the state machine.
type fsm struct {
	machine *state.Machine
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var tx protocol.Tx
	if err := json.Unmarshal(log.Data, &tx); err != nil {
		return fmt.Errorf("decode tx: %w", err)
	}
	// AppendedAt is stamped by the leader and replicated with the entry.
	receipt, err := f.machine.ApplyTx(tx, log.AppendedAt)
	return applyResult{receipt: receipt, err: err}
}

type applyResult struct {
	receipt state.Receipt
	err     error
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.machine.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return f.machine.Unmarshal(data)
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
