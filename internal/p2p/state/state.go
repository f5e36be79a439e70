package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/duel-escrow/internal/application/escrow"
	"github.com/execution-hub/duel-escrow/internal/domain/admin"
	"github.com/execution-hub/duel-escrow/internal/domain/match"
	"github.com/execution-hub/duel-escrow/internal/infrastructure/book"
	"github.com/execution-hub/duel-escrow/internal/p2p/protocol"
)

// EscrowAccount is the ledger account holding escrowed stakes.
const EscrowAccount = match.Address("0x00000000000000000000000000000000000e5c40")

const (
	ReceiptApplied  = "APPLIED"
	ReceiptRejected = "REJECTED"

	EventTokenMinted      = "TOKEN_MINTED"
	EventTokenApproved    = "TOKEN_APPROVED"
	EventTokenTransferred = "TOKEN_TRANSFERRED"
)

var ErrEmptySnapshot = errors.New("empty snapshot")

// Genesis is the initial replicated configuration.
type Genesis struct {
	Admin admin.Config `json:"admin"`
}

// Event is a committed notification with its position in the global log.
type Event struct {
	Seq       uint64          `json:"seq"`
	EventID   string          `json:"eventId"`
	TxID      string          `json:"txId"`
	MatchID   uint64          `json:"matchId,omitempty"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ReceiptError describes why a tx was rejected.
type ReceiptError struct {
	Kind    match.Kind `json:"kind,omitempty"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

// Receipt is the stored outcome of an applied or rejected tx.
type Receipt struct {
	TxID      string             `json:"txId"`
	Op        protocol.Operation `json:"op"`
	Actor     string             `json:"actor"`
	Status    string             `json:"status"`
	MatchID   uint64             `json:"matchId,omitempty"`
	FirstSeq  uint64             `json:"firstSeq,omitempty"`
	LastSeq   uint64             `json:"lastSeq,omitempty"`
	Error     *ReceiptError      `json:"error,omitempty"`
	AppliedAt time.Time          `json:"appliedAt"`
}

// Err returns the classified rejection, or nil for applied receipts.
func (r Receipt) Err() error {
	if r.Error == nil {
		return nil
	}
	return &match.Error{Kind: r.Error.Kind, Code: r.Error.Code, Message: r.Error.Message}
}

type snapshot struct {
	Escrow   escrow.State       `json:"escrow"`
	Ledger   json.RawMessage    `json:"ledger"`
	Events   []Event            `json:"events"`
	Receipts map[string]Receipt `json:"receipts"`
	Clock    time.Time          `json:"clock"`
}

// Machine is the deterministic replicated escrow state machine. It owns
// the escrow engine and the token book and serializes every tx.
type Machine struct {
	mu       sync.RWMutex
	engine   *escrow.Engine
	book     *book.Book
	events   []Event
	receipts map[string]Receipt
	clock    time.Time
	logger   zerolog.Logger

	// set for the duration of one ApplyTx
	txID   string
	staged []Event

	subMu       sync.RWMutex
	subscribers map[int]func(Event)
	nextSub     int
}

func NewMachine(genesis Genesis, logger zerolog.Logger) (*Machine, error) {
	m := &Machine{
		book:        book.New(),
		receipts:    map[string]Receipt{},
		logger:      logger.With().Str("service", "state").Logger(),
		subscribers: map[int]func(Event){},
	}
	engine, err := escrow.NewEngine(escrow.Options{
		Ledger:  m.book,
		Custody: EscrowAccount,
		Admin:   genesis.Admin,
		Clock:   escrow.ClockFunc(func() time.Time { return m.clock }),
		Sink:    escrow.SinkFunc(m.stageEngineEvent),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	m.engine = engine
	return m, nil
}

// Subscribe registers fn for every committed event. fn runs after the
// machine lock is released and must not block.
func (m *Machine) Subscribe(fn func(Event)) (cancel func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

func (m *Machine) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, fn := range m.subscribers {
		for _, ev := range events {
			fn(cloneEvent(ev))
		}
	}
}

// Marshal serializes current machine snapshot.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ledgerRaw, err := m.book.Marshal()
	if err != nil {
		return nil, err
	}
	return json.Marshal(snapshot{
		Escrow:   m.engine.Export(),
		Ledger:   ledgerRaw,
		Events:   m.events,
		Receipts: m.receipts,
		Clock:    m.clock,
	})
}

// Unmarshal restores machine state from snapshot payload.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return ErrEmptySnapshot
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Receipts == nil {
		s.Receipts = map[string]Receipt{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.engine.Restore(s.Escrow); err != nil {
		return fmt.Errorf("restore escrow: %w", err)
	}
	if len(s.Ledger) > 0 {
		if err := m.book.Unmarshal(s.Ledger); err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
	}
	m.events = s.Events
	m.receipts = s.Receipts
	m.clock = s.Clock.UTC()
	return nil
}

// ApplyTx validates and applies one signed transaction at execution time
// at. The signed timestamp never drives deadlines; at comes from the
// replicated log and is clamped so the clock never moves backwards. A tx
// that fails in the escrow or ledger is recorded as REJECTED and its error
// is returned with the receipt. Re-applying a known tx returns the stored
// receipt.
func (m *Machine) ApplyTx(tx protocol.Tx, at time.Time) (Receipt, error) {
	if err := tx.Verify(); err != nil {
		return Receipt{}, err
	}
	txID := strings.TrimSpace(tx.TxID)

	m.mu.Lock()
	if r, ok := m.receipts[txID]; ok {
		m.mu.Unlock()
		return r, r.Err()
	}
	at = at.UTC()
	if at.Before(m.clock) {
		at = m.clock
	}
	m.clock = at
	m.txID = txID
	m.staged = nil

	receipt := Receipt{
		TxID:      txID,
		Op:        tx.Op,
		Actor:     string(tx.ActorAddress()),
		Status:    ReceiptApplied,
		AppliedAt: at,
	}
	matchID, err := m.dispatchLocked(tx, at)
	receipt.MatchID = matchID
	var committed []Event
	if err != nil {
		receipt.Status = ReceiptRejected
		receipt.Error = &ReceiptError{Kind: match.KindOf(err), Code: match.CodeOf(err), Message: err.Error()}
		if receipt.Error.Code == "" {
			receipt.Error.Code = "REJECTED"
		}
	} else {
		committed = m.commitStagedLocked()
		if len(committed) > 0 {
			receipt.FirstSeq = committed[0].Seq
			receipt.LastSeq = committed[len(committed)-1].Seq
		}
	}
	m.staged = nil
	m.txID = ""
	m.receipts[txID] = receipt
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug().Str("tx_id", txID).Str("op", string(tx.Op)).Err(err).Msg("tx rejected")
		return receipt, err
	}
	m.publish(committed)
	return receipt, nil
}

func (m *Machine) stageEngineEvent(ev match.Event) {
	m.stageLocked(ev.MatchID, string(ev.Type), ev.Actor, ev.Payload, ev.At)
}

func (m *Machine) stageLocked(matchID uint64, eventType string, actor match.Address, payload any, at time.Time) {
	raw := json.RawMessage(nil)
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	name := strings.TrimSpace(actor.String())
	if name == "" {
		name = "system"
	}
	m.staged = append(m.staged, Event{
		TxID:      m.txID,
		MatchID:   matchID,
		Type:      eventType,
		Actor:     name,
		Payload:   raw,
		CreatedAt: at,
	})
}

func (m *Machine) commitStagedLocked() []Event {
	out := make([]Event, 0, len(m.staged))
	for _, ev := range m.staged {
		ev.Seq = uint64(len(m.events)) + 1
		ev.EventID = fmt.Sprintf("%s:%06d", ev.TxID, ev.Seq)
		m.events = append(m.events, ev)
		out = append(out, ev)
	}
	return out
}

func (m *Machine) dispatchLocked(tx protocol.Tx, at time.Time) (uint64, error) {
	ctx := context.Background()
	actor := tx.ActorAddress()
	switch tx.Op {
	case protocol.OpMatchCreate:
		p, err := decode[protocol.MatchCreatePayload](tx)
		if err != nil {
			return 0, err
		}
		if p.JoinWindowSeconds < 0 || p.ResolveWindowSeconds < 0 {
			return 0, fmt.Errorf("%w: windows must not be negative", match.ErrInvalidParameters)
		}
		return m.engine.CreateMatch(ctx, actor, escrow.CreateParams{
			Token:         p.Token,
			Stake:         p.Stake,
			Opponent:      match.NormalizeAddress(p.Opponent),
			JoinWindow:    seconds(p.JoinWindowSeconds),
			ResolveWindow: seconds(p.ResolveWindowSeconds),
			Resolver:      match.NormalizeAddress(p.Resolver),
		})
	case protocol.OpMatchJoin:
		p, err := decode[protocol.MatchRefPayload](tx)
		if err != nil {
			return 0, err
		}
		return p.MatchID, m.engine.JoinMatch(ctx, actor, p.MatchID)
	case protocol.OpResultSubmit:
		p, err := decode[protocol.ResultSubmitPayload](tx)
		if err != nil {
			return 0, err
		}
		return p.MatchID, m.engine.SubmitResult(ctx, actor, p.MatchID, match.NormalizeAddress(p.ClaimedWinner))
	case protocol.OpRefereeResolve:
		p, err := decode[protocol.RefereeResolvePayload](tx)
		if err != nil {
			return 0, err
		}
		return p.MatchID, m.engine.ResolveByReferee(ctx, actor, p.MatchID, match.NormalizeAddress(p.Winner))
	case protocol.OpRefundUnjoined:
		p, err := decode[protocol.MatchRefPayload](tx)
		if err != nil {
			return 0, err
		}
		return p.MatchID, m.engine.RefundIfUnjoined(ctx, actor, p.MatchID)
	case protocol.OpTimeoutWithdraw:
		p, err := decode[protocol.MatchRefPayload](tx)
		if err != nil {
			return 0, err
		}
		return p.MatchID, m.engine.WithdrawAfterTimeout(ctx, actor, p.MatchID)
	case protocol.OpSetResolver:
		p, err := decode[protocol.SetResolverPayload](tx)
		if err != nil {
			return 0, err
		}
		return 0, m.engine.SetResolver(ctx, actor, match.NormalizeAddress(p.Account), p.Allowed)
	case protocol.OpSetFees:
		p, err := decode[protocol.SetFeesPayload](tx)
		if err != nil {
			return 0, err
		}
		return 0, m.engine.SetFees(ctx, actor, match.NormalizeAddress(p.Recipient), p.DefaultBps, p.MaxBps)
	case protocol.OpTransferOwnership:
		p, err := decode[protocol.TransferOwnershipPayload](tx)
		if err != nil {
			return 0, err
		}
		return 0, m.engine.TransferOwnership(ctx, actor, match.NormalizeAddress(p.NewOwner))
	case protocol.OpTokenMint:
		return 0, m.applyTokenMintLocked(tx, actor, at)
	case protocol.OpTokenApprove:
		return 0, m.applyTokenApproveLocked(tx, actor, at)
	case protocol.OpTokenTransfer:
		return 0, m.applyTokenTransferLocked(ctx, tx, actor, at)
	default:
		return 0, fmt.Errorf("unsupported op: %s", tx.Op)
	}
}

func decode[T any](tx protocol.Tx) (T, error) {
	out, err := protocol.DecodePayload[T](tx.Payload)
	if err != nil {
		return out, fmt.Errorf("%w: decode %s payload: %v", match.ErrInvalidParameters, tx.Op, err)
	}
	return out, nil
}

func seconds(n int64) time.Duration {
	const maxSeconds = int64(1<<63-1) / int64(time.Second)
	if n > maxSeconds {
		n = maxSeconds
	}
	return time.Duration(n) * time.Second
}
