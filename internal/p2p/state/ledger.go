package state

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/execution-hub/duel-escrow/internal/domain/ledger"
	"github.com/execution-hub/duel-escrow/internal/domain/match"
	"github.com/execution-hub/duel-escrow/internal/p2p/protocol"
)

type tokenEventPayload struct {
	Token   string        `json:"token"`
	From    match.Address `json:"from,omitempty"`
	To      match.Address `json:"to,omitempty"`
	Spender match.Address `json:"spender,omitempty"`
	Amount  uint64        `json:"amount"`
}

// applyTokenMintLocked credits new tokens. Only the escrow owner may mint.
func (m *Machine) applyTokenMintLocked(tx protocol.Tx, actor match.Address, at time.Time) error {
	p, err := decode[protocol.TokenMintPayload](tx)
	if err != nil {
		return err
	}
	if !m.engine.Config().IsOwner(actor) {
		return match.ErrOwnerOnly
	}
	token := strings.TrimSpace(p.Token)
	to := match.NormalizeAddress(p.To)
	if err := m.book.Mint(token, to, p.Amount); err != nil {
		return err
	}
	m.stageLocked(0, EventTokenMinted, actor, tokenEventPayload{Token: token, To: to, Amount: p.Amount}, at)
	return nil
}

func (m *Machine) applyTokenApproveLocked(tx protocol.Tx, actor match.Address, at time.Time) error {
	p, err := decode[protocol.TokenApprovePayload](tx)
	if err != nil {
		return err
	}
	token := strings.TrimSpace(p.Token)
	spender := match.NormalizeAddress(p.Spender)
	if err := m.book.Approve(token, actor, spender, p.Amount); err != nil {
		return err
	}
	m.stageLocked(0, EventTokenApproved, actor, tokenEventPayload{Token: token, From: actor, Spender: spender, Amount: p.Amount}, at)
	return nil
}

func (m *Machine) applyTokenTransferLocked(ctx context.Context, tx protocol.Tx, actor match.Address, at time.Time) error {
	p, err := decode[protocol.TokenTransferPayload](tx)
	if err != nil {
		return err
	}
	to := match.NormalizeAddress(p.To)
	if to == EscrowAccount {
		return fmt.Errorf("%w: direct transfers to the escrow account are not accepted", ledger.ErrInvalidTransfer)
	}
	t := ledger.Transfer{
		Token:  strings.TrimSpace(p.Token),
		From:   actor,
		To:     to,
		Amount: p.Amount,
		Memo:   "transfer:" + strings.TrimSpace(tx.TxID),
	}
	if err := m.book.Settle(ctx, t); err != nil {
		return err
	}
	m.stageLocked(0, EventTokenTransferred, actor, tokenEventPayload{Token: t.Token, From: actor, To: to, Amount: t.Amount}, at)
	return nil
}
