package escrow

import (
	"context"
	"fmt"

	"github.com/execution-hub/duel-escrow/internal/domain/ledger"
	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

// deposit pulls amount of token from player into custody. The custody
// account spends the player's allowance, so the player must have approved
// it beforehand. Ledger failures are returned unchanged.
func (e *Engine) deposit(ctx context.Context, m match.Match, player match.Address) error {
	return e.ledger.Settle(ctx, ledger.Transfer{
		Token:   m.Token,
		From:    player,
		To:      e.custody,
		Spender: e.custody,
		Amount:  m.Stake,
		Memo:    memo(m.ID, "stake"),
	})
}

// payOut sends transfers out of custody as one settlement. Zero-amount
// legs are skipped. Callers advance the match state before calling.
func (e *Engine) payOut(ctx context.Context, m match.Match, legs ...payLeg) error {
	transfers := make([]ledger.Transfer, 0, len(legs))
	for _, leg := range legs {
		if leg.amount == 0 {
			continue
		}
		transfers = append(transfers, ledger.Transfer{
			Token:  m.Token,
			From:   e.custody,
			To:     leg.to,
			Amount: leg.amount,
			Memo:   memo(m.ID, leg.reason),
		})
	}
	if len(transfers) == 0 {
		return nil
	}
	return e.ledger.Settle(ctx, transfers...)
}

type payLeg struct {
	to     match.Address
	amount uint64
	reason string
}

func memo(id uint64, reason string) string {
	return fmt.Sprintf("match:%d:%s", id, reason)
}
