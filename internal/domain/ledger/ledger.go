package ledger

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_ledger.go -package=mocks . Ledger

import (
	"context"
	"errors"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidTransfer       = errors.New("invalid transfer")
)

// Transfer moves Amount of Token from From to To. When Spender differs
// from From the ledger spends From's allowance for Spender.
type Transfer struct {
	Token   string        `json:"token"`
	From    match.Address `json:"from"`
	To      match.Address `json:"to"`
	Spender match.Address `json:"spender,omitempty"`
	Amount  uint64        `json:"amount"`
	Memo    string        `json:"memo,omitempty"`
}

// Ledger is the external fungible-token ledger.
//
// Settle applies all transfers or none of them. Implementations may hand
// control to foreign code (receiver hooks) while settling; any settlement
// re-entered from that code belongs to the same atomic unit.
type Ledger interface {
	Settle(ctx context.Context, transfers ...Transfer) error
}
