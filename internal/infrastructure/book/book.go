package book

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/execution-hub/duel-escrow/internal/domain/ledger"
	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

// Hook is invoked after each credited transfer, before Settle returns. It
// may call back into code that settles again; those settlements become
// part of the enclosing one. A hook error aborts the enclosing Settle.
type Hook func(ctx context.Context, t ledger.Transfer) error

// Book is an in-memory multi-token ledger with ERC-20 style allowances.
//
// Book is not safe for concurrent use; state.Machine serializes access.
type Book struct {
	balances   map[string]map[match.Address]uint64
	allowances map[string]map[match.Address]map[match.Address]uint64
	hook       Hook

	journal []func()
}

func New() *Book {
	return &Book{
		balances:   make(map[string]map[match.Address]uint64),
		allowances: make(map[string]map[match.Address]map[match.Address]uint64),
	}
}

// SetHook installs the receiver hook. nil removes it.
func (b *Book) SetHook(h Hook) {
	b.hook = h
}

// Balance returns the token balance of addr.
func (b *Book) Balance(token string, addr match.Address) uint64 {
	return b.balances[token][addr]
}

// Allowance returns how much spender may move from owner.
func (b *Book) Allowance(token string, owner, spender match.Address) uint64 {
	return b.allowances[token][owner][spender]
}

// Mint credits amount of token to addr.
func (b *Book) Mint(token string, to match.Address, amount uint64) error {
	if token == "" || to.IsZero() || amount == 0 {
		return fmt.Errorf("%w: mint needs token, recipient and amount", ledger.ErrInvalidTransfer)
	}
	bal := b.Balance(token, to)
	if bal > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance overflow", ledger.ErrInvalidTransfer)
	}
	b.setBalance(token, to, bal+amount)
	return nil
}

// Approve sets the allowance of spender over owner's tokens.
func (b *Book) Approve(token string, owner, spender match.Address, amount uint64) error {
	if token == "" || owner.IsZero() || spender.IsZero() {
		return fmt.Errorf("%w: approve needs token, owner and spender", ledger.ErrInvalidTransfer)
	}
	b.setAllowance(token, owner, spender, amount)
	return nil
}

// Settle applies transfers in order. On any failure every change made since
// this call began, including nested settlements run from hooks, is undone.
func (b *Book) Settle(ctx context.Context, transfers ...ledger.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mark := len(b.journal)
	if err := b.apply(ctx, transfers); err != nil {
		for i := len(b.journal) - 1; i >= mark; i-- {
			b.journal[i]()
		}
		b.journal = b.journal[:mark]
		return err
	}
	if mark == 0 {
		b.journal = nil
	}
	return nil
}

func (b *Book) apply(ctx context.Context, transfers []ledger.Transfer) error {
	for _, t := range transfers {
		if err := b.move(t); err != nil {
			return err
		}
		if b.hook != nil {
			if err := b.hook(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Book) move(t ledger.Transfer) error {
	if t.Token == "" || t.From.IsZero() || t.To.IsZero() || t.Amount == 0 {
		return fmt.Errorf("%w: %+v", ledger.ErrInvalidTransfer, t)
	}
	if !t.Spender.IsZero() && t.Spender != t.From {
		allowed := b.Allowance(t.Token, t.From, t.Spender)
		if allowed < t.Amount {
			return fmt.Errorf("%w: %s may spend %d of %s's %s, needs %d",
				ledger.ErrInsufficientAllowance, t.Spender, allowed, t.From, t.Token, t.Amount)
		}
		b.journalAllowance(t.Token, t.From, t.Spender)
		b.setAllowance(t.Token, t.From, t.Spender, allowed-t.Amount)
	}
	from := b.Balance(t.Token, t.From)
	if from < t.Amount {
		return fmt.Errorf("%w: %s holds %d %s, needs %d", ledger.ErrInsufficientBalance, t.From, from, t.Token, t.Amount)
	}
	b.journalBalance(t.Token, t.From)
	b.setBalance(t.Token, t.From, from-t.Amount)

	to := b.Balance(t.Token, t.To)
	if to > math.MaxUint64-t.Amount {
		return fmt.Errorf("%w: balance overflow", ledger.ErrInvalidTransfer)
	}
	b.journalBalance(t.Token, t.To)
	b.setBalance(t.Token, t.To, to+t.Amount)
	return nil
}

func (b *Book) journalBalance(token string, addr match.Address) {
	prev := b.Balance(token, addr)
	b.journal = append(b.journal, func() { b.setBalance(token, addr, prev) })
}

func (b *Book) journalAllowance(token string, owner, spender match.Address) {
	prev := b.Allowance(token, owner, spender)
	b.journal = append(b.journal, func() { b.setAllowance(token, owner, spender, prev) })
}

func (b *Book) setBalance(token string, addr match.Address, amount uint64) {
	byAddr, ok := b.balances[token]
	if !ok {
		byAddr = make(map[match.Address]uint64)
		b.balances[token] = byAddr
	}
	if amount == 0 {
		delete(byAddr, addr)
		return
	}
	byAddr[addr] = amount
}

func (b *Book) setAllowance(token string, owner, spender match.Address, amount uint64) {
	byOwner, ok := b.allowances[token]
	if !ok {
		byOwner = make(map[match.Address]map[match.Address]uint64)
		b.allowances[token] = byOwner
	}
	bySpender, ok := byOwner[owner]
	if !ok {
		bySpender = make(map[match.Address]uint64)
		byOwner[owner] = bySpender
	}
	if amount == 0 {
		delete(bySpender, spender)
		return
	}
	bySpender[spender] = amount
}

type snapshot struct {
	Balances   map[string]map[match.Address]uint64                   `json:"balances"`
	Allowances map[string]map[match.Address]map[match.Address]uint64 `json:"allowances"`
}

// Marshal encodes balances and allowances. Map keys are emitted sorted, so
// equal books produce equal bytes.
func (b *Book) Marshal() ([]byte, error) {
	return json.Marshal(snapshot{Balances: b.balances, Allowances: b.allowances})
}

// Unmarshal replaces the book contents. The hook is kept.
func (b *Book) Unmarshal(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.Balances == nil {
		snap.Balances = make(map[string]map[match.Address]uint64)
	}
	if snap.Allowances == nil {
		snap.Allowances = make(map[string]map[match.Address]map[match.Address]uint64)
	}
	b.balances = snap.Balances
	b.allowances = snap.Allowances
	b.journal = nil
	return nil
}
