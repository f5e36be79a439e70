package escrow

import (
	"context"
	"fmt"

	"github.com/execution-hub/duel-escrow/internal/domain/admin"
	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

// SetFees replaces the global fee configuration. Fees already snapshotted
// onto matches are not touched.
func (e *Engine) SetFees(ctx context.Context, caller, recipient match.Address, defaultBps, maxBps uint32) error {
	err := e.run(ctx, "set_fees", func(ctx context.Context) error {
		if !e.admin.IsOwner(caller) {
			return match.ErrOwnerOnly
		}
		if err := admin.ValidateFees(defaultBps, maxBps); err != nil {
			return err
		}
		e.updateAdmin(func(c *admin.Config) {
			c.FeeRecipient = recipient
			c.DefaultFeeBps = defaultBps
			c.MaxFeeBps = maxBps
		})
		e.emit(match.Event{
			Type:    match.EventFeesUpdated,
			Actor:   caller,
			At:      e.now(),
			Payload: match.FeesUpdated{Recipient: recipient, DefaultBps: defaultBps, MaxBps: maxBps},
		})
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info().Str("recipient", recipient.String()).Uint32("default_bps", defaultBps).Uint32("max_bps", maxBps).Msg("fees updated")
	return nil
}

// SetResolver grants or revokes global referee membership.
func (e *Engine) SetResolver(ctx context.Context, caller, account match.Address, allowed bool) error {
	err := e.run(ctx, "set_resolver", func(ctx context.Context) error {
		if !e.admin.IsOwner(caller) {
			return match.ErrOwnerOnly
		}
		if account.IsZero() {
			return fmt.Errorf("%w: account is required", match.ErrInvalidParameters)
		}
		e.updateAdmin(func(c *admin.Config) {
			if allowed {
				c.Referees[account] = true
			} else {
				delete(c.Referees, account)
			}
		})
		e.emit(match.Event{
			Type:    match.EventResolverSet,
			Actor:   caller,
			At:      e.now(),
			Payload: match.ResolverSet{Account: account, Allowed: allowed},
		})
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info().Str("account", account.String()).Bool("allowed", allowed).Msg("resolver updated")
	return nil
}

// TransferOwnership hands the owner capability to next.
func (e *Engine) TransferOwnership(ctx context.Context, caller, next match.Address) error {
	return e.run(ctx, "transfer_ownership", func(ctx context.Context) error {
		if !e.admin.IsOwner(caller) {
			return match.ErrOwnerOnly
		}
		if next.IsZero() {
			return fmt.Errorf("%w: new owner is required", match.ErrInvalidParameters)
		}
		e.updateAdmin(func(c *admin.Config) { c.Owner = next })
		e.emit(match.Event{
			Type:    match.EventOwnershipTransferred,
			Actor:   caller,
			At:      e.now(),
			Payload: match.OwnershipTransferred{PreviousOwner: caller, NewOwner: next},
		})
		return nil
	})
}

// updateAdmin mutates a copy of the config and journals the previous one.
func (e *Engine) updateAdmin(fn func(c *admin.Config)) {
	prev := e.admin
	next := e.admin.Clone()
	fn(&next)
	e.admin = next
	e.record(func() { e.admin = prev })
}
