package escrow

import (
	"context"
	"fmt"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

// RefundIfUnjoined returns the creator's stake once the join window has
// closed with nobody joining.
func (e *Engine) RefundIfUnjoined(ctx context.Context, caller match.Address, id uint64) error {
	err := e.run(ctx, "refund_unjoined", func(ctx context.Context) error {
		m, err := e.registry.Get(id)
		if err != nil {
			return err
		}
		if m.Status != match.StatusCreated {
			return fmt.Errorf("%w: match %d is %s", match.ErrNotRefundable, id, m.Status)
		}
		now := e.now()
		if !now.After(m.StartDeadline) {
			return fmt.Errorf("%w: join window open until %s", match.ErrWindowStillOpen, m.StartDeadline.Format("2006-01-02T15:04:05Z07:00"))
		}
		if caller != m.Creator {
			return match.ErrNotCreator
		}

		m.Status = match.StatusRefunded
		m.UpdatedAt = now
		e.put(m)
		e.emit(match.Event{
			Type:    match.EventMatchRefunded,
			MatchID: id,
			Actor:   caller,
			At:      now,
			Payload: match.MatchRefunded{Rail: match.RailUnjoined, Amount: m.Stake},
		})
		return e.payOut(ctx, m, payLeg{to: m.Creator, amount: m.Stake, reason: "refund"})
	})
	if err != nil {
		return err
	}
	e.logger.Info().Uint64("match_id", id).Msg("unjoined match refunded")
	return nil
}

// WithdrawAfterTimeout returns the caller's own stake once the resolve
// deadline has passed without resolution. The match becomes REFUNDED when
// both players have withdrawn.
func (e *Engine) WithdrawAfterTimeout(ctx context.Context, caller match.Address, id uint64) error {
	refunded := false
	err := e.run(ctx, "timeout_withdraw", func(ctx context.Context) error {
		m, err := e.registry.Get(id)
		if err != nil {
			return err
		}
		if m.Status != match.StatusStarted {
			return fmt.Errorf("%w: match %d is %s", match.ErrNotRefundable, id, m.Status)
		}
		now := e.now()
		if !now.After(m.ResolveBy()) {
			return fmt.Errorf("%w: resolve window open until %s", match.ErrWindowStillOpen, m.ResolveBy().Format("2006-01-02T15:04:05Z07:00"))
		}
		if !m.IsPlayer(caller) {
			return match.ErrNotParticipant
		}
		if m.Withdrawn(caller) {
			return match.ErrAlreadyWithdrawn
		}

		if caller == m.Creator {
			m.CreatorWithdrawn = true
		} else {
			m.OpponentWithdrawn = true
		}
		m.UpdatedAt = now
		e.emit(match.Event{
			Type:    match.EventStakeWithdrawn,
			MatchID: id,
			Actor:   caller,
			At:      now,
			Payload: match.StakeWithdrawn{Player: caller, Amount: m.Stake},
		})
		if m.CreatorWithdrawn && m.OpponentWithdrawn {
			m.Status = match.StatusRefunded
			refunded = true
			e.emit(match.Event{
				Type:    match.EventMatchRefunded,
				MatchID: id,
				Actor:   caller,
				At:      now,
				Payload: match.MatchRefunded{Rail: match.RailTimeout, Amount: 2 * m.Stake},
			})
		}
		e.put(m)
		return e.payOut(ctx, m, payLeg{to: caller, amount: m.Stake, reason: "withdraw"})
	})
	if err != nil {
		return err
	}
	e.logger.Info().Uint64("match_id", id).Str("player", caller.String()).Bool("refunded", refunded).Msg("stake withdrawn after timeout")
	return nil
}
