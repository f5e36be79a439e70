package escrow

import (
	"context"
	"fmt"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

// CreateMatch escrows the creator's stake and opens a new match. The
// current default fee is snapshotted onto the record.
func (e *Engine) CreateMatch(ctx context.Context, caller match.Address, p CreateParams) (uint64, error) {
	var id uint64
	err := e.run(ctx, "create", func(ctx context.Context) error {
		now := e.now()
		m, err := e.registry.create(caller, p, e.admin.DefaultFeeBps, now)
		if err != nil {
			return err
		}
		e.record(e.registry.dropLast)
		e.emit(match.Event{
			Type:    match.EventMatchCreated,
			MatchID: m.ID,
			Actor:   caller,
			At:      now,
			Payload: match.MatchCreated{
				Creator:       m.Creator,
				Opponent:      m.Opponent,
				Token:         m.Token,
				Stake:         m.Stake,
				StartDeadline: m.StartDeadline,
				Resolver:      m.Resolver,
				FeeBps:        m.FeeBps,
			},
		})
		if err := e.deposit(ctx, m, caller); err != nil {
			return err
		}
		id = m.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info().Uint64("match_id", id).Str("creator", caller.String()).Uint64("stake", p.Stake).Msg("match created")
	return id, nil
}

// JoinMatch escrows the opponent's stake and starts the match.
func (e *Engine) JoinMatch(ctx context.Context, caller match.Address, id uint64) error {
	err := e.run(ctx, "join", func(ctx context.Context) error {
		m, err := e.registry.Get(id)
		if err != nil {
			return err
		}
		if m.Status != match.StatusCreated {
			return fmt.Errorf("%w: match %d is %s", match.ErrNotJoinable, id, m.Status)
		}
		now := e.now()
		if now.After(m.StartDeadline) {
			return fmt.Errorf("%w: join deadline %s passed", match.ErrWindowClosed, m.StartDeadline.Format("2006-01-02T15:04:05Z07:00"))
		}
		if caller.IsZero() || caller == m.Creator {
			return match.ErrNotInvited
		}
		if !m.IsOpenChallenge() && caller != m.Opponent {
			return match.ErrNotInvited
		}

		m.Opponent = caller
		m.Status = match.StatusStarted
		deadline := now.Add(m.ResolveWindow)
		m.ResolveDeadline = &deadline
		m.UpdatedAt = now
		e.put(m)
		e.emit(match.Event{
			Type:    match.EventMatchJoined,
			MatchID: id,
			Actor:   caller,
			At:      now,
			Payload: match.MatchJoined{Opponent: caller, ResolveDeadline: deadline},
		})
		return e.deposit(ctx, m, caller)
	})
	if err != nil {
		return err
	}
	e.logger.Info().Uint64("match_id", id).Str("opponent", caller.String()).Msg("match joined")
	return nil
}

// SubmitResult records the caller's claimed winner. When both players
// name the same winner the match is paid out in the same action.
func (e *Engine) SubmitResult(ctx context.Context, caller match.Address, id uint64, claimedWinner match.Address) error {
	resolved := false
	err := e.run(ctx, "submit_result", func(ctx context.Context) error {
		m, err := e.registry.Get(id)
		if err != nil {
			return err
		}
		if m.Status != match.StatusStarted {
			return fmt.Errorf("%w: match %d is %s", match.ErrNotStarted, id, m.Status)
		}
		now := e.now()
		if now.After(m.ResolveBy()) {
			return fmt.Errorf("%w: resolve deadline passed", match.ErrWindowClosed)
		}
		if !m.IsPlayer(caller) {
			return match.ErrNotParticipant
		}
		if !m.IsPlayer(claimedWinner) {
			return match.ErrInvalidWinner
		}

		if caller == m.Creator {
			m.CreatorVote = claimedWinner
		} else {
			m.OpponentVote = claimedWinner
		}
		m.UpdatedAt = now
		e.put(m)
		e.emit(match.Event{
			Type:    match.EventResultSubmitted,
			MatchID: id,
			Actor:   caller,
			At:      now,
			Payload: match.ResultSubmitted{Player: caller, ClaimedWinner: claimedWinner},
		})

		winner, ok := m.MutuallyConfirmed()
		if !ok {
			return nil
		}
		resolved = true
		return e.payout(ctx, caller, id, winner, match.PathMutual)
	})
	if err != nil {
		return err
	}
	e.logger.Info().Uint64("match_id", id).Str("player", caller.String()).Bool("resolved", resolved).Msg("result submitted")
	return nil
}

// ResolveByReferee pays the match out to winner on the word of an
// authorized resolver. It is not bound by the resolve deadline.
func (e *Engine) ResolveByReferee(ctx context.Context, caller match.Address, id uint64, winner match.Address) error {
	err := e.run(ctx, "referee_resolve", func(ctx context.Context) error {
		m, err := e.registry.Get(id)
		if err != nil {
			return err
		}
		if m.Status != match.StatusStarted {
			return fmt.Errorf("%w: match %d is %s", match.ErrNotStarted, id, m.Status)
		}
		if !m.IsPlayer(winner) {
			return match.ErrInvalidWinner
		}
		if !e.admin.Capabilities(m).Authorizes(caller) {
			return match.ErrNotAuthorized
		}
		return e.payout(ctx, caller, id, winner, match.PathReferee)
	})
	if err != nil {
		return err
	}
	e.logger.Info().Uint64("match_id", id).Str("referee", caller.String()).Str("winner", winner.String()).Msg("match resolved by referee")
	return nil
}

// payout is the only routine that resolves a match. It re-reads the
// record so a re-entrant call sees the already-resolved status.
func (e *Engine) payout(ctx context.Context, actor match.Address, id uint64, winner match.Address, path match.ResolutionPath) error {
	m, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if m.Status != match.StatusStarted {
		return fmt.Errorf("%w: match %d is %s", match.ErrNotStarted, id, m.Status)
	}
	if m.AnyWithdrawn() {
		return match.ErrWithdrawalStarted
	}
	feeEnabled := e.admin.FeeEnabled() && m.FeeBps > 0
	if feeEnabled && m.FeeBps > e.admin.MaxFeeBps {
		return fmt.Errorf("%w: fee %d bps, cap %d bps", match.ErrFeeExceedsCap, m.FeeBps, e.admin.MaxFeeBps)
	}
	total := 2 * m.Stake
	prize, fee := match.SplitPot(total, m.FeeBps, feeEnabled)
	recipient := e.admin.FeeRecipient

	now := e.now()
	m.Status = match.StatusResolved
	m.Winner = winner
	m.UpdatedAt = now
	e.put(m)

	resolved := match.MatchResolved{Winner: winner, Prize: prize, Fee: fee, Path: path}
	if fee > 0 {
		resolved.FeeRecipient = recipient
	}
	e.emit(match.Event{Type: match.EventMatchResolved, MatchID: id, Actor: actor, At: now, Payload: resolved})

	return e.payOut(ctx, m,
		payLeg{to: recipient, amount: fee, reason: "fee"},
		payLeg{to: winner, amount: prize, reason: "prize"},
	)
}
