package projection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

var ErrOutOfOrder = errors.New("match event arrived before MATCH_CREATED")

// Event is one committed node event as seen by the indexer.
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

// MatchRow is the queryable read model of one match.
type MatchRow struct {
	MatchID           uint64               `json:"match_id"`
	Token             string               `json:"token"`
	Creator           match.Address        `json:"creator"`
	Opponent          match.Address        `json:"opponent,omitempty"`
	Resolver          match.Address        `json:"resolver,omitempty"`
	Stake             uint64               `json:"stake"`
	FeeBps            uint32               `json:"fee_bps"`
	Status            match.Status         `json:"status"`
	Pot               uint64               `json:"pot"`
	CreatorVote       match.Address        `json:"creator_vote,omitempty"`
	OpponentVote      match.Address        `json:"opponent_vote,omitempty"`
	CreatorWithdrawn  bool                 `json:"creator_withdrawn"`
	OpponentWithdrawn bool                 `json:"opponent_withdrawn"`
	Winner            match.Address        `json:"winner,omitempty"`
	Prize             uint64               `json:"prize"`
	Fee               uint64               `json:"fee"`
	Path              match.ResolutionPath `json:"path,omitempty"`
	RefundRail        match.RefundRail     `json:"refund_rail,omitempty"`
	StartDeadline     time.Time            `json:"start_deadline"`
	ResolveDeadline   *time.Time           `json:"resolve_deadline,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	LastSeq           uint64               `json:"last_seq"`
}

// Apply folds ev into row and returns the new row. row is nil before the
// match has been seen. Events without a match id return (nil, nil).
func Apply(row *MatchRow, ev Event) (*MatchRow, error) {
	if ev.MatchID == 0 {
		return nil, nil
	}
	if row == nil && match.EventType(ev.Type) != match.EventMatchCreated {
		return nil, fmt.Errorf("%w: match %d seq %d", ErrOutOfOrder, ev.MatchID, ev.Seq)
	}
	if row != nil && ev.Seq <= row.LastSeq {
		return row, nil
	}

	var next MatchRow
	if row != nil {
		next = *row
	}

	switch match.EventType(ev.Type) {
	case match.EventMatchCreated:
		var p match.MatchCreated
		if err := decode(ev, &p); err != nil {
			return nil, err
		}
		next = MatchRow{
			MatchID:       ev.MatchID,
			Token:         p.Token,
			Creator:       p.Creator,
			Opponent:      p.Opponent,
			Resolver:      p.Resolver,
			Stake:         p.Stake,
			FeeBps:        p.FeeBps,
			Status:        match.StatusCreated,
			Pot:           p.Stake,
			StartDeadline: p.StartDeadline,
			CreatedAt:     ev.CreatedAt,
		}
	case match.EventMatchJoined:
		var p match.MatchJoined
		if err := decode(ev, &p); err != nil {
			return nil, err
		}
		deadline := p.ResolveDeadline
		next.Opponent = p.Opponent
		next.ResolveDeadline = &deadline
		next.Status = match.StatusStarted
		next.Pot = 2 * next.Stake
	case match.EventResultSubmitted:
		var p match.ResultSubmitted
		if err := decode(ev, &p); err != nil {
			return nil, err
		}
		if p.Player == next.Creator {
			next.CreatorVote = p.ClaimedWinner
		} else {
			next.OpponentVote = p.ClaimedWinner
		}
	case match.EventMatchResolved:
		var p match.MatchResolved
		if err := decode(ev, &p); err != nil {
			return nil, err
		}
		next.Status = match.StatusResolved
		next.Winner = p.Winner
		next.Prize = p.Prize
		next.Fee = p.Fee
		next.Path = p.Path
		next.Pot = 0
	case match.EventStakeWithdrawn:
		var p match.StakeWithdrawn
		if err := decode(ev, &p); err != nil {
			return nil, err
		}
		if p.Player == next.Creator {
			next.CreatorWithdrawn = true
		} else {
			next.OpponentWithdrawn = true
		}
		if p.Amount > next.Pot {
			next.Pot = 0
		} else {
			next.Pot -= p.Amount
		}
	case match.EventMatchRefunded:
		var p match.MatchRefunded
		if err := decode(ev, &p); err != nil {
			return nil, err
		}
		next.Status = match.StatusRefunded
		next.RefundRail = p.Rail
		next.Pot = 0
		if p.Rail == match.RailUnjoined {
			next.CreatorWithdrawn = true
		}
	}

	next.LastSeq = ev.Seq
	next.UpdatedAt = ev.CreatedAt
	return &next, nil
}

func decode(ev Event, out any) error {
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload (seq %d): %w", ev.Type, ev.Seq, err)
	}
	return nil
}
