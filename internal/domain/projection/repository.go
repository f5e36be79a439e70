package projection

import (
	"context"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

// Filter narrows ListMatches.
type Filter struct {
	Status *match.Status
	Player *match.Address
	Token  *string
}

// Repository persists the read model.
type Repository interface {
	// LastSeq returns the highest event sequence already stored, zero if none.
	LastSeq(ctx context.Context) (uint64, error)
	// SaveEvent stores ev, the updated row (nil for admin events) and the
	// cursor atomically. Saving an already stored seq is a no-op.
	SaveEvent(ctx context.Context, ev Event, row *MatchRow) error
	GetMatch(ctx context.Context, matchID uint64) (*MatchRow, error)
	ListMatches(ctx context.Context, filter Filter, limit, offset int) ([]*MatchRow, error)
}
