package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

// CreateParams are the caller-supplied match parameters.
type CreateParams struct {
	Token         string
	Stake         uint64
	Opponent      match.Address
	JoinWindow    time.Duration
	ResolveWindow time.Duration
	Resolver      match.Address
}

// Registry is the append-only match arena. The id of a record is its
// index plus one, so zero never names a match.
type Registry struct {
	records []match.Match
}

func NewRegistry() *Registry {
	return &Registry{}
}

func registryFrom(records []match.Match) (*Registry, error) {
	r := &Registry{records: make([]match.Match, 0, len(records))}
	for i, m := range records {
		if m.ID != uint64(i+1) {
			return nil, fmt.Errorf("match arena is not contiguous at index %d (id %d)", i, m.ID)
		}
		r.records = append(r.records, m)
	}
	return r, nil
}

// NextID returns the id the next created match will receive.
func (r *Registry) NextID() uint64 {
	return uint64(len(r.records)) + 1
}

// Get returns a copy of the record or ErrNotFound.
func (r *Registry) Get(id uint64) (match.Match, error) {
	if id == 0 || id > uint64(len(r.records)) {
		return match.Match{}, fmt.Errorf("%w: %d", match.ErrNotFound, id)
	}
	return r.records[id-1], nil
}

// All returns copies of every record in id order.
func (r *Registry) All() []match.Match {
	return append([]match.Match(nil), r.records...)
}

func (r *Registry) set(m match.Match) {
	r.records[m.ID-1] = m
}

// validateCreate checks the parameters for a new match.
func validateCreate(creator match.Address, p CreateParams) error {
	if creator.IsZero() {
		return fmt.Errorf("%w: creator is required", match.ErrInvalidParameters)
	}
	if strings.TrimSpace(p.Token) == "" {
		return fmt.Errorf("%w: token is required", match.ErrInvalidParameters)
	}
	if p.Stake == 0 {
		return fmt.Errorf("%w: stake must be positive", match.ErrInvalidParameters)
	}
	if p.Stake > match.MaxStake {
		return fmt.Errorf("%w: stake too large", match.ErrInvalidParameters)
	}
	if p.JoinWindow < match.MinJoinWindow {
		return fmt.Errorf("%w: join window must be at least %s", match.ErrInvalidParameters, match.MinJoinWindow)
	}
	if p.ResolveWindow < match.MinResolveWindow {
		return fmt.Errorf("%w: resolve window must be at least %s", match.ErrInvalidParameters, match.MinResolveWindow)
	}
	if p.Opponent == creator {
		return fmt.Errorf("%w: opponent must differ from creator", match.ErrInvalidParameters)
	}
	return nil
}

// create allocates and stores a new CREATED record.
func (r *Registry) create(creator match.Address, p CreateParams, feeBps uint32, now time.Time) (match.Match, error) {
	if err := validateCreate(creator, p); err != nil {
		return match.Match{}, err
	}
	m := match.Match{
		ID:            r.NextID(),
		Creator:       creator,
		Opponent:      p.Opponent,
		Token:         strings.TrimSpace(p.Token),
		Stake:         p.Stake,
		CreatedAt:     now,
		StartDeadline: now.Add(p.JoinWindow),
		ResolveWindow: p.ResolveWindow,
		Resolver:      p.Resolver,
		FeeBps:        feeBps,
		Status:        match.StatusCreated,
		UpdatedAt:     now,
	}
	r.records = append(r.records, m)
	return m, nil
}

// dropLast undoes the most recent create.
func (r *Registry) dropLast() {
	r.records = r.records[:len(r.records)-1]
}
