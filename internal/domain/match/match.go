package match

import (
	"math"
	"strings"
	"time"
)

// Address identifies an account on the ledger. Addresses are compared
// after NormalizeAddress.
type Address string

// NormalizeAddress trims and lower-cases an address.
func NormalizeAddress(raw string) Address {
	return Address(strings.ToLower(strings.TrimSpace(raw)))
}

func (a Address) String() string { return string(a) }

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == "" }

// Status is the lifecycle state of a match.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusStarted  Status = "STARTED"
	StatusResolved Status = "RESOLVED"
	StatusRefunded Status = "REFUNDED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusRefunded
}

const (
	MinJoinWindow    = 60 * time.Second
	MinResolveWindow = 300 * time.Second

	// BpsDenominator is 100% expressed in basis points.
	BpsDenominator = 10000
	// HardFeeCapBps bounds every configurable fee cap (10%).
	HardFeeCapBps = 1000

	// MaxStake keeps 2×stake representable.
	MaxStake = math.MaxUint64 / 2
)

// Match is one escrowed two-player wager.
type Match struct {
	ID                uint64        `json:"id"`
	Creator           Address       `json:"creator"`
	Opponent          Address       `json:"opponent,omitempty"`
	Token             string        `json:"token"`
	Stake             uint64        `json:"stake"`
	CreatedAt         time.Time     `json:"createdAt"`
	StartDeadline     time.Time     `json:"startDeadline"`
	ResolveWindow     time.Duration `json:"resolveWindow"`
	ResolveDeadline   *time.Time    `json:"resolveDeadline,omitempty"`
	Resolver          Address       `json:"resolver,omitempty"`
	FeeBps            uint32        `json:"feeBps"`
	Status            Status        `json:"status"`
	Winner            Address       `json:"winner,omitempty"`
	CreatorVote       Address       `json:"creatorVote,omitempty"`
	OpponentVote      Address       `json:"opponentVote,omitempty"`
	CreatorWithdrawn  bool          `json:"creatorWithdrawn"`
	OpponentWithdrawn bool          `json:"opponentWithdrawn"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// ResolveBy returns the resolve deadline, or the zero time before the
// match has started.
func (m Match) ResolveBy() time.Time {
	if m.ResolveDeadline == nil {
		return time.Time{}
	}
	return *m.ResolveDeadline
}

// IsPlayer reports whether addr is the creator or the (assigned) opponent.
func (m Match) IsPlayer(addr Address) bool {
	if addr.IsZero() {
		return false
	}
	return addr == m.Creator || (!m.Opponent.IsZero() && addr == m.Opponent)
}

// IsOpenChallenge reports whether any account may join.
func (m Match) IsOpenChallenge() bool {
	return m.Opponent.IsZero()
}

// Withdrawn reports whether player already reclaimed their stake on the timeout rail.
func (m Match) Withdrawn(player Address) bool {
	switch player {
	case m.Creator:
		return m.CreatorWithdrawn
	case m.Opponent:
		return m.OpponentWithdrawn
	}
	return false
}

// AnyWithdrawn reports whether the timeout rail has been used by either player.
func (m Match) AnyWithdrawn() bool {
	return m.CreatorWithdrawn || m.OpponentWithdrawn
}

// Vote returns the winner currently claimed by player.
func (m Match) Vote(player Address) Address {
	switch player {
	case m.Creator:
		return m.CreatorVote
	case m.Opponent:
		return m.OpponentVote
	}
	return ""
}

// MutuallyConfirmed reports whether both players name the same winner.
func (m Match) MutuallyConfirmed() (Address, bool) {
	if m.CreatorVote.IsZero() || m.CreatorVote != m.OpponentVote {
		return "", false
	}
	return m.CreatorVote, true
}

// Pot is the amount currently held in custody for the match.
func (m Match) Pot() uint64 {
	switch m.Status {
	case StatusCreated:
		return m.Stake
	case StatusStarted:
		pot := 2 * m.Stake
		if m.CreatorWithdrawn {
			pot -= m.Stake
		}
		if m.OpponentWithdrawn {
			pot -= m.Stake
		}
		return pot
	default:
		return 0
	}
}
