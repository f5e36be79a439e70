package admin

import (
	"fmt"
	"sort"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

// Config is the owner-controlled global configuration. It is passed around
// by value; only the escrow engine mutates its copy, and only through
// owner-gated operations.
type Config struct {
	Owner         match.Address          `json:"owner"`
	FeeRecipient  match.Address          `json:"feeRecipient,omitempty"`
	DefaultFeeBps uint32                 `json:"defaultFeeBps"`
	MaxFeeBps     uint32                 `json:"maxFeeBps"`
	Referees      map[match.Address]bool `json:"referees,omitempty"`
}

// ValidateFees enforces maxBps <= 10% and defaultBps <= maxBps.
func ValidateFees(defaultBps, maxBps uint32) error {
	if maxBps > match.HardFeeCapBps {
		return fmt.Errorf("%w: max_bps %d exceeds hard cap %d", match.ErrInvalidFeeConfig, maxBps, match.HardFeeCapBps)
	}
	if defaultBps > maxBps {
		return fmt.Errorf("%w: default_bps %d exceeds max_bps %d", match.ErrInvalidFeeConfig, defaultBps, maxBps)
	}
	return nil
}

// Validate checks a complete config, e.g. genesis or a restored snapshot.
func (c Config) Validate() error {
	if c.Owner.IsZero() {
		return fmt.Errorf("%w: owner is required", match.ErrInvalidParameters)
	}
	return ValidateFees(c.DefaultFeeBps, c.MaxFeeBps)
}

func (c Config) IsOwner(addr match.Address) bool {
	return !addr.IsZero() && addr == c.Owner
}

// IsReferee reports global referee membership.
func (c Config) IsReferee(addr match.Address) bool {
	return c.Referees[addr]
}

// FeeEnabled reports whether payouts should collect a fee at all.
func (c Config) FeeEnabled() bool {
	return !c.FeeRecipient.IsZero()
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Referees = make(map[match.Address]bool, len(c.Referees))
	for k, v := range c.Referees {
		if v {
			out.Referees[k] = true
		}
	}
	return out
}

// RefereeList returns global referees in a stable order.
func (c Config) RefereeList() []match.Address {
	out := make([]match.Address, 0, len(c.Referees))
	for addr, ok := range c.Referees {
		if ok {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Capabilities is the set of accounts allowed to resolve one match.
type Capabilities struct {
	MatchResolver match.Address
	Owner         match.Address
	Referees      map[match.Address]bool
}

// Capabilities collects every resolve authority for m.
func (c Config) Capabilities(m match.Match) Capabilities {
	return Capabilities{
		MatchResolver: m.Resolver,
		Owner:         c.Owner,
		Referees:      c.Referees,
	}
}

// Authorizes reports whether caller may resolve the match.
func (c Capabilities) Authorizes(caller match.Address) bool {
	if caller.IsZero() {
		return false
	}
	return caller == c.MatchResolver || caller == c.Owner || c.Referees[caller]
}
