package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/duel-escrow/internal/domain/admin"
	"github.com/execution-hub/duel-escrow/internal/domain/ledger"
	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

// Clock supplies the ambient time an action executes at.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Sink receives committed events.
type Sink interface {
	Emit(event match.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event match.Event)

func (f SinkFunc) Emit(event match.Event) { f(event) }

// Options configures an Engine.
type Options struct {
	Ledger  ledger.Ledger
	Custody match.Address
	Admin   admin.Config
	Clock   Clock
	Sink    Sink
	Logger  zerolog.Logger
}

// Engine runs the match lifecycle: registry, stake escrow, resolution,
// deadline rails and fee/admin configuration.
//
// Engine is not safe for concurrent use. Callers serialize actions (see
// state.Machine); re-entrant calls made by the ledger while settling run
// as nested actions on the same goroutine.
type Engine struct {
	registry *Registry
	admin    admin.Config
	ledger   ledger.Ledger
	custody  match.Address
	clock    Clock
	sink     Sink
	logger   zerolog.Logger

	depth   int
	journal []func()
	pending []match.Event
}

// NewEngine creates an engine with an empty registry.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if opts.Custody.IsZero() {
		return nil, errors.New("custody address is required")
	}
	if err := opts.Admin.Validate(); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = ClockFunc(func() time.Time { return time.Now().UTC() })
	}
	sink := opts.Sink
	if sink == nil {
		sink = SinkFunc(func(match.Event) {})
	}
	return &Engine{
		registry: NewRegistry(),
		admin:    opts.Admin.Clone(),
		ledger:   opts.Ledger,
		custody:  opts.Custody,
		clock:    clock,
		sink:     sink,
		logger:   opts.Logger.With().Str("service", "escrow").Logger(),
	}, nil
}

// Custody returns the account holding escrowed stakes.
func (e *Engine) Custody() match.Address { return e.custody }

// GetMatch returns a copy of the match record.
func (e *Engine) GetMatch(id uint64) (match.Match, error) {
	return e.registry.Get(id)
}

// Pot returns the amount held in custody for the match.
func (e *Engine) Pot(id uint64) (uint64, error) {
	m, err := e.registry.Get(id)
	if err != nil {
		return 0, err
	}
	return m.Pot(), nil
}

// Matches returns copies of all records in id order.
func (e *Engine) Matches() []match.Match {
	return e.registry.All()
}

// Config returns a copy of the live admin config.
func (e *Engine) Config() admin.Config {
	return e.admin.Clone()
}

// State is the persistable engine state.
type State struct {
	Matches []match.Match `json:"matches"`
	Admin   admin.Config  `json:"admin"`
}

// Export returns a deep copy of the engine state.
func (e *Engine) Export() State {
	return State{Matches: e.registry.All(), Admin: e.admin.Clone()}
}

// Restore replaces the engine state. It must not be called while an
// action is running.
func (e *Engine) Restore(s State) error {
	if e.depth != 0 {
		return errors.New("restore during action")
	}
	if err := s.Admin.Validate(); err != nil {
		return err
	}
	registry, err := registryFrom(s.Matches)
	if err != nil {
		return err
	}
	e.registry = registry
	e.admin = s.Admin.Clone()
	return nil
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// run executes one action. Every mutation made through record/emit inside
// fn, including those of nested actions, is undone when fn fails. Events
// reach the sink only once the outermost action commits.
func (e *Engine) run(ctx context.Context, action string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mark := len(e.journal)
	eventMark := len(e.pending)
	e.depth++
	err := fn(ctx)
	e.depth--
	if err != nil {
		for i := len(e.journal) - 1; i >= mark; i-- {
			e.journal[i]()
		}
		e.journal = e.journal[:mark]
		e.pending = e.pending[:eventMark]
		e.logger.Debug().Err(err).Str("action", action).Int("depth", e.depth).Msg("action aborted")
		return err
	}
	if e.depth > 0 {
		return nil
	}
	events := e.pending
	e.journal = nil
	e.pending = nil
	for _, ev := range events {
		e.sink.Emit(ev)
	}
	return nil
}

// record registers an undo step for the running action.
func (e *Engine) record(undo func()) {
	e.journal = append(e.journal, undo)
}

// put stores m, journaling the previous record.
func (e *Engine) put(m match.Match) {
	prev, err := e.registry.Get(m.ID)
	if err != nil {
		panic(fmt.Sprintf("escrow: put of unallocated match %d", m.ID))
	}
	e.registry.set(m)
	e.record(func() { e.registry.set(prev) })
}

func (e *Engine) emit(event match.Event) {
	e.pending = append(e.pending, event)
}
