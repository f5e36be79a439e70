package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/execution-hub/duel-escrow/internal/domain/admin"
	"github.com/execution-hub/duel-escrow/internal/domain/ledger"
	"github.com/execution-hub/duel-escrow/internal/domain/ledger/mocks"
	"github.com/execution-hub/duel-escrow/internal/domain/match"
	"github.com/execution-hub/duel-escrow/internal/infrastructure/book"
)

const (
	token   = "USDC"
	custody = match.Address("0xescrow")
	owner   = match.Address("0xowner")
	feeAcct = match.Address("0xfee")
	alice   = match.Address("0xalice")
	bob     = match.Address("0xbob")
	carol   = match.Address("0xcarol")
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	engine *Engine
	book   *book.Book
	clock  *fakeClock
	events []match.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		book:  book.New(),
		clock: &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, player := range []match.Address{alice, bob, carol} {
		require.NoError(t, f.book.Mint(token, player, 1000))
		require.NoError(t, f.book.Approve(token, player, custody, 1000))
	}
	engine, err := NewEngine(Options{
		Ledger:  f.book,
		Custody: custody,
		Admin: admin.Config{
			Owner:         owner,
			FeeRecipient:  feeAcct,
			DefaultFeeBps: 250,
			MaxFeeBps:     500,
		},
		Clock:  f.clock,
		Sink:   SinkFunc(func(ev match.Event) { f.events = append(f.events, ev) }),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	f.engine = engine
	return f
}

func defaultParams() CreateParams {
	return CreateParams{
		Token:         token,
		Stake:         100,
		JoinWindow:    time.Minute,
		ResolveWindow: 5 * time.Minute,
	}
}

// started creates an open challenge from alice and joins it as bob.
func (f *fixture) started(t *testing.T) uint64 {
	t.Helper()
	ctx := context.Background()
	id, err := f.engine.CreateMatch(ctx, alice, defaultParams())
	require.NoError(t, err)
	require.NoError(t, f.engine.JoinMatch(ctx, bob, id))
	return id
}

func (f *fixture) eventTypes() []match.EventType {
	out := make([]match.EventType, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestPotFollowsLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.CreateMatch(ctx, alice, defaultParams())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, custody, f.engine.Custody())

	pot, err := f.engine.Pot(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), pot)
	assert.Equal(t, uint64(100), f.book.Balance(token, custody))

	require.NoError(t, f.engine.JoinMatch(ctx, bob, id))
	pot, err = f.engine.Pot(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), pot)

	m, err := f.engine.GetMatch(id)
	require.NoError(t, err)
	assert.Equal(t, match.StatusStarted, m.Status)
	assert.Equal(t, bob, m.Opponent)
	require.NotNil(t, m.ResolveDeadline)
	assert.Equal(t, f.clock.now.Add(5*time.Minute), *m.ResolveDeadline)
	assert.Equal(t, uint32(250), m.FeeBps)
	assert.Equal(t, []match.EventType{match.EventMatchCreated, match.EventMatchJoined}, f.eventTypes())
}

func TestMutualResolutionSplitsFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.started(t)

	require.NoError(t, f.engine.SubmitResult(ctx, alice, id, bob))
	m, _ := f.engine.GetMatch(id)
	assert.Equal(t, match.StatusStarted, m.Status)
	assert.Equal(t, bob, m.Vote(alice))
	assert.True(t, m.Vote(bob).IsZero())

	require.NoError(t, f.engine.SubmitResult(ctx, bob, id, bob))
	m, _ = f.engine.GetMatch(id)
	assert.Equal(t, match.StatusResolved, m.Status)
	assert.Equal(t, bob, m.Winner)

	assert.Equal(t, uint64(5), f.book.Balance(token, feeAcct))
	assert.Equal(t, uint64(1095), f.book.Balance(token, bob))
	assert.Equal(t, uint64(900), f.book.Balance(token, alice))
	assert.Zero(t, f.book.Balance(token, custody))

	last := f.events[len(f.events)-1]
	require.Equal(t, match.EventMatchResolved, last.Type)
	assert.Equal(t, match.MatchResolved{
		Winner: bob, Prize: 195, Fee: 5, FeeRecipient: feeAcct, Path: match.PathMutual,
	}, last.Payload)
}

func TestDifferentVotesDoNotResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.started(t)

	require.NoError(t, f.engine.SubmitResult(ctx, alice, id, alice))
	require.NoError(t, f.engine.SubmitResult(ctx, bob, id, bob))

	m, _ := f.engine.GetMatch(id)
	assert.Equal(t, match.StatusStarted, m.Status)
	assert.Equal(t, alice, m.Vote(alice))
	assert.Equal(t, bob, m.Vote(bob))
	assert.True(t, m.Vote(carol).IsZero())
	assert.Equal(t, uint64(200), f.book.Balance(token, custody))

	// A changed vote that now agrees resolves the match.
	require.NoError(t, f.engine.SubmitResult(ctx, alice, id, bob))
	m, _ = f.engine.GetMatch(id)
	assert.Equal(t, match.StatusResolved, m.Status)
}

func TestSubmitResultRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.started(t)

	assert.ErrorIs(t, f.engine.SubmitResult(ctx, carol, id, alice), match.ErrNotParticipant)
	assert.ErrorIs(t, f.engine.SubmitResult(ctx, alice, id, carol), match.ErrInvalidWinner)
	assert.ErrorIs(t, f.engine.SubmitResult(ctx, alice, 99, alice), match.ErrNotFound)

	f.clock.Advance(5*time.Minute + time.Second)
	err := f.engine.SubmitResult(ctx, alice, id, alice)
	assert.ErrorIs(t, err, match.ErrWindowClosed)
	assert.Equal(t, match.KindTiming, match.KindOf(err))
}

func TestRefundIfUnjoined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.CreateMatch(ctx, alice, defaultParams())
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.RefundIfUnjoined(ctx, alice, id), match.ErrWindowStillOpen)

	f.clock.Advance(61 * time.Second)
	assert.ErrorIs(t, f.engine.RefundIfUnjoined(ctx, bob, id), match.ErrNotCreator)
	require.NoError(t, f.engine.RefundIfUnjoined(ctx, alice, id))

	assert.Equal(t, uint64(1000), f.book.Balance(token, alice))
	m, _ := f.engine.GetMatch(id)
	assert.Equal(t, match.StatusRefunded, m.Status)

	err = f.engine.RefundIfUnjoined(ctx, alice, id)
	assert.ErrorIs(t, err, match.ErrNotRefundable)
	assert.Equal(t, match.KindState, match.KindOf(err))

	assert.ErrorIs(t, f.engine.JoinMatch(ctx, bob, id), match.ErrNotJoinable)
}

func TestWithdrawAfterTimeoutIsPerPlayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.started(t)

	assert.ErrorIs(t, f.engine.WithdrawAfterTimeout(ctx, alice, id), match.ErrWindowStillOpen)
	f.clock.Advance(6 * time.Minute)

	assert.ErrorIs(t, f.engine.WithdrawAfterTimeout(ctx, carol, id), match.ErrNotParticipant)
	require.NoError(t, f.engine.WithdrawAfterTimeout(ctx, alice, id))
	assert.Equal(t, uint64(1000), f.book.Balance(token, alice))
	assert.Equal(t, uint64(100), f.book.Balance(token, custody))

	m, _ := f.engine.GetMatch(id)
	assert.Equal(t, match.StatusStarted, m.Status)
	assert.True(t, m.CreatorWithdrawn)
	pot, _ := f.engine.Pot(id)
	assert.Equal(t, uint64(100), pot)

	assert.ErrorIs(t, f.engine.WithdrawAfterTimeout(ctx, alice, id), match.ErrAlreadyWithdrawn)

	// Neither path may pay out a pot that is no longer whole.
	assert.ErrorIs(t, f.engine.ResolveByReferee(ctx, owner, id, bob), match.ErrWithdrawalStarted)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.engine.WithdrawAfterTimeout(ctx, bob, id))
	assert.Equal(t, uint64(1000), f.book.Balance(token, bob))
	assert.Zero(t, f.book.Balance(token, custody))

	m, _ = f.engine.GetMatch(id)
	assert.Equal(t, match.StatusRefunded, m.Status)
	assert.Equal(t, []match.EventType{
		match.EventMatchCreated, match.EventMatchJoined,
		match.EventStakeWithdrawn, match.EventStakeWithdrawn, match.EventMatchRefunded,
	}, f.eventTypes())
}

func TestRefereeResolvesBeforeDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.started(t)

	require.NoError(t, f.engine.SubmitResult(ctx, alice, id, alice))
	require.NoError(t, f.engine.SubmitResult(ctx, bob, id, bob))

	err := f.engine.ResolveByReferee(ctx, carol, id, alice)
	assert.ErrorIs(t, err, match.ErrNotAuthorized)
	assert.Equal(t, match.KindAuthorization, match.KindOf(err))

	require.NoError(t, f.engine.SetResolver(ctx, owner, carol, true))
	assert.ErrorIs(t, f.engine.ResolveByReferee(ctx, carol, id, carol), match.ErrInvalidWinner)
	require.NoError(t, f.engine.ResolveByReferee(ctx, carol, id, alice))

	m, _ := f.engine.GetMatch(id)
	assert.Equal(t, match.StatusResolved, m.Status)
	assert.Equal(t, alice, m.Winner)
	assert.Equal(t, uint64(1095), f.book.Balance(token, alice))

	assert.ErrorIs(t, f.engine.ResolveByReferee(ctx, carol, id, alice), match.ErrNotStarted)
}

func TestRefereeResolvesAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := defaultParams()
	params.Resolver = carol
	id, err := f.engine.CreateMatch(ctx, alice, params)
	require.NoError(t, err)
	require.NoError(t, f.engine.JoinMatch(ctx, bob, id))

	f.clock.Advance(time.Hour)
	require.NoError(t, f.engine.ResolveByReferee(ctx, carol, id, bob))
	assert.Equal(t, uint64(1095), f.book.Balance(token, bob))
}

func TestLoweredCapBlocksPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.started(t)

	require.NoError(t, f.engine.SetFees(ctx, owner, feeAcct, 100, 200))

	require.NoError(t, f.engine.SubmitResult(ctx, alice, id, bob))
	err := f.engine.SubmitResult(ctx, bob, id, bob)
	require.ErrorIs(t, err, match.ErrFeeExceedsCap)
	assert.Equal(t, match.KindConsistency, match.KindOf(err))

	m, _ := f.engine.GetMatch(id)
	assert.Equal(t, match.StatusStarted, m.Status)
	assert.Equal(t, bob, m.CreatorVote)
	assert.True(t, m.OpponentVote.IsZero())
	assert.Equal(t, uint64(200), f.book.Balance(token, custody))

	assert.ErrorIs(t, f.engine.ResolveByReferee(ctx, owner, id, bob), match.ErrFeeExceedsCap)

	// Raising the cap again unblocks the snapshotted fee.
	require.NoError(t, f.engine.SetFees(ctx, owner, feeAcct, 100, 250))
	require.NoError(t, f.engine.ResolveByReferee(ctx, owner, id, bob))
	assert.Equal(t, uint64(5), f.book.Balance(token, feeAcct))
}

func TestFeeSnapshotIsNotRetroactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.started(t)

	require.NoError(t, f.engine.SetFees(ctx, owner, feeAcct, 500, 500))
	m, _ := f.engine.GetMatch(id)
	assert.Equal(t, uint32(250), m.FeeBps)

	require.NoError(t, f.engine.ResolveByReferee(ctx, owner, id, alice))
	assert.Equal(t, uint64(5), f.book.Balance(token, feeAcct))

	next, err := f.engine.CreateMatch(ctx, alice, defaultParams())
	require.NoError(t, err)
	m, _ = f.engine.GetMatch(next)
	assert.Equal(t, uint32(500), m.FeeBps)
}

func TestNoFeeWithoutRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.started(t)

	require.NoError(t, f.engine.SetFees(ctx, owner, "", 250, 250))
	require.NoError(t, f.engine.ResolveByReferee(ctx, owner, id, alice))
	assert.Equal(t, uint64(1100), f.book.Balance(token, alice))
	assert.Zero(t, f.book.Balance(token, feeAcct))
}

func TestJoinRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	params := defaultParams()
	params.Opponent = bob
	id, err := f.engine.CreateMatch(ctx, alice, params)
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.JoinMatch(ctx, carol, id), match.ErrNotInvited)
	assert.ErrorIs(t, f.engine.JoinMatch(ctx, alice, id), match.ErrNotInvited)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.engine.JoinMatch(ctx, bob, id), "join at the deadline is allowed")
	assert.ErrorIs(t, f.engine.JoinMatch(ctx, bob, id), match.ErrNotJoinable)

	late, err := f.engine.CreateMatch(ctx, alice, defaultParams())
	require.NoError(t, err)
	f.clock.Advance(time.Minute + time.Second)
	assert.ErrorIs(t, f.engine.JoinMatch(ctx, carol, late), match.ErrWindowClosed)
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		caller match.Address
		mutate func(p *CreateParams)
	}{
		{"zero stake", alice, func(p *CreateParams) { p.Stake = 0 }},
		{"stake overflow", alice, func(p *CreateParams) { p.Stake = match.MaxStake + 1 }},
		{"short join window", alice, func(p *CreateParams) { p.JoinWindow = 59 * time.Second }},
		{"short resolve window", alice, func(p *CreateParams) { p.ResolveWindow = 299 * time.Second }},
		{"missing token", alice, func(p *CreateParams) { p.Token = " " }},
		{"self challenge", alice, func(p *CreateParams) { p.Opponent = alice }},
		{"missing creator", "", func(p *CreateParams) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			p := defaultParams()
			tt.mutate(&p)

			_, err := f.engine.CreateMatch(context.Background(), tt.caller, p)
			require.ErrorIs(t, err, match.ErrInvalidParameters)
			assert.Equal(t, match.KindValidation, match.KindOf(err))
			assert.Empty(t, f.engine.Matches())
			assert.Empty(t, f.events)
		})
	}
}

func TestLedgerFailureRollsBackCreate(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockLedger := mocks.NewMockLedger(ctrl)
	var events []match.Event
	engine, err := NewEngine(Options{
		Ledger:  mockLedger,
		Custody: custody,
		Admin:   admin.Config{Owner: owner},
		Sink:    SinkFunc(func(ev match.Event) { events = append(events, ev) }),
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	mockLedger.EXPECT().
		Settle(gomock.Any(), ledger.Transfer{
			Token: token, From: alice, To: custody, Spender: custody, Amount: 100, Memo: "match:1:stake",
		}).
		Return(ledger.ErrInsufficientAllowance)

	_, err = engine.CreateMatch(context.Background(), alice, defaultParams())
	require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)
	assert.Empty(t, engine.Matches())
	assert.Empty(t, events)

	// The id is not burned by the failed attempt.
	mockLedger.EXPECT().Settle(gomock.Any(), gomock.Any()).Return(nil)
	id, err := engine.CreateMatch(context.Background(), alice, defaultParams())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	assert.Len(t, events, 1)
}

func TestLedgerFailureRollsBackJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.CreateMatch(ctx, alice, defaultParams())
	require.NoError(t, err)

	require.NoError(t, f.book.Approve(token, bob, custody, 10))
	err = f.engine.JoinMatch(ctx, bob, id)
	require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)

	m, _ := f.engine.GetMatch(id)
	assert.Equal(t, match.StatusCreated, m.Status)
	assert.True(t, m.Opponent.IsZero())
	assert.Equal(t, uint64(1000), f.book.Balance(token, bob))
}

func TestReentrantPayoutCannotDoublePay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.started(t)

	var reentryErrs []error
	f.book.SetHook(func(ctx context.Context, tr ledger.Transfer) error {
		if tr.To != bob {
			return nil
		}
		reentryErrs = append(reentryErrs,
			f.engine.ResolveByReferee(ctx, owner, id, bob),
			f.engine.SubmitResult(ctx, bob, id, bob),
			f.engine.WithdrawAfterTimeout(ctx, bob, id),
		)
		return nil
	})

	require.NoError(t, f.engine.SubmitResult(ctx, alice, id, bob))
	require.NoError(t, f.engine.SubmitResult(ctx, bob, id, bob))

	require.Len(t, reentryErrs, 3)
	for _, err := range reentryErrs {
		assert.Equal(t, match.KindState, match.KindOf(err), err)
	}
	assert.Equal(t, uint64(1095), f.book.Balance(token, bob))
	assert.Zero(t, f.book.Balance(token, custody))
}

func TestReentrantFailureAbortsWholeAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.started(t)
	other, err := f.engine.CreateMatch(ctx, carol, defaultParams())
	require.NoError(t, err)
	f.events = nil

	rejected := errors.New("receiver rejected")
	f.book.SetHook(func(ctx context.Context, tr ledger.Transfer) error {
		if tr.To != bob {
			return nil
		}
		// A nested action that commits, then the receiver rejects.
		if err := f.engine.JoinMatch(ctx, bob, other); err != nil {
			return err
		}
		return rejected
	})

	require.NoError(t, f.engine.SubmitResult(ctx, alice, id, bob))
	err = f.engine.SubmitResult(ctx, bob, id, bob)
	require.ErrorIs(t, err, rejected)

	m, _ := f.engine.GetMatch(id)
	assert.Equal(t, match.StatusStarted, m.Status)
	assert.True(t, m.OpponentVote.IsZero())
	o, _ := f.engine.GetMatch(other)
	assert.Equal(t, match.StatusCreated, o.Status)
	assert.Equal(t, uint64(300), f.book.Balance(token, custody))
	assert.Equal(t, []match.EventType{match.EventResultSubmitted}, f.eventTypes())
}

func TestAdminOwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.engine.SetFees(ctx, alice, feeAcct, 0, 0), match.ErrOwnerOnly)
	assert.ErrorIs(t, f.engine.SetResolver(ctx, alice, carol, true), match.ErrOwnerOnly)
	assert.ErrorIs(t, f.engine.TransferOwnership(ctx, alice, alice), match.ErrOwnerOnly)

	assert.ErrorIs(t, f.engine.SetFees(ctx, owner, feeAcct, 0, 1001), match.ErrInvalidFeeConfig)
	assert.ErrorIs(t, f.engine.SetFees(ctx, owner, feeAcct, 300, 200), match.ErrInvalidFeeConfig)
	assert.Equal(t, uint32(500), f.engine.Config().MaxFeeBps)

	require.NoError(t, f.engine.TransferOwnership(ctx, owner, carol))
	assert.Equal(t, carol, f.engine.Config().Owner)
	assert.ErrorIs(t, f.engine.SetFees(ctx, owner, feeAcct, 0, 0), match.ErrOwnerOnly)

	require.NoError(t, f.engine.SetResolver(ctx, carol, bob, true))
	assert.True(t, f.engine.Config().IsReferee(bob))
	require.NoError(t, f.engine.SetResolver(ctx, carol, bob, false))
	assert.False(t, f.engine.Config().IsReferee(bob))
}

func TestExportRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.started(t)
	require.NoError(t, f.engine.SetResolver(ctx, owner, carol, true))

	state := f.engine.Export()

	restored, err := NewEngine(Options{Ledger: f.book, Custody: custody, Admin: admin.Config{Owner: "0xother"}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, restored.Restore(state))

	m, err := restored.GetMatch(id)
	require.NoError(t, err)
	assert.Equal(t, match.StatusStarted, m.Status)
	assert.True(t, restored.Config().IsReferee(carol))
	assert.Equal(t, owner, restored.Config().Owner)

	bad := state
	bad.Matches = []match.Match{{ID: 2}}
	assert.Error(t, restored.Restore(bad))
}
