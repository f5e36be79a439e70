package projection

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(seq, matchID uint64, typ match.EventType, payload any) Event {
	raw, _ := json.Marshal(payload)
	return Event{Seq: seq, MatchID: matchID, Type: string(typ), Payload: raw, CreatedAt: t0.Add(time.Duration(seq) * time.Minute)}
}

func TestApplyMutualLifecycle(t *testing.T) {
	row, err := Apply(nil, event(1, 7, match.EventMatchCreated, match.MatchCreated{
		Creator: "0xa", Token: "USDC", Stake: 100, FeeBps: 250, StartDeadline: t0.Add(time.Hour),
	}))
	require.NoError(t, err)
	assert.Equal(t, match.StatusCreated, row.Status)
	assert.Equal(t, uint64(100), row.Pot)

	row, err = Apply(row, event(2, 7, match.EventMatchJoined, match.MatchJoined{Opponent: "0xb", ResolveDeadline: t0.Add(2 * time.Hour)}))
	require.NoError(t, err)
	assert.Equal(t, match.StatusStarted, row.Status)
	assert.Equal(t, uint64(200), row.Pot)
	require.NotNil(t, row.ResolveDeadline)

	row, _ = Apply(row, event(3, 7, match.EventResultSubmitted, match.ResultSubmitted{Player: "0xa", ClaimedWinner: "0xb"}))
	row, _ = Apply(row, event(4, 7, match.EventResultSubmitted, match.ResultSubmitted{Player: "0xb", ClaimedWinner: "0xb"}))
	assert.Equal(t, match.Address("0xb"), row.CreatorVote)
	assert.Equal(t, match.Address("0xb"), row.OpponentVote)

	row, err = Apply(row, event(5, 7, match.EventMatchResolved, match.MatchResolved{Winner: "0xb", Prize: 195, Fee: 5, Path: match.PathMutual}))
	require.NoError(t, err)
	assert.Equal(t, match.StatusResolved, row.Status)
	assert.Equal(t, uint64(0), row.Pot)
	assert.Equal(t, uint64(195), row.Prize)
	assert.Equal(t, uint64(5), row.LastSeq)
	assert.Equal(t, t0.Add(5*time.Minute), row.UpdatedAt)
}

func TestApplyTimeoutWithdrawals(t *testing.T) {
	row, _ := Apply(nil, event(1, 1, match.EventMatchCreated, match.MatchCreated{Creator: "0xa", Stake: 50}))
	row, _ = Apply(row, event(2, 1, match.EventMatchJoined, match.MatchJoined{Opponent: "0xb"}))
	row, _ = Apply(row, event(3, 1, match.EventStakeWithdrawn, match.StakeWithdrawn{Player: "0xb", Amount: 50}))
	assert.True(t, row.OpponentWithdrawn)
	assert.Equal(t, uint64(50), row.Pot)
	assert.Equal(t, match.StatusStarted, row.Status)

	row, _ = Apply(row, event(4, 1, match.EventStakeWithdrawn, match.StakeWithdrawn{Player: "0xa", Amount: 50}))
	row, _ = Apply(row, event(5, 1, match.EventMatchRefunded, match.MatchRefunded{Rail: match.RailTimeout, Amount: 100}))
	assert.Equal(t, match.StatusRefunded, row.Status)
	assert.Equal(t, match.RailTimeout, row.RefundRail)
	assert.Equal(t, uint64(0), row.Pot)
}

func TestApplyOrdering(t *testing.T) {
	_, err := Apply(nil, event(3, 1, match.EventMatchJoined, match.MatchJoined{Opponent: "0xb"}))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	admin, err := Apply(nil, event(4, 0, match.EventFeesUpdated, match.FeesUpdated{MaxBps: 100}))
	require.NoError(t, err)
	assert.Nil(t, admin)

	row, _ := Apply(nil, event(5, 2, match.EventMatchCreated, match.MatchCreated{Creator: "0xa", Stake: 1}))
	same, err := Apply(row, event(5, 2, match.EventMatchJoined, match.MatchJoined{Opponent: "0xb"}))
	require.NoError(t, err)
	assert.Equal(t, match.StatusCreated, same.Status)

	_, err = Apply(row, Event{Seq: 6, MatchID: 2, Type: string(match.EventMatchJoined), Payload: json.RawMessage("{")})
	assert.Error(t, err)
}
