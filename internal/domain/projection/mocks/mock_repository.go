package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/execution-hub/duel-escrow/internal/domain/projection"
)

// MockRepository is a mock implementation of projection.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) LastSeq(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockRepository) SaveEvent(ctx context.Context, ev projection.Event, row *projection.MatchRow) error {
	args := m.Called(ctx, ev, row)
	return args.Error(0)
}

func (m *MockRepository) GetMatch(ctx context.Context, matchID uint64) (*projection.MatchRow, error) {
	args := m.Called(ctx, matchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*projection.MatchRow), args.Error(1)
}

func (m *MockRepository) ListMatches(ctx context.Context, filter projection.Filter, limit, offset int) ([]*projection.MatchRow, error) {
	args := m.Called(ctx, filter, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*projection.MatchRow), args.Error(1)
}
