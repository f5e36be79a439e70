package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/duel-escrow/internal/domain/projection"
)

var ErrSequenceGap = errors.New("event sequence gap")

// Source yields committed node events in sequence order.
type Source interface {
	Events(ctx context.Context, after uint64, limit int) ([]projection.Event, error)
}

// Status reports indexer progress.
type Status struct {
	LastSeq    uint64    `json:"last_seq"`
	LastSyncAt time.Time `json:"last_sync_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Service projects node events into the read model.
type Service struct {
	repo   projection.Repository
	source Source
	batch  int
	logger zerolog.Logger

	mu     sync.RWMutex
	status Status
}

// NewService creates an indexer service.
func NewService(repo projection.Repository, source Source, batch int, logger zerolog.Logger) *Service {
	if batch <= 0 {
		batch = 200
	}
	return &Service{
		repo:   repo,
		source: source,
		batch:  batch,
		logger: logger.With().Str("service", "indexer").Logger(),
	}
}

// SyncOnce fetches one batch after the stored cursor and projects it. It
// returns the number of events stored.
func (s *Service) SyncOnce(ctx context.Context) (int, error) {
	n, err := s.syncOnce(ctx)
	s.mu.Lock()
	s.status.LastSyncAt = time.Now().UTC()
	if err != nil {
		s.status.LastError = err.Error()
	} else {
		s.status.LastError = ""
	}
	s.mu.Unlock()
	return n, err
}

func (s *Service) syncOnce(ctx context.Context) (int, error) {
	after, err := s.repo.LastSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	s.setLastSeq(after)

	events, err := s.source.Events(ctx, after, s.batch)
	if err != nil {
		return 0, fmt.Errorf("fetch events after %d: %w", after, err)
	}

	stored := 0
	for _, ev := range events {
		if ev.Seq <= after {
			continue
		}
		if ev.Seq != after+1 {
			return stored, fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, after+1, ev.Seq)
		}
		if err := s.project(ctx, ev); err != nil {
			return stored, err
		}
		after = ev.Seq
		s.setLastSeq(after)
		stored++
	}
	if stored > 0 {
		s.logger.Debug().Int("events", stored).Uint64("last_seq", after).Msg("batch projected")
	}
	return stored, nil
}

func (s *Service) project(ctx context.Context, ev projection.Event) error {
	var current *projection.MatchRow
	if ev.MatchID != 0 {
		row, err := s.repo.GetMatch(ctx, ev.MatchID)
		if err != nil {
			return fmt.Errorf("load match %d: %w", ev.MatchID, err)
		}
		current = row
	}
	next, err := projection.Apply(current, ev)
	if err != nil {
		return err
	}
	if err := s.repo.SaveEvent(ctx, ev, next); err != nil {
		return fmt.Errorf("save event %d: %w", ev.Seq, err)
	}
	return nil
}

// Run syncs until ctx is done. Full batches are followed immediately by the
// next one; otherwise it waits interval.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	s.logger.Info().Dur("interval", interval).Int("batch", s.batch).Msg("indexer started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := s.SyncOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("sync failed")
		}
		if err == nil && n >= s.batch {
			continue
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("indexer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) GetMatch(ctx context.Context, id uint64) (*projection.MatchRow, error) {
	return s.repo.GetMatch(ctx, id)
}

func (s *Service) ListMatches(ctx context.Context, filter projection.Filter, limit, offset int) ([]*projection.MatchRow, error) {
	return s.repo.ListMatches(ctx, filter, limit, offset)
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) setLastSeq(seq uint64) {
	s.mu.Lock()
	s.status.LastSeq = seq
	s.mu.Unlock()
}
