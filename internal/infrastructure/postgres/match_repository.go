package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/execution-hub/duel-escrow/internal/domain/match"
	"github.com/execution-hub/duel-escrow/internal/domain/projection"
)

// Amounts and match ids are uint64 and travel as text into NUMERIC(20,0)
// columns.
const matchColumns = `match_id::text, token, creator, opponent, resolver, stake::text, fee_bps, status, pot::text,
	creator_vote, opponent_vote, creator_withdrawn, opponent_withdrawn, winner, prize::text, fee::text, path,
	refund_rail, start_deadline, resolve_deadline, created_at, updated_at, last_seq`

// MatchRepository implements projection.Repository.
type MatchRepository struct {
	pool *pgxpool.Pool
}

func NewMatchRepository(pool *pgxpool.Pool) *MatchRepository {
	return &MatchRepository{pool: pool}
}

func (r *MatchRepository) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT last_seq FROM indexer_cursor WHERE id=1`).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(seq), nil
}

func (r *MatchRepository) SaveEvent(ctx context.Context, ev projection.Event, row *projection.MatchRow) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var matchID *string
	if ev.MatchID != 0 {
		id := u64(ev.MatchID)
		matchID = &id
	}
	var payload []byte
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO match_events (seq, event_id, tx_id, match_id, event_type, actor, payload, created_at)
		VALUES ($1,$2,$3,$4::text::numeric,$5,$6,$7,$8)
		ON CONFLICT (seq) DO NOTHING
	`, int64(ev.Seq), ev.EventID, ev.TxID, matchID, ev.Type, ev.Actor, payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event %d: %w", ev.Seq, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	if row != nil {
		if err := upsertMatch(ctx, tx, row); err != nil {
			return fmt.Errorf("upsert match %d: %w", row.MatchID, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO indexer_cursor (id, last_seq, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET last_seq=GREATEST(indexer_cursor.last_seq, EXCLUDED.last_seq), updated_at=EXCLUDED.updated_at
	`, int64(ev.Seq), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return tx.Commit(ctx)
}

func upsertMatch(ctx context.Context, tx pgx.Tx, m *projection.MatchRow) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO matches
		(match_id, token, creator, opponent, resolver, stake, fee_bps, status, pot, creator_vote, opponent_vote, creator_withdrawn, opponent_withdrawn, winner, prize, fee, path, refund_rail, start_deadline, resolve_deadline, created_at, updated_at, last_seq)
		VALUES ($1::text::numeric,$2,$3,$4,$5,$6::text::numeric,$7,$8,$9::text::numeric,$10,$11,$12,$13,$14,$15::text::numeric,$16::text::numeric,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (match_id) DO UPDATE SET
			opponent=EXCLUDED.opponent, resolver=EXCLUDED.resolver, status=EXCLUDED.status, pot=EXCLUDED.pot,
			creator_vote=EXCLUDED.creator_vote, opponent_vote=EXCLUDED.opponent_vote,
			creator_withdrawn=EXCLUDED.creator_withdrawn, opponent_withdrawn=EXCLUDED.opponent_withdrawn,
			winner=EXCLUDED.winner, prize=EXCLUDED.prize, fee=EXCLUDED.fee, path=EXCLUDED.path,
			refund_rail=EXCLUDED.refund_rail, resolve_deadline=EXCLUDED.resolve_deadline,
			updated_at=EXCLUDED.updated_at, last_seq=EXCLUDED.last_seq
		WHERE matches.last_seq < EXCLUDED.last_seq
	`, u64(m.MatchID), m.Token, string(m.Creator), string(m.Opponent), string(m.Resolver), u64(m.Stake), int32(m.FeeBps), string(m.Status), u64(m.Pot),
		string(m.CreatorVote), string(m.OpponentVote), m.CreatorWithdrawn, m.OpponentWithdrawn, string(m.Winner), u64(m.Prize), u64(m.Fee), string(m.Path),
		string(m.RefundRail), m.StartDeadline, m.ResolveDeadline, m.CreatedAt, m.UpdatedAt, int64(m.LastSeq))
	return err
}

func (r *MatchRepository) GetMatch(ctx context.Context, matchID uint64) (*projection.MatchRow, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE match_id=$1::text::numeric`, u64(matchID))
	return scanMatch(row)
}

func (r *MatchRepository) ListMatches(ctx context.Context, filter projection.Filter, limit, offset int) ([]*projection.MatchRow, error) {
	query := `SELECT ` + matchColumns + ` FROM matches`
	args := []interface{}{}
	idx := 1
	if filter.Status != nil {
		query += addWhere(query) + " status=$" + itoa(idx)
		args = append(args, string(*filter.Status))
		idx++
	}
	if filter.Player != nil {
		query += addWhere(query) + " (creator=$" + itoa(idx) + " OR opponent=$" + itoa(idx) + ")"
		args = append(args, string(*filter.Player))
		idx++
	}
	if filter.Token != nil {
		query += addWhere(query) + " token=$" + itoa(idx)
		args = append(args, *filter.Token)
		idx++
	}
	query += " ORDER BY match_id ASC LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*projection.MatchRow
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMatch(row pgx.Row) (*projection.MatchRow, error) {
	var (
		m                                       projection.MatchRow
		id, stake, pot, prize, fee              string
		creator, opponent, resolver, winner     string
		creatorVote, opponentVote, status, path string
		rail                                    string
		feeBps                                  int32
		lastSeq                                 int64
	)
	if err := row.Scan(&id, &m.Token, &creator, &opponent, &resolver, &stake, &feeBps, &status, &pot,
		&creatorVote, &opponentVote, &m.CreatorWithdrawn, &m.OpponentWithdrawn, &winner, &prize, &fee, &path,
		&rail, &m.StartDeadline, &m.ResolveDeadline, &m.CreatedAt, &m.UpdatedAt, &lastSeq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var err error
	for _, f := range []struct {
		raw string
		dst *uint64
	}{{id, &m.MatchID}, {stake, &m.Stake}, {pot, &m.Pot}, {prize, &m.Prize}, {fee, &m.Fee}} {
		if *f.dst, err = strconv.ParseUint(f.raw, 10, 64); err != nil {
			return nil, fmt.Errorf("parse numeric %q: %w", f.raw, err)
		}
	}
	m.Creator = match.Address(creator)
	m.Opponent = match.Address(opponent)
	m.Resolver = match.Address(resolver)
	m.Winner = match.Address(winner)
	m.CreatorVote = match.Address(creatorVote)
	m.OpponentVote = match.Address(opponentVote)
	m.Status = match.Status(status)
	m.Path = match.ResolutionPath(path)
	m.RefundRail = match.RefundRail(rail)
	m.FeeBps = uint32(feeBps)
	m.LastSeq = uint64(lastSeq)
	return &m, nil
}

func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func addWhere(query string) string {
	if strings.Contains(query, " WHERE ") {
		return " AND"
	}
	return " WHERE"
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
