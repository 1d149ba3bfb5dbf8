package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kweston/loopvault/internal/domain"
)

// RiskEventStore implements domain.RiskEventStore using PostgreSQL.
type RiskEventStore struct {
	pool *pgxpool.Pool
}

// NewRiskEventStore creates a new RiskEventStore backed by the given connection pool.
func NewRiskEventStore(pool *pgxpool.Pool) *RiskEventStore {
	return &RiskEventStore{pool: pool}
}

const riskEventSelectCols = `id, position_id, level, prev_level, health_factor::text,
	action, unwind_pct, detail, created_at, resolved_at`

func scanRiskEventRow(row pgx.Row) (domain.RiskEvent, error) {
	var ev domain.RiskEvent
	var level, prevLevel, action, hf string

	err := row.Scan(
		&ev.ID, &ev.PositionID, &level, &prevLevel, &hf,
		&action, &ev.UnwindPct, &ev.Detail,
		&ev.CreatedAt, &ev.ResolvedAt,
	)
	if err != nil {
		return domain.RiskEvent{}, err
	}

	ev.Level = domain.RiskLevel(level)
	ev.PrevLevel = domain.RiskLevel(prevLevel)
	ev.Action = domain.RiskAction(action)
	ev.HealthFactor, err = parseNumeric("health_factor", hf)
	if err != nil {
		return domain.RiskEvent{}, err
	}
	return ev, nil
}

func scanRiskEventRows(rows pgx.Rows) ([]domain.RiskEvent, error) {
	var events []domain.RiskEvent
	for rows.Next() {
		ev, err := scanRiskEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Insert records a new risk event.
func (s *RiskEventStore) Insert(ctx context.Context, ev domain.RiskEvent) error {
	const query = `
		INSERT INTO risk_events (
			id, position_id, level, prev_level, health_factor,
			action, unwind_pct, detail, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		ev.ID, ev.PositionID, string(ev.Level), string(ev.PrevLevel),
		ev.HealthFactor.String(), string(ev.Action), ev.UnwindPct,
		ev.Detail, ev.CreatedAt, ev.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert risk event %s: %w", ev.ID, err)
	}
	return nil
}

// Resolve marks all open events of a position as resolved. Resolving a
// position with no open events is a no-op.
func (s *RiskEventStore) Resolve(ctx context.Context, positionID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE risk_events SET resolved_at = $2 WHERE position_id = $1 AND resolved_at IS NULL`,
		positionID, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: resolve risk events for %s: %w", positionID, err)
	}
	return nil
}

// ListByPosition returns a position's events, newest first.
func (s *RiskEventStore) ListByPosition(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.RiskEvent, error) {
	query := `SELECT ` + riskEventSelectCols + ` FROM risk_events WHERE position_id = $1`
	args := []any{positionID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list risk events for %s: %w", positionID, err)
	}
	defer rows.Close()

	events, err := scanRiskEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan risk events for %s: %w", positionID, err)
	}
	return events, nil
}

// ListResolvedBefore returns resolved events older than the cutoff, oldest
// first so archive batches page forward in time.
func (s *RiskEventStore) ListResolvedBefore(ctx context.Context, before time.Time) ([]domain.RiskEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+riskEventSelectCols+` FROM risk_events
		 WHERE resolved_at IS NOT NULL AND resolved_at < $1
		 ORDER BY resolved_at ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved risk events: %w", err)
	}
	defer rows.Close()

	events, err := scanRiskEventRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan resolved risk events: %w", err)
	}
	return events, nil
}

// DeleteResolvedBefore removes resolved events older than the cutoff and
// reports how many rows went away.
func (s *RiskEventStore) DeleteResolvedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM risk_events WHERE resolved_at IS NOT NULL AND resolved_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete resolved risk events: %w", err)
	}
	return tag.RowsAffected(), nil
}
