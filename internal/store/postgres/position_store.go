package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kweston/loopvault/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Raw token amounts and WAD health factors exceed int64, so the NUMERIC
// columns round-trip as decimal strings.
const positionSelectCols = `id, owner, collateral_asset, debt_asset,
	collateral_amount::text, debt_amount::text, total_supplied::text, total_borrowed::text,
	loop_count, target_loops, max_loops, max_slippage_bps, min_health_factor::text,
	auto_management, state, health_factor::text, risk_level,
	created_at, updated_at, closed_at`

func parseNumeric(col, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: parse %s %q", col, s)
	}
	return n, nil
}

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var owner, state, riskLevel string
	var colAmt, debtAmt, totSup, totBor, minHF, hf string

	err := row.Scan(
		&p.ID, &owner, &p.CollateralAsset, &p.DebtAsset,
		&colAmt, &debtAmt, &totSup, &totBor,
		&p.LoopCount, &p.Config.TargetLoops, &p.Config.MaxLoops,
		&p.Config.MaxSlippageBps, &minHF,
		&p.Config.AutoManagementEnabled, &state, &hf, &riskLevel,
		&p.CreatedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Owner = common.HexToAddress(owner)
	p.State = domain.PositionState(state)
	p.RiskLevel = domain.RiskLevel(riskLevel)

	for _, field := range []struct {
		col string
		raw string
		dst **big.Int
	}{
		{"collateral_amount", colAmt, &p.CollateralAmount},
		{"debt_amount", debtAmt, &p.DebtAmount},
		{"total_supplied", totSup, &p.TotalSupplied},
		{"total_borrowed", totBor, &p.TotalBorrowed},
		{"min_health_factor", minHF, &p.Config.MinHealthFactor},
		{"health_factor", hf, &p.HealthFactor},
	} {
		n, err := parseNumeric(field.col, field.raw)
		if err != nil {
			return domain.Position{}, err
		}
		*field.dst = n
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, owner, collateral_asset, debt_asset,
			collateral_amount, debt_amount, total_supplied, total_borrowed,
			loop_count, target_loops, max_loops, max_slippage_bps, min_health_factor,
			auto_management, state, health_factor, risk_level,
			created_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Owner.Hex(), p.CollateralAsset, p.DebtAsset,
		p.CollateralAmount.String(), p.DebtAmount.String(),
		p.TotalSupplied.String(), p.TotalBorrowed.String(),
		p.LoopCount, p.Config.TargetLoops, p.Config.MaxLoops,
		p.Config.MaxSlippageBps, p.Config.MinHealthFactor.String(),
		p.Config.AutoManagementEnabled, string(p.State),
		p.HealthFactor.String(), string(p.RiskLevel),
		p.CreatedAt, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			collateral_amount = $2,
			debt_amount       = $3,
			total_supplied    = $4,
			total_borrowed    = $5,
			loop_count        = $6,
			target_loops      = $7,
			max_loops         = $8,
			max_slippage_bps  = $9,
			min_health_factor = $10,
			auto_management   = $11,
			state             = $12,
			health_factor     = $13,
			risk_level        = $14,
			updated_at        = $15,
			closed_at         = $16
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID,
		p.CollateralAmount.String(), p.DebtAmount.String(),
		p.TotalSupplied.String(), p.TotalBorrowed.String(),
		p.LoopCount, p.Config.TargetLoops, p.Config.MaxLoops,
		p.Config.MaxSlippageBps, p.Config.MinHealthFactor.String(),
		p.Config.AutoManagementEnabled, string(p.State),
		p.HealthFactor.String(), string(p.RiskLevel),
		p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListActive returns active positions ordered oldest first, giving the risk
// monitor a stable sweep order.
func (s *PositionStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE state = 'active' ORDER BY created_at ASC`
	args := []any{}
	argIdx := 1

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
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// ListByOwner returns positions for the given owner, newest first, with
// pagination and optional time filtering.
func (s *PositionStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE owner = $1`
	args := []any{common.HexToAddress(owner).Hex()}
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
		return nil, fmt.Errorf("postgres: list positions for %s: %w", owner, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for %s: %w", owner, err)
	}
	return positions, nil
}

// Count returns the total number of positions.
func (s *PositionStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM positions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count positions: %w", err)
	}
	return count, nil
}

// CountByRiskLevel returns the number of active positions in each band.
func (s *PositionStore) CountByRiskLevel(ctx context.Context) (map[domain.RiskLevel]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT risk_level, COUNT(*) FROM positions WHERE state = 'active' GROUP BY risk_level`)
	if err != nil {
		return nil, fmt.Errorf("postgres: count by risk level: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.RiskLevel]int64)
	for rows.Next() {
		var level string
		var count int64
		if err := rows.Scan(&level, &count); err != nil {
			return nil, fmt.Errorf("postgres: scan risk level count: %w", err)
		}
		counts[domain.RiskLevel(level)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: count by risk level rows: %w", err)
	}
	return counts, nil
}
