package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore creates an ExecutionStore backed by the given pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionSelectCols = `id, created_at, block_number, opportunity_id, bundle_id,
	path, state, submitted, included, tx_hash, predicted_profit, actual_profit,
	notional_usd, execution_fee_usd, data_fee_usd, bribe_usd, borrow_cost_usd,
	slippage_usd, reject_reason`

func scanExecutionRow(row pgx.Row) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var state string
	err := row.Scan(
		&rec.ID, &rec.Timestamp, &rec.Block, &rec.OpportunityID, &rec.BundleID,
		&rec.Path, &state, &rec.Submitted, &rec.Included, &rec.TxHash,
		&rec.PredictedProfit, &rec.ActualProfit,
		&rec.NotionalUSD, &rec.Costs.ExecutionFeeUSD, &rec.Costs.DataFeeUSD,
		&rec.Costs.BribeUSD, &rec.Costs.BorrowCostUSD, &rec.Costs.SlippageUSD,
		&rec.RejectReason,
	)
	rec.State = domain.AvailabilityState(state)
	return rec, err
}

func scanExecutionRows(rows pgx.Rows) ([]domain.ExecutionRecord, error) {
	var records []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecutionRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Create appends one record to the audit trail.
func (s *ExecutionStore) Create(ctx context.Context, rec domain.ExecutionRecord) error {
	const query = `
		INSERT INTO execution_records (
			id, created_at, block_number, opportunity_id, bundle_id,
			path, state, submitted, included, tx_hash,
			predicted_profit, actual_profit, notional_usd,
			execution_fee_usd, data_fee_usd, bribe_usd, borrow_cost_usd,
			slippage_usd, reject_reason
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17,
			$18, $19
		)`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Timestamp, rec.Block, rec.OpportunityID, rec.BundleID,
		rec.Path, string(rec.State), rec.Submitted, rec.Included, rec.TxHash,
		rec.PredictedProfit, rec.ActualProfit, rec.NotionalUSD,
		rec.Costs.ExecutionFeeUSD, rec.Costs.DataFeeUSD, rec.Costs.BribeUSD,
		rec.Costs.BorrowCostUSD, rec.Costs.SlippageUSD, rec.RejectReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution record: %w", err)
	}
	return nil
}

// BackfillOutcome sets the inclusion outcome on an existing record. Only
// records with an unknown outcome are eligible; everything else in the row
// stays immutable.
func (s *ExecutionStore) BackfillOutcome(ctx context.Context, id string, included bool, actualProfit *float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE execution_records
		SET included = $2, actual_profit = $3
		WHERE id = $1 AND included IS NULL`,
		id, included, actualProfit,
	)
	if err != nil {
		return fmt.Errorf("postgres: backfill outcome %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: backfill outcome %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns one record.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionSelectCols+` FROM execution_records WHERE id = $1`, id)
	rec, err := scanExecutionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExecutionRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: get execution record %s: %w", id, err)
	}
	return rec, nil
}

// ListRecent returns the newest records first.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionSelectCols+` FROM execution_records
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent execution records: %w", err)
	}
	defer rows.Close()
	return scanExecutionRows(rows)
}

// ListRange returns records matching the given pagination and time filters,
// newest first.
func (s *ExecutionStore) ListRange(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionSelectCols + ` FROM execution_records WHERE TRUE`
	args := []any{}
	argIdx := 1

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
		return nil, fmt.Errorf("postgres: list execution records: %w", err)
	}
	defer rows.Close()
	return scanExecutionRows(rows)
}

// SumNotionalSince totals submitted notional from the given instant.
func (s *ExecutionStore) SumNotionalSince(ctx context.Context, since time.Time) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(notional_usd), 0)
		FROM execution_records
		WHERE submitted AND created_at >= $1`,
		since,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum notional: %w", err)
	}
	return sum, nil
}

// ListBefore returns records older than the cutoff, oldest first, for
// archival.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionSelectCols+` FROM execution_records
		 WHERE created_at < $1 ORDER BY created_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list execution records before %s: %w", before, err)
	}
	defer rows.Close()
	return scanExecutionRows(rows)
}

// DeleteBefore removes archived records older than the cutoff.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM execution_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete execution records before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}
