package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

var _ domain.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

const snapshotSelectCols = `id, window_size, inclusion_rate, sim_accuracy,
	consecutive_failures, daily_volume_usd, computed_at`

func scanSnapshotRow(row pgx.Row) (domain.PerformanceSnapshot, error) {
	var snap domain.PerformanceSnapshot
	err := row.Scan(
		&snap.ID, &snap.WindowSize, &snap.InclusionRate, &snap.SimAccuracy,
		&snap.ConsecutiveFailures, &snap.DailyVolumeUSD, &snap.ComputedAt,
	)
	return snap, err
}

// Create persists one performance snapshot.
func (s *SnapshotStore) Create(ctx context.Context, snap domain.PerformanceSnapshot) error {
	const query = `
		INSERT INTO performance_snapshots (
			id, window_size, inclusion_rate, sim_accuracy,
			consecutive_failures, daily_volume_usd, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, query,
		snap.ID, snap.WindowSize, snap.InclusionRate, snap.SimAccuracy,
		snap.ConsecutiveFailures, snap.DailyVolumeUSD, snap.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert performance snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recently computed snapshot.
func (s *SnapshotStore) Latest(ctx context.Context) (domain.PerformanceSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+snapshotSelectCols+` FROM performance_snapshots
		 ORDER BY computed_at DESC LIMIT 1`)
	snap, err := scanSnapshotRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PerformanceSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PerformanceSnapshot{}, fmt.Errorf("postgres: latest performance snapshot: %w", err)
	}
	return snap, nil
}

// ListRange returns snapshots matching the filters, newest first.
func (s *SnapshotStore) ListRange(ctx context.Context, opts domain.ListOpts) ([]domain.PerformanceSnapshot, error) {
	query := `SELECT ` + snapshotSelectCols + ` FROM performance_snapshots WHERE TRUE`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND computed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND computed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY computed_at DESC"
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
		return nil, fmt.Errorf("postgres: list performance snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []domain.PerformanceSnapshot
	for rows.Next() {
		snap, err := scanSnapshotRow(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
