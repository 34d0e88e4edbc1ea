package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// DivergenceStore implements domain.DivergenceStore using PostgreSQL.
type DivergenceStore struct {
	pool *pgxpool.Pool
}

var _ domain.DivergenceStore = (*DivergenceStore)(nil)

// NewDivergenceStore creates a DivergenceStore backed by the given pool.
func NewDivergenceStore(pool *pgxpool.Pool) *DivergenceStore {
	return &DivergenceStore{pool: pool}
}

const divergenceSelectCols = `id, protocol, account, field, cached_value,
	canonical_value, divergence_bps, action, block_number, created_at`

func scanDivergenceRows(rows pgx.Rows) ([]domain.DivergenceEvent, error) {
	var events []domain.DivergenceEvent
	for rows.Next() {
		var ev domain.DivergenceEvent
		err := rows.Scan(
			&ev.ID, &ev.Position.Protocol, &ev.Position.Account, &ev.Field,
			&ev.CachedValue, &ev.CanonicalValue, &ev.DivergenceBps, &ev.Action,
			&ev.Block, &ev.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Create appends one divergence event.
func (s *DivergenceStore) Create(ctx context.Context, ev domain.DivergenceEvent) error {
	const query = `
		INSERT INTO divergence_events (
			id, protocol, account, field, cached_value,
			canonical_value, divergence_bps, action, block_number, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, query,
		ev.ID, ev.Position.Protocol, ev.Position.Account, ev.Field, ev.CachedValue,
		ev.CanonicalValue, ev.DivergenceBps, ev.Action, ev.Block, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert divergence event: %w", err)
	}
	return nil
}

// ListRange returns divergence events matching the filters, newest first.
func (s *DivergenceStore) ListRange(ctx context.Context, opts domain.ListOpts) ([]domain.DivergenceEvent, error) {
	query := `SELECT ` + divergenceSelectCols + ` FROM divergence_events WHERE TRUE`
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
		return nil, fmt.Errorf("postgres: list divergence events: %w", err)
	}
	defer rows.Close()
	return scanDivergenceRows(rows)
}

// ListByPosition returns divergence events for one position, newest first.
func (s *DivergenceStore) ListByPosition(ctx context.Context, key domain.PositionKey, opts domain.ListOpts) ([]domain.DivergenceEvent, error) {
	query := `SELECT ` + divergenceSelectCols + ` FROM divergence_events
		WHERE protocol = $1 AND account = $2 ORDER BY created_at DESC`
	args := []any{key.Protocol, key.Account}
	argIdx := 3

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
		return nil, fmt.Errorf("postgres: list divergence events for %s/%s: %w", key.Protocol, key.Account, err)
	}
	defer rows.Close()
	return scanDivergenceRows(rows)
}
