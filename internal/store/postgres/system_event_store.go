package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// SystemEventStore implements domain.SystemEventStore using PostgreSQL.
type SystemEventStore struct {
	pool *pgxpool.Pool
}

var _ domain.SystemEventStore = (*SystemEventStore)(nil)

// NewSystemEventStore creates a SystemEventStore backed by the given pool.
func NewSystemEventStore(pool *pgxpool.Pool) *SystemEventStore {
	return &SystemEventStore{pool: pool}
}

const systemEventSelectCols = `id, created_at, from_state, to_state, trigger, detail`

func scanSystemEventRow(row pgx.Row) (domain.SystemEvent, error) {
	var ev domain.SystemEvent
	var from, to string
	err := row.Scan(&ev.ID, &ev.Timestamp, &from, &to, &ev.Trigger, &ev.Detail)
	ev.FromState = domain.AvailabilityState(from)
	ev.ToState = domain.AvailabilityState(to)
	return ev, err
}

// Create appends one availability-transition event.
func (s *SystemEventStore) Create(ctx context.Context, ev domain.SystemEvent) error {
	const query = `
		INSERT INTO system_events (id, created_at, from_state, to_state, trigger, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query,
		ev.ID, ev.Timestamp, string(ev.FromState), string(ev.ToState), ev.Trigger, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert system event: %w", err)
	}
	return nil
}

// ListRange returns transition events matching the filters, newest first.
func (s *SystemEventStore) ListRange(ctx context.Context, opts domain.ListOpts) ([]domain.SystemEvent, error) {
	query := `SELECT ` + systemEventSelectCols + ` FROM system_events WHERE TRUE`
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
		return nil, fmt.Errorf("postgres: list system events: %w", err)
	}
	defer rows.Close()

	var events []domain.SystemEvent
	for rows.Next() {
		ev, err := scanSystemEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Latest returns the most recent transition event.
func (s *SystemEventStore) Latest(ctx context.Context) (domain.SystemEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+systemEventSelectCols+` FROM system_events
		 ORDER BY created_at DESC LIMIT 1`)
	ev, err := scanSystemEventRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SystemEvent{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SystemEvent{}, fmt.Errorf("postgres: latest system event: %w", err)
	}
	return ev, nil
}
