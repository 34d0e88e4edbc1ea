package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time-range filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ExecutionStore persists the append-only execution audit trail.
type ExecutionStore interface {
	Create(ctx context.Context, rec ExecutionRecord) error
	// BackfillOutcome sets inclusion and actual profit once known. It is the
	// only permitted mutation of an existing record.
	BackfillOutcome(ctx context.Context, id string, included bool, actualProfit *float64) error
	GetByID(ctx context.Context, id string) (ExecutionRecord, error)
	// ListRecent returns the newest records first, up to limit.
	ListRecent(ctx context.Context, limit int) ([]ExecutionRecord, error)
	ListRange(ctx context.Context, opts ListOpts) ([]ExecutionRecord, error)
	// SumNotionalSince totals submitted notional from the given instant,
	// used for the daily cumulative-volume limit.
	SumNotionalSince(ctx context.Context, since time.Time) (float64, error)
	// ListBefore returns records older than the cutoff, for archival.
	ListBefore(ctx context.Context, before time.Time) ([]ExecutionRecord, error)
}

// DivergenceStore persists reconciliation mismatches.
type DivergenceStore interface {
	Create(ctx context.Context, ev DivergenceEvent) error
	ListRange(ctx context.Context, opts ListOpts) ([]DivergenceEvent, error)
	ListByPosition(ctx context.Context, key PositionKey, opts ListOpts) ([]DivergenceEvent, error)
}

// SnapshotStore persists rolling performance snapshots.
type SnapshotStore interface {
	Create(ctx context.Context, snap PerformanceSnapshot) error
	Latest(ctx context.Context) (PerformanceSnapshot, error)
	ListRange(ctx context.Context, opts ListOpts) ([]PerformanceSnapshot, error)
}

// SystemEventStore persists availability-state transitions.
type SystemEventStore interface {
	Create(ctx context.Context, ev SystemEvent) error
	ListRange(ctx context.Context, opts ListOpts) ([]SystemEvent, error)
	Latest(ctx context.Context) (SystemEvent, error)
}
