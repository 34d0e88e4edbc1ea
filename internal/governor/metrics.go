package governor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/domain"
)

// Collector recomputes the rolling performance snapshot from the execution
// audit trail. Each snapshot fully supersedes the previous one.
type Collector struct {
	cfg       config.GovernorConfig
	records   domain.ExecutionStore
	snapshots domain.SnapshotStore
	logger    *slog.Logger
}

// NewCollector creates a Collector. snapshots may be nil to skip
// persistence.
func NewCollector(cfg config.GovernorConfig, records domain.ExecutionStore, snapshots domain.SnapshotStore, logger *slog.Logger) *Collector {
	return &Collector{
		cfg:       cfg,
		records:   records,
		snapshots: snapshots,
		logger:    logger.With(slog.String("component", "metrics")),
	}
}

// Compute builds a snapshot over the most recent window of records. Returns
// nil when no submission has resolved yet, so thresholds are never compared
// against a vacuous 0%.
func (c *Collector) Compute(ctx context.Context, consecFails int) (*domain.PerformanceSnapshot, error) {
	recent, err := c.records.ListRecent(ctx, c.cfg.MetricsWindow)
	if err != nil {
		return nil, fmt.Errorf("metrics: load window: %w", err)
	}

	snap := Aggregate(recent, c.cfg.MetricsWindow, consecFails)
	if snap == nil {
		return nil, nil
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	volume, err := c.records.SumNotionalSince(ctx, dayStart)
	if err != nil {
		return nil, fmt.Errorf("metrics: daily volume: %w", err)
	}
	snap.DailyVolumeUSD = volume

	if c.snapshots != nil {
		if err := c.snapshots.Create(ctx, *snap); err != nil {
			c.logger.Warn("snapshot not persisted", slog.String("error", err.Error()))
		}
	}

	c.logger.Debug("metrics recomputed",
		slog.Float64("inclusion_rate", snap.InclusionRate),
		slog.Float64("sim_accuracy", snap.SimAccuracy),
		slog.Int("consecutive_failures", snap.ConsecutiveFailures),
	)
	return snap, nil
}

// Aggregate folds a record window into a snapshot. Skipped and pending
// records stay out of the inclusion denominator; accuracy averages only
// records with a backfilled actual profit. Returns nil when nothing in the
// window has resolved.
func Aggregate(records []domain.ExecutionRecord, windowSize, consecFails int) *domain.PerformanceSnapshot {
	var included, dropped int
	var accuracySum float64
	var accuracyN int

	for _, rec := range records {
		switch rec.Outcome() {
		case domain.OutcomeIncluded:
			included++
			if rec.ActualProfit != nil && rec.PredictedProfit > 0 {
				accuracySum += *rec.ActualProfit / rec.PredictedProfit
				accuracyN++
			}
		case domain.OutcomeDropped:
			dropped++
		}
	}

	resolved := included + dropped
	if resolved == 0 {
		return nil
	}

	// Without any accuracy evidence the model is assumed exact rather than
	// maximally wrong; inclusion alone can still trip the thresholds.
	accuracy := 1.0
	if accuracyN > 0 {
		accuracy = accuracySum / float64(accuracyN)
	}

	return &domain.PerformanceSnapshot{
		ID:                  uuid.NewString(),
		WindowSize:          windowSize,
		InclusionRate:       float64(included) / float64(resolved),
		SimAccuracy:         accuracy,
		ConsecutiveFailures: consecFails,
		ComputedAt:          time.Now().UTC(),
	}
}
