// Package governor owns the availability state machine that gates every
// submission. It is the single writer of the state: metrics breaches,
// critical signals, and operator commands all funnel through it, and every
// transition is persisted exactly once.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/domain"
)

// Governor enforces the three-state admission machine and the notional
// limits. Halted is sticky: no metric recovery leaves it, only an explicit
// operator resume.
type Governor struct {
	cfg     config.GovernorConfig
	records domain.ExecutionStore
	events  domain.SystemEventStore
	metrics *Collector
	signals <-chan domain.CriticalSignal
	logger  *slog.Logger

	// coin decides throttled admissions; replaceable in tests.
	coin func() float64
	// onTransition observers run outside the lock, in transition order.
	onTransition []func(domain.SystemEvent)

	mu          sync.Mutex
	state       domain.AvailabilityState
	consecFails int
}

// New creates a Governor starting in the Normal state.
func New(
	cfg config.GovernorConfig,
	records domain.ExecutionStore,
	events domain.SystemEventStore,
	metrics *Collector,
	signals <-chan domain.CriticalSignal,
	logger *slog.Logger,
) *Governor {
	return &Governor{
		cfg:     cfg,
		records: records,
		events:  events,
		metrics: metrics,
		signals: signals,
		logger:  logger.With(slog.String("component", "governor")),
		coin:    rand.Float64,
		state:   domain.StateNormal,
	}
}

// OnTransition registers an observer called after each state change.
func (g *Governor) OnTransition(fn func(domain.SystemEvent)) {
	g.onTransition = append(g.onTransition, fn)
}

// State returns the current availability state.
func (g *Governor) State() domain.AvailabilityState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Run consumes critical signals and recomputes metrics on the configured
// cadence until ctx is cancelled.
func (g *Governor) Run(ctx context.Context) error {
	g.logger.Info("governor started", slog.String("state", string(g.State())))
	defer g.logger.Info("governor stopped")

	ticker := time.NewTicker(g.cfg.MetricsInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-g.signals:
			if !ok {
				return nil
			}
			g.handleSignal(ctx, sig)
		case <-ticker.C:
			g.recompute(ctx)
		}
	}
}

// handleSignal drives any critical signal straight to Halted, bypassing the
// metrics pipeline entirely.
func (g *Governor) handleSignal(ctx context.Context, sig domain.CriticalSignal) {
	g.transition(ctx, domain.StateHalted, sig.Kind, sig.Detail)
}

// recompute refreshes the rolling metrics and applies the transition table.
func (g *Governor) recompute(ctx context.Context) {
	if g.metrics == nil {
		return
	}
	g.mu.Lock()
	fails := g.consecFails
	g.mu.Unlock()

	snap, err := g.metrics.Compute(ctx, fails)
	if err != nil {
		g.logger.Warn("metrics recompute failed", slog.String("error", err.Error()))
		return
	}
	if snap == nil {
		return // not enough resolved submissions yet
	}
	g.ApplyMetrics(ctx, *snap)
}

// ApplyMetrics evaluates one performance snapshot against the transition
// table. Halted never exits through metrics, however good they look.
func (g *Governor) ApplyMetrics(ctx context.Context, snap domain.PerformanceSnapshot) {
	current := g.State()
	if current == domain.StateHalted {
		return
	}

	detail := fmt.Sprintf("inclusion %.1f%%, accuracy %.1f%%",
		snap.InclusionRate*100, snap.SimAccuracy*100)

	switch {
	case snap.InclusionRate < g.cfg.InclusionHaltBelow,
		snap.SimAccuracy < g.cfg.AccuracyHaltBelow:
		g.transition(ctx, domain.StateHalted, domain.SignalMetricsBreach, detail)

	case snap.InclusionRate < g.cfg.InclusionThrottleBelow,
		snap.SimAccuracy < g.cfg.AccuracyThrottleBelow:
		g.transition(ctx, domain.StateThrottled, "metrics_degraded", detail)

	case current == domain.StateThrottled &&
		snap.InclusionRate > g.cfg.InclusionThrottleBelow &&
		snap.SimAccuracy > g.cfg.AccuracyThrottleBelow:
		g.transition(ctx, domain.StateNormal, "metrics_recovered", detail)
	}
}

// Admit decides whether one candidate submission may proceed. The decision
// order is state first, then per-execution notional, then the daily budget,
// then the profit floor as the final gate. The planner enforces its own
// floor earlier, but the last check before capital moves lives here.
func (g *Governor) Admit(ctx context.Context, notionalUSD, netProfitUSD float64) error {
	switch g.State() {
	case domain.StateHalted:
		return domain.NewRejection(domain.ReasonHaltedState, "submissions halted")
	case domain.StateThrottled:
		if g.coin() >= g.cfg.ThrottleAdmitProb {
			return domain.NewRejection(domain.ReasonThrottledDrop,
				"throttled, admitting %.0f%% of candidates", g.cfg.ThrottleAdmitProb*100)
		}
	}

	if notionalUSD > g.cfg.MaxSingleNotionalUSD {
		return domain.NewRejection(domain.ReasonSingleNotional,
			"notional $%.0f over the $%.0f per-execution limit",
			notionalUSD, g.cfg.MaxSingleNotionalUSD)
	}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	spent, err := g.records.SumNotionalSince(ctx, dayStart)
	if err != nil {
		// Fail closed: an unverifiable budget is an exhausted budget.
		return domain.NewRejection(domain.ReasonDailyNotional,
			"daily budget unverifiable: %v", err)
	}
	if spent+notionalUSD > g.cfg.MaxDailyNotionalUSD {
		return domain.NewRejection(domain.ReasonDailyNotional,
			"daily notional $%.0f + $%.0f over the $%.0f limit",
			spent, notionalUSD, g.cfg.MaxDailyNotionalUSD)
	}

	if netProfitUSD < g.cfg.MinNetProfitUSD {
		return domain.NewRejection(domain.ReasonBelowMinProfit,
			"net $%.2f under the $%.2f floor at the final gate",
			netProfitUSD, g.cfg.MinNetProfitUSD)
	}
	return nil
}

// ReportOutcome feeds one resolved submission into the failure streak and
// refreshes the rolling metrics, so a window breach trips the transition
// table as soon as the outcome is known rather than on the next ticker.
// The streak counts only submitted bundles; skips never touch it.
func (g *Governor) ReportOutcome(included bool) {
	g.mu.Lock()
	if included {
		g.consecFails = 0
		g.mu.Unlock()
		g.recompute(context.Background())
		return
	}
	g.consecFails++
	fails := g.consecFails
	g.mu.Unlock()

	if fails >= g.cfg.MaxConsecutiveFailures {
		g.transition(context.Background(), domain.StateHalted, domain.SignalConsecFails,
			fmt.Sprintf("%d consecutive failed submissions", fails))
	}
	g.recompute(context.Background())
}

// Resume is the only exit from Halted. The failure streak resets so a stale
// streak cannot re-halt the next submission.
func (g *Governor) Resume(ctx context.Context, operator string) error {
	g.mu.Lock()
	if g.state != domain.StateHalted {
		state := g.state
		g.mu.Unlock()
		return fmt.Errorf("governor: resume from %s: only halted can be resumed", state)
	}
	g.consecFails = 0
	g.mu.Unlock()

	g.transition(ctx, domain.StateNormal, "operator_resume", "resumed by "+operator)
	return nil
}

// Pause is the operator's manual halt.
func (g *Governor) Pause(ctx context.Context, operator string) {
	g.transition(ctx, domain.StateHalted, domain.SignalOperatorPause, "paused by "+operator)
}

// transition moves to the target state, persisting and publishing the event
// exactly once. Same-state transitions are no-ops.
func (g *Governor) transition(ctx context.Context, to domain.AvailabilityState, trigger, detail string) {
	g.mu.Lock()
	from := g.state
	if from == to {
		g.mu.Unlock()
		return
	}
	// Halted is sticky against everything except an operator resume.
	if from == domain.StateHalted && trigger != "operator_resume" {
		g.mu.Unlock()
		return
	}
	g.state = to
	g.mu.Unlock()

	ev := domain.SystemEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		FromState: from,
		ToState:   to,
		Trigger:   trigger,
		Detail:    detail,
	}

	level := slog.LevelWarn
	if to == domain.StateNormal {
		level = slog.LevelInfo
	}
	g.logger.Log(ctx, level, "availability transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("trigger", trigger),
		slog.String("detail", detail),
	)

	if g.events != nil {
		if err := g.events.Create(ctx, ev); err != nil {
			g.logger.Error("transition event not persisted", slog.String("error", err.Error()))
		}
	}
	for _, fn := range g.onTransition {
		fn(ev)
	}
}
