package notify

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// Event types used to filter operator alerts.
const (
	EventHalted     = "halted"
	EventDivergence = "divergence"
	EventExecution  = "execution"
	EventError      = "error"
)

// Alerter formats engine events into operator notifications. Availability
// transitions into Halted always page; everything else respects the
// configured event filter.
type Alerter struct {
	notifier *Notifier
}

// NewAlerter creates an Alerter on top of the given Notifier.
func NewAlerter(n *Notifier) *Alerter {
	return &Alerter{notifier: n}
}

// AvailabilityChanged reports an availability-state transition. Entry into
// Halted bypasses the event filter because it requires an operator Resume.
func (a *Alerter) AvailabilityChanged(ctx context.Context, ev domain.SystemEvent) {
	title := fmt.Sprintf("Availability: %s -> %s", ev.FromState, ev.ToState)
	message := fmt.Sprintf("trigger: %s", ev.Trigger)
	if ev.Detail != "" {
		message += "\n" + ev.Detail
	}

	if ev.ToState == domain.StateHalted {
		_ = a.notifier.NotifyAll(ctx, title, message)
		return
	}
	_ = a.notifier.Notify(ctx, EventHalted, title, message)
}

// Divergence reports a reconciliation mismatch between the cached and the
// canonical position state.
func (a *Alerter) Divergence(ctx context.Context, ev domain.DivergenceEvent) {
	title := fmt.Sprintf("Divergence %s: %s", ev.Action, ev.Position)
	message := fmt.Sprintf("%s field off by %.1f bps at block %d (cached %s, canonical %s)",
		ev.Field, ev.DivergenceBps, ev.Block, ev.CachedValue, ev.CanonicalValue)
	_ = a.notifier.Notify(ctx, EventDivergence, title, message)
}

// ExecutionResolved reports the final outcome of a submitted bundle.
func (a *Alerter) ExecutionResolved(ctx context.Context, rec domain.ExecutionRecord) {
	var title string
	switch rec.Outcome() {
	case domain.OutcomeIncluded:
		profit := rec.PredictedProfit
		if rec.ActualProfit != nil {
			profit = *rec.ActualProfit
		}
		title = fmt.Sprintf("Liquidation included: $%.2f profit", profit)
	case domain.OutcomeDropped:
		title = "Liquidation dropped"
	default:
		return
	}
	message := fmt.Sprintf("record %s via %s, notional $%.2f, tx %s",
		rec.ID, rec.Path, rec.NotionalUSD, rec.TxHash)
	_ = a.notifier.Notify(ctx, EventExecution, title, message)
}
