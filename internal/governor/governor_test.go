package governor

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/domain"
)

type memExecStore struct {
	records  []domain.ExecutionRecord
	notional float64
	sumErr   error
}

func (m *memExecStore) Create(_ context.Context, rec domain.ExecutionRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *memExecStore) BackfillOutcome(_ context.Context, id string, included bool, actual *float64) error {
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].Included = &included
			m.records[i].ActualProfit = actual
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memExecStore) GetByID(_ context.Context, id string) (domain.ExecutionRecord, error) {
	for _, rec := range m.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return domain.ExecutionRecord{}, domain.ErrNotFound
}

func (m *memExecStore) ListRecent(_ context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if len(m.records) > limit {
		return m.records[len(m.records)-limit:], nil
	}
	return m.records, nil
}

func (m *memExecStore) ListRange(context.Context, domain.ListOpts) ([]domain.ExecutionRecord, error) {
	return m.records, nil
}

func (m *memExecStore) SumNotionalSince(context.Context, time.Time) (float64, error) {
	return m.notional, m.sumErr
}

func (m *memExecStore) ListBefore(context.Context, time.Time) ([]domain.ExecutionRecord, error) {
	return nil, nil
}

type memEventStore struct {
	events []domain.SystemEvent
}

func (m *memEventStore) Create(_ context.Context, ev domain.SystemEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *memEventStore) ListRange(context.Context, domain.ListOpts) ([]domain.SystemEvent, error) {
	return m.events, nil
}

func (m *memEventStore) Latest(context.Context) (domain.SystemEvent, error) {
	if len(m.events) == 0 {
		return domain.SystemEvent{}, domain.ErrNotFound
	}
	return m.events[len(m.events)-1], nil
}

func newTestGovernor(t *testing.T) (*Governor, *memExecStore, *memEventStore) {
	t.Helper()
	records := &memExecStore{}
	events := &memEventStore{}
	g := New(config.Defaults().Governor, records, events, nil, nil, slog.New(slog.DiscardHandler))
	return g, records, events
}

func snapshot(inclusion, accuracy float64) domain.PerformanceSnapshot {
	return domain.PerformanceSnapshot{
		InclusionRate: inclusion,
		SimAccuracy:   accuracy,
		ComputedAt:    time.Now().UTC(),
	}
}

func TestMetricsHaltOnLowInclusion(t *testing.T) {
	g, _, events := newTestGovernor(t)

	// 45% inclusion is under the 50% halt line
	g.ApplyMetrics(context.Background(), snapshot(0.45, 0.95))

	assert.Equal(t, domain.StateHalted, g.State())
	require.Len(t, events.events, 1)
	assert.Equal(t, domain.SignalMetricsBreach, events.events[0].Trigger)
}

func TestMetricsHaltOnLowAccuracy(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	g.ApplyMetrics(context.Background(), snapshot(0.95, 0.80))
	assert.Equal(t, domain.StateHalted, g.State())
}

func TestMetricsThrottleBand(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	// inclusion in [50%, 60%) throttles
	g.ApplyMetrics(context.Background(), snapshot(0.55, 0.95))
	assert.Equal(t, domain.StateThrottled, g.State())
}

func TestMetricsThrottleOnAccuracyBand(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	g.ApplyMetrics(context.Background(), snapshot(0.95, 0.87))
	assert.Equal(t, domain.StateThrottled, g.State())
}

func TestThrottledRecoversOnlyWhenBothClear(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ctx := context.Background()

	g.ApplyMetrics(ctx, snapshot(0.55, 0.95))
	require.Equal(t, domain.StateThrottled, g.State())

	// inclusion recovered but accuracy still in the throttle band
	g.ApplyMetrics(ctx, snapshot(0.80, 0.89))
	assert.Equal(t, domain.StateThrottled, g.State())

	g.ApplyMetrics(ctx, snapshot(0.80, 0.95))
	assert.Equal(t, domain.StateNormal, g.State())
}

func TestHaltedIgnoresMetricRecovery(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ctx := context.Background()

	g.ApplyMetrics(ctx, snapshot(0.40, 0.95))
	require.Equal(t, domain.StateHalted, g.State())

	g.ApplyMetrics(ctx, snapshot(0.99, 0.99))
	assert.Equal(t, domain.StateHalted, g.State())
}

func TestResumeIsOnlyExitFromHalted(t *testing.T) {
	g, _, events := newTestGovernor(t)
	ctx := context.Background()

	g.Pause(ctx, "ops")
	require.Equal(t, domain.StateHalted, g.State())

	require.NoError(t, g.Resume(ctx, "ops"))
	assert.Equal(t, domain.StateNormal, g.State())

	// resuming a non-halted governor is an error
	assert.Error(t, g.Resume(ctx, "ops"))
	require.Len(t, events.events, 2)
	assert.Equal(t, "operator_resume", events.events[1].Trigger)
}

func TestCriticalSignalHaltsImmediately(t *testing.T) {
	g, _, events := newTestGovernor(t)

	g.handleSignal(context.Background(), domain.CriticalSignal{
		Kind:   domain.SignalDivergence,
		Detail: "debt diverged 25.0 bps",
	})

	assert.Equal(t, domain.StateHalted, g.State())
	require.Len(t, events.events, 1)
	assert.Equal(t, domain.SignalDivergence, events.events[0].Trigger)
}

func TestConsecutiveFailuresHalt(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	g.ReportOutcome(false)
	g.ReportOutcome(false)
	assert.Equal(t, domain.StateNormal, g.State())

	g.ReportOutcome(false)
	assert.Equal(t, domain.StateHalted, g.State())
}

func TestInclusionResetsFailureStreak(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	g.ReportOutcome(false)
	g.ReportOutcome(false)
	g.ReportOutcome(true)
	g.ReportOutcome(false)
	g.ReportOutcome(false)
	assert.Equal(t, domain.StateNormal, g.State())
}

func TestAdmitHaltedRejectsEverything(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	g.Pause(context.Background(), "ops")

	err := g.Admit(context.Background(), 10, 100)
	var rej *domain.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.ReasonHaltedState, rej.Reason)
}

func TestAdmitThrottledCoinFlip(t *testing.T) {
	g, _, _ := newTestGovernor(t)
	ctx := context.Background()
	g.ApplyMetrics(ctx, snapshot(0.55, 0.95))
	require.Equal(t, domain.StateThrottled, g.State())

	g.coin = func() float64 { return 0.9 }
	err := g.Admit(ctx, 10, 100)
	var rej *domain.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.ReasonThrottledDrop, rej.Reason)

	g.coin = func() float64 { return 0.1 }
	assert.NoError(t, g.Admit(ctx, 10, 100))
}

func TestAdmitSingleNotionalLimit(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	err := g.Admit(context.Background(), 150_000, 100)
	var rej *domain.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.ReasonSingleNotional, rej.Reason)
}

func TestAdmitDailyNotionalLimit(t *testing.T) {
	g, records, _ := newTestGovernor(t)
	records.notional = 990_000

	err := g.Admit(context.Background(), 50_000, 100)
	var rej *domain.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.ReasonDailyNotional, rej.Reason)

	records.notional = 100_000
	assert.NoError(t, g.Admit(context.Background(), 50_000, 100))
}

func TestAdmitFailsClosedWhenBudgetUnverifiable(t *testing.T) {
	g, records, _ := newTestGovernor(t)
	records.sumErr = context.DeadlineExceeded

	err := g.Admit(context.Background(), 10, 100)
	var rej *domain.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.ReasonDailyNotional, rej.Reason)
}

func TestAdmitProfitFloorIsTheFinalGate(t *testing.T) {
	g, _, _ := newTestGovernor(t)

	err := g.Admit(context.Background(), 10, 49.99)
	var rej *domain.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.ReasonBelowMinProfit, rej.Reason)

	assert.NoError(t, g.Admit(context.Background(), 10, 50))
}

func TestOutcomeRecomputesMetricsImmediately(t *testing.T) {
	records := &memExecStore{}
	events := &memEventStore{}
	cfg := config.Defaults().Governor
	logger := slog.New(slog.DiscardHandler)
	g := New(cfg, records, events, NewCollector(cfg, records, nil, logger), nil, logger)

	// a full window at 45% inclusion, below the 50% halt line
	for i := 0; i < 100; i++ {
		included := i < 45
		records.records = append(records.records, domain.ExecutionRecord{
			ID:        fmt.Sprintf("rec-%d", i),
			Submitted: true,
			Included:  &included,
		})
	}

	// the breach must trip on the outcome report itself, not wait for the
	// ten-minute ticker
	g.ReportOutcome(false)
	assert.Equal(t, domain.StateHalted, g.State())
}
