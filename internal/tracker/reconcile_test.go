package tracker

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

type stubReader struct {
	pos domain.Position
	err error
}

func (s *stubReader) CanonicalPosition(_ context.Context, _ domain.PositionKey, _ uint64) (domain.Position, error) {
	return s.pos, s.err
}

type keyedReader struct {
	positions map[domain.PositionKey]domain.Position
}

func (k *keyedReader) CanonicalPosition(_ context.Context, key domain.PositionKey, _ uint64) (domain.Position, error) {
	return k.positions[key], nil
}

type memDivergenceStore struct {
	events []domain.DivergenceEvent
}

func (m *memDivergenceStore) Create(_ context.Context, ev domain.DivergenceEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *memDivergenceStore) ListRange(context.Context, domain.ListOpts) ([]domain.DivergenceEvent, error) {
	return m.events, nil
}

func (m *memDivergenceStore) ListByPosition(context.Context, domain.PositionKey, domain.ListOpts) ([]domain.DivergenceEvent, error) {
	return m.events, nil
}

func TestDivergenceBps(t *testing.T) {
	assert.Zero(t, divergenceBps(big.NewInt(10_000), big.NewInt(10_000)))
	// 10,010 vs 10,000 is a 10 bps mismatch
	assert.InDelta(t, 10.0, divergenceBps(big.NewInt(10_010), big.NewInt(10_000)), 0.01)
	assert.InDelta(t, 10.0, divergenceBps(big.NewInt(9_990), big.NewInt(10_000)), 0.01)
	assert.True(t, divergenceBps(big.NewInt(1), big.NewInt(0)) > 1e12)
	assert.Zero(t, divergenceBps(nil, nil))
}

func reconcilerFixture(t *testing.T, canonicalDebt int64) (*Tracker, *Reconciler, *memDivergenceStore, chan domain.CriticalSignal) {
	t.Helper()
	tr, _ := newTestTracker(t)
	tr.ingest(context.Background(), envelope(100, "",
		depositEvent(100, 1, 1_000_000_000_000_000_000),
		borrowEvent(100, 2, 1_000_000),
	))

	canonical := tr.Snapshot().Positions[0]
	canonical.DebtAmount = big.NewInt(canonicalDebt)

	store := &memDivergenceStore{}
	signals := make(chan domain.CriticalSignal, 1)
	rec := NewReconciler(&stubReader{pos: canonical}, store, signals, 10, testLogger())
	return tr, rec, store, signals
}

func TestReconcileOverThresholdHalts(t *testing.T) {
	// cached debt 1,000,000 vs canonical 998,000: ~20 bps over a 10 bps
	// threshold
	tr, rec, store, signals := reconcilerFixture(t, 998_000)

	rec.Reconcile(context.Background(), tr, 100)

	select {
	case sig := <-signals:
		assert.Equal(t, domain.SignalDivergence, sig.Kind)
		assert.Equal(t, "lendfi", sig.Position.Protocol)
	default:
		t.Fatal("expected a divergence signal")
	}

	require.Len(t, store.events, 1)
	assert.Equal(t, "halted", store.events[0].Action)
	assert.Equal(t, "debt", store.events[0].Field)
	assert.InDelta(t, 20.0, store.events[0].DivergenceBps, 0.1)

	// the cached value must not be silently corrected on a halt
	assert.Equal(t, "1000000", tr.Snapshot().Positions[0].DebtAmount.String())
}

func TestReconcileAuditsEveryPositionEachCycle(t *testing.T) {
	tr, _ := newTestTracker(t)
	second := borrowEvent(100, 3, 2_000_000)
	second.Account = "0xdef"
	tr.ingest(context.Background(), envelope(100, "",
		borrowEvent(100, 1, 1_000_000),
		second,
	))

	// one position matches canonical state, the other has drifted to double
	// the cached debt
	canonical := make(map[domain.PositionKey]domain.Position)
	for _, pos := range tr.Snapshot().Positions {
		if pos.Account == "0xdef" {
			pos.DebtAmount = big.NewInt(4_000_000)
		}
		canonical[pos.Key()] = pos
	}

	store := &memDivergenceStore{}
	signals := make(chan domain.CriticalSignal, 2)
	rec := NewReconciler(&keyedReader{positions: canonical}, store, signals, 10, testLogger())

	rec.Reconcile(context.Background(), tr, 100)

	// the diverged position must be caught in this cycle no matter where it
	// sits in the key set
	select {
	case sig := <-signals:
		assert.Equal(t, domain.SignalDivergence, sig.Kind)
		assert.Equal(t, "0xdef", sig.Position.Account)
	default:
		t.Fatal("divergence must halt within the same reconciliation cycle")
	}

	require.Len(t, store.events, 1)
	assert.Equal(t, "halted", store.events[0].Action)
	assert.Equal(t, "0xdef", store.events[0].Position.Account)
}

func TestReconcileHaltsAtExactThreshold(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.ingest(context.Background(), envelope(100, "", borrowEvent(100, 1, 1_000_000)))

	// cached 1,000,000 vs canonical 800,000 is exactly 2500 bps
	canonical := tr.Snapshot().Positions[0]
	canonical.DebtAmount = big.NewInt(800_000)

	store := &memDivergenceStore{}
	signals := make(chan domain.CriticalSignal, 1)
	rec := NewReconciler(&stubReader{pos: canonical}, store, signals, 2500, testLogger())

	rec.Reconcile(context.Background(), tr, 100)

	select {
	case sig := <-signals:
		assert.Equal(t, domain.SignalDivergence, sig.Kind)
	default:
		t.Fatal("divergence equal to the threshold must halt, not correct")
	}
	require.Len(t, store.events, 1)
	assert.Equal(t, "halted", store.events[0].Action)
}

func TestReconcileSubThresholdCorrects(t *testing.T) {
	// cached 1,000,000 vs canonical 999,500: ~5 bps, under the threshold
	tr, rec, store, signals := reconcilerFixture(t, 999_500)

	rec.Reconcile(context.Background(), tr, 100)

	select {
	case <-signals:
		t.Fatal("sub-threshold drift must not halt")
	default:
	}

	require.Len(t, store.events, 1)
	assert.Equal(t, "corrected", store.events[0].Action)
	assert.Equal(t, "999500", tr.Snapshot().Positions[0].DebtAmount.String())
}

func TestReconcileMatchRecordsNothing(t *testing.T) {
	tr, rec, store, signals := reconcilerFixture(t, 1_000_000)

	rec.Reconcile(context.Background(), tr, 100)

	assert.Empty(t, store.events)
	select {
	case <-signals:
		t.Fatal("matching state must not signal")
	default:
	}
}

func TestReconcileReadErrorSkips(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.ingest(context.Background(), envelope(100, "", borrowEvent(100, 1, 1_000_000)))

	store := &memDivergenceStore{}
	signals := make(chan domain.CriticalSignal, 1)
	rec := NewReconciler(&stubReader{err: errors.New("rpc down")}, store, signals, 10, testLogger())

	rec.Reconcile(context.Background(), tr, 100)

	assert.Empty(t, store.events)
	select {
	case <-signals:
		t.Fatal("a failed audit read is not divergence")
	default:
	}
}
