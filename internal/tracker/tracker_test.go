package tracker

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestTracker(t *testing.T) (*Tracker, chan domain.CriticalSignal) {
	t.Helper()
	cfg := config.Defaults().Tracker
	signals := make(chan domain.CriticalSignal, 8)
	tr := New(cfg, nil, signals, nil, nil, nil, testLogger())
	return tr, signals
}

func borrowEvent(block uint64, logIndex uint, amount int64) domain.PositionEvent {
	return domain.PositionEvent{
		Kind:            domain.EventBorrow,
		Protocol:        "lendfi",
		Account:         "0xabc",
		CollateralAsset: "WETH",
		DebtAsset:       "USDC",
		Amount:          big.NewInt(amount),
		Threshold:       0.80,
		Decimals:        6,
		Block:           block,
		LogIndex:        logIndex,
	}
}

func depositEvent(block uint64, logIndex uint, amount int64) domain.PositionEvent {
	ev := borrowEvent(block, logIndex, amount)
	ev.Kind = domain.EventDeposit
	ev.Decimals = 18
	return ev
}

func envelope(number uint64, parent string, events ...domain.PositionEvent) domain.BlockEnvelope {
	return domain.BlockEnvelope{
		Number:     number,
		Hash:       "h" + parent, // opaque, tests override when continuity matters
		ParentHash: parent,
		Timestamp:  time.Unix(int64(1_700_000_000+number*2), 0).UTC(),
		Positions:  events,
	}
}

func TestIngestBuildsPosition(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.ingest(ctx, envelope(100, "",
		depositEvent(100, 1, 2_000_000_000_000_000_000), // 2 WETH
		borrowEvent(100, 2, 3_000_000_000),              // 3000 USDC
	))

	snap := tr.Snapshot()
	require.Len(t, snap.Positions, 1)
	pos := snap.Positions[0]
	assert.Equal(t, "lendfi", pos.Protocol)
	assert.InDelta(t, 2.0, pos.CollateralUnits(), 1e-9)
	assert.InDelta(t, 3000.0, pos.DebtUnits(), 1e-9)
	assert.Equal(t, uint64(100), pos.UpdatedBlock)

	// 2 WETH * $2000 * 0.80 / $3000 debt
	hf := pos.HealthFactor(2000, 1)
	assert.InDelta(t, 1.0667, hf, 0.001)
}

func TestIngestDuplicateEventNotDoubleApplied(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	env := envelope(100, "", borrowEvent(100, 3, 1_000_000))
	tr.ingest(ctx, env)
	tr.ingest(ctx, env) // redelivered verbatim

	snap := tr.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.InDelta(t, 1.0, snap.Positions[0].DebtUnits(), 1e-9)
}

func TestIngestRepayClampsAtZero(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.ingest(ctx, envelope(100, "",
		depositEvent(100, 1, 1_000_000_000_000_000_000),
		borrowEvent(100, 2, 500_000),
	))
	repay := borrowEvent(101, 1, 700_000)
	repay.Kind = domain.EventRepay
	tr.ingest(ctx, envelope(101, "", repay))

	snap := tr.Snapshot()
	require.Len(t, snap.Positions, 1)
	assert.Zero(t, snap.Positions[0].DebtUnits())
}

func TestIngestLiquidateRemovesPosition(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	tr.ingest(ctx, envelope(100, "", borrowEvent(100, 1, 1_000_000)))
	liq := borrowEvent(101, 1, 1_000_000)
	liq.Kind = domain.EventLiquidate
	tr.ingest(ctx, envelope(101, "", liq))

	assert.Empty(t, tr.Snapshot().Positions)
}

func TestIngestBlockGapRaisesSignal(t *testing.T) {
	tr, signals := newTestTracker(t)
	ctx := context.Background()

	tr.ingest(ctx, envelope(100, ""))
	tr.ingest(ctx, envelope(105, ""))

	select {
	case sig := <-signals:
		assert.Equal(t, domain.SignalBlockGap, sig.Kind)
		assert.Equal(t, uint64(105), sig.Block)
	default:
		t.Fatal("expected a block-gap signal")
	}
}

func TestIngestTimestampRegressionRaisesSignal(t *testing.T) {
	tr, signals := newTestTracker(t)
	ctx := context.Background()

	first := envelope(100, "")
	tr.ingest(ctx, first)

	next := envelope(101, first.Hash)
	next.ParentHash = first.Hash
	next.Timestamp = first.Timestamp.Add(-5 * time.Second)
	tr.ingest(ctx, next)

	select {
	case sig := <-signals:
		assert.Equal(t, domain.SignalTimestampSkew, sig.Kind)
	default:
		t.Fatal("expected a timestamp-skew signal")
	}
}

func TestIngestExcessiveBlockIntervalRaisesSignal(t *testing.T) {
	tr, signals := newTestTracker(t)
	ctx := context.Background()

	first := envelope(100, "")
	tr.ingest(ctx, first)

	next := envelope(101, first.Hash)
	next.Timestamp = first.Timestamp.Add(tr.cfg.MaxBlockInterval.Duration + time.Second)
	tr.ingest(ctx, next)

	select {
	case sig := <-signals:
		assert.Equal(t, domain.SignalTimestampSkew, sig.Kind)
		assert.Contains(t, sig.Detail, "apart")
	default:
		t.Fatal("expected an inter-block interval signal")
	}
}

func TestIngestParentHashMismatchRaisesSignal(t *testing.T) {
	tr, signals := newTestTracker(t)
	ctx := context.Background()

	tr.ingest(ctx, envelope(100, "a"))
	next := envelope(101, "not-the-tip")
	tr.ingest(ctx, next)

	select {
	case sig := <-signals:
		assert.Equal(t, domain.SignalBlockGap, sig.Kind)
		assert.Contains(t, sig.Detail, "parent hash mismatch")
	default:
		t.Fatal("expected a continuity signal")
	}
}

func TestEvictStalePositions(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.cfg.FreshnessWindow = 10
	ctx := context.Background()

	tr.ingest(ctx, envelope(100, "", borrowEvent(100, 1, 1_000_000)))
	env := envelope(101, "")
	env.Number = 120 // beyond the freshness window; gap signal is expected
	tr.ingest(ctx, env)

	assert.Empty(t, tr.Snapshot().Positions)
}

func TestMarkUnhealthyStreak(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	tr.ingest(ctx, envelope(100, "", borrowEvent(100, 1, 1_000_000)))

	key := domain.PositionKey{Protocol: "lendfi", Account: "0xabc"}
	assert.Equal(t, 1, tr.MarkUnhealthy(key, true))
	assert.Equal(t, 2, tr.MarkUnhealthy(key, true))
	assert.Equal(t, 0, tr.MarkUnhealthy(key, false))
	assert.Equal(t, 0, tr.MarkUnhealthy(domain.PositionKey{Protocol: "x", Account: "y"}, true))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	tr.ingest(ctx, envelope(100, "", borrowEvent(100, 1, 1_000_000)))

	snap := tr.Snapshot()
	snap.Positions[0].DebtAmount.SetInt64(999)

	fresh := tr.Snapshot()
	assert.InDelta(t, 1.0, fresh.Positions[0].DebtUnits(), 1e-9)
}

func TestSnapshotTracksPreviousPrimaryQuote(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	env := envelope(100, "")
	env.Prices = []domain.PriceEvent{{
		Quote: domain.PriceQuote{Asset: "WETH", Source: "primary", PriceUSD: 2000, Block: 100, Timestamp: time.Now()},
		Block: 100, LogIndex: 1,
	}}
	tr.ingest(ctx, env)

	env2 := envelope(101, env.Hash)
	env2.ParentHash = env.Hash
	env2.Prices = []domain.PriceEvent{{
		Quote: domain.PriceQuote{Asset: "WETH", Source: "primary", PriceUSD: 2100, Block: 101, Timestamp: time.Now()},
		Block: 101, LogIndex: 1,
	}}
	tr.ingest(ctx, env2)

	snap := tr.Snapshot()
	q, ok := snap.Quote("WETH", "primary")
	require.True(t, ok)
	assert.Equal(t, 2100.0, q.PriceUSD)
	prev, ok := snap.PrevQuotes["WETH"]
	require.True(t, ok)
	assert.Equal(t, 2000.0, prev.PriceUSD)
}
