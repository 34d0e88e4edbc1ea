package scanner

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/domain"
	"github.com/alanyoungcy/liqbot/internal/tracker"
)

type stubState struct {
	snap    tracker.Snapshot
	streaks map[domain.PositionKey]int
}

func (s *stubState) Snapshot() tracker.Snapshot { return s.snap }

func (s *stubState) MarkUnhealthy(key domain.PositionKey, unhealthy bool) int {
	if s.streaks == nil {
		s.streaks = make(map[domain.PositionKey]int)
	}
	if !unhealthy {
		s.streaks[key] = 0
		return 0
	}
	s.streaks[key]++
	return s.streaks[key]
}

type stubPause struct {
	paused bool
	err    error
}

func (s *stubPause) ProtocolPaused(context.Context, string) (bool, error) {
	return s.paused, s.err
}

// testPosition is 1.0 WETH collateral against 1800 USDC debt at a 0.80
// threshold. At $2000/WETH the health factor is 0.889, well inside
// liquidation territory.
func testPosition() domain.Position {
	return domain.Position{
		Protocol:             "lendfi",
		Account:              "0xabc",
		CollateralAsset:      "WETH",
		CollateralAmount:     big.NewInt(1_000_000_000_000_000_000),
		CollateralDecimals:   18,
		DebtAsset:            "USDC",
		DebtAmount:           big.NewInt(1_800_000_000),
		DebtDecimals:         6,
		LiquidationThreshold: 0.80,
		UpdatedBlock:         100,
	}
}

func quote(asset, source string, price float64) domain.PriceQuote {
	return domain.PriceQuote{
		Asset: asset, Source: source, PriceUSD: price,
		Block: 100, Timestamp: time.Now().UTC(),
	}
}

func testSnapshot(positions ...domain.Position) tracker.Snapshot {
	return tracker.Snapshot{
		Block:     100,
		Timestamp: time.Now().UTC(),
		Positions: positions,
		Quotes: map[string]map[string]domain.PriceQuote{
			"WETH": {
				"primary":   quote("WETH", "primary", 2000),
				"secondary": quote("WETH", "secondary", 2010),
			},
			"USDC": {
				"primary": quote("USDC", "primary", 1),
			},
		},
		PrevQuotes: map[string]domain.PriceQuote{
			"WETH": quote("WETH", "primary", 1990),
		},
	}
}

func newTestScanner(snap tracker.Snapshot, pause PauseChecker) (*Scanner, *stubState) {
	state := &stubState{snap: snap}
	cfg := config.Defaults().Scanner
	s := New(cfg, state, pause, nil, slog.New(slog.DiscardHandler))
	return s, state
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var rej *domain.Rejection
	require.ErrorAs(t, err, &rej)
	return rej.Reason
}

func TestEvaluateFlagsUnhealthyPosition(t *testing.T) {
	snap := testSnapshot(testPosition())
	s, state := newTestScanner(snap, &stubPause{})
	ctx := context.Background()

	// first pass builds the streak
	_, err := s.evaluate(ctx, snap, snap.Positions[0])
	assert.Equal(t, domain.ReasonStreakTooShort, reasonOf(t, err))

	s.pausedMemo = map[string]bool{}
	opp, err := s.evaluate(ctx, snap, snap.Positions[0])
	require.NoError(t, err)

	// 1 WETH * $2000 * 0.80 / $1800 = 0.889
	assert.InDelta(t, 0.889, opp.HealthFactor, 0.001)
	assert.Equal(t, uint64(100), opp.FlaggedBlock)
	assert.Equal(t, 2000.0, opp.CollateralQuote.PriceUSD)
	assert.NotEmpty(t, opp.ID)
	// rough estimate: $1800 notional * 5% incentive - $15 flat = $75
	assert.InDelta(t, 75.0, opp.RoughProfitUSD, 0.01)
	assert.Equal(t, 2, state.streaks[snap.Positions[0].Key()])
}

func TestEvaluateHealthyResetsStreak(t *testing.T) {
	pos := testPosition()
	pos.DebtAmount = big.NewInt(1_000_000_000) // $1000 debt, HF 1.6
	snap := testSnapshot(pos)
	s, state := newTestScanner(snap, &stubPause{})

	state.streaks = map[domain.PositionKey]int{pos.Key(): 2}
	_, err := s.evaluate(context.Background(), snap, pos)

	assert.Equal(t, domain.ReasonHealthy, reasonOf(t, err))
	assert.Zero(t, state.streaks[pos.Key()])
}

func TestEvaluateOracleDivergenceRejects(t *testing.T) {
	snap := testSnapshot(testPosition())
	// secondary disagrees by 8%, over the 5% gate
	snap.Quotes["WETH"]["secondary"] = quote("WETH", "secondary", 1840)
	s, state := newTestScanner(snap, &stubPause{})
	state.streaks = map[domain.PositionKey]int{testPosition().Key(): 5}

	_, err := s.evaluate(context.Background(), snap, snap.Positions[0])
	assert.Equal(t, domain.ReasonOracleDivergence, reasonOf(t, err))
}

func TestEvaluateMissingSecondaryQuoteRejects(t *testing.T) {
	snap := testSnapshot(testPosition())
	// only the primary feed is available, nothing to cross-check against
	delete(snap.Quotes["WETH"], "secondary")
	s, state := newTestScanner(snap, &stubPause{})
	state.streaks = map[domain.PositionKey]int{testPosition().Key(): 5}

	_, err := s.evaluate(context.Background(), snap, snap.Positions[0])
	assert.Equal(t, domain.ReasonOracleDivergence, reasonOf(t, err))
}

func TestEvaluatePriceJumpRejects(t *testing.T) {
	snap := testSnapshot(testPosition())
	// previous observation was 40% away
	snap.PrevQuotes["WETH"] = quote("WETH", "primary", 3400)
	s, state := newTestScanner(snap, &stubPause{})
	state.streaks = map[domain.PositionKey]int{testPosition().Key(): 5}

	_, err := s.evaluate(context.Background(), snap, snap.Positions[0])
	assert.Equal(t, domain.ReasonPriceJump, reasonOf(t, err))
}

func TestEvaluateDebtPriceJumpRejects(t *testing.T) {
	snap := testSnapshot(testPosition())
	// the debt leg moved 33% in one observation
	snap.PrevQuotes["USDC"] = quote("USDC", "primary", 1.5)
	s, state := newTestScanner(snap, &stubPause{})
	state.streaks = map[domain.PositionKey]int{testPosition().Key(): 5}

	_, err := s.evaluate(context.Background(), snap, snap.Positions[0])
	assert.Equal(t, domain.ReasonPriceJump, reasonOf(t, err))
}

func TestEvaluatePausedProtocolRejects(t *testing.T) {
	snap := testSnapshot(testPosition())
	s, state := newTestScanner(snap, &stubPause{paused: true})
	state.streaks = map[domain.PositionKey]int{testPosition().Key(): 5}
	s.pausedMemo = map[string]bool{}

	_, err := s.evaluate(context.Background(), snap, snap.Positions[0])
	assert.Equal(t, domain.ReasonProtocolPaused, reasonOf(t, err))
}

func TestEvaluatePauseCheckErrorFailsClosed(t *testing.T) {
	snap := testSnapshot(testPosition())
	s, state := newTestScanner(snap, &stubPause{err: errors.New("rpc down")})
	state.streaks = map[domain.PositionKey]int{testPosition().Key(): 5}
	s.pausedMemo = map[string]bool{}

	_, err := s.evaluate(context.Background(), snap, snap.Positions[0])
	assert.Equal(t, domain.ReasonProtocolPaused, reasonOf(t, err))
}

func TestEvaluateBelowProfitFloorRejects(t *testing.T) {
	pos := testPosition()
	// $900 debt: HF 0.889 preserved via halved collateral, but the rough
	// estimate is $900*5% - $15 = $30, under the $50 floor
	pos.DebtAmount = big.NewInt(900_000_000)
	pos.CollateralAmount = big.NewInt(500_000_000_000_000_000)
	snap := testSnapshot(pos)
	s, state := newTestScanner(snap, &stubPause{})
	state.streaks = map[domain.PositionKey]int{pos.Key(): 5}
	s.pausedMemo = map[string]bool{}

	_, err := s.evaluate(context.Background(), snap, pos)
	assert.Equal(t, domain.ReasonBelowMinProfit, reasonOf(t, err))
}

func TestEvaluateMissingQuoteSkips(t *testing.T) {
	snap := testSnapshot(testPosition())
	delete(snap.Quotes, "USDC")
	s, _ := newTestScanner(snap, &stubPause{})

	_, err := s.evaluate(context.Background(), snap, snap.Positions[0])
	assert.ErrorIs(t, err, domain.ErrStaleQuote)
}

func TestScanEndToEnd(t *testing.T) {
	healthy := testPosition()
	healthy.Account = "0xhealthy"
	healthy.DebtAmount = big.NewInt(500_000_000)

	snap := testSnapshot(testPosition(), healthy)
	s, state := newTestScanner(snap, &stubPause{})
	state.streaks = map[domain.PositionKey]int{testPosition().Key(): 5}

	opps := s.Scan(context.Background())
	require.Len(t, opps, 1)
	assert.Equal(t, "0xabc", opps[0].Position.Account)
}
