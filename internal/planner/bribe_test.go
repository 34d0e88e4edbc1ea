package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/domain"
)

func testBribeBook(windowSize int) *BribeBook {
	cfg := config.Defaults().Bribe
	cfg.WindowSize = windowSize
	return NewBribeBook(cfg, []string{"mempool", "relay"})
}

func fillWindow(b *BribeBook, path string, included, dropped int) {
	for i := 0; i < included; i++ {
		b.RecordOutcome(path, true)
	}
	for i := 0; i < dropped; i++ {
		b.RecordOutcome(path, false)
	}
}

func TestBribeStartsAtBaseline(t *testing.T) {
	b := testBribeBook(10)
	assert.InDelta(t, 0.15, b.Fraction("mempool"), 1e-9)

	bribe, err := b.BribeUSD("mempool", 200)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, bribe, 1e-9)
}

func TestBribeStepsUpOnPoorInclusion(t *testing.T) {
	b := testBribeBook(10)

	// 5 of 10 included: 50% < 60% raise threshold
	fillWindow(b, "mempool", 5, 5)
	assert.InDelta(t, 0.20, b.Fraction("mempool"), 1e-9)

	rate, ok := b.InclusionRate("mempool")
	require.True(t, ok)
	assert.InDelta(t, 0.5, rate, 1e-9)
}

func TestBribeStepsDownOnStrongInclusion(t *testing.T) {
	b := testBribeBook(10)

	// 10 of 10: above the 90% lower threshold
	fillWindow(b, "mempool", 10, 0)
	assert.InDelta(t, 0.13, b.Fraction("mempool"), 1e-9)
}

func TestBribeHoldsInsideBand(t *testing.T) {
	b := testBribeBook(10)

	// 8 of 10: between the thresholds, no change
	fillWindow(b, "mempool", 8, 2)
	assert.InDelta(t, 0.15, b.Fraction("mempool"), 1e-9)
}

func TestBribeFractionChangesOnlyAtWindowClose(t *testing.T) {
	b := testBribeBook(10)

	// 9 poor outcomes: window still open, fraction untouched
	fillWindow(b, "mempool", 0, 9)
	assert.InDelta(t, 0.15, b.Fraction("mempool"), 1e-9)

	b.RecordOutcome("mempool", false)
	assert.InDelta(t, 0.20, b.Fraction("mempool"), 1e-9)
}

func TestBribeOverCapRejectsNeverClamps(t *testing.T) {
	b := testBribeBook(10)

	// six poor windows walk the fraction 0.15 -> 0.45, past the 0.40 cap
	for i := 0; i < 6; i++ {
		fillWindow(b, "mempool", 0, 10)
	}
	assert.InDelta(t, 0.45, b.Fraction("mempool"), 1e-9)

	_, err := b.BribeUSD("mempool", 200)
	assert.ErrorIs(t, err, domain.ErrBribeCapExceeded)

	// the other path is unaffected
	bribe, err := b.BribeUSD("relay", 200)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, bribe, 1e-9)
}

func TestBribeAtCapStillPays(t *testing.T) {
	b := testBribeBook(10)

	// five poor windows: exactly 0.40, at the cap but not over it
	for i := 0; i < 5; i++ {
		fillWindow(b, "mempool", 0, 10)
	}
	bribe, err := b.BribeUSD("mempool", 100)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, bribe, 1e-6)
}

func TestBribeWindowsAreIndependentPerPath(t *testing.T) {
	b := testBribeBook(10)

	fillWindow(b, "mempool", 0, 10)
	assert.InDelta(t, 0.20, b.Fraction("mempool"), 1e-9)
	assert.InDelta(t, 0.15, b.Fraction("relay"), 1e-9)
}
