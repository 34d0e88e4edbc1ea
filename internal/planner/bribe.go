package planner

import (
	"fmt"
	"sync"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/domain"
)

// BribeBook tracks the adaptive competitive-payment fraction per submission
// path. Each path keeps a tumbling window of inclusion outcomes; the
// fraction is recomputed only when a window closes, so a single dropped
// bundle never whipsaws the payment level.
type BribeBook struct {
	cfg config.BribeConfig

	mu    sync.Mutex
	paths map[string]*pathWindow
}

type pathWindow struct {
	fraction float64
	included int
	total    int
	// lastRate is the inclusion rate of the most recently closed window,
	// used for path selection. Negative until a first window closes.
	lastRate float64
}

// NewBribeBook initializes every path at the baseline fraction.
func NewBribeBook(cfg config.BribeConfig, pathNames []string) *BribeBook {
	paths := make(map[string]*pathWindow, len(pathNames))
	for _, name := range pathNames {
		paths[name] = &pathWindow{fraction: cfg.BaselineFraction, lastRate: -1}
	}
	return &BribeBook{cfg: cfg, paths: paths}
}

// BribeUSD returns the payment for a bundle with the given gross profit on
// path. When the current fraction exceeds the hard cap the bundle is
// rejected outright; the cap is never used to clamp the payment.
func (b *BribeBook) BribeUSD(path string, grossProfitUSD float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.paths[path]
	if !ok {
		return 0, fmt.Errorf("bribe: unknown path %q", path)
	}
	if w.fraction > b.cfg.CapFraction {
		return 0, fmt.Errorf("bribe: fraction %.2f over cap %.2f on %s: %w",
			w.fraction, b.cfg.CapFraction, path, domain.ErrBribeCapExceeded)
	}
	return grossProfitUSD * w.fraction, nil
}

// Fraction returns the current fraction for path.
func (b *BribeBook) Fraction(path string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.paths[path]; ok {
		return w.fraction
	}
	return b.cfg.BaselineFraction
}

// InclusionRate returns the last closed window's inclusion rate for path.
// ok is false until a first window has closed.
func (b *BribeBook) InclusionRate(path string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.paths[path]
	if !ok || w.lastRate < 0 {
		return 0, false
	}
	return w.lastRate, true
}

// RecordOutcome feeds one submission outcome into path's window. When the
// window reaches the configured size it closes: the fraction steps up if the
// rate fell below the raise threshold, steps down if it rose above the lower
// threshold, and the window restarts empty.
func (b *BribeBook) RecordOutcome(path string, included bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.paths[path]
	if !ok {
		return
	}
	w.total++
	if included {
		w.included++
	}
	if w.total < b.cfg.WindowSize {
		return
	}

	rate := float64(w.included) / float64(w.total)
	w.lastRate = rate
	w.included, w.total = 0, 0

	switch {
	case rate < b.cfg.RaiseBelowRate:
		w.fraction += b.cfg.StepUp
	case rate > b.cfg.LowerAboveRate:
		w.fraction -= b.cfg.StepDown
		if w.fraction < 0 {
			w.fraction = 0
		}
	}
}
