// Package tracker maintains the warm in-memory mirror of tracked lending
// positions and oracle prices, rebuilt from the ordered block-event stream.
// A single goroutine owns all writes; concurrent readers only ever see
// immutable snapshot copies.
package tracker

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/domain"
)

// Snapshot is a point-in-time copy of the tracker state handed to the
// scanner. Mutating it never affects the tracker.
type Snapshot struct {
	Block     uint64
	Timestamp time.Time
	Positions []domain.Position
	// Quotes maps asset -> source -> latest quote.
	Quotes map[string]map[string]domain.PriceQuote
	// PrevQuotes holds the previous primary observation per asset, for
	// price-jump anomaly detection.
	PrevQuotes map[string]domain.PriceQuote
}

// Quote returns the latest quote for (asset, source), if any.
func (s Snapshot) Quote(asset, source string) (domain.PriceQuote, bool) {
	m, ok := s.Quotes[asset]
	if !ok {
		return domain.PriceQuote{}, false
	}
	q, ok := m[source]
	return q, ok
}

// Tracker consumes ordered block envelopes and keeps the position and quote
// state current. It degrades to in-process state when the cache mirror is
// unavailable and raises critical signals on continuity violations.
type Tracker struct {
	cfg     config.TrackerConfig
	in      <-chan domain.BlockEnvelope
	signals chan<- domain.CriticalSignal

	posCache   domain.PositionCache
	quoteCache domain.QuoteCache
	reconciler *Reconciler
	logger     *slog.Logger

	// state below is mutated only by Run; mu guards snapshot copies.
	mu         sync.Mutex
	positions  map[domain.PositionKey]*domain.Position
	quotes     map[string]map[string]domain.PriceQuote
	prevQuotes map[string]domain.PriceQuote

	lastBlock     uint64
	lastHash      string
	lastTimestamp time.Time
	// applied watermark for idempotent redelivery: position events at or
	// below (appliedBlock, appliedIndex) are already in the state.
	appliedBlock uint64
	appliedIndex uint

	cacheHealthy bool
}

// New creates a Tracker. reconciler may be nil in monitor-only setups.
func New(
	cfg config.TrackerConfig,
	in <-chan domain.BlockEnvelope,
	signals chan<- domain.CriticalSignal,
	posCache domain.PositionCache,
	quoteCache domain.QuoteCache,
	reconciler *Reconciler,
	logger *slog.Logger,
) *Tracker {
	return &Tracker{
		cfg:          cfg,
		in:           in,
		signals:      signals,
		posCache:     posCache,
		quoteCache:   quoteCache,
		reconciler:   reconciler,
		logger:       logger.With(slog.String("component", "tracker")),
		positions:    make(map[domain.PositionKey]*domain.Position),
		quotes:       make(map[string]map[string]domain.PriceQuote),
		prevQuotes:   make(map[string]domain.PriceQuote),
		cacheHealthy: true,
	}
}

// Warm preloads positions from the cache mirror so a restart does not begin
// from an empty map. Failures are logged and ignored.
func (t *Tracker) Warm(ctx context.Context) {
	if t.posCache == nil {
		return
	}
	positions, err := t.posCache.All(ctx)
	if err != nil {
		t.logger.Warn("cache warm-up failed, starting cold", slog.String("error", err.Error()))
		return
	}
	t.mu.Lock()
	for i := range positions {
		p := positions[i].Clone()
		t.positions[p.Key()] = &p
		if p.UpdatedBlock > t.lastBlock {
			t.lastBlock = p.UpdatedBlock
		}
	}
	t.mu.Unlock()
	t.logger.Info("cache warm-up complete", slog.Int("positions", len(positions)))
}

// Run consumes envelopes until ctx is cancelled. It also watches for chain
// stalls: when no block arrives within the stall window a critical signal is
// raised.
func (t *Tracker) Run(ctx context.Context) error {
	t.logger.Info("tracker started")
	defer t.logger.Info("tracker stopped")

	stall := time.NewTimer(t.cfg.StallWindow.Duration)
	defer stall.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stall.C:
			t.raise(ctx, domain.CriticalSignal{
				Kind:   domain.SignalChainStall,
				Detail: "no block within " + t.cfg.StallWindow.Duration.String(),
				Block:  t.lastBlock,
			})
			stall.Reset(t.cfg.StallWindow.Duration)
		case env, ok := <-t.in:
			if !ok {
				return nil
			}
			if !stall.Stop() {
				select {
				case <-stall.C:
				default:
				}
			}
			stall.Reset(t.cfg.StallWindow.Duration)
			t.ingest(ctx, env)
		}
	}
}

// ingest applies one envelope: continuity checks, event application, cache
// mirroring and per-block reconciliation.
func (t *Tracker) ingest(ctx context.Context, env domain.BlockEnvelope) {
	if sig, ok := t.checkContinuity(env); ok {
		t.raise(ctx, sig)
	}
	if env.Number < t.lastBlock {
		return // redelivered old block, already applied
	}

	t.mu.Lock()
	for _, ev := range env.Positions {
		if t.applied(ev.Block, ev.LogIndex) {
			continue // duplicate delivery, never double-apply
		}
		t.applyPosition(ctx, ev)
		t.appliedBlock, t.appliedIndex = ev.Block, ev.LogIndex
	}
	for _, ev := range env.Prices {
		t.applyQuote(ctx, ev.Quote)
	}
	t.evictStale(ctx, env.Number)
	t.lastBlock = env.Number
	t.lastHash = env.Hash
	t.lastTimestamp = env.Timestamp
	t.mu.Unlock()

	if t.reconciler != nil {
		t.reconciler.Reconcile(ctx, t, env.Number)
	}
}

func (t *Tracker) applyPosition(ctx context.Context, ev domain.PositionEvent) {
	key := domain.PositionKey{Protocol: ev.Protocol, Account: ev.Account}

	if ev.Kind == domain.EventLiquidate {
		delete(t.positions, key)
		if t.posCache != nil {
			if err := t.posCache.Delete(ctx, key); err != nil {
				t.degradeCache(err)
			}
		}
		return
	}

	pos, ok := t.positions[key]
	if !ok {
		pos = &domain.Position{
			Protocol:             ev.Protocol,
			Account:              ev.Account,
			CollateralAsset:      ev.CollateralAsset,
			DebtAsset:            ev.DebtAsset,
			CollateralAmount:     new(big.Int),
			DebtAmount:           new(big.Int),
			LiquidationThreshold: ev.Threshold,
			FirstSeenAt:          time.Now().UTC(),
		}
		t.positions[key] = pos
	}
	if ev.Threshold > 0 {
		pos.LiquidationThreshold = ev.Threshold
	}

	switch ev.Kind {
	case domain.EventBorrow:
		pos.DebtAmount.Add(pos.DebtAmount, ev.Amount)
		pos.DebtDecimals = ev.Decimals
	case domain.EventRepay:
		pos.DebtAmount.Sub(pos.DebtAmount, ev.Amount)
		if pos.DebtAmount.Sign() < 0 {
			pos.DebtAmount.SetInt64(0)
		}
	case domain.EventDeposit:
		pos.CollateralAmount.Add(pos.CollateralAmount, ev.Amount)
		pos.CollateralDecimals = ev.Decimals
	case domain.EventWithdraw:
		pos.CollateralAmount.Sub(pos.CollateralAmount, ev.Amount)
		if pos.CollateralAmount.Sign() < 0 {
			pos.CollateralAmount.SetInt64(0)
		}
	}
	pos.UpdatedBlock = ev.Block

	if pos.CollateralAmount.Sign() == 0 && pos.DebtAmount.Sign() == 0 {
		delete(t.positions, key)
		if t.posCache != nil {
			if err := t.posCache.Delete(ctx, key); err != nil {
				t.degradeCache(err)
			}
		}
		return
	}

	if t.posCache != nil {
		if err := t.posCache.Set(ctx, pos.Clone()); err != nil {
			t.degradeCache(err)
		} else if !t.cacheHealthy {
			t.cacheHealthy = true
			t.logger.Info("cache mirror recovered")
		}
	}
}

func (t *Tracker) applyQuote(ctx context.Context, q domain.PriceQuote) {
	if err := q.Validate(); err != nil {
		t.logger.Warn("dropping invalid quote", slog.String("error", err.Error()))
		return
	}
	bySource, ok := t.quotes[q.Asset]
	if !ok {
		bySource = make(map[string]domain.PriceQuote)
		t.quotes[q.Asset] = bySource
	}
	if q.Source == "primary" {
		if prev, ok := bySource[q.Source]; ok {
			t.prevQuotes[q.Asset] = prev
		}
	}
	bySource[q.Source] = q

	if t.quoteCache != nil {
		if err := t.quoteCache.Set(ctx, q); err != nil {
			t.degradeCache(err)
		}
	}
}

// evictStale drops positions not touched within the freshness window so the
// scanner never evaluates data the stream stopped confirming.
func (t *Tracker) evictStale(ctx context.Context, head uint64) {
	if t.cfg.FreshnessWindow == 0 || head <= t.cfg.FreshnessWindow {
		return
	}
	cutoff := head - t.cfg.FreshnessWindow
	for key, pos := range t.positions {
		if pos.UpdatedBlock >= cutoff {
			continue
		}
		delete(t.positions, key)
		if t.posCache != nil {
			if err := t.posCache.Delete(ctx, key); err != nil {
				t.degradeCache(err)
			}
		}
		t.logger.Debug("evicted stale position",
			slog.String("position", key.String()),
			slog.Uint64("updated_block", pos.UpdatedBlock),
		)
	}
}

// Snapshot returns a deep copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Block:      t.lastBlock,
		Timestamp:  t.lastTimestamp,
		Positions:  make([]domain.Position, 0, len(t.positions)),
		Quotes:     make(map[string]map[string]domain.PriceQuote, len(t.quotes)),
		PrevQuotes: make(map[string]domain.PriceQuote, len(t.prevQuotes)),
	}
	for _, pos := range t.positions {
		snap.Positions = append(snap.Positions, pos.Clone())
	}
	for asset, bySource := range t.quotes {
		m := make(map[string]domain.PriceQuote, len(bySource))
		for src, q := range bySource {
			m[src] = q
		}
		snap.Quotes[asset] = m
	}
	for asset, q := range t.prevQuotes {
		snap.PrevQuotes[asset] = q
	}
	return snap
}

// MarkUnhealthy increments the unhealthy-streak counter for key. Called by
// the scanner after each scan cycle; a counter survives only while the
// position stays in the map.
func (t *Tracker) MarkUnhealthy(key domain.PositionKey, unhealthy bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[key]
	if !ok {
		return 0
	}
	if unhealthy {
		pos.UnhealthyStreak++
	} else {
		pos.UnhealthyStreak = 0
	}
	return pos.UnhealthyStreak
}

// cachedPosition returns a copy of one position for reconciliation.
func (t *Tracker) cachedPosition(key domain.PositionKey) (domain.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[key]
	if !ok {
		return domain.Position{}, false
	}
	return pos.Clone(), true
}

// positionKeys returns the current key set in map order.
func (t *Tracker) positionKeys() []domain.PositionKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]domain.PositionKey, 0, len(t.positions))
	for key := range t.positions {
		keys = append(keys, key)
	}
	return keys
}

// overwritePosition replaces the cached position with the canonical one
// after an in-threshold correction.
func (t *Tracker) overwritePosition(ctx context.Context, pos domain.Position) {
	t.mu.Lock()
	p := pos.Clone()
	if existing, ok := t.positions[p.Key()]; ok {
		p.UnhealthyStreak = existing.UnhealthyStreak
		p.FirstSeenAt = existing.FirstSeenAt
	}
	t.positions[p.Key()] = &p
	t.mu.Unlock()
	if t.posCache != nil {
		if err := t.posCache.Set(ctx, p.Clone()); err != nil {
			t.degradeCache(err)
		}
	}
}

// applied reports whether the (block, logIndex) pair is at or below the
// watermark. Callers hold t.mu.
func (t *Tracker) applied(block uint64, logIndex uint) bool {
	if block != t.appliedBlock {
		return block < t.appliedBlock
	}
	return t.appliedBlock != 0 && logIndex <= t.appliedIndex
}

func (t *Tracker) raise(ctx context.Context, sig domain.CriticalSignal) {
	t.logger.Error("critical signal",
		slog.String("kind", sig.Kind),
		slog.String("detail", sig.Detail),
		slog.Uint64("block", sig.Block),
	)
	select {
	case t.signals <- sig:
	case <-ctx.Done():
	}
}

func (t *Tracker) degradeCache(err error) {
	if t.cacheHealthy {
		t.cacheHealthy = false
		t.logger.Warn("cache mirror unavailable, continuing in-process only",
			slog.String("error", err.Error()),
		)
	}
}
