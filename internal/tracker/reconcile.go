package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/liqbot/internal/domain"
)

// CanonicalReader performs point-in-time position reads against the
// canonical endpoint.
type CanonicalReader interface {
	CanonicalPosition(ctx context.Context, key domain.PositionKey, block uint64) (domain.Position, error)
}

// Reconciler cross-checks the tracker's cached view against the canonical
// endpoint, every cached position once per block. A mismatch at or beyond
// the configured threshold raises an immediate halt signal; smaller drifts
// are corrected in place and recorded.
type Reconciler struct {
	reader  CanonicalReader
	store   domain.DivergenceStore
	signals chan<- domain.CriticalSignal

	thresholdBps float64
	logger       *slog.Logger

	onDivergence func(domain.DivergenceEvent)
}

// OnDivergence registers a callback invoked for every recorded divergence,
// for publishing to observability consumers. Must be set before the tracker
// starts.
func (r *Reconciler) OnDivergence(fn func(domain.DivergenceEvent)) {
	r.onDivergence = fn
}

// NewReconciler creates a Reconciler. store may be nil when auditing is
// disabled.
func NewReconciler(
	reader CanonicalReader,
	store domain.DivergenceStore,
	signals chan<- domain.CriticalSignal,
	thresholdBps float64,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		reader:       reader,
		store:        store,
		signals:      signals,
		thresholdBps: thresholdBps,
		logger:       logger.With(slog.String("component", "reconciler")),
	}
}

// Reconcile audits every cached position against the canonical read at the
// given block. A divergence left unaudited is a divergence downstream
// decisions run on, so the whole key set is swept each block; the pool's
// canonical-read budget paces the reads.
func (r *Reconciler) Reconcile(ctx context.Context, t *Tracker, block uint64) {
	for _, key := range t.positionKeys() {
		if ctx.Err() != nil {
			return
		}
		r.reconcileOne(ctx, t, key, block)
	}
}

// reconcileOne compares one position's cached raw amounts against the
// canonical read. Read errors are logged and skipped: a failed audit read is
// not evidence of divergence.
func (r *Reconciler) reconcileOne(ctx context.Context, t *Tracker, key domain.PositionKey, block uint64) {
	cached, ok := t.cachedPosition(key)
	if !ok {
		return
	}
	canonical, err := r.reader.CanonicalPosition(ctx, key, block)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.logger.Warn("canonical read failed, skipping audit",
			slog.String("position", key.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	debtBps := divergenceBps(cached.DebtAmount, canonical.DebtAmount)
	collBps := divergenceBps(cached.CollateralAmount, canonical.CollateralAmount)
	if debtBps == 0 && collBps == 0 {
		return
	}

	field, bps, cachedRaw, canonRaw := "debt", debtBps, cached.DebtAmount, canonical.DebtAmount
	if collBps > debtBps {
		field, bps, cachedRaw, canonRaw = "collateral", collBps, cached.CollateralAmount, canonical.CollateralAmount
	}

	action := "corrected"
	if bps >= r.thresholdBps {
		action = "halted"
	}
	r.record(ctx, domain.DivergenceEvent{
		ID:             uuid.NewString(),
		Position:       key,
		Field:          field,
		CachedValue:    cachedRaw.String(),
		CanonicalValue: canonRaw.String(),
		DivergenceBps:  bps,
		Action:         action,
		Block:          block,
		Timestamp:      time.Now().UTC(),
	})

	if action == "halted" {
		sig := domain.CriticalSignal{
			Kind: domain.SignalDivergence,
			Detail: fmt.Sprintf("%s diverged %.1f bps (threshold %.1f) on %s",
				field, bps, r.thresholdBps, key),
			Position: key,
			Block:    block,
		}
		select {
		case r.signals <- sig:
		case <-ctx.Done():
		}
		return
	}

	// Sub-threshold drift: adopt the canonical values and move on.
	t.overwritePosition(ctx, canonical)
	r.logger.Info("corrected sub-threshold drift",
		slog.String("position", key.String()),
		slog.String("field", field),
		slog.Float64("bps", bps),
	)
}

func (r *Reconciler) record(ctx context.Context, ev domain.DivergenceEvent) {
	if r.store != nil {
		if err := r.store.Create(ctx, ev); err != nil {
			r.logger.Warn("divergence event not persisted", slog.String("error", err.Error()))
		}
	}
	if r.onDivergence != nil {
		r.onDivergence(ev)
	}
}

// divergenceBps returns the relative mismatch between cached and canonical
// in basis points of the canonical value. A canonical zero against a
// non-zero cache reads as infinite divergence.
func divergenceBps(cached, canonical *big.Int) float64 {
	if cached == nil {
		cached = new(big.Int)
	}
	if canonical == nil {
		canonical = new(big.Int)
	}
	diff := new(big.Int).Sub(cached, canonical)
	if diff.Sign() == 0 {
		return 0
	}
	if canonical.Sign() == 0 {
		return math.Inf(1)
	}
	ratio, _ := new(big.Float).Quo(
		new(big.Float).SetInt(diff.Abs(diff)),
		new(big.Float).SetInt(canonical),
	).Float64()
	return ratio * 10_000
}
