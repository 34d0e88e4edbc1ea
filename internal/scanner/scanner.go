// Package scanner evaluates tracker snapshots on a fixed cadence and turns
// liquidation-eligible positions into opportunities for the planner. Every
// candidate passes a staged filter; failing any stage drops it with a typed
// reason and moves on to the next position.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/domain"
	"github.com/alanyoungcy/liqbot/internal/tracker"
)

// StateSource provides position snapshots and streak accounting. Implemented
// by the tracker.
type StateSource interface {
	Snapshot() tracker.Snapshot
	MarkUnhealthy(key domain.PositionKey, unhealthy bool) int
}

// PauseChecker reports whether a protocol has liquidations paused.
// Implemented by the canonical ledger reader.
type PauseChecker interface {
	ProtocolPaused(ctx context.Context, protocol string) (bool, error)
}

// Scanner runs the filter pipeline over snapshots and emits opportunities.
type Scanner struct {
	cfg    config.ScannerConfig
	state  StateSource
	pause  PauseChecker
	out    chan<- domain.Opportunity
	logger *slog.Logger

	// pausedMemo caches the per-protocol pause flag for one scan cycle.
	pausedMemo map[string]bool
}

// New creates a Scanner delivering opportunities on out.
func New(
	cfg config.ScannerConfig,
	state StateSource,
	pause PauseChecker,
	out chan<- domain.Opportunity,
	logger *slog.Logger,
) *Scanner {
	return &Scanner{
		cfg:    cfg,
		state:  state,
		pause:  pause,
		out:    out,
		logger: logger.With(slog.String("component", "scanner")),
	}
}

// Run scans on the configured interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("scanner started", slog.Duration("interval", s.cfg.Interval.Duration))
	defer s.logger.Info("scanner stopped")

	ticker := time.NewTicker(s.cfg.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, opp := range s.Scan(ctx) {
				select {
				case s.out <- opp:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// Scan evaluates one snapshot and returns the opportunities that survived
// every filter stage.
func (s *Scanner) Scan(ctx context.Context) []domain.Opportunity {
	snap := s.state.Snapshot()
	s.pausedMemo = make(map[string]bool, 4)

	var out []domain.Opportunity
	for _, pos := range snap.Positions {
		opp, err := s.evaluate(ctx, snap, pos)
		if err != nil {
			var rej *domain.Rejection
			if errors.As(err, &rej) {
				s.logger.Debug("position filtered",
					slog.String("position", pos.Key().String()),
					slog.String("reason", rej.Reason),
					slog.String("detail", rej.Detail),
				)
			} else {
				s.logger.Warn("position skipped",
					slog.String("position", pos.Key().String()),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		out = append(out, opp)
	}
	if len(out) > 0 {
		s.logger.Info("scan complete",
			slog.Uint64("block", snap.Block),
			slog.Int("positions", len(snap.Positions)),
			slog.Int("opportunities", len(out)),
		)
	}
	return out
}

// evaluate runs one position through the filter stages in order.
func (s *Scanner) evaluate(ctx context.Context, snap tracker.Snapshot, pos domain.Position) (domain.Opportunity, error) {
	// Stage 1: both primary quotes must be present.
	collQuote, ok := snap.Quote(pos.CollateralAsset, "primary")
	if !ok {
		return domain.Opportunity{}, domain.ErrStaleQuote
	}
	debtQuote, ok := snap.Quote(pos.DebtAsset, "primary")
	if !ok {
		return domain.Opportunity{}, domain.ErrStaleQuote
	}

	// Stage 2: health factor.
	hf := pos.HealthFactor(collQuote.PriceUSD, debtQuote.PriceUSD)
	if hf >= 1.0 {
		s.state.MarkUnhealthy(pos.Key(), false)
		return domain.Opportunity{}, domain.NewRejection(domain.ReasonHealthy,
			"health factor %.4f", hf)
	}

	// Stage 3: the position must stay unhealthy across consecutive scans so
	// a single-tick oracle blip never triggers an execution.
	streak := s.state.MarkUnhealthy(pos.Key(), true)
	if streak < s.cfg.MinUnhealthyScans {
		return domain.Opportunity{}, domain.NewRejection(domain.ReasonStreakTooShort,
			"streak %d of %d", streak, s.cfg.MinUnhealthyScans)
	}

	// Stage 4: primary and secondary oracle must agree on the collateral
	// price. A missing secondary fails closed: one feed alone is exactly the
	// manipulated-oracle case this stage exists to catch.
	secQuote, ok := snap.Quote(pos.CollateralAsset, "secondary")
	if !ok {
		return domain.Opportunity{}, domain.NewRejection(domain.ReasonOracleDivergence,
			"no secondary %s quote to cross-check", pos.CollateralAsset)
	}
	if div := collQuote.DivergenceFrom(secQuote); div > s.cfg.OracleDivergence {
		return domain.Opportunity{}, domain.NewRejection(domain.ReasonOracleDivergence,
			"%s primary %.4f vs secondary %.4f (%.1f%%)",
			pos.CollateralAsset, collQuote.PriceUSD, secQuote.PriceUSD, div*100)
	}

	// Stage 5: reject anomalous single-observation price jumps, on either
	// leg of the position.
	if prev, ok := snap.PrevQuotes[pos.CollateralAsset]; ok {
		if move := prev.DivergenceFrom(collQuote); move > s.cfg.MaxPriceMove {
			return domain.Opportunity{}, domain.NewRejection(domain.ReasonPriceJump,
				"%s moved %.1f%% in one observation", pos.CollateralAsset, move*100)
		}
	}
	if prev, ok := snap.PrevQuotes[pos.DebtAsset]; ok {
		if move := prev.DivergenceFrom(debtQuote); move > s.cfg.MaxPriceMove {
			return domain.Opportunity{}, domain.NewRejection(domain.ReasonPriceJump,
				"%s moved %.1f%% in one observation", pos.DebtAsset, move*100)
		}
	}

	// Stage 6: the protocol must accept liquidations right now. Check
	// errors fail closed.
	paused, err := s.protocolPaused(ctx, pos.Protocol)
	if err != nil || paused {
		detail := "liquidations paused"
		if err != nil {
			detail = "pause check failed: " + err.Error()
		}
		return domain.Opportunity{}, domain.NewRejection(domain.ReasonProtocolPaused,
			"%s: %s", pos.Protocol, detail)
	}

	// Stage 7: rough profitability floor before any expensive planning.
	rough := pos.NotionalUSD(debtQuote.PriceUSD)*s.cfg.LiquidationIncentive - s.cfg.FlatCostEstimateUSD
	if rough < s.cfg.MinRoughProfitUSD {
		return domain.Opportunity{}, domain.NewRejection(domain.ReasonBelowMinProfit,
			"rough estimate $%.2f under floor $%.2f", rough, s.cfg.MinRoughProfitUSD)
	}

	opp := domain.Opportunity{
		ID:              uuid.NewString(),
		Position:        pos.Clone(),
		HealthFactor:    hf,
		CollateralQuote: collQuote,
		DebtQuote:       debtQuote,
		SecondaryQuote:  secQuote,
		FlaggedBlock:    snap.Block,
		RoughProfitUSD:  rough,
		CreatedAt:       time.Now().UTC(),
	}
	return opp, nil
}

func (s *Scanner) protocolPaused(ctx context.Context, protocol string) (bool, error) {
	if s.pause == nil {
		return false, nil
	}
	if s.pausedMemo == nil {
		s.pausedMemo = make(map[string]bool, 4)
	}
	if paused, ok := s.pausedMemo[protocol]; ok {
		return paused, nil
	}
	paused, err := s.pause.ProtocolPaused(ctx, protocol)
	if err != nil {
		return false, err
	}
	s.pausedMemo[protocol] = paused
	return paused, nil
}
