// Package planner turns scanner opportunities into fully-costed settlement
// bundles, verifies them with an authoritative dry run, routes them through
// the safety governor's admission gate, and submits the survivors.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/alanyoungcy/liqbot/internal/config"
	liqcrypto "github.com/alanyoungcy/liqbot/internal/crypto"
	"github.com/alanyoungcy/liqbot/internal/domain"
	"github.com/alanyoungcy/liqbot/internal/ledger"
	"github.com/alanyoungcy/liqbot/internal/submitpath"
	"github.com/alanyoungcy/liqbot/internal/tracker"
)

// liquidate(address pool,address account,uint256 debtAmount,uint256 minProfit)
var selLiquidate = ethcrypto.Keccak256([]byte("liquidate(address,address,uint256,uint256)"))[:4]

// AdmissionGate is the governor's submission gate.
type AdmissionGate interface {
	// Admit returns nil to admit, or a typed rejection.
	Admit(ctx context.Context, notionalUSD, netProfitUSD float64) error
	State() domain.AvailabilityState
}

// QuoteSource supplies the latest snapshot, for native-asset pricing.
type QuoteSource interface {
	Snapshot() tracker.Snapshot
}

// Markets resolves protocol names to pool contracts.
type Markets interface {
	PoolFor(protocol string) (ledger.MarketSpec, common.Address, bool)
}

// Planner consumes opportunities and drives them to a terminal execution
// record: submitted, or rejected with a reason. One goroutine processes
// opportunities sequentially so nonce management stays trivial.
type Planner struct {
	cfg        config.PlannerConfig
	settlement common.Address

	in      <-chan domain.Opportunity
	pool    *ledger.Pool
	markets Markets
	quotes  QuoteSource
	costs   *CostModel
	bribes  *BribeBook
	gate    AdmissionGate
	signer  *liqcrypto.Signer
	paths   []submitpath.Path
	records domain.ExecutionStore
	confirm *Confirmer
	logger  *slog.Logger
}

// New creates a Planner.
func New(
	cfg config.PlannerConfig,
	settlement common.Address,
	in <-chan domain.Opportunity,
	pool *ledger.Pool,
	markets Markets,
	quotes QuoteSource,
	costs *CostModel,
	bribes *BribeBook,
	gate AdmissionGate,
	signer *liqcrypto.Signer,
	paths []submitpath.Path,
	records domain.ExecutionStore,
	confirm *Confirmer,
	logger *slog.Logger,
) *Planner {
	return &Planner{
		cfg:        cfg,
		settlement: settlement,
		in:         in,
		pool:       pool,
		markets:    markets,
		quotes:     quotes,
		costs:      costs,
		bribes:     bribes,
		gate:       gate,
		signer:     signer,
		paths:      paths,
		records:    records,
		confirm:    confirm,
		logger:     logger.With(slog.String("component", "planner")),
	}
}

// Run processes opportunities until ctx is cancelled.
func (p *Planner) Run(ctx context.Context) error {
	p.logger.Info("planner started", slog.Int("paths", len(p.paths)))
	defer p.logger.Info("planner stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp, ok := <-p.in:
			if !ok {
				return nil
			}
			p.Process(ctx, opp)
		}
	}
}

// Process drives one opportunity to its terminal record. Every outcome,
// including rejections, is persisted.
func (p *Planner) Process(ctx context.Context, opp domain.Opportunity) {
	rec := domain.ExecutionRecord{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Block:         opp.FlaggedBlock,
		OpportunityID: opp.ID,
		State:         p.gate.State(),
		NotionalUSD:   opp.Position.NotionalUSD(opp.DebtQuote.PriceUSD),
	}

	bundle, err := p.plan(ctx, opp, &rec)
	if err == nil {
		err = p.gate.Admit(ctx, rec.NotionalUSD, bundle.NetProfitUSD)
	}
	if err == nil {
		err = p.submit(ctx, opp, bundle, &rec)
	}

	if err != nil {
		var rej *domain.Rejection
		if errors.As(err, &rej) {
			rec.RejectReason = rej.Reason
		} else {
			rec.RejectReason = domain.ReasonSimulateFailed
			if errors.Is(err, context.DeadlineExceeded) {
				rec.RejectReason = domain.ReasonSimulateTimeout
			}
		}
		p.logger.Info("opportunity rejected",
			slog.String("opportunity", opp.ID),
			slog.String("reason", rec.RejectReason),
			slog.String("detail", err.Error()),
		)
	}

	if storeErr := p.records.Create(ctx, rec); storeErr != nil {
		p.logger.Error("execution record not persisted",
			slog.String("record", rec.ID),
			slog.String("error", storeErr.Error()),
		)
	}
}

// plan builds and dry-runs the settlement bundle.
func (p *Planner) plan(ctx context.Context, opp domain.Opportunity, rec *domain.ExecutionRecord) (domain.CandidateBundle, error) {
	spec, poolAddr, ok := p.markets.PoolFor(opp.Position.Protocol)
	if !ok {
		return domain.CandidateBundle{}, domain.NewRejection(domain.ReasonNoPath,
			"protocol %q has no market", opp.Position.Protocol)
	}

	// The on-call guard is pinned to the rough estimate before simulation,
	// so the simulated and submitted calldata are byte-identical.
	guardUSD := opp.RoughProfitUSD * p.cfg.ProfitGuardFraction
	guardRaw := usdToRaw(guardUSD, opp.DebtQuote.PriceUSD, spec.DebtDecimals)

	call := domain.SettlementCall{
		Protocol:        opp.Position.Protocol,
		Account:         opp.Position.Account,
		CollateralAsset: opp.Position.CollateralAsset,
		DebtAsset:       opp.Position.DebtAsset,
		DebtAmount:      new(big.Int).Set(opp.Position.DebtAmount),
		MinProfitUSD:    guardUSD,
		GasLimit:        p.cfg.GasLimit,
	}
	call.Calldata = encodeLiquidate(poolAddr, common.HexToAddress(opp.Position.Account), call.DebtAmount, guardRaw)

	grossUSD, err := p.simulate(ctx, call.Calldata, opp.DebtQuote.PriceUSD, spec.DebtDecimals)
	if err != nil {
		return domain.CandidateBundle{}, err
	}

	gasPrice, err := p.suggestGasPrice(ctx)
	if err != nil {
		return domain.CandidateBundle{}, fmt.Errorf("planner: gas price: %w", err)
	}

	path, costs, err := p.price(ctx, opp, call, grossUSD, gasPrice)
	if err != nil {
		return domain.CandidateBundle{}, err
	}

	net := grossUSD - costs.Total()
	if net < p.cfg.MinNetProfitUSD {
		rec.Costs = costs
		return domain.CandidateBundle{}, domain.NewRejection(domain.ReasonBelowMinProfit,
			"net $%.2f under floor $%.2f (gross $%.2f, costs $%.2f)",
			net, p.cfg.MinNetProfitUSD, grossUSD, costs.Total())
	}

	bundle := domain.CandidateBundle{
		ID:             uuid.NewString(),
		OpportunityID:  opp.ID,
		Call:           call,
		GrossProfitUSD: grossUSD,
		GasEstimate:    p.cfg.GasLimit,
		Costs:          costs,
		NetProfitUSD:   net,
		Path:           path.Name(),
		CreatedAt:      time.Now().UTC(),
	}
	rec.BundleID = bundle.ID
	rec.Path = bundle.Path
	rec.PredictedProfit = net
	rec.Costs = costs
	return bundle, nil
}

// simulate performs the authoritative dry run against the settlement
// contract. The returned value is the seized profit in debt-asset raw units.
func (p *Planner) simulate(ctx context.Context, calldata []byte, debtPrice float64, debtDecimals uint8) (float64, error) {
	simCtx, cancel := context.WithTimeout(ctx, p.cfg.SimTimeout.Duration)
	defer cancel()

	from := p.signer.Address()
	msg := ethereum.CallMsg{From: from, To: &p.settlement, Data: calldata, Gas: p.cfg.GasLimit}

	var raw []byte
	err := p.pool.Do(simCtx, func(ctx context.Context, rpc ledger.RPC) error {
		out, err := rpc.CallContract(ctx, msg, nil)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, domain.NewRejection(domain.ReasonSimulateTimeout,
				"dry run exceeded %s", p.cfg.SimTimeout.Duration)
		}
		return 0, domain.NewRejection(domain.ReasonSimulateFailed, "dry run: %v", err)
	}
	if len(raw) < 32 {
		return 0, domain.NewRejection(domain.ReasonSimulateFailed,
			"dry run returned %d bytes", len(raw))
	}

	profitRaw := new(big.Int).SetBytes(raw[:32])
	return domain.UnitsFromRaw(profitRaw, debtDecimals) * debtPrice, nil
}

// price chooses the submission path maximizing expected value, which is the
// gross profit weighted by the path's inclusion rate minus the path-specific
// costs. Paths whose bribe fraction is over the cap are skipped; if every
// path is, the bundle dies with the cap reason.
func (p *Planner) price(ctx context.Context, opp domain.Opportunity, call domain.SettlementCall, grossUSD float64, gasPrice *big.Int) (submitpath.Path, domain.CostBreakdown, error) {
	native := p.nativePriceUSD(opp)

	var (
		best      submitpath.Path
		bestCosts domain.CostBreakdown
		bestEV    float64
		lastErr   error
	)
	for _, path := range p.rankedPaths() {
		costs, err := p.costs.Breakdown(ctx, costInputs{
			path:            path,
			gasEstimate:     p.cfg.GasLimit,
			gasPriceWei:     gasPrice,
			payloadLen:      len(call.Calldata),
			grossProfitUSD:  grossUSD,
			debtNotionalUSD: opp.Position.NotionalUSD(opp.DebtQuote.PriceUSD),
			nativePriceUSD:  native,
		})
		if err != nil {
			if errors.Is(err, domain.ErrBribeCapExceeded) {
				lastErr = err
				continue
			}
			return nil, domain.CostBreakdown{}, err
		}
		ev := grossUSD*p.inclusionRate(path) - costs.Total()
		if best == nil || ev > bestEV {
			best, bestCosts, bestEV = path, costs, ev
		}
	}
	if best != nil {
		return best, bestCosts, nil
	}

	if lastErr != nil {
		return nil, domain.CostBreakdown{}, domain.NewRejection(domain.ReasonBribeCap,
			"every path over the bribe cap: %v", lastErr)
	}
	return nil, domain.CostBreakdown{}, domain.NewRejection(domain.ReasonNoPath, "no submission paths")
}

// inclusionRate reports the path's last closed-window inclusion rate, or 1.0
// before the first window closes.
func (p *Planner) inclusionRate(path submitpath.Path) float64 {
	r, ok := p.bribes.InclusionRate(path.Name())
	if !ok {
		return 1.0
	}
	return r
}

// rankedPaths orders paths by last-window inclusion rate, best first. Paths
// without a closed window yet keep their configured order, ahead of known
// poor performers.
func (p *Planner) rankedPaths() []submitpath.Path {
	ranked := make([]submitpath.Path, len(p.paths))
	copy(ranked, p.paths)
	// insertion sort, the path set is tiny
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && p.inclusionRate(ranked[j]) > p.inclusionRate(ranked[j-1]); j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	return ranked
}

// submit signs and broadcasts the bundle with bounded retries, then hands
// the transaction to the confirmer for outcome backfill.
func (p *Planner) submit(ctx context.Context, opp domain.Opportunity, bundle domain.CandidateBundle, rec *domain.ExecutionRecord) error {
	nonce, gasPrice, err := p.txEssentials(ctx)
	if err != nil {
		return fmt.Errorf("planner: tx params: %w", err)
	}

	tip := p.bribeTip(opp, bundle, gasPrice)
	feeCap := new(big.Int).Mul(gasPrice, big.NewInt(2))
	if feeCap.Cmp(tip) < 0 {
		feeCap = new(big.Int).Add(tip, gasPrice)
	}
	tx, err := p.signer.SignSettlement(liqcrypto.TxParams{
		Nonce:     nonce,
		To:        p.settlement,
		Calldata:  bundle.Call.Calldata,
		GasLimit:  bundle.Call.GasLimit,
		GasFeeCap: feeCap,
		GasTipCap: tip,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for _, path := range p.fallbackOrder(bundle.Path) {
		backoff := p.cfg.SubmitBackoff.Duration
		for attempt := 0; attempt <= p.cfg.SubmitRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
			}

			hash, err := path.Submit(ctx, tx)
			if errors.Is(err, domain.ErrPathRejected) {
				// a definitive refusal, move to the next-best path
				lastErr = err
				p.logger.Warn("path rejected bundle",
					slog.String("bundle", bundle.ID),
					slog.String("path", path.Name()),
					slog.String("error", err.Error()),
				)
				break
			}
			if err != nil {
				lastErr = err
				p.logger.Warn("submission attempt failed",
					slog.String("bundle", bundle.ID),
					slog.String("path", path.Name()),
					slog.Int("attempt", attempt+1),
					slog.String("error", err.Error()),
				)
				continue
			}

			rec.Submitted = true
			rec.TxHash = hash.Hex()
			rec.Path = path.Name()
			p.logger.Info("bundle submitted",
				slog.String("bundle", bundle.ID),
				slog.String("path", path.Name()),
				slog.String("tx", hash.Hex()),
				slog.Float64("net_profit_usd", bundle.NetProfitUSD),
			)
			if p.confirm != nil {
				p.confirm.Watch(pendingTx{
					recordID:     rec.ID,
					txHash:       hash,
					path:         path.Name(),
					settlement:   p.settlement,
					debtDecimals: opp.Position.DebtDecimals,
					debtPriceUSD: opp.DebtQuote.PriceUSD,
				})
			}
			return nil
		}
	}

	return domain.NewRejection(domain.ReasonNoPath,
		"every path exhausted for %s: %v", bundle.ID, lastErr)
}

// bribeTip converts the bundle's priced bribe into a priority fee in wei per
// gas unit, so the builder is actually paid what the cost model charged. When
// the native price is unknown the tip falls back to a tenth of the base gas
// price rather than submitting with no priority at all.
func (p *Planner) bribeTip(opp domain.Opportunity, bundle domain.CandidateBundle, gasPrice *big.Int) *big.Int {
	native := p.nativePriceUSD(opp)
	if native <= 0 || bundle.Costs.BribeUSD <= 0 || bundle.Call.GasLimit == 0 {
		return new(big.Int).Div(gasPrice, big.NewInt(10))
	}
	bribeWei := new(big.Float).Mul(
		big.NewFloat(bundle.Costs.BribeUSD/native),
		big.NewFloat(1e18),
	)
	perGas := new(big.Float).Quo(bribeWei, new(big.Float).SetUint64(bundle.Call.GasLimit))
	tip, _ := perGas.Int(nil)
	if tip.Sign() <= 0 {
		return new(big.Int).Div(gasPrice, big.NewInt(10))
	}
	return tip
}

// fallbackOrder yields the chosen path first, then the remaining paths by
// inclusion rate.
func (p *Planner) fallbackOrder(chosen string) []submitpath.Path {
	out := make([]submitpath.Path, 0, len(p.paths))
	for _, path := range p.paths {
		if path.Name() == chosen {
			out = append(out, path)
			break
		}
	}
	for _, path := range p.rankedPaths() {
		if path.Name() != chosen {
			out = append(out, path)
		}
	}
	return out
}

func (p *Planner) txEssentials(ctx context.Context) (uint64, *big.Int, error) {
	var nonce uint64
	var gasPrice *big.Int
	err := p.pool.Do(ctx, func(ctx context.Context, rpc ledger.RPC) error {
		n, err := rpc.PendingNonceAt(ctx, p.signer.Address())
		if err != nil {
			return err
		}
		g, err := rpc.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		nonce, gasPrice = n, g
		return nil
	})
	return nonce, gasPrice, err
}

func (p *Planner) suggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := p.pool.Do(ctx, func(ctx context.Context, rpc ledger.RPC) error {
		g, err := rpc.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		gasPrice = g
		return nil
	})
	return gasPrice, err
}

func (p *Planner) nativePriceUSD(opp domain.Opportunity) float64 {
	if opp.Position.CollateralAsset == p.cfg.NativeAsset {
		return opp.CollateralQuote.PriceUSD
	}
	if opp.Position.DebtAsset == p.cfg.NativeAsset {
		return opp.DebtQuote.PriceUSD
	}
	if p.quotes != nil {
		if q, ok := p.quotes.Snapshot().Quote(p.cfg.NativeAsset, "primary"); ok {
			return q.PriceUSD
		}
	}
	return 0
}

// encodeLiquidate ABI-encodes the settlement call.
func encodeLiquidate(pool, account common.Address, debtAmount, minProfit *big.Int) []byte {
	data := make([]byte, 0, 4+4*32)
	data = append(data, selLiquidate...)
	data = append(data, common.LeftPadBytes(pool.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(account.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(debtAmount.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(minProfit.Bytes(), 32)...)
	return data
}

// usdToRaw converts a USD amount to raw token units at the given price.
func usdToRaw(usd, priceUSD float64, decimals uint8) *big.Int {
	if priceUSD <= 0 {
		return new(big.Int)
	}
	units := new(big.Float).Quo(big.NewFloat(usd), big.NewFloat(priceUSD))
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	raw, _ := new(big.Float).Mul(units, scale).Int(nil)
	return raw
}
