package planner

import (
	"context"
	"fmt"
	"math/big"

	"github.com/alanyoungcy/liqbot/internal/config"
	"github.com/alanyoungcy/liqbot/internal/domain"
	"github.com/alanyoungcy/liqbot/internal/submitpath"
)

// DataFeePricer prices the rollup data-publication fee for a payload.
// Implemented by the ledger gas oracle.
type DataFeePricer interface {
	DataFeeWei(ctx context.Context, payloadLen int) (*big.Int, error)
}

// CostModel itemizes every execution cost in USD. The data-publication fee
// is priced through the gas oracle and reported as its own component: on a
// rollup it is routinely a third or more of total cost.
type CostModel struct {
	cfg    config.PlannerConfig
	oracle DataFeePricer
	bribes *BribeBook
}

// NewCostModel builds the cost model.
func NewCostModel(cfg config.PlannerConfig, oracle DataFeePricer, bribes *BribeBook) *CostModel {
	return &CostModel{cfg: cfg, oracle: oracle, bribes: bribes}
}

// costInputs carries the per-bundle facts the model prices.
type costInputs struct {
	path            submitpath.Path
	gasEstimate     uint64
	gasPriceWei     *big.Int
	payloadLen      int
	grossProfitUSD  float64
	debtNotionalUSD float64
	nativePriceUSD  float64
}

// Breakdown prices one candidate. A bribe over the hard cap surfaces as
// domain.ErrBribeCapExceeded.
func (m *CostModel) Breakdown(ctx context.Context, in costInputs) (domain.CostBreakdown, error) {
	if in.nativePriceUSD <= 0 {
		return domain.CostBreakdown{}, fmt.Errorf("cost: no usable %s price: %w",
			m.cfg.NativeAsset, domain.ErrStaleQuote)
	}

	execWei := new(big.Int).Mul(new(big.Int).SetUint64(in.gasEstimate), in.gasPriceWei)
	execUSD := weiToUSD(execWei, in.nativePriceUSD)
	// The path's flat access charge rides with the execution fee.
	execUSD += in.path.FixedFeeUSD()

	dataWei, err := m.oracle.DataFeeWei(ctx, in.payloadLen)
	if err != nil {
		return domain.CostBreakdown{}, fmt.Errorf("cost: data fee: %w", err)
	}
	dataUSD := weiToUSD(dataWei, in.nativePriceUSD)

	bribeUSD, err := m.bribes.BribeUSD(in.path.Name(), in.grossProfitUSD)
	if err != nil {
		return domain.CostBreakdown{}, err
	}

	return domain.CostBreakdown{
		ExecutionFeeUSD: execUSD,
		DataFeeUSD:      dataUSD,
		BribeUSD:        bribeUSD,
		BorrowCostUSD:   in.debtNotionalUSD * m.cfg.BorrowPremiumBps / 10_000,
		SlippageUSD:     m.cfg.SlippageBudgetUSD,
	}, nil
}

func weiToUSD(wei *big.Int, nativePriceUSD float64) float64 {
	eth, _ := new(big.Float).Quo(
		new(big.Float).SetInt(wei),
		big.NewFloat(1e18),
	).Float64()
	return eth * nativePriceUSD
}
