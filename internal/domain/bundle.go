package domain

import (
	"math/big"
	"time"
)

// SettlementCall is the fully-parameterized on-chain liquidation call. The
// settlement contract either transfers value and emits its event, or reverts
// with no partial effect.
type SettlementCall struct {
	Protocol        string
	Account         string
	CollateralAsset string
	DebtAsset       string
	DebtAmount      *big.Int
	// MinProfitUSD is the on-call profit guard: the settlement routine
	// reverts if realized profit falls below it.
	MinProfitUSD float64
	Calldata     []byte
	GasLimit     uint64
}

// CostBreakdown itemizes every cost component of an execution, all in USD.
// The data-publication fee is kept separate from the execution fee: on a
// rollup it can be 30-50% of total cost and folding it in would silently
// understate it.
type CostBreakdown struct {
	ExecutionFeeUSD float64
	DataFeeUSD      float64
	BribeUSD        float64
	BorrowCostUSD   float64
	SlippageUSD     float64
}

// Total sums the five cost components.
func (c CostBreakdown) Total() float64 {
	return c.ExecutionFeeUSD + c.DataFeeUSD + c.BribeUSD + c.BorrowCostUSD + c.SlippageUSD
}

// CandidateBundle is a planner-approved execution candidate. GrossProfitUSD
// comes from the authoritative dry run, never from the scanner's rough
// estimate. Immutable once created; consumed exactly once by submission.
type CandidateBundle struct {
	ID             string
	OpportunityID  string
	Call           SettlementCall
	GrossProfitUSD float64 // dry-run reported
	GasEstimate    uint64
	Costs          CostBreakdown
	NetProfitUSD   float64 // GrossProfitUSD - Costs.Total()
	Path           string  // chosen submission path name
	CreatedAt      time.Time
}
