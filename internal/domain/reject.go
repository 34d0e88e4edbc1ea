package domain

import "fmt"

// Reject reason codes. Every dropped opportunity or refused admission carries
// one of these so the decision can be reconstructed from the audit trail
// without re-deriving it from chain data.
const (
	ReasonHealthy          = "healthy"
	ReasonStreakTooShort   = "unhealthy_streak_too_short"
	ReasonOracleDivergence = "oracle_divergence"
	ReasonPriceJump        = "price_jump_anomaly"
	ReasonProtocolPaused   = "protocol_paused"
	ReasonBelowMinProfit   = "below_min_profit"
	ReasonSimulateFailed   = "simulation_failed"
	ReasonSimulateTimeout  = "simulation_timeout"
	ReasonBribeCap         = "bribe_cap_exceeded"
	ReasonHaltedState      = "halted"
	ReasonThrottledDrop    = "throttled_coin_flip"
	ReasonSingleNotional   = "single_notional_limit"
	ReasonDailyNotional    = "daily_notional_limit"
	ReasonNoPath           = "no_submission_path"
)

// Rejection is a recoverable outcome: the specific opportunity or bundle is
// dropped with a reason and the pipeline continues immediately.
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "rejected: " + r.Reason
	}
	return fmt.Sprintf("rejected: %s (%s)", r.Reason, r.Detail)
}

// NewRejection builds a Rejection with a formatted detail message.
func NewRejection(reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Critical signal kinds delivered to the governor. Each forces an immediate
// transition to Halted.
const (
	SignalDivergence    = "reconciliation_divergence"
	SignalBlockGap      = "block_gap"
	SignalTimestampSkew = "timestamp_regression"
	SignalChainStall    = "chain_stall"
	SignalEndpointsLost = "all_endpoints_lost"
	SignalMetricsBreach = "metrics_breach"
	SignalConsecFails   = "consecutive_failures"
	SignalOperatorPause = "operator_pause"
)

// CriticalSignal is the typed critical outcome of §7. It bypasses the normal
// pipeline: the tracker and metrics recomputation send it straight to the
// governor, which is the single point converting it into a state change.
type CriticalSignal struct {
	Kind      string
	Detail    string
	Position  PositionKey // zero value when not position-specific
	Block     uint64
}
