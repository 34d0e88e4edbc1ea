package domain

import "time"

// ExecutionRecord is the permanent audit entry for one attempt, submitted or
// not. Append-only: after creation the only permitted mutation is the
// inclusion-outcome backfill once the receipt is known.
type ExecutionRecord struct {
	ID            string
	Timestamp     time.Time
	Block         uint64
	OpportunityID string
	BundleID      string // empty when rejected before a bundle existed
	Path          string
	State         AvailabilityState // availability state at decision time

	Submitted       bool
	Included        *bool // nil until the outcome is known
	TxHash          string
	PredictedProfit float64  // dry-run net profit in USD
	ActualProfit    *float64 // backfilled from the settlement event
	NotionalUSD     float64
	Costs           CostBreakdown
	RejectReason    string // reason code when skipped, empty otherwise
}

// Outcome classifies the record for metrics purposes.
//
// A skip (never submitted) is neither a success nor a failure: it does not
// count toward the consecutive-failure streak and is excluded from the
// inclusion-rate denominator.
func (r ExecutionRecord) Outcome() RecordOutcome {
	if !r.Submitted {
		return OutcomeSkipped
	}
	if r.Included == nil {
		return OutcomePending
	}
	if *r.Included {
		return OutcomeIncluded
	}
	return OutcomeDropped
}

// RecordOutcome is the metrics classification of an ExecutionRecord.
type RecordOutcome int

const (
	OutcomeSkipped RecordOutcome = iota
	OutcomePending
	OutcomeIncluded
	OutcomeDropped
)

// DivergenceEvent records one reconciliation mismatch between the cached and
// the canonical view of a position. Append-only.
type DivergenceEvent struct {
	ID            string
	Position      PositionKey
	Field         string // "debt" or "collateral"
	CachedValue   string // decimal string of the raw amount
	CanonicalValue string
	DivergenceBps float64
	Action        string // "halted" or "corrected"
	Block         uint64
	Timestamp     time.Time
}

// PerformanceSnapshot is a rolling-window aggregate recomputed from the
// ExecutionRecord stream. Superseded by the next snapshot, never merged.
type PerformanceSnapshot struct {
	ID                  string
	WindowSize          int
	InclusionRate       float64 // included / (included + dropped)
	SimAccuracy         float64 // mean actual/predicted profit ratio
	ConsecutiveFailures int
	DailyVolumeUSD      float64 // cumulative notional for the current UTC day
	ComputedAt          time.Time
}

// SystemEvent logs one availability-state transition. Transitions are
// total-ordered by the governor and each is logged exactly once.
type SystemEvent struct {
	ID        string
	Timestamp time.Time
	FromState AvailabilityState
	ToState   AvailabilityState
	Trigger   string
	Detail    string
}
