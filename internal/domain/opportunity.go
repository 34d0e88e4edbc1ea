package domain

import "time"

// Opportunity is a scanner-flagged liquidation candidate. It carries a
// snapshot of the position and the exact quotes the decision was made on, so
// the planner and the audit trail never need to re-derive them. Immutable
// once created.
type Opportunity struct {
	ID              string
	Position        Position // snapshot copy, not a live reference
	HealthFactor    float64
	CollateralQuote PriceQuote
	DebtQuote       PriceQuote
	SecondaryQuote  PriceQuote // cross-check source used at flag time
	FlaggedBlock    uint64
	RoughProfitUSD  float64 // pre-filter estimate, not authoritative
	CreatedAt       time.Time
}
