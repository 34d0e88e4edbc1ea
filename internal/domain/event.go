package domain

import (
	"math/big"
	"time"
)

// PositionEventKind enumerates the position-mutating ledger events.
type PositionEventKind string

const (
	EventBorrow    PositionEventKind = "borrow"    // open or increase debt
	EventRepay     PositionEventKind = "repay"
	EventDeposit   PositionEventKind = "deposit"   // add collateral
	EventWithdraw  PositionEventKind = "withdraw"  // remove collateral
	EventLiquidate PositionEventKind = "liquidate" // position settled by someone
)

// PositionEvent is one decoded ledger event affecting a position. The
// (Block, LogIndex) pair gives each event a stable identity so duplicate
// delivery never double-applies.
type PositionEvent struct {
	Kind            PositionEventKind
	Protocol        string
	Account         string
	CollateralAsset string
	DebtAsset       string
	// Amount is the raw token delta for the event, in the asset's native
	// decimals. Always non-negative; Kind determines the sign applied.
	Amount    *big.Int
	Threshold float64 // liquidation threshold reported at open, 0 otherwise
	Decimals  uint8
	Block     uint64
	LogIndex  uint
}

// PriceEvent is one decoded oracle price update.
type PriceEvent struct {
	Quote    PriceQuote
	Block    uint64
	LogIndex uint
}

// BlockEnvelope carries one block header's worth of decoded events from the
// ingestion task to the tracker. Envelopes are delivered strictly in block
// order on a single channel.
type BlockEnvelope struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  time.Time
	Positions  []PositionEvent
	Prices     []PriceEvent
}
