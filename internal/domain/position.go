// Package domain defines the core entities of the liquidation engine and the
// store/cache interfaces implemented by the infrastructure layers.
package domain

import (
	"fmt"
	"math"
	"math/big"
	"time"
)

// PositionKey uniquely identifies a lending position across protocols.
type PositionKey struct {
	Protocol string
	Account  string
}

// String renders the key as "protocol:account" for logging and cache keys.
func (k PositionKey) String() string {
	return k.Protocol + ":" + k.Account
}

// Position is a single lending account's exposure as tracked from ledger
// events. It is owned exclusively by the tracker: downstream components only
// ever see copies taken from a snapshot.
type Position struct {
	Protocol             string
	Account              string
	CollateralAsset      string
	CollateralAmount     *big.Int
	CollateralDecimals   uint8
	DebtAsset            string
	DebtAmount           *big.Int
	DebtDecimals         uint8
	LiquidationThreshold float64 // protocol-specific ratio, e.g. 0.80
	UpdatedBlock         uint64
	UnhealthyStreak      int
	FirstSeenAt          time.Time
}

// Key returns the position's identity key.
func (p Position) Key() PositionKey {
	return PositionKey{Protocol: p.Protocol, Account: p.Account}
}

// Clone returns a deep copy so snapshot readers can never observe tracker
// mutations mid-evaluation.
func (p Position) Clone() Position {
	out := p
	if p.CollateralAmount != nil {
		out.CollateralAmount = new(big.Int).Set(p.CollateralAmount)
	}
	if p.DebtAmount != nil {
		out.DebtAmount = new(big.Int).Set(p.DebtAmount)
	}
	return out
}

// CollateralUnits converts the raw collateral amount to display units.
func (p Position) CollateralUnits() float64 {
	return rawToUnits(p.CollateralAmount, p.CollateralDecimals)
}

// DebtUnits converts the raw debt amount to display units.
func (p Position) DebtUnits() float64 {
	return rawToUnits(p.DebtAmount, p.DebtDecimals)
}

// HealthFactor computes risk-adjusted collateral value over debt value using
// the supplied USD prices. A value below 1.0 marks the position as eligible
// for liquidation. Returns +Inf when the position carries no debt.
func (p Position) HealthFactor(collateralPrice, debtPrice float64) float64 {
	debtValue := p.DebtUnits() * debtPrice
	if debtValue <= 0 {
		return math.Inf(1)
	}
	return p.CollateralUnits() * collateralPrice * p.LiquidationThreshold / debtValue
}

// NotionalUSD is the debt-side value of the position at the given price,
// used for single-execution and daily notional limit checks.
func (p Position) NotionalUSD(debtPrice float64) float64 {
	return p.DebtUnits() * debtPrice
}

// UnitsFromRaw converts a raw token amount to display units.
func UnitsFromRaw(raw *big.Int, decimals uint8) float64 {
	return rawToUnits(raw, decimals)
}

func rawToUnits(raw *big.Int, decimals uint8) float64 {
	if raw == nil {
		return 0
	}
	f := new(big.Float).SetInt(raw)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	units, _ := new(big.Float).Quo(f, scale).Float64()
	return units
}

// PriceQuote is one oracle source's view of an asset's USD value. Multiple
// quotes per asset coexist (primary and secondary source); they are compared,
// never merged.
type PriceQuote struct {
	Asset     string
	Source    string
	PriceUSD  float64
	Block     uint64
	Timestamp time.Time
}

// DivergenceFrom returns the fractional divergence between this quote and
// other, relative to this quote's price.
func (q PriceQuote) DivergenceFrom(other PriceQuote) float64 {
	if q.PriceUSD == 0 {
		return math.Inf(1)
	}
	return math.Abs(q.PriceUSD-other.PriceUSD) / q.PriceUSD
}

// Validate checks a quote for obviously unusable values.
func (q PriceQuote) Validate() error {
	if q.Asset == "" {
		return fmt.Errorf("quote: empty asset")
	}
	if q.PriceUSD <= 0 {
		return fmt.Errorf("quote %s/%s: non-positive price %f", q.Asset, q.Source, q.PriceUSD)
	}
	return nil
}
