// Package curve implements linear bonding-curve pricing for launched tokens.
//
// The spot price is a linear function of circulating supply:
//
//	P(s) = basePrice + slope * s
//
// Buy cost and sell proceeds are the exact closed-form integral of P over the
// traded supply segment — no numerical integration. All monetary values use
// shopspring/decimal — never float64 for money. Prices and costs are lamports;
// supply and trade amounts are whole token units. Fractional intermediate
// results are floored so results match the on-chain program's integer
// arithmetic bit-for-bit.
package curve

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidParams is returned when basePrice or slope is negative.
	ErrInvalidParams = errors.New("curve: base price and slope must be non-negative")

	// ErrInsufficientSupply is returned when a sell amount exceeds the
	// current outstanding supply.
	ErrInsufficientSupply = errors.New("curve: sell amount exceeds current supply")

	// ErrNegativeAmount is returned for negative supply or trade amounts.
	ErrNegativeAmount = errors.New("curve: supply and amount must be non-negative")
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Curve is a stateless pricer for one token's linear bonding curve.
// Supply is passed as an argument, not stored.
type Curve struct {
	basePrice decimal.Decimal // lamports per token at supply 0
	slope     decimal.Decimal // lamports per token per token of supply
}

// New creates a pricer with the given base price and slope.
// Both must be non-negative, which guarantees P(s) ≥ 0 for all s ≥ 0.
func New(basePrice, slope decimal.Decimal) (*Curve, error) {
	if basePrice.IsNegative() || slope.IsNegative() {
		return nil, ErrInvalidParams
	}
	return &Curve{basePrice: basePrice, slope: slope}, nil
}

// BasePrice returns the price at supply 0.
func (c *Curve) BasePrice() decimal.Decimal { return c.basePrice }

// Slope returns the price increase per unit of supply.
func (c *Curve) Slope() decimal.Decimal { return c.slope }

// SpotPrice returns the instantaneous price at the given supply:
//
//	P(s) = basePrice + slope*s
//
// Monotonically non-decreasing in supply, never negative.
func (c *Curve) SpotPrice(supply decimal.Decimal) decimal.Decimal {
	return c.basePrice.Add(c.slope.Mul(supply))
}

// BuyCost returns the exact cost to move the curve from supply to
// supply+amount:
//
//	∫ P(s) ds over [supply, supply+amount]
//	= basePrice*amount + slope*(amount*supply + amount²/2)
//
// The slope term is floored to whole lamports, matching the on-chain
// program's integer division.
func (c *Curve) BuyCost(supply, amount decimal.Decimal) (decimal.Decimal, error) {
	if supply.IsNegative() || amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}

	base := c.basePrice.Mul(amount)
	// slope*amount*(2*supply+amount)/2, floored. Equivalent to the
	// textbook form but keeps every operand integral until the final
	// halving.
	tri := c.slope.Mul(amount).Mul(two.Mul(supply).Add(amount)).Div(two).Floor()

	return base.Add(tri), nil
}

// SellReturn returns the proceeds of selling amount tokens at the given
// supply. Selling retraces the same curve segment the tokens were bought on:
//
//	SellReturn(s, a) = BuyCost(s-a, a)
//
// so a sell-then-buy-back round trip at the same supply nets to zero before
// fees. Fails with ErrInsufficientSupply when amount > supply.
func (c *Curve) SellReturn(supply, amount decimal.Decimal) (decimal.Decimal, error) {
	if supply.IsNegative() || amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	if amount.GreaterThan(supply) {
		return decimal.Zero, ErrInsufficientSupply
	}
	return c.BuyCost(supply.Sub(amount), amount)
}

// Slippage returns the percentage deviation of the average execution price
// from the spot price at the pre-trade supply:
//
//	|avgExecPrice - P(supply)| / P(supply) * 100
//
// Returns 0 when the spot price is zero (division guard) or the amount is
// zero.
func (c *Curve) Slippage(supply, amount decimal.Decimal, side Side) (decimal.Decimal, error) {
	spot := c.SpotPrice(supply)
	if spot.IsZero() || amount.IsZero() {
		return decimal.Zero, nil
	}

	var total decimal.Decimal
	var err error
	switch side {
	case SideBuy:
		total, err = c.BuyCost(supply, amount)
	case SideSell:
		total, err = c.SellReturn(supply, amount)
	default:
		return decimal.Zero, ErrNegativeAmount
	}
	if err != nil {
		return decimal.Zero, err
	}

	avg := total.Div(amount)
	return avg.Sub(spot).Abs().Div(spot).Mul(hundred), nil
}

// Side selects the trade direction for Slippage.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Progress returns graduation progress as a percentage in [0, 100]:
//
//	min(100, supply*price / threshold * 100)
//
// supply*price is the curve-implied market cap in lamports. Returns 0 for a
// non-positive threshold.
func Progress(supply, price, graduationThreshold decimal.Decimal) decimal.Decimal {
	if graduationThreshold.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	pct := supply.Mul(price).Div(graduationThreshold).Mul(hundred)
	if pct.GreaterThan(hundred) {
		return hundred
	}
	return pct
}
