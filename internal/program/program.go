// Package program is the off-chain mirror of the on-chain account-state
// contract: the same economic state machine as the ledger service, expressed
// in raw uint64 lamport arithmetic with checked operations.
//
// Both runtimes must agree bit-for-bit on every result — the exported types
// here exist so golden-vector tests can drive identical inputs through both
// implementations and compare outputs. Intermediate products use big.Int,
// mirroring the wide-integer arithmetic of the on-chain runtime; any result
// that does not fit in a uint64 fails with ErrMathOverflow instead of
// wrapping.
package program

import (
	"errors"
	"math/big"
	"time"
)

// Protocol constants. Lamport-denominated, matching the deployed account
// contract.
const (
	MinCollateral       uint64 = 10_000_000      // 0.01 SOL
	DeployFee           uint64 = 20_000_000      // 0.02 SOL
	GraduationThreshold uint64 = 85_000_000_000  // 85 SOL market cap
	ProtocolFeeBps      uint64 = 50              // 0.5%
	TradeFeeBps         uint64 = 100             // 1%
	BpsDenominator      uint64 = 10_000
	SafePeriod                 = 24 * time.Hour
)

var (
	ErrInsufficientCollateral = errors.New("program: collateral below minimum")
	ErrInsufficientSupply     = errors.New("program: sell amount exceeds current supply")
	ErrAlreadyGraduated       = errors.New("program: bonding curve already graduated")
	ErrSafePeriodActive       = errors.New("program: safe period has not ended")
	ErrEscrowReleased         = errors.New("program: escrow already released")
	ErrTokenIsRugged          = errors.New("program: token is rugged, release blocked")
	ErrEscrowIsRugged         = errors.New("program: escrow already marked rugged")
	ErrRefundProcessed        = errors.New("program: refund already processed")
	ErrNotRugged              = errors.New("program: escrow is not marked rugged")
	ErrMathOverflow           = errors.New("program: math overflow")
	ErrZeroAmount             = errors.New("program: amount must be positive")
)

var maxU64 = new(big.Int).SetUint64(^uint64(0))

// fitsU64 converts a big.Int result back to uint64, failing closed on
// overflow the way the on-chain checked math does.
func fitsU64(x *big.Int) (uint64, error) {
	if x.Sign() < 0 || x.Cmp(maxU64) > 0 {
		return 0, ErrMathOverflow
	}
	return x.Uint64(), nil
}

func bu(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// Curve is the bonding-curve account state.
type Curve struct {
	CurrentSupply     uint64 // whole tokens
	BasePrice         uint64 // lamports per token at supply 0
	Slope             uint64 // lamports per token per token
	ReserveBalance    uint64 // lamports
	TotalSolCollected uint64 // lamports, monotonic
	Graduated         bool
}

// SpotPrice returns basePrice + slope*supply.
func (c *Curve) SpotPrice(supply uint64) (uint64, error) {
	p := new(big.Int).Mul(bu(c.Slope), bu(supply))
	p.Add(p, bu(c.BasePrice))
	return fitsU64(p)
}

// BuyCost is the exact integral of the linear curve over
// [supply, supply+amount]:
//
//	basePrice*amount + slope*amount*(2*supply+amount)/2
//
// with the division truncating toward zero.
func (c *Curve) BuyCost(supply, amount uint64) (uint64, error) {
	base := new(big.Int).Mul(bu(c.BasePrice), bu(amount))

	seg := new(big.Int).Mul(bu(supply), big.NewInt(2))
	seg.Add(seg, bu(amount))
	tri := new(big.Int).Mul(bu(c.Slope), bu(amount))
	tri.Mul(tri, seg)
	tri.Quo(tri, big.NewInt(2))

	return fitsU64(base.Add(base, tri))
}

// SellReturn retraces the same curve segment: BuyCost(supply-amount, amount).
func (c *Curve) SellReturn(supply, amount uint64) (uint64, error) {
	if amount > supply {
		return 0, ErrInsufficientSupply
	}
	return c.BuyCost(supply-amount, amount)
}

// fee returns amount*bps/BpsDenominator, truncated.
func fee(amount, bps uint64) (uint64, error) {
	f := new(big.Int).Mul(bu(amount), bu(bps))
	f.Quo(f, bu(BpsDenominator))
	return fitsU64(f)
}

// TradeResult reports the settlement of one trade.
type TradeResult struct {
	Cost        uint64 // exact curve integral moved into/out of the reserve
	TradeFee    uint64
	ProtocolFee uint64
	Total       uint64 // buyer pays / seller receives, fees applied
	NewSupply   uint64
	NewPrice    uint64
	Graduated   bool
}

// Buy purchases amount tokens, charging fees on top of the curve integral so
// the reserve moves by exactly the integral. Flips the graduation flag once
// the curve-implied market cap crosses the threshold.
func (c *Curve) Buy(amount uint64) (TradeResult, error) {
	if c.Graduated {
		return TradeResult{}, ErrAlreadyGraduated
	}
	if amount == 0 {
		return TradeResult{}, ErrZeroAmount
	}

	cost, err := c.BuyCost(c.CurrentSupply, amount)
	if err != nil {
		return TradeResult{}, err
	}
	tradeFee, err := fee(cost, TradeFeeBps)
	if err != nil {
		return TradeResult{}, err
	}
	protocolFee, err := fee(cost, ProtocolFeeBps)
	if err != nil {
		return TradeResult{}, err
	}
	total, err := fitsU64(new(big.Int).Add(bu(cost), new(big.Int).Add(bu(tradeFee), bu(protocolFee))))
	if err != nil {
		return TradeResult{}, err
	}

	newSupply, err := fitsU64(new(big.Int).Add(bu(c.CurrentSupply), bu(amount)))
	if err != nil {
		return TradeResult{}, err
	}
	newReserve, err := fitsU64(new(big.Int).Add(bu(c.ReserveBalance), bu(cost)))
	if err != nil {
		return TradeResult{}, err
	}
	newCollected, err := fitsU64(new(big.Int).Add(bu(c.TotalSolCollected), bu(cost)))
	if err != nil {
		return TradeResult{}, err
	}
	newPrice, err := c.SpotPrice(newSupply)
	if err != nil {
		return TradeResult{}, err
	}

	c.CurrentSupply = newSupply
	c.ReserveBalance = newReserve
	c.TotalSolCollected = newCollected

	// Auto-graduation: one-way, checked on the post-trade market cap.
	marketCap := new(big.Int).Mul(bu(newSupply), bu(newPrice))
	if marketCap.Cmp(bu(GraduationThreshold)) >= 0 {
		c.Graduated = true
	}

	return TradeResult{
		Cost:        cost,
		TradeFee:    tradeFee,
		ProtocolFee: protocolFee,
		Total:       total,
		NewSupply:   newSupply,
		NewPrice:    newPrice,
		Graduated:   c.Graduated,
	}, nil
}

// Sell returns amount tokens to the curve. The reserve falls by the exact
// integral; the seller receives it net of the same fee structure.
// totalSolCollected never decreases.
func (c *Curve) Sell(amount uint64) (TradeResult, error) {
	if c.Graduated {
		return TradeResult{}, ErrAlreadyGraduated
	}
	if amount == 0 {
		return TradeResult{}, ErrZeroAmount
	}

	proceeds, err := c.SellReturn(c.CurrentSupply, amount)
	if err != nil {
		return TradeResult{}, err
	}
	if proceeds > c.ReserveBalance {
		return TradeResult{}, ErrMathOverflow
	}
	tradeFee, err := fee(proceeds, TradeFeeBps)
	if err != nil {
		return TradeResult{}, err
	}
	protocolFee, err := fee(proceeds, ProtocolFeeBps)
	if err != nil {
		return TradeResult{}, err
	}

	newSupply := c.CurrentSupply - amount
	c.CurrentSupply = newSupply
	c.ReserveBalance -= proceeds

	newPrice, err := c.SpotPrice(newSupply)
	if err != nil {
		return TradeResult{}, err
	}

	return TradeResult{
		Cost:        proceeds,
		TradeFee:    tradeFee,
		ProtocolFee: protocolFee,
		Total:       proceeds - tradeFee - protocolFee,
		NewSupply:   newSupply,
		NewPrice:    newPrice,
		Graduated:   c.Graduated,
	}, nil
}

// Escrow is the collateral vault account state.
type Escrow struct {
	Collateral uint64 // lamports
	CreatedAt  time.Time
	Released   bool
	Rugged     bool
}

// NewEscrow locks collateral, enforcing the platform minimum, and starts the
// safe-period clock.
func NewEscrow(collateral uint64, now time.Time) (*Escrow, error) {
	if collateral < MinCollateral {
		return nil, ErrInsufficientCollateral
	}
	return &Escrow{Collateral: collateral, CreatedAt: now}, nil
}

// Release returns the full collateral to the deployer. Fails inside the safe
// period and permanently after a rug. Released and Rugged are mutually
// exclusive terminal flags.
func (e *Escrow) Release(now time.Time) (uint64, error) {
	if e.Released {
		return 0, ErrEscrowReleased
	}
	if e.Rugged {
		return 0, ErrTokenIsRugged
	}
	if now.Sub(e.CreatedAt) < SafePeriod {
		return 0, ErrSafePeriodActive
	}
	e.Released = true
	amount := e.Collateral
	e.Collateral = 0
	return amount, nil
}

// MarkRugged flags the escrow, permanently blocking release and unlocking
// refund processing.
func (e *Escrow) MarkRugged() error {
	if e.Released {
		return ErrEscrowReleased
	}
	if e.Rugged {
		return ErrEscrowIsRugged
	}
	e.Rugged = true
	return nil
}

// Buyer is the per-(buyer, token) record account state.
type Buyer struct {
	TotalBought   uint64 // whole tokens
	TotalSold     uint64
	TotalSolSpent uint64 // lamports
	AvgPrice      uint64 // lamports per token, volume-weighted
	RefundClaimed bool
	FirstBuyAt    time.Time
}

// RecordBuy accumulates a purchase and recomputes the volume-weighted
// average price (truncated to whole lamports).
func (b *Buyer) RecordBuy(amount, solSpent uint64, now time.Time) error {
	if b.TotalBought == 0 {
		b.FirstBuyAt = now
	}
	bought, err := fitsU64(new(big.Int).Add(bu(b.TotalBought), bu(amount)))
	if err != nil {
		return err
	}
	spent, err := fitsU64(new(big.Int).Add(bu(b.TotalSolSpent), bu(solSpent)))
	if err != nil {
		return err
	}
	b.TotalBought = bought
	b.TotalSolSpent = spent
	if bought > 0 {
		avg := new(big.Int).Quo(bu(spent), bu(bought))
		b.AvgPrice, err = fitsU64(avg)
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordSell accumulates a sale. Balance never goes negative.
func (b *Buyer) RecordSell(amount uint64) error {
	if amount > b.Balance() {
		return ErrInsufficientSupply
	}
	b.TotalSold += amount
	return nil
}

// Balance is the outstanding token balance.
func (b *Buyer) Balance() uint64 {
	return b.TotalBought - b.TotalSold
}

// ProcessRefund pays the buyer's pro-rata entitlement out of the rugged
// escrow: balance × avgPrice, capped at the collateral remaining. Idempotent
// per buyer via the one-way RefundClaimed flag.
func ProcessRefund(e *Escrow, b *Buyer) (uint64, error) {
	if b.RefundClaimed {
		return 0, ErrRefundProcessed
	}
	if !e.Rugged {
		return 0, ErrNotRugged
	}

	amount, err := fitsU64(new(big.Int).Mul(bu(b.Balance()), bu(b.AvgPrice)))
	if err != nil {
		return 0, err
	}
	if amount > e.Collateral {
		amount = e.Collateral
	}

	e.Collateral -= amount
	b.RefundClaimed = true
	return amount, nil
}
