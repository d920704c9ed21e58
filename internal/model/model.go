// Package model defines the core domain types shared across the launch engine.
// All monetary values use shopspring/decimal — never float64 for money.
//
// SOL amounts are denominated in lamports and token amounts in whole token
// units; both are stored as integral decimals so the off-chain ledger and the
// on-chain program mirror agree bit-for-bit.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide identifies the direction of a trade against the bonding curve.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// RefundStatus is the lifecycle status of a refund row.
// pending → processing → completed | failed. Rows are append-only.
type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RefundStatus) Terminal() bool {
	return s == RefundCompleted || s == RefundFailed
}

// BondingCurve is the per-token curve account: linear pricing state plus the
// one-way graduation flag.
//
// Invariants: CurrentSupply ≥ 0; ReserveBalance equals the curve integral over
// outstanding supply (fees never touch it); Graduated transitions false→true
// exactly once. Version guards optimistic-concurrency updates.
type BondingCurve struct {
	TokenMint         string          `json:"token_mint" db:"token_mint"`
	Deployer          string          `json:"deployer" db:"deployer"`
	Name              string          `json:"name" db:"name"`
	Symbol            string          `json:"symbol" db:"symbol"`
	CurrentSupply     decimal.Decimal `json:"current_supply" db:"current_supply"`           // whole tokens
	BasePrice         decimal.Decimal `json:"base_price" db:"base_price"`                   // lamports per token at supply 0
	Slope             decimal.Decimal `json:"slope" db:"slope"`                             // lamports per token per token
	ReserveBalance    decimal.Decimal `json:"reserve_balance" db:"reserve_balance"`         // lamports
	TotalSolCollected decimal.Decimal `json:"total_sol_collected" db:"total_sol_collected"` // lamports, monotonic
	Graduated         bool            `json:"graduated" db:"graduated"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	Version           int64           `json:"-" db:"version"`
}

// EscrowVault holds a deployer's locked collateral for one token.
// Released and Rugged are mutually exclusive terminal flags.
type EscrowVault struct {
	Deployer   string          `json:"deployer" db:"deployer"`
	TokenMint  string          `json:"token_mint" db:"token_mint"`
	Collateral decimal.Decimal `json:"collateral_lamports" db:"collateral_lamports"`
	Released   bool            `json:"released" db:"released"`
	Rugged     bool            `json:"rugged" db:"rugged"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"` // safe-period clock start
	Version    int64           `json:"-" db:"version"`
}

// BuyerRecord tracks one buyer's cumulative activity in one token, used for
// refund eligibility. Balance = TotalBought − TotalSold and is never negative.
type BuyerRecord struct {
	Buyer         string          `json:"buyer" db:"buyer"`
	TokenMint     string          `json:"token_mint" db:"token_mint"`
	TotalBought   decimal.Decimal `json:"total_bought" db:"total_bought"`       // whole tokens
	TotalSold     decimal.Decimal `json:"total_sold" db:"total_sold"`           // whole tokens
	TotalSolSpent decimal.Decimal `json:"total_sol_spent" db:"total_sol_spent"` // lamports
	AvgPrice      decimal.Decimal `json:"avg_price" db:"avg_price"`             // lamports per token, volume-weighted
	RefundClaimed bool            `json:"refund_claimed" db:"refund_claimed"`
	FirstBuyAt    time.Time       `json:"first_buy_at" db:"first_buy_at"`
	Version       int64           `json:"-" db:"version"`
}

// Balance returns the outstanding token balance.
func (r *BuyerRecord) Balance() decimal.Decimal {
	return r.TotalBought.Sub(r.TotalSold)
}

// Deployer aggregates a wallet's launch history and derived trust fields.
// ReputationScore/Rank and CollateralTier are recomputed from the counters,
// never patched incrementally.
type Deployer struct {
	Address            string          `json:"address" db:"address"`
	ReputationScore    int             `json:"reputation_score" db:"reputation_score"` // clamped [0,100]
	ReputationRank     string          `json:"reputation_rank" db:"reputation_rank"`
	TotalLaunches      int             `json:"total_launches" db:"total_launches"`
	SuccessfulLaunches int             `json:"successful_launches" db:"successful_launches"`
	RugPulls           int             `json:"rug_pulls" db:"rug_pulls"`
	CollateralLocked   decimal.Decimal `json:"collateral_locked" db:"collateral_locked"` // lamports, across active escrows
	CollateralTier     string          `json:"collateral_tier" db:"collateral_tier"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	Version            int64           `json:"-" db:"version"`
}

// Refund is an append-only refund record. At most one non-terminal row may
// exist per (claimant, token) at any time.
type Refund struct {
	ID          string          `json:"id" db:"id"`
	TokenMint   string          `json:"token_mint" db:"token_mint"`
	Claimant    string          `json:"claimant_address" db:"claimant_address"`
	AmountSol   decimal.Decimal `json:"amount_lamports" db:"amount_lamports"`
	Status      RefundStatus    `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	TxSignature string          `json:"tx_signature,omitempty" db:"tx_signature"`
}

// Trade is an immutable record of a trade execution against a curve.
// Once created, these are never modified or deleted.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	TokenMint string          `json:"token_mint" db:"token_mint"`
	Trader    string          `json:"trader_address" db:"trader_address"`
	Side      TradeSide       `json:"side" db:"side"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`       // whole tokens
	Price     decimal.Decimal `json:"price" db:"price"`         // spot price after the trade, lamports/token
	TotalSol  decimal.Decimal `json:"total_sol" db:"total_sol"` // curve integral, lamports
	FeePaid   decimal.Decimal `json:"fee_paid" db:"fee_paid"`   // trade + protocol fee, lamports
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
