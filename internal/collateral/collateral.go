// Package collateral classifies locked SOL amounts into discrete trust tiers
// and enforces the platform-wide minimum collateral gate.
//
// The tier table is strictly ordered highest first; the first threshold the
// amount meets or exceeds wins. Validation runs before any escrow or curve
// state is created — a launch is all-or-nothing.
package collateral

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInsufficientCollateral is returned when the collateral amount is below
// the platform minimum.
var ErrInsufficientCollateral = errors.New("collateral: amount below platform minimum")

// Tier is a discrete trust label derived from locked SOL.
type Tier string

const (
	TierDiamond Tier = "Diamond"
	TierGold    Tier = "Gold"
	TierSilver  Tier = "Silver"
	TierBronze  Tier = "Bronze"
)

// LamportsPerSol converts between SOL and the smallest unit.
var LamportsPerSol = decimal.NewFromInt(1_000_000_000)

// MinCollateral is the platform minimum: 0.01 SOL in lamports.
var MinCollateral = decimal.NewFromInt(10_000_000)

// thresholds maps lamport amounts to tiers, highest first. Order matters:
// AssignTier returns the first entry the amount meets or exceeds.
var thresholds = []struct {
	min  decimal.Decimal
	tier Tier
}{
	{decimal.NewFromInt(25_000_000_000), TierDiamond}, // 25 SOL
	{decimal.NewFromInt(10_000_000_000), TierGold},    // 10 SOL
	{decimal.NewFromInt(5_000_000_000), TierSilver},   // 5 SOL
	{decimal.NewFromInt(10_000_000), TierBronze},      // 0.01 SOL
}

// AssignTier returns the trust tier for a lamport amount. Amounts below the
// Bronze threshold still classify as Bronze; ValidateCollateral is the gate
// that rejects them, and it must run first.
func AssignTier(lamports decimal.Decimal) Tier {
	for _, t := range thresholds {
		if lamports.GreaterThanOrEqual(t.min) {
			return t.tier
		}
	}
	return TierBronze
}

// ValidateCollateral rejects amounts below the platform minimum.
func ValidateCollateral(lamports decimal.Decimal) error {
	if lamports.LessThan(MinCollateral) {
		return ErrInsufficientCollateral
	}
	return nil
}

// TopTier reports whether the tier is one of the two highest (Gold or
// Diamond), which grants a reputation bonus.
func TopTier(t Tier) bool {
	return t == TierGold || t == TierDiamond
}
