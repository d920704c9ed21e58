// Package reputation computes deployer trust scores from persisted launch
// history. The score is a pure function of the deployer's counters plus the
// account-age term, which is intentionally time-sensitive: callers pass the
// current time so the score is recomputed on each access instead of cached.
package reputation

import (
	"time"

	"github.com/fyrst/launch-engine/internal/collateral"
)

// Rank is the letter grade derived from a score.
type Rank string

const (
	RankA Rank = "A"
	RankB Rank = "B"
	RankC Rank = "C"
	RankD Rank = "D"
	RankF Rank = "F"
)

const (
	baseScore         = 50
	cleanHistoryBonus = 20 // zero lifetime rug pulls
	perLaunchBonus    = 10 // per successful launch
	launchBonusCap    = 30
	rugPenalty        = 20 // per rug pull, uncapped
	topTierBonus      = 10 // Gold or Diamond collateral tier
	accountAgeBonus   = 5  // account older than 30 days

	matureAccountAge = 30 * 24 * time.Hour
)

// Inputs are the persisted deployer counters the score derives from.
type Inputs struct {
	TotalLaunches      int
	SuccessfulLaunches int
	RugPulls           int
	Tier               collateral.Tier
	AccountCreatedAt   time.Time
}

// ComputeScore returns the deployer's trust score, clamped to [0, 100].
// The full score is recomputed on every call — it is never patched
// incrementally, so the stored value can never drift from its derivation.
func ComputeScore(in Inputs, now time.Time) int {
	score := baseScore

	if in.RugPulls == 0 {
		score += cleanHistoryBonus
	}

	launchBonus := in.SuccessfulLaunches * perLaunchBonus
	if launchBonus > launchBonusCap {
		launchBonus = launchBonusCap
	}
	score += launchBonus

	score -= in.RugPulls * rugPenalty

	if collateral.TopTier(in.Tier) {
		score += topTierBonus
	}

	if !in.AccountCreatedAt.IsZero() && now.Sub(in.AccountCreatedAt) > matureAccountAge {
		score += accountAgeBonus
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ScoreToRank maps a clamped score to a letter rank. The cutoffs form a
// total, non-overlapping partition of [0, 100].
func ScoreToRank(score int) Rank {
	switch {
	case score >= 90:
		return RankA
	case score >= 75:
		return RankB
	case score >= 60:
		return RankC
	case score >= 40:
		return RankD
	default:
		return RankF
	}
}
