package domain

import "time"

// BudgetTier is derived from window spend over window limit.
type BudgetTier string

const (
	TierNormal   BudgetTier = "normal"
	TierWarning  BudgetTier = "warning"
	TierDegraded BudgetTier = "degraded"
	TierCritical BudgetTier = "critical"
	TierBlocked  BudgetTier = "blocked"
)

// tierRank orders tiers for monotonicity checks.
var tierRank = map[BudgetTier]int{
	TierNormal:   0,
	TierWarning:  1,
	TierDegraded: 2,
	TierCritical: 3,
	TierBlocked:  4,
}

// AtLeast reports whether t is at or past other on the escalation ladder.
func (t BudgetTier) AtLeast(other BudgetTier) bool {
	return tierRank[t] >= tierRank[other]
}

// TierForUtilization maps a spend/limit ratio to a tier.
// Thresholds: 80% warning, 90% degraded, 95% critical, 100% blocked.
func TierForUtilization(ratio float64) BudgetTier {
	switch {
	case ratio >= 1.00:
		return TierBlocked
	case ratio >= 0.95:
		return TierCritical
	case ratio >= 0.90:
		return TierDegraded
	case ratio >= 0.80:
		return TierWarning
	default:
		return TierNormal
	}
}

// BudgetState is a snapshot of the current spend window.
type BudgetState struct {
	WindowStart time.Time  `json:"window_start"`
	WindowSpend float64    `json:"window_spend"`
	WindowLimit float64    `json:"window_limit"`
	Tier        BudgetTier `json:"tier"`
}

// Utilization returns spend over limit, zero when the limit is unset.
func (b BudgetState) Utilization() float64 {
	if b.WindowLimit <= 0 {
		return 0
	}
	return b.WindowSpend / b.WindowLimit
}
