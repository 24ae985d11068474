package consensus

import (
	"fmt"
	"sort"
)

// Decision is a binary vote option.
type Decision int

const (
	DecisionNo      Decision = -1
	DecisionAbstain Decision = 0
	DecisionYes     Decision = 1
)

// String returns the vote label.
func (d Decision) String() string {
	switch d {
	case DecisionYes:
		return "YES"
	case DecisionNo:
		return "NO"
	default:
		return "ABSTAIN"
	}
}

// Vote is a single agent's confidence-weighted position.
type Vote struct {
	AgentID    string
	Decision   Decision
	Confidence float64 // 0.0 to 1.0
	Reasoning  string
}

// Weight converts the vote to its signed contribution.
func (v Vote) Weight() float64 {
	if v.Decision == DecisionAbstain {
		return 0
	}
	return float64(v.Decision) * v.Confidence
}

// Result is the aggregate of a voting round.
type Result struct {
	FinalDecision Decision
	WeightedScore float64 // -1.0 to 1.0 range per vote count
	Unanimity     float64 // 1.0 = unanimous, 0.0 = perfect split
	Breakdown     map[string]int
	Votes         []Vote
	Reasoning     string
}

// Engine aggregates confidence-weighted votes. Calibration multiplies every
// confidence before weighting; values below 1.0 counteract agent
// overconfidence.
type Engine struct {
	calibration float64
}

// NewEngine creates a voting engine. A calibration of 0 means 1.0.
func NewEngine(calibration float64) *Engine {
	if calibration <= 0 {
		calibration = 1.0
	}
	return &Engine{calibration: calibration}
}

// Collect aggregates votes into a result. It fails only on an empty ballot.
func (e *Engine) Collect(votes []Vote) (*Result, error) {
	if len(votes) == 0 {
		return nil, fmt.Errorf("no votes to process")
	}

	calibrated := e.calibrate(votes)

	var weighted float64
	for _, v := range calibrated {
		weighted += v.Weight()
	}

	final := DecisionAbstain
	if weighted > 0 {
		final = DecisionYes
	} else if weighted < 0 {
		final = DecisionNo
	}

	unanimity := unanimity(calibrated)
	breakdown := map[string]int{"YES": 0, "NO": 0, "ABSTAIN": 0}
	for _, v := range votes {
		breakdown[v.Decision.String()]++
	}

	return &Result{
		FinalDecision: final,
		WeightedScore: weighted,
		Unanimity:     unanimity,
		Breakdown:     breakdown,
		Votes:         votes,
		Reasoning: fmt.Sprintf("decision=%s weighted=%.2f unanimity=%.0f%% pro=%d con=%d",
			final, weighted, unanimity*100, breakdown["YES"], breakdown["NO"]),
	}, nil
}

// calibrate scales confidences, clamped to 1.0.
func (e *Engine) calibrate(votes []Vote) []Vote {
	if e.calibration == 1.0 {
		return votes
	}
	out := make([]Vote, len(votes))
	for i, v := range votes {
		c := v.Confidence * e.calibration
		if c > 1.0 {
			c = 1.0
		}
		out[i] = Vote{AgentID: v.AgentID, Decision: v.Decision, Confidence: c, Reasoning: v.Reasoning}
	}
	return out
}

// unanimity measures how one-sided the confidence mass is: 1.0 when every
// weighted vote lands on the same side, 0.0 on a perfect split.
func unanimity(votes []Vote) float64 {
	var yes, no float64
	for _, v := range votes {
		switch v.Decision {
		case DecisionYes:
			yes += v.Confidence
		case DecisionNo:
			no += v.Confidence
		}
	}
	total := yes + no
	if total == 0 {
		return 0
	}
	max := yes
	if no > max {
		max = no
	}
	u := (max - (total - max)) / total
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}

// Agreement scores how much a set of result confidences agree with each
// other. Every contributor "votes yes" on the merged output with its own
// confidence, so the score collapses to the unanimity of a one-sided ballot:
// high when confidences are consistently high, low when they diverge.
func Agreement(confidences []float64) float64 {
	if len(confidences) == 0 {
		return 0
	}
	if len(confidences) == 1 {
		return confidences[0]
	}

	sorted := append([]float64(nil), confidences...)
	sort.Float64s(sorted)

	// Treat the spread between the strongest and weakest contributor as
	// dissent: identical confidences score 1.0, a wide gap drags it down.
	spread := sorted[len(sorted)-1] - sorted[0]
	score := 1.0 - spread
	if score < 0 {
		return 0
	}
	return score
}
