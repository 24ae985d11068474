// Package consensus implements confidence-weighted vote aggregation across
// agents: signed votes scaled by confidence, an optional calibration factor,
// and an unanimity metric. The synthesizer uses it to score how much the
// fleet's partial results agree with each other.
package consensus
