package consensus

import (
	"math"
	"testing"
)

func TestCollectWeightedMajority(t *testing.T) {
	votes := []Vote{
		{AgentID: "backend", Decision: DecisionYes, Confidence: 0.85},
		{AgentID: "data", Decision: DecisionNo, Confidence: 0.92},
		{AgentID: "perf", Decision: DecisionYes, Confidence: 0.78},
		{AgentID: "frontend", Decision: DecisionNo, Confidence: 0.65},
		{AgentID: "infra", Decision: DecisionYes, Confidence: 0.72},
	}

	result, err := NewEngine(1.0).Collect(votes)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	// yes weight 2.35 vs no weight 1.57.
	if result.FinalDecision != DecisionYes {
		t.Errorf("decision = %s, want YES", result.FinalDecision)
	}
	want := 2.35 - 1.57
	if math.Abs(result.WeightedScore-want) > 1e-9 {
		t.Errorf("weighted score = %f, want %f", result.WeightedScore, want)
	}
	if result.Breakdown["YES"] != 3 || result.Breakdown["NO"] != 2 {
		t.Errorf("breakdown = %v, want 3 yes / 2 no", result.Breakdown)
	}
}

func TestCollectEmptyBallotFails(t *testing.T) {
	if _, err := NewEngine(1.0).Collect(nil); err == nil {
		t.Fatal("expected error on empty ballot")
	}
}

func TestAbstainCarriesNoWeight(t *testing.T) {
	votes := []Vote{
		{AgentID: "a", Decision: DecisionAbstain, Confidence: 1.0},
		{AgentID: "b", Decision: DecisionNo, Confidence: 0.1},
	}
	result, err := NewEngine(1.0).Collect(votes)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if result.FinalDecision != DecisionNo {
		t.Errorf("decision = %s, want NO", result.FinalDecision)
	}
}

func TestCalibrationScalesConfidence(t *testing.T) {
	votes := []Vote{
		{AgentID: "a", Decision: DecisionYes, Confidence: 1.0},
		{AgentID: "b", Decision: DecisionNo, Confidence: 0.5},
	}
	result, err := NewEngine(0.8).Collect(votes)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	// 1.0*0.8 - 0.5*0.8 = 0.4
	if math.Abs(result.WeightedScore-0.4) > 1e-9 {
		t.Errorf("weighted score = %f, want 0.4", result.WeightedScore)
	}
}

func TestUnanimityBounds(t *testing.T) {
	unanimous := []Vote{
		{AgentID: "a", Decision: DecisionYes, Confidence: 0.9},
		{AgentID: "b", Decision: DecisionYes, Confidence: 0.7},
	}
	result, err := NewEngine(1.0).Collect(unanimous)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if result.Unanimity != 1.0 {
		t.Errorf("unanimity = %f, want 1.0 for one-sided ballot", result.Unanimity)
	}

	split := []Vote{
		{AgentID: "a", Decision: DecisionYes, Confidence: 0.8},
		{AgentID: "b", Decision: DecisionNo, Confidence: 0.8},
	}
	result, err = NewEngine(1.0).Collect(split)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if result.Unanimity != 0.0 {
		t.Errorf("unanimity = %f, want 0.0 for perfect split", result.Unanimity)
	}
}

func TestAgreement(t *testing.T) {
	tests := []struct {
		name        string
		confidences []float64
		want        float64
	}{
		{"empty", nil, 0},
		{"single", []float64{0.7}, 0.7},
		{"identical", []float64{0.8, 0.8, 0.8}, 1.0},
		{"wide spread", []float64{0.1, 0.95}, 1.0 - 0.85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Agreement(tt.confidences); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Agreement(%v) = %f, want %f", tt.confidences, got, tt.want)
			}
		})
	}
}
