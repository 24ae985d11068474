package budget

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewd/pkg/domain"
)

func newTestTracker(limit float64, window time.Duration, now *time.Time) *Tracker {
	return NewTracker(limit, window, nil, zap.NewNop(), WithClock(func() time.Time {
		return *now
	}))
}

func TestTierThresholds(t *testing.T) {
	tests := []struct {
		name  string
		spend float64
		want  domain.BudgetTier
	}{
		{"zero spend", 0.0, domain.TierNormal},
		{"just under warning", 0.79, domain.TierNormal},
		{"warning boundary", 0.80, domain.TierWarning},
		{"degraded boundary", 0.90, domain.TierDegraded},
		{"critical boundary", 0.95, domain.TierCritical},
		{"blocked boundary", 1.00, domain.TierBlocked},
		{"over limit", 1.50, domain.TierBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			tr := newTestTracker(1.0, time.Hour, &now)
			if err := tr.RecordSpend(tt.spend); err != nil {
				t.Fatalf("RecordSpend: %v", err)
			}
			if got := tr.CurrentTier(); got != tt.want {
				t.Errorf("tier = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSingleSpendJumpsMultipleTiers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := newTestTracker(1.0, time.Hour, &now)

	if got := tr.CurrentTier(); got != domain.TierNormal {
		t.Fatalf("initial tier = %s, want normal", got)
	}
	// One large spend skips warning and degraded entirely.
	if err := tr.RecordSpend(0.97); err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}
	if got := tr.CurrentTier(); got != domain.TierCritical {
		t.Errorf("tier = %s, want critical after single large spend", got)
	}
}

func TestTierMonotonicWithinWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := newTestTracker(1.0, time.Hour, &now)

	steps := []float64{0.5, 0.35, 0.07, 0.05, 0.1}
	var prev domain.BudgetTier = domain.TierNormal
	for _, amount := range steps {
		if err := tr.RecordSpend(amount); err != nil {
			t.Fatalf("RecordSpend(%f): %v", amount, err)
		}
		cur := tr.CurrentTier()
		if !cur.AtLeast(prev) {
			t.Fatalf("tier regressed from %s to %s within window", prev, cur)
		}
		prev = cur
	}
	if prev != domain.TierBlocked {
		t.Errorf("final tier = %s, want blocked", prev)
	}
}

func TestWindowRolloverResetsTier(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := newTestTracker(1.0, time.Hour, &now)

	if err := tr.RecordSpend(1.2); err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}
	if got := tr.CurrentTier(); got != domain.TierBlocked {
		t.Fatalf("tier = %s, want blocked", got)
	}

	now = now.Add(time.Hour + time.Minute)
	if got := tr.CurrentTier(); got != domain.TierNormal {
		t.Errorf("tier after rollover = %s, want normal", got)
	}
	state := tr.State()
	if state.WindowSpend != 0 {
		t.Errorf("window spend after rollover = %f, want 0", state.WindowSpend)
	}
}

func TestRecordSpendRejectsNegative(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := newTestTracker(1.0, time.Hour, &now)

	err := tr.RecordSpend(-0.1)
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
	if got := tr.State().WindowSpend; got != 0 {
		t.Errorf("window spend = %f, want 0 after rejected spend", got)
	}
}

func TestGateHelpers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := newTestTracker(1.0, time.Hour, &now)

	if tr.ShouldDegrade() || tr.ShouldQueue() || tr.ShouldBlock() {
		t.Fatal("no gate should trip at normal tier")
	}

	if err := tr.RecordSpend(0.92); err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}
	if !tr.ShouldDegrade() {
		t.Error("ShouldDegrade = false at degraded tier")
	}
	if tr.ShouldQueue() {
		t.Error("ShouldQueue = true below critical tier")
	}

	if err := tr.RecordSpend(0.04); err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}
	if !tr.ShouldQueue() {
		t.Error("ShouldQueue = false at critical tier")
	}
	if tr.ShouldBlock() {
		t.Error("ShouldBlock = true below blocked tier")
	}

	if err := tr.RecordSpend(0.1); err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}
	if !tr.ShouldBlock() {
		t.Error("ShouldBlock = false at blocked tier")
	}
}
