package budget

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewd/pkg/domain"
	"github.com/crewdock/crewd/pkg/ports"
)

// Tracker owns BudgetState. It accumulates reported spend inside a rolling
// window and derives the current tier from the spend/limit ratio. The tier
// only moves forward within a window; it resets to normal when the window
// rolls over.
type Tracker struct {
	mu sync.Mutex

	windowStart time.Time
	windowSpend float64
	windowLimit float64
	windowDur   time.Duration
	tier        domain.BudgetTier

	now          func() time.Time
	onTierChange func(from, to domain.BudgetTier, state domain.BudgetState)
	metrics      ports.MetricsCollector
	logger       *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects the time source. Tests use a manual clock to force
// window rollovers.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithTierChangeHook registers a callback fired whenever the tier advances
// within a window. The callback runs synchronously under the tracker lock,
// so it must not call back into the tracker.
func WithTierChangeHook(fn func(from, to domain.BudgetTier, state domain.BudgetState)) Option {
	return func(t *Tracker) { t.onTierChange = fn }
}

// NewTracker creates a budget tracker for one spend window.
func NewTracker(limit float64, window time.Duration, metrics ports.MetricsCollector, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		windowLimit: limit,
		windowDur:   window,
		tier:        domain.TierNormal,
		now:         time.Now,
		metrics:     metrics,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.windowStart = t.now()
	return t
}

// RecordSpend adds a completed task's cost to the window. Negative amounts
// are a caller bug and rejected with domain.ErrInvalidAmount. Exceeding the
// window limit is not an error; it just advances the tier.
func (t *Tracker) RecordSpend(amount float64) error {
	if amount < 0 {
		return fmt.Errorf("%w: %f", domain.ErrInvalidAmount, amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollIfExpired()
	t.windowSpend += amount

	prev := t.tier
	next := domain.TierForUtilization(t.utilization())
	// A single large spend may jump several tiers at once. The tier never
	// regresses inside a window.
	if next.AtLeast(t.tier) {
		t.tier = next
	}

	if t.metrics != nil {
		t.metrics.RecordSpend(amount)
		t.metrics.RecordBudgetTier(string(t.tier), t.utilization())
	}

	if t.tier != prev {
		t.logger.Warn("budget tier changed",
			zap.String("from", string(prev)),
			zap.String("to", string(t.tier)),
			zap.Float64("window_spend", t.windowSpend),
			zap.Float64("window_limit", t.windowLimit))
		if t.onTierChange != nil {
			t.onTierChange(prev, t.tier, domain.BudgetState{
				WindowStart: t.windowStart,
				WindowSpend: t.windowSpend,
				WindowLimit: t.windowLimit,
				Tier:        t.tier,
			})
		}
	}

	return nil
}

// CurrentTier returns the tier for the active window.
func (t *Tracker) CurrentTier() domain.BudgetTier {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollIfExpired()
	return t.tier
}

// ShouldDegrade reports whether degraded-mode worker substitution applies.
func (t *Tracker) ShouldDegrade() bool {
	return t.CurrentTier().AtLeast(domain.TierDegraded)
}

// ShouldQueue reports whether low-priority requests must wait.
func (t *Tracker) ShouldQueue() bool {
	return t.CurrentTier().AtLeast(domain.TierCritical)
}

// ShouldBlock reports whether only critical-priority work may proceed.
func (t *Tracker) ShouldBlock() bool {
	return t.CurrentTier() == domain.TierBlocked
}

// State returns a snapshot of the active window.
func (t *Tracker) State() domain.BudgetState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollIfExpired()
	return domain.BudgetState{
		WindowStart: t.windowStart,
		WindowSpend: t.windowSpend,
		WindowLimit: t.windowLimit,
		Tier:        t.tier,
	}
}

// rollIfExpired resets the window when the external clock has moved past its
// end. Caller must hold t.mu.
func (t *Tracker) rollIfExpired() {
	now := t.now()
	if now.Sub(t.windowStart) < t.windowDur {
		return
	}
	// Align the new window start to the boundary, not to "now", so bursty
	// traffic cannot stretch a window.
	elapsed := now.Sub(t.windowStart)
	t.windowStart = t.windowStart.Add(elapsed - (elapsed % t.windowDur))
	t.windowSpend = 0
	if t.tier != domain.TierNormal {
		t.logger.Info("budget window rolled over",
			zap.Time("window_start", t.windowStart),
			zap.String("previous_tier", string(t.tier)))
	}
	t.tier = domain.TierNormal
}

// utilization is spend over limit. Caller must hold t.mu.
func (t *Tracker) utilization() float64 {
	if t.windowLimit <= 0 {
		return 0
	}
	return t.windowSpend / t.windowLimit
}
