package orchestrator

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/crewdock/crewd/pkg/domain"
)

// runLoop is the coordinating control loop. It never blocks on an individual
// task: each pass polls readiness, dispatches what it can and returns.
func (m *Manager) runLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		case <-m.wake:
		}
		m.schedulePass()
	}
}

func (m *Manager) schedulePass() {
	m.requests.Range(func(_, value interface{}) bool {
		m.scheduleRequest(value.(*requestContext))
		return true
	})
}

// scheduleRequest runs one pass for one request: budget gates, timeout
// sweep, retries, failure propagation, terminal detection and dispatch.
func (m *Manager) scheduleRequest(rc *requestContext) {
	ctx := m.ctx

	rec, err := m.store.GetRequest(ctx, rc.id)
	if err != nil {
		m.logger.Error("failed to load request for scheduling",
			zap.String("request_id", rc.id),
			zap.Error(err))
		m.requests.Delete(rc.id)
		return
	}
	if rec.State.Terminal() {
		m.requests.Delete(rc.id)
		return
	}

	if m.gatedByBudget(rc.priority) {
		// A gated request whose tasks have all finished anyway has nothing
		// left to spend; finalize it instead of holding it to starvation.
		tasks, err := m.store.TasksForRequest(ctx, rc.id)
		if err != nil {
			m.logger.Error("failed to load tasks for held request",
				zap.String("request_id", rc.id),
				zap.Error(err))
			return
		}
		if state, done := m.terminalState(tasks); done {
			m.finalize(ctx, rc, state)
			return
		}
		m.holdPass(ctx, rc, rec)
		return
	}
	if rec.State == domain.RequestStateHolding {
		rec.State = domain.RequestStateScheduling
		if err := m.store.SaveRequest(ctx, rec); err != nil {
			m.logger.Error("failed to release held request",
				zap.String("request_id", rc.id),
				zap.Error(err))
			return
		}
		m.logger.Info("request released from hold",
			zap.String("request_id", rc.id),
			zap.String("tier", string(m.budget.CurrentTier())))
	}

	tasks, err := m.store.TasksForRequest(ctx, rc.id)
	if err != nil {
		m.logger.Error("failed to load tasks for scheduling",
			zap.String("request_id", rc.id),
			zap.Error(err))
		return
	}

	progress := m.sweepTimeouts(ctx, tasks)
	if m.handleFailures(ctx, tasks) {
		progress = true
	}

	// The sweep and the failure pass may have changed statuses.
	tasks, err = m.store.TasksForRequest(ctx, rc.id)
	if err != nil {
		m.logger.Error("failed to reload tasks",
			zap.String("request_id", rc.id),
			zap.Error(err))
		return
	}

	if state, done := m.terminalState(tasks); done {
		m.finalize(ctx, rc, state)
		return
	}

	ready, err := m.store.ReadyTasks(ctx, rc.id)
	if err != nil {
		m.logger.Error("failed to list ready tasks",
			zap.String("request_id", rc.id),
			zap.Error(err))
		return
	}

	dispatched := 0
	for _, node := range ready {
		if m.dispatch(ctx, node) {
			dispatched++
		}
	}
	if dispatched > 0 {
		progress = true
	}

	inFlight := 0
	for _, task := range tasks {
		if task.Status == domain.TaskStatusAssigned || task.Status == domain.TaskStatusRunning {
			inFlight++
		}
	}

	if progress || inFlight > 0 {
		rc.stalled = 0
		return
	}

	// Nothing moved and nothing is in flight: every pass from here is pure
	// starvation (saturated workers, empty roster role), so bound it.
	rc.stalled++
	if rc.stalled > m.cfg.MaxHoldPasses {
		m.abortStarved(ctx, rc, "no worker available")
	}
}

// gatedByBudget applies the tier gates: blocked admits only critical
// requests, critical tier admits critical and high.
func (m *Manager) gatedByBudget(priority domain.Priority) bool {
	if m.budget.ShouldBlock() {
		return priority != domain.PriorityCritical
	}
	if m.budget.ShouldQueue() {
		return priority != domain.PriorityCritical && priority != domain.PriorityHigh
	}
	return false
}

// holdPass parks a gated request. Holding is not terminal: the request
// resumes as soon as the window rolls over and the tier drops, unless it sits
// held past the pass bound.
func (m *Manager) holdPass(ctx context.Context, rc *requestContext, rec *domain.RequestRecord) {
	if rec.State != domain.RequestStateHolding {
		rec.State = domain.RequestStateHolding
		if err := m.store.SaveRequest(ctx, rec); err != nil {
			m.logger.Error("failed to hold request",
				zap.String("request_id", rc.id),
				zap.Error(err))
			return
		}
		m.publishRequestEvent(ctx, domain.EventTypeRequestHeld, rc.id, map[string]interface{}{
			"tier": string(m.budget.CurrentTier()),
		})
		m.logger.Info("request held by budget tier",
			zap.String("request_id", rc.id),
			zap.String("priority", string(rc.priority)),
			zap.String("tier", string(m.budget.CurrentTier())))
	}

	rc.stalled++
	if rc.stalled > m.cfg.MaxHoldPasses {
		m.abortStarved(ctx, rc, "budget hold expired")
	}
}

// sweepTimeouts fails Running tasks whose attempt outlived the per-task
// deadline. The worker's own call timeout usually fires first; this is the
// backstop for executors that died mid-attempt.
func (m *Manager) sweepTimeouts(ctx context.Context, tasks []*domain.TaskNode) bool {
	progress := false
	for _, task := range tasks {
		if task.Status != domain.TaskStatusRunning || task.StartedAt == nil {
			continue
		}
		if m.now().Sub(*task.StartedAt) <= m.cfg.TaskTimeout {
			continue
		}
		updated, err := m.store.UpdateStatus(ctx, task.ID, domain.TaskStatusFailed, domain.StatusUpdate{Reason: domain.FailReasonTimeout})
		if err != nil {
			m.logger.Debug("timeout sweep lost race",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		m.logger.Warn("task timed out",
			zap.String("task_id", task.ID),
			zap.String("request_id", task.RequestID),
			zap.Int("attempt", updated.Attempts))
		m.publishTaskEvent(ctx, domain.EventTypeTaskFailed, updated, map[string]interface{}{
			"reason": string(domain.FailReasonTimeout),
		})
		progress = true
	}
	return progress
}

// handleFailures retries failed tasks that still have attempts left and
// propagates unreachability from the ones that do not. Cancelled tasks are
// left alone; the cancel path finalizes their request directly.
func (m *Manager) handleFailures(ctx context.Context, tasks []*domain.TaskNode) bool {
	progress := false
	var exhausted []string

	for _, task := range tasks {
		if task.Status != domain.TaskStatusFailed {
			continue
		}
		switch task.FailReason {
		case domain.FailReasonCancelled, domain.FailReasonUnreachable:
			continue
		}
		if task.Attempts < m.cfg.MaxAttempts {
			updated, err := m.store.UpdateStatus(ctx, task.ID, domain.TaskStatusReady, domain.StatusUpdate{})
			if err != nil {
				m.logger.Warn("failed to retry task",
					zap.String("task_id", task.ID),
					zap.Error(err))
				continue
			}
			m.logger.Info("task retried",
				zap.String("task_id", task.ID),
				zap.String("request_id", task.RequestID),
				zap.Int("attempt", updated.Attempts),
				zap.Int("max_attempts", m.cfg.MaxAttempts))
			progress = true
		} else {
			exhausted = append(exhausted, task.ID)
		}
	}

	if len(exhausted) > 0 && m.propagateUnreachable(ctx, tasks, exhausted) {
		progress = true
	}
	return progress
}

// propagateUnreachable fails every transitive dependent of the exhausted
// tasks with reason UnreachableDependency, so no node waits forever on a
// dependency that will never be Done.
func (m *Manager) propagateUnreachable(ctx context.Context, tasks []*domain.TaskNode, exhausted []string) bool {
	dependents := make(map[string][]string, len(tasks))
	byID := make(map[string]*domain.TaskNode, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
		for _, dep := range task.DependsOn {
			dependents[dep] = append(dependents[dep], task.ID)
		}
	}

	progress := false
	queue := append([]string(nil), exhausted...)
	seen := make(map[string]bool, len(tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		for _, depID := range dependents[id] {
			queue = append(queue, depID)
			node := byID[depID]
			if node == nil || node.Status.Terminal() {
				continue
			}
			updated, err := m.store.UpdateStatus(ctx, depID, domain.TaskStatusFailed, domain.StatusUpdate{Reason: domain.FailReasonUnreachable})
			if err != nil {
				m.logger.Warn("failed to propagate unreachability",
					zap.String("task_id", depID),
					zap.Error(err))
				continue
			}
			node.Status = updated.Status
			node.FailReason = updated.FailReason
			m.logger.Warn("task unreachable",
				zap.String("task_id", depID),
				zap.String("request_id", updated.RequestID),
				zap.String("blocked_by", id))
			m.publishTaskEvent(ctx, domain.EventTypeTaskFailed, updated, map[string]interface{}{
				"reason": string(domain.FailReasonUnreachable),
			})
			progress = true
		}
	}
	return progress
}

// dispatch assigns one ready task to the least-loaded eligible worker and
// publishes the dispatch event the pool consumes. Returning false leaves the
// task Ready for the next pass, which is the normal backpressure path.
func (m *Manager) dispatch(ctx context.Context, node *domain.TaskNode) bool {
	candidates, err := m.rankedCandidates(ctx, node.Capability)
	if err != nil {
		m.logger.Error("failed to rank workers",
			zap.String("task_id", node.ID),
			zap.Error(err))
		return false
	}

	for _, worker := range candidates {
		// Reserve capacity first; the counter is the arbiter under
		// concurrent dispatch.
		if _, err := m.store.ReportLoad(ctx, worker.ID, 1, worker.MaxConcurrent); err != nil {
			if errors.Is(err, domain.ErrWorkerSaturated) {
				continue
			}
			m.logger.Error("failed to reserve worker",
				zap.String("worker_id", worker.ID),
				zap.Error(err))
			return false
		}

		updated, err := m.store.UpdateStatus(ctx, node.ID, domain.TaskStatusAssigned, domain.StatusUpdate{Worker: worker.ID})
		if err != nil {
			if _, relErr := m.store.ReportLoad(ctx, worker.ID, -1, 0); relErr != nil {
				m.logger.Warn("failed to release reservation",
					zap.String("worker_id", worker.ID),
					zap.Error(relErr))
			}
			if errors.Is(err, domain.ErrInvalidTransition) {
				if m.metrics != nil {
					m.metrics.RecordInvalidTransition()
				}
				m.logger.Error("invalid transition on dispatch",
					zap.String("task_id", node.ID),
					zap.Error(err))
			}
			return false
		}

		m.logger.Info("task dispatched",
			zap.String("task_id", node.ID),
			zap.String("request_id", node.RequestID),
			zap.String("capability", string(node.Capability)),
			zap.String("worker_id", worker.ID))
		m.publishTaskEvent(ctx, domain.EventTypeTaskDispatched, updated, map[string]interface{}{
			"worker_id": worker.ID,
		})
		return true
	}
	return false
}

// rankedCandidates returns the eligible workers for a capability, cheapest
// substitution applied under budget degradation, ordered by current load
// with cost tier as the tie-break.
func (m *Manager) rankedCandidates(ctx context.Context, capability domain.Capability) ([]domain.WorkerProfile, error) {
	profiles := m.roster.ByRole(capability)

	if m.budget.ShouldDegrade() {
		var substitutes []domain.WorkerProfile
		seen := make(map[string]bool)
		for _, w := range profiles {
			if w.DegradedSubstituteRole == "" {
				continue
			}
			for _, sub := range m.roster.ByRole(w.DegradedSubstituteRole) {
				if !seen[sub.ID] {
					seen[sub.ID] = true
					substitutes = append(substitutes, sub)
				}
			}
		}
		// Substitution is graceful: roles without a substitute keep their
		// specialists.
		if len(substitutes) > 0 {
			profiles = substitutes
		}
	}

	if len(profiles) == 0 {
		profiles = m.roster.ByRole(domain.CapabilityGeneric)
	}
	if len(profiles) == 0 {
		return nil, nil
	}

	type ranked struct {
		profile domain.WorkerProfile
		load    int
	}
	list := make([]ranked, 0, len(profiles))
	for _, w := range profiles {
		load, err := m.store.CurrentLoad(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		list = append(list, ranked{profile: w, load: load})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].load != list[j].load {
			return list[i].load < list[j].load
		}
		if list[i].profile.CostTier != list[j].profile.CostTier {
			return list[i].profile.CostTier < list[j].profile.CostTier
		}
		return list[i].profile.ID < list[j].profile.ID
	})

	out := make([]domain.WorkerProfile, len(list))
	for i, r := range list {
		out[i] = r.profile
	}
	return out, nil
}

// abortStarved gives up on a request that sat held or starved past the pass
// bound: remaining tasks fail as timeouts and the request surfaces as
// partially failed rather than hanging forever.
func (m *Manager) abortStarved(ctx context.Context, rc *requestContext, cause string) {
	m.logger.Warn("request starved past hold bound",
		zap.String("request_id", rc.id),
		zap.String("cause", cause),
		zap.Int("passes", rc.stalled))

	tasks, err := m.store.TasksForRequest(ctx, rc.id)
	if err != nil {
		m.logger.Error("failed to load tasks for abort",
			zap.String("request_id", rc.id),
			zap.Error(err))
		return
	}
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		if _, err := m.store.UpdateStatus(ctx, task.ID, domain.TaskStatusFailed, domain.StatusUpdate{Reason: domain.FailReasonTimeout}); err != nil {
			m.logger.Debug("abort lost race with completion",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}

	// A starved request that already finished all its tasks still completed;
	// only surviving failures make it partial.
	state := domain.RequestStateCompleted
	tasks, err = m.store.TasksForRequest(ctx, rc.id)
	if err != nil || anyFailed(tasks) {
		state = domain.RequestStatePartiallyFailed
	}
	m.finalize(ctx, rc, state)
}

// terminalState reports whether every task has settled and, if so, the
// request state that follows from it. A Failed task with attempts left and a
// retryable reason is not settled: the scheduler will put it back to Ready.
func (m *Manager) terminalState(tasks []*domain.TaskNode) (domain.RequestState, bool) {
	if len(tasks) == 0 {
		return "", false
	}
	failed := false
	for _, task := range tasks {
		if !task.Status.Terminal() {
			return "", false
		}
		if task.Status == domain.TaskStatusFailed {
			failed = true
			switch task.FailReason {
			case domain.FailReasonCancelled, domain.FailReasonUnreachable:
			default:
				if task.Attempts < m.cfg.MaxAttempts {
					return "", false
				}
			}
		}
	}
	if failed {
		return domain.RequestStatePartiallyFailed, true
	}
	return domain.RequestStateCompleted, true
}

func anyFailed(tasks []*domain.TaskNode) bool {
	for _, t := range tasks {
		if t.Status == domain.TaskStatusFailed {
			return true
		}
	}
	return false
}
