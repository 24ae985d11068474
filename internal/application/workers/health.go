package workers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthMonitor periodically samples executor status, logs it and feeds the
// pool gauges.
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// HealthStatus is one sample of pool occupancy.
type HealthStatus struct {
	TotalExecutors   int
	IdleExecutors    int
	BusyExecutors    int
	StoppedExecutors int
	Healthy          bool
	Timestamp        time.Time
}

// NewHealthMonitor creates a health monitor for a pool.
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	go h.run()
}

// Stop halts the sampling loop.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stopCh)
}

func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.check()
		}
	}
}

func (h *HealthMonitor) check() {
	status := h.GetStatus()

	h.logger.Debug("worker pool health check",
		zap.Int("total", status.TotalExecutors),
		zap.Int("idle", status.IdleExecutors),
		zap.Int("busy", status.BusyExecutors),
		zap.Int("stopped", status.StoppedExecutors))

	h.pool.metrics.RecordWorkerPoolStatus(
		status.IdleExecutors,
		status.BusyExecutors,
		status.StoppedExecutors,
	)

	if !status.Healthy {
		h.logger.Warn("worker pool is unhealthy",
			zap.Int("idle", status.IdleExecutors),
			zap.Int("stopped", status.StoppedExecutors),
			zap.Int("total", status.TotalExecutors))
	}
	if status.BusyExecutors == status.TotalExecutors && status.TotalExecutors > 0 {
		h.logger.Warn("all executors are busy",
			zap.Int("total", status.TotalExecutors))
	}
}

// GetStatus returns the current health sample.
func (h *HealthMonitor) GetStatus() *HealthStatus {
	statuses := h.pool.GetStatus()

	var idle, busy, stopped int
	for _, s := range statuses {
		switch s {
		case ExecutorStatusIdle:
			idle++
		case ExecutorStatusBusy:
			busy++
		case ExecutorStatusStopped:
			stopped++
		}
	}

	total := len(statuses)
	return &HealthStatus{
		TotalExecutors:   total,
		IdleExecutors:    idle,
		BusyExecutors:    busy,
		StoppedExecutors: stopped,
		Healthy:          stopped == 0 && total > 0,
		Timestamp:        time.Now(),
	}
}

// IsHealthy reports whether every executor is still live.
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
