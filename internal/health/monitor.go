// Package health scores each worker on a fixed interval from heartbeat
// recency, resource pressure and rolling task performance, and feeds the
// pool manager's restart decisions.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"prism/internal/config"
	"prism/internal/registry"
	"prism/pkg/model"
)

// Restarter is the slice of the pool manager the monitor drives.
type Restarter interface {
	Restart(ctx context.Context, workerID string)
}

// Reclaimer requeues the jobs of a worker declared dead.
type Reclaimer interface {
	RequeueReservations(ctx context.Context, reclaimed []model.Reservation)
}

type Monitor struct {
	reg     *registry.Registry
	pool    Restarter
	reclaim Reclaimer
	cfg     config.HealthConfig
	// leaseTimeout is the hard heartbeat deadline past which a worker is
	// failed outright regardless of score.
	leaseTimeout time.Duration
	log          *zap.Logger
	now          func() time.Time
}

func NewMonitor(reg *registry.Registry, pool Restarter, reclaim Reclaimer, cfg config.HealthConfig, leaseTimeout time.Duration, log *zap.Logger) *Monitor {
	return &Monitor{
		reg:          reg,
		pool:         pool,
		reclaim:      reclaim,
		cfg:          cfg,
		leaseTimeout: leaseTimeout,
		log:          log.Named("health"),
		now:          time.Now,
	}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll runs one sweep over every worker.
func (m *Monitor) CheckAll(ctx context.Context) {
	for _, w := range m.reg.Snapshot() {
		switch w.Status {
		case model.WorkerTerminated, model.WorkerRestarting, model.WorkerSpawning:
			continue
		}
		m.checkOne(ctx, w)
	}
}

func (m *Monitor) checkOne(ctx context.Context, w *model.WorkerNode) {
	// Hard deadline first: no heartbeat for a full lease timeout means the
	// worker is gone no matter what it last reported.
	if m.now().Sub(w.LastHeartbeat) > m.leaseTimeout {
		m.log.Warn("worker heartbeat lapsed, failing it",
			zap.String("worker", w.ID),
			zap.Time("last_heartbeat", w.LastHeartbeat))
		reclaimed := m.reg.FailWorker(w.ID)
		m.reclaim.RequeueReservations(ctx, reclaimed)
		return
	}

	results := m.Check(w)
	score := Composite(results)
	m.reg.SetHealthScore(w.ID, score)

	switch {
	case score >= m.cfg.HealthyThreshold:
		// Healthy; nothing to do.
	case score >= m.cfg.UnhealthyThreshold:
		m.log.Warn("worker degraded",
			zap.String("worker", w.ID),
			zap.Float64("score", score),
			zap.Any("checks", results))
	default:
		m.log.Error("worker unhealthy, requesting restart",
			zap.String("worker", w.ID),
			zap.Float64("score", score))
		m.pool.Restart(ctx, w.ID)
	}
}

// Check runs the individual probes for one worker.
func (m *Monitor) Check(w *model.WorkerNode) []model.HealthCheckResult {
	return []model.HealthCheckResult{
		m.heartbeatCheck(w),
		m.resourceCheck(w),
		m.taskCheck(w),
	}
}

// heartbeatCheck decays linearly from 1 at zero age to 0 at the lease
// timeout.
func (m *Monitor) heartbeatCheck(w *model.WorkerNode) model.HealthCheckResult {
	age := m.now().Sub(w.LastHeartbeat)
	score := 1 - float64(age)/float64(m.leaseTimeout)
	if score < 0 {
		score = 0
	}
	return model.HealthCheckResult{Name: "heartbeat", Score: score, Weight: m.cfg.HeartbeatWeight}
}

// resourceCheck scores the worst pressure dimension against its limit.
func (m *Monitor) resourceCheck(w *model.WorkerNode) model.HealthCheckResult {
	score := 1.0
	for _, p := range []struct {
		value, limit float64
	}{
		{w.Metrics.CPUPercent, m.cfg.CPULimitPct},
		{w.Metrics.MemoryPercent, m.cfg.MemoryLimitPct},
		{w.Metrics.GPUMemPercent, m.cfg.GPUMemLimitPct},
	} {
		if p.limit <= 0 {
			continue
		}
		s := 1 - p.value/p.limit
		if s < 0 {
			s = 0
		}
		if s < score {
			score = s
		}
	}
	return model.HealthCheckResult{Name: "resources", Score: score, Weight: m.cfg.ResourceWeight}
}

// taskCheck combines rolling error rate with latency against expectation.
func (m *Monitor) taskCheck(w *model.WorkerNode) model.HealthCheckResult {
	score := 1 - w.Metrics.ErrorRate()
	if m.cfg.ExpectedLatency > 0 && w.Metrics.AvgLatency > m.cfg.ExpectedLatency {
		ratio := float64(m.cfg.ExpectedLatency) / float64(w.Metrics.AvgLatency)
		score *= ratio
	}
	if score < 0 {
		score = 0
	}
	return model.HealthCheckResult{Name: "tasks", Score: score, Weight: m.cfg.TaskWeight}
}

// Composite is the weighted average of the probe scores.
func Composite(results []model.HealthCheckResult) float64 {
	var sum, weights float64
	for _, r := range results {
		sum += r.Score * r.Weight
		weights += r.Weight
	}
	if weights == 0 {
		return 1
	}
	return sum / weights
}
