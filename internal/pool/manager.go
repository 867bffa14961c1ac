// Package pool owns worker lifecycle: scaling decisions, spawning, draining
// and termination. The actual provisioning mechanism sits behind the Spawner
// interface; production launches workerd containers, tests fake it.
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"prism/internal/config"
	"prism/internal/registry"
	"prism/internal/router"
	"prism/pkg/model"
)

// Spawner provisions and tears down worker processes.
type Spawner interface {
	// Spawn brings up a new worker of the class and returns its id.
	Spawn(ctx context.Context, class model.WorkerClass) (string, error)
	// Terminate force-stops a worker process.
	Terminate(ctx context.Context, workerID string) error
	// CanProvision reports whether the infrastructure has capacity for
	// another worker of the class (e.g. no GPU worker without a free GPU).
	CanProvision(class model.WorkerClass) bool
}

// Reclaimer is the slice of the dispatcher the pool needs: returning a dead
// worker's jobs to the queue.
type Reclaimer interface {
	RequeueReservations(ctx context.Context, reclaimed []model.Reservation)
}

type Manager struct {
	reg      *registry.Registry
	rt       *router.Router
	spawner  Spawner
	reclaim  Reclaimer
	cfg      config.PoolConfig
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	draining map[string]*time.Timer
}

func NewManager(reg *registry.Registry, rt *router.Router, spawner Spawner, reclaim Reclaimer, cfg config.PoolConfig, log *zap.Logger) *Manager {
	return &Manager{
		reg:      reg,
		rt:       rt,
		spawner:  spawner,
		reclaim:  reclaim,
		cfg:      cfg,
		log:      log.Named("pool"),
		now:      time.Now,
		draining: make(map[string]*time.Timer),
	}
}

// Run evaluates the scaling policy on a fixed interval.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.stopDrainTimers()
			return
		case <-ticker.C:
			m.ScaleCheck(ctx)
		}
	}
}

// classForQueue pairs each queue with the worker class that drains it. The
// expedite lane is ignored for scaling: its jobs run on whatever class fits.
var classForQueue = map[string]model.WorkerClass{
	router.QueueGPUHigh: model.ClassGPUHigh,
	router.QueueGPULow:  model.ClassGPULow,
	router.QueueCPU:     model.ClassCPU,
}

// ScaleCheck applies the scaling policy once: spawn when backlog per active
// worker crosses the threshold, drain when workers idle past the timeout.
func (m *Manager) ScaleCheck(ctx context.Context) {
	snapshot := m.reg.Snapshot()
	depths := m.rt.Depths()

	active := 0
	activeByClass := make(map[model.WorkerClass]int)
	for _, w := range snapshot {
		if w.Status.Active() {
			active++
			activeByClass[w.Class]++
		}
	}

	for queueName, class := range classForQueue {
		depth := depths[queueName]
		if depth == 0 {
			continue
		}
		n := activeByClass[class]
		if n > 0 && float64(depth)/float64(n) <= m.cfg.ScaleUpThreshold {
			continue
		}
		if active >= m.cfg.MaxWorkers {
			m.log.Debug("scale-up suppressed at max workers",
				zap.String("queue", queueName), zap.Int("depth", depth))
			continue
		}
		if !m.spawner.CanProvision(class) {
			m.log.Warn("scale-up infeasible for class",
				zap.String("class", string(class)), zap.Int("depth", depth))
			continue
		}
		id, err := m.spawner.Spawn(ctx, class)
		if err != nil {
			m.log.Error("spawn failed", zap.String("class", string(class)), zap.Error(err))
			continue
		}
		active++
		activeByClass[class]++
		m.log.Info("worker spawning",
			zap.String("worker", id), zap.String("class", string(class)), zap.Int("depth", depth))
	}

	// Scale down: drain workers idle past the timeout, keeping the floor.
	for _, w := range snapshot {
		if active <= m.cfg.MinWorkers {
			break
		}
		if w.Status != model.WorkerIdle || w.IdleSince.IsZero() {
			continue
		}
		if m.now().Sub(w.IdleSince) < m.cfg.IdleTimeout {
			continue
		}
		m.Drain(ctx, w.ID)
		active--
	}
}

// Drain stops routing to a worker and gives it the grace period to finish
// its current job. Past the deadline the worker is force-terminated and any
// in-flight job is reclaimed and requeued; work is never silently dropped.
func (m *Manager) Drain(ctx context.Context, workerID string) {
	if err := m.reg.SetStatus(workerID, model.WorkerDraining); err != nil {
		m.log.Warn("drain: unknown worker", zap.String("worker", workerID))
		return
	}
	m.log.Info("worker draining", zap.String("worker", workerID))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, already := m.draining[workerID]; already {
		return
	}
	m.draining[workerID] = time.AfterFunc(m.cfg.GracePeriod, func() {
		m.Terminate(context.Background(), workerID)
	})

	// A worker with nothing running can go immediately.
	if w, ok := m.reg.Worker(workerID); ok && w.RunningJobs == 0 {
		if t := m.draining[workerID]; t != nil {
			t.Stop()
		}
		delete(m.draining, workerID)
		go m.Terminate(ctx, workerID)
	}
}

// Terminate force-stops a worker, reclaims whatever it held and requeues
// those jobs.
func (m *Manager) Terminate(ctx context.Context, workerID string) {
	m.mu.Lock()
	if t, ok := m.draining[workerID]; ok {
		t.Stop()
		delete(m.draining, workerID)
	}
	m.mu.Unlock()

	reclaimed := m.reg.FailWorker(workerID)
	if len(reclaimed) > 0 {
		m.log.Warn("terminating worker with jobs in flight",
			zap.String("worker", workerID), zap.Int("jobs", len(reclaimed)))
		m.reclaim.RequeueReservations(ctx, reclaimed)
	}
	if err := m.spawner.Terminate(ctx, workerID); err != nil {
		m.log.Error("terminate failed", zap.String("worker", workerID), zap.Error(err))
	}
	if err := m.reg.SetStatus(workerID, model.WorkerTerminated); err == nil {
		m.reg.Deregister(workerID)
	}
	m.log.Info("worker terminated", zap.String("worker", workerID))
}

// Restart replaces an unhealthy worker: reclaim, terminate, spawn the same
// class again.
func (m *Manager) Restart(ctx context.Context, workerID string) {
	w, ok := m.reg.Worker(workerID)
	if !ok {
		return
	}
	m.log.Warn("restarting unhealthy worker",
		zap.String("worker", workerID), zap.Float64("health", w.HealthScore))
	_ = m.reg.SetStatus(workerID, model.WorkerRestarting)
	m.Terminate(ctx, workerID)

	if !m.spawner.CanProvision(w.Class) {
		m.log.Error("cannot replace worker, class infeasible", zap.String("class", string(w.Class)))
		return
	}
	if _, err := m.spawner.Spawn(ctx, w.Class); err != nil {
		m.log.Error("replacement spawn failed", zap.Error(err))
	}
}

func (m *Manager) stopDrainTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.draining {
		t.Stop()
		delete(m.draining, id)
	}
}
