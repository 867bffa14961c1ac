// Package agent is the worker-side daemon: it registers with the store,
// heartbeats (which renews its record's keepalive lease and its jobs'
// reservation leases), watches for jobs bound to it and runs them through
// the execution adapter.
package agent

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"prism/internal/config"
	"prism/pkg/model"
	"prism/pkg/store"
)

// Executor runs one job to completion. The docker implementation is the
// production one; tests substitute fakes.
type Executor interface {
	Run(ctx context.Context, job *model.Job, progress chan<- model.ProgressEvent) (string, error)
}

// MetricsSampler reports host utilization percentages for heartbeats. Nil is
// allowed; pressure probes then score clean.
type MetricsSampler func() (cpuPct, memPct, gpuMemPct float64)

type Agent struct {
	ID    string
	class model.WorkerClass
	total model.ResourceSpec
	cap   int

	store   store.Store
	exec    Executor
	sampler MetricsSampler
	sem     *semaphore.Weighted

	hbInterval time.Duration
	leaseTTL   time.Duration
	log        *zap.Logger

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	completed int64
	failed    int64
	totalDur  time.Duration
}

func New(cfg config.WorkerConfig, lease config.LeaseConfig, st store.Store, exec Executor, sampler MetricsSampler, log *zap.Logger) *Agent {
	// The pool manager mints ids for workers it spawns; standalone workers
	// name themselves.
	id := os.Getenv("PRISM_WORKER_ID")
	if id == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "worker"
		}
		id = hostname + "-" + uuid.NewString()[:8]
	}
	class := cfg.Class
	if env := os.Getenv("PRISM_WORKER_CLASS"); env != "" {
		class = env
	}

	cap := cfg.ConcurrencyCap
	if cap <= 0 {
		cap = 1
	}
	return &Agent{
		ID:    id,
		class: model.WorkerClass(class),
		total: model.ResourceSpec{
			CPUCores:    cfg.CPUCores,
			MemoryGB:    cfg.MemoryGB,
			GPUCount:    cfg.GPUCount,
			GPUMemoryGB: cfg.GPUMemoryGB,
		},
		cap:        cap,
		store:      st,
		exec:       exec,
		sampler:    sampler,
		sem:        semaphore.NewWeighted(int64(cap)),
		hbInterval: lease.HeartbeatInterval,
		leaseTTL:   lease.TTL,
		log:        log.Named("agent").With(zap.String("worker", id)),
		running:    make(map[string]context.CancelFunc),
	}
}

func (a *Agent) Run(ctx context.Context) {
	go a.heartbeatLoop(ctx)
	a.log.Info("agent started", zap.String("class", string(a.class)))
	a.watchJobs(ctx)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	a.register(ctx)
	ticker := time.NewTicker(a.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.register(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// register writes the worker record with a keepalive lease; each call doubles
// as a heartbeat renewing both the record and, control-plane side, every
// reservation lease this worker holds.
func (a *Agent) register(ctx context.Context) {
	a.mu.Lock()
	node := &model.WorkerNode{
		ID:             a.ID,
		Class:          a.class,
		Total:          a.total,
		ConcurrencyCap: a.cap,
		RunningJobs:    len(a.running),
		LastHeartbeat:  time.Now(),
		Metrics: model.WorkerMetrics{
			TasksCompleted: a.completed,
			TasksFailed:    a.failed,
		},
	}
	if n := a.completed + a.failed; n > 0 {
		node.Metrics.AvgLatency = a.totalDur / time.Duration(n)
	}
	a.mu.Unlock()

	if a.sampler != nil {
		node.Metrics.CPUPercent, node.Metrics.MemoryPercent, node.Metrics.GPUMemPercent = a.sampler()
	}

	ttl := int64(a.leaseTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	if err := a.store.RegisterWorker(ctx, node, ttl); err != nil {
		a.log.Warn("heartbeat failed", zap.Error(err))
	}
}

func (a *Agent) watchJobs(ctx context.Context) {
	for ev := range a.store.WatchJobs(ctx) {
		if ev.Type != store.JobPut || ev.Job == nil || ev.Job.AssignedNode != a.ID {
			continue
		}
		job := ev.Job
		switch job.Status {
		case model.JobReserved:
			go a.execute(ctx, job)
		case model.JobCancelling:
			a.cancelRunning(job.ID)
		}
	}
}

func (a *Agent) cancelRunning(jobID string) {
	a.mu.Lock()
	cancel, ok := a.running[jobID]
	a.mu.Unlock()
	if ok {
		a.log.Info("cancelling job", zap.String("job", jobID))
		cancel()
	}
}

func (a *Agent) execute(ctx context.Context, job *model.Job) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer a.sem.Release(1)

	// Re-check: the job may have been cancelled while queued behind the
	// semaphore.
	current, err := a.store.GetJob(ctx, job.ID)
	if err == nil && current.Status != model.JobReserved {
		if current.Status == model.JobCancelling {
			// Never started; confirm the cancel ourselves since there is no
			// process whose exit could.
			current.Status = model.JobCancelled
			current.FinishedAt = time.Now()
			if err := a.store.UpdateJob(ctx, current); err != nil {
				a.log.Error("failed to confirm cancel", zap.String("job", job.ID), zap.Error(err))
			}
			a.publish(ctx, current, "cancelled before start", "")
		}
		return
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if job.Spec.MaxRuntime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Spec.MaxRuntime)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	a.mu.Lock()
	a.running[job.ID] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.running, job.ID)
		a.mu.Unlock()
	}()

	job.Status = model.JobRunning
	job.StartedAt = time.Now()
	job.Stage = "starting"
	if err := a.store.UpdateJob(ctx, job); err != nil {
		a.log.Error("failed to mark running", zap.String("job", job.ID), zap.Error(err))
		return
	}
	a.publish(ctx, job, "execution started", "")

	// Bounded progress channel per job; the executor drops events rather
	// than blocking the backend when the consumer falls behind.
	progress := make(chan model.ProgressEvent, 64)
	var fwd sync.WaitGroup
	fwd.Add(1)
	go func() {
		defer fwd.Done()
		for ev := range progress {
			job.ProgressPct = ev.ProgressPct
			if ev.Stage != "" {
				job.Stage = ev.Stage
			}
			if err := a.store.AppendEvent(ctx, ev); err != nil {
				a.log.Debug("event append failed", zap.Error(err))
			}
			if err := a.store.UpdateJob(ctx, job); err != nil {
				a.log.Debug("progress update failed", zap.Error(err))
			}
		}
	}()

	start := time.Now()
	output, runErr := a.exec.Run(runCtx, job, progress)
	close(progress)
	fwd.Wait()
	elapsed := time.Since(start)

	if output != "" {
		if err := a.store.SaveJobLog(ctx, job.ID, output); err != nil {
			a.log.Warn("failed to save job log", zap.String("job", job.ID), zap.Error(err))
		}
	}

	job.FinishedAt = time.Now()
	switch {
	case runErr == nil:
		job.Status = model.JobSucceeded
		job.ProgressPct = 100
		job.Stage = "done"
		a.record(elapsed, false)
		a.publish(ctx, job, "execution succeeded", "")
	case wasCancelled(job, runCtx):
		job.Status = model.JobCancelled
		a.record(elapsed, false)
		a.publish(ctx, job, "execution cancelled", "")
	default:
		// Report the raw failure; classification is the control plane's job.
		job.Status = model.JobFailed
		job.Error = runErr.Error()
		job.ErrorCategory = ""
		a.record(elapsed, true)
		a.publish(ctx, job, "execution failed", runErr.Error())
	}

	if err := a.store.UpdateJob(ctx, job); err != nil {
		a.log.Error("failed to persist terminal state", zap.String("job", job.ID), zap.Error(err))
	}
	a.log.Info("job finished",
		zap.String("job", job.ID),
		zap.String("status", string(job.Status)),
		zap.Duration("elapsed", elapsed))
}

// wasCancelled distinguishes operator cancellation from a runtime timeout:
// a cancel request leaves a marker on the job, a timeout does not.
func wasCancelled(job *model.Job, runCtx context.Context) bool {
	if runCtx.Err() == nil {
		return false
	}
	if !job.CancelRequestedAt.IsZero() {
		return true
	}
	// The cancel may have arrived through the watch after our copy was
	// taken; the error text distinguishes the deadline case.
	return runCtx.Err() == context.Canceled
}

func (a *Agent) record(d time.Duration, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if failed {
		a.failed++
	} else {
		a.completed++
	}
	a.totalDur += d
}

func (a *Agent) publish(ctx context.Context, job *model.Job, msg, errMsg string) {
	ev := model.ProgressEvent{
		JobID:       job.ID,
		Timestamp:   time.Now(),
		Status:      job.Status,
		Stage:       job.Stage,
		ProgressPct: job.ProgressPct,
		Message:     msg,
		Error:       errMsg,
	}
	if err := a.store.AppendEvent(ctx, ev); err != nil && !strings.Contains(err.Error(), "context canceled") {
		a.log.Debug("event publish failed", zap.Error(err))
	}
}
