// Package dispatch wires the router, registry and recovery manager into the
// scheduling loop: pop a job, reserve capacity, bind it to a worker through
// the store, and route every observed failure through recovery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"prism/internal/recovery"
	"prism/internal/registry"
	"prism/internal/router"
	"prism/pkg/model"
	"prism/pkg/store"
)

// ErrDegraded rejects new submissions while the store is unreachable.
// Already-assigned jobs keep draining; only ingress is shed.
var ErrDegraded = errors.New("dispatch: store unavailable, rejecting new work")

type Dispatcher struct {
	store    store.Store
	router   *router.Router
	registry *registry.Registry
	recovery *recovery.Manager

	leaseTTL time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	degraded bool
	timers   map[string]*time.Timer
	closed   bool
}

func New(st store.Store, rt *router.Router, reg *registry.Registry, rec *recovery.Manager, leaseTTL time.Duration, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		router:   rt,
		registry: reg,
		recovery: rec,
		leaseTTL: leaseTTL,
		log:      log.Named("dispatch"),
		timers:   make(map[string]*time.Timer),
	}
}

// Submit validates nothing (the template collaborator already resolved the
// spec), routes the job and persists it. Deduplicated submissions return the
// in-flight job's id. Store failures flip the dispatcher into degraded mode
// and surface as ErrDegraded.
func (d *Dispatcher) Submit(ctx context.Context, job *model.Job) (string, error) {
	id, err := d.router.Submit(job)
	if err != nil {
		return "", err
	}
	if id != job.ID {
		// Folded into an existing in-flight job; nothing to persist.
		return id, nil
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		d.router.Cancel(job.ID)
		d.router.Forget(job.Fingerprint)
		d.setDegraded(true)
		return "", fmt.Errorf("%w: %v", ErrDegraded, err)
	}
	d.setDegraded(false)
	return id, nil
}

// Degraded reports whether new submissions are currently being shed.
func (d *Dispatcher) Degraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.degraded
}

func (d *Dispatcher) setDegraded(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v != d.degraded {
		if v {
			d.log.Warn("entering degraded mode: store unreachable")
		} else {
			d.log.Info("leaving degraded mode")
		}
	}
	d.degraded = v
}

// Run starts every loop and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		d.dispatchLoop,
		d.jobWatchLoop,
		d.workerSyncLoop,
		d.reclaimLoop,
	} {
		wg.Add(1)
		go func(f func(context.Context)) {
			defer wg.Done()
			f(ctx)
		}(loop)
	}
	wg.Wait()
	d.stopTimers()
}

// dispatchLoop drains the queues whenever work arrives or the retry ticker
// fires, reserving and binding as far as capacity allows.
func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.router.Notify():
		case <-ticker.C:
		}
		d.drain(ctx)
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for _, lane := range router.QueueOrder() {
		for {
			job := d.router.Dequeue(lane)
			if job == nil {
				break
			}
			if !d.dispatchOne(ctx, job) {
				// No capacity for this lane's best job (or breaker open): put
				// it back and move on, so one unplaceable job does not stall
				// the remaining lanes.
				d.router.Requeue(job)
				break
			}
		}
	}
}

// dispatchOne reserves and binds one job. Returns false when the job could
// not be placed and should re-enter the queue.
func (d *Dispatcher) dispatchOne(ctx context.Context, job *model.Job) bool {
	if job.Engine != "" {
		if err := d.recovery.Breaker(job.Engine).Allow(); err != nil {
			d.log.Debug("breaker rejecting dispatch",
				zap.String("job", job.ID), zap.String("engine", job.Engine))
			return false
		}
	}

	res, err := d.registry.Reserve(job.ID, job.ResReq, registry.Constraints{
		Class: router.QueueClass(router.Route(job)),
	})
	if errors.Is(err, registry.ErrNoCapacity) {
		// The expedite lane is not class-bound; try any worker before
		// giving up.
		if job.Expedite {
			res, err = d.registry.Reserve(job.ID, job.ResReq, registry.Constraints{})
		}
		if err != nil {
			return false
		}
	} else if err != nil {
		return false
	}

	job.Status = model.JobReserved
	job.AssignedNode = res.WorkerID
	job.ReservationID = res.ID
	job.LeaseExpiry = res.LeaseExpiry
	if err := d.store.UpdateJob(ctx, job); err != nil {
		d.log.Error("bind failed, releasing reservation",
			zap.String("job", job.ID), zap.Error(err))
		d.registry.Release(res.ID)
		d.setDegraded(true)
		return false
	}
	d.log.Info("job bound",
		zap.String("job", job.ID),
		zap.String("worker", res.WorkerID))
	return true
}

// jobWatchLoop reacts to job state changes written by worker agents.
func (d *Dispatcher) jobWatchLoop(ctx context.Context) {
	for ev := range d.store.WatchJobs(ctx) {
		if ev.Type != store.JobPut || ev.Job == nil {
			continue
		}
		d.observe(ctx, ev.Job)
	}
}

func (d *Dispatcher) observe(ctx context.Context, job *model.Job) {
	switch job.Status {
	case model.JobRunning:
		if job.ReservationID != "" {
			if err := d.registry.Commit(job.ReservationID); err != nil {
				d.log.Warn("commit failed", zap.String("job", job.ID), zap.Error(err))
			}
		}
	case model.JobSucceeded:
		d.finalize(job)
		if job.Engine != "" {
			d.recovery.RecordSuccess(job.Engine)
		}
	case model.JobCancelled:
		d.finalize(job)
	case model.JobFailed:
		// ErrorCategory empty means the failure has not been classified yet;
		// classified Failed records are our own writes echoing back.
		if job.ErrorCategory == "" {
			d.handleFailure(ctx, job)
		}
	}
}

func (d *Dispatcher) finalize(job *model.Job) {
	if job.ReservationID != "" {
		d.registry.Release(job.ReservationID)
	}
	d.router.Forget(job.Fingerprint)
}

func (d *Dispatcher) handleFailure(ctx context.Context, job *model.Job) {
	decision := d.recovery.HandleFailure(job, job.Error)
	job.ErrorCategory = decision.Category

	// Compensation: free the reservation and remove partial artifacts before
	// the job is requeued or parked.
	if job.ReservationID != "" {
		d.registry.Release(job.ReservationID)
	}
	d.recovery.Compensate(ctx, job)

	switch decision.Action {
	case recovery.ActionRetry:
		job.Status = model.JobRetrying
		if err := d.store.UpdateJob(ctx, job); err != nil {
			d.log.Error("failed to persist retry state", zap.String("job", job.ID), zap.Error(err))
		}
		d.scheduleRetry(ctx, job, decision.Delay)
	case recovery.ActionDeadLetter:
		job.Status = model.JobDeadLettered
		job.FinishedAt = time.Now()
		if err := d.store.UpdateJob(ctx, job); err != nil {
			d.log.Error("failed to persist dead-letter", zap.String("job", job.ID), zap.Error(err))
		}
		d.router.Forget(job.Fingerprint)
	case recovery.ActionFailFast:
		// Terminal Failed, surfaced to the caller as-is.
		job.FinishedAt = time.Now()
		if err := d.store.UpdateJob(ctx, job); err != nil {
			d.log.Error("failed to persist failure", zap.String("job", job.ID), zap.Error(err))
		}
		d.router.Forget(job.Fingerprint)
	}
}

// scheduleRetry re-enqueues the job after the backoff delay on a timer; no
// goroutine sits blocked in sleep.
func (d *Dispatcher) scheduleRetry(ctx context.Context, job *model.Job, delay time.Duration) {
	j := job.Clone()
	t := time.AfterFunc(delay, func() {
		d.dropTimer(j.ID)
		// A cancel may have landed while the backoff ran; a terminal record
		// must not come back as Queued.
		if current, err := d.store.GetJob(ctx, j.ID); err == nil && current.Status.Terminal() {
			d.log.Info("retry dropped, job reached terminal state",
				zap.String("job", j.ID), zap.String("status", string(current.Status)))
			return
		}
		j.RetryCount++
		j.Error = ""
		j.ErrorCategory = ""
		j.EnqueuedAt = time.Time{}
		d.router.Requeue(j)
		if err := d.store.UpdateJob(ctx, j); err != nil {
			d.log.Error("failed to persist requeue", zap.String("job", j.ID), zap.Error(err))
		}
		d.log.Info("job requeued for retry",
			zap.String("job", j.ID), zap.Int("retry", j.RetryCount))
	})
	d.mu.Lock()
	if d.closed {
		t.Stop()
	} else {
		d.timers[j.ID] = t
	}
	d.mu.Unlock()
}

func (d *Dispatcher) dropTimer(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.timers, jobID)
}

// stopRetryTimer stops a pending backoff timer, if any. Returns whether one
// was pending.
func (d *Dispatcher) stopRetryTimer(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.timers[jobID]
	if ok {
		t.Stop()
		delete(d.timers, jobID)
	}
	return ok
}

func (d *Dispatcher) stopTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = nil
}

// workerSyncLoop mirrors the store's worker keyspace into the registry.
// Worker records expire with their keepalive lease, so a delete event means
// the worker died or deregistered; either way its reservations are reclaimed.
func (d *Dispatcher) workerSyncLoop(ctx context.Context) {
	if workers, err := d.store.ListWorkers(ctx); err == nil {
		for _, w := range workers {
			d.registry.Register(w)
		}
	} else {
		d.log.Warn("initial worker list failed", zap.Error(err))
	}

	for ev := range d.store.WatchWorkers(ctx) {
		switch ev.Type {
		case store.JobPut:
			d.registry.Register(ev.Worker)
			if err := d.registry.Heartbeat(ev.Worker.ID, ev.Worker.Metrics); err != nil {
				d.log.Warn("heartbeat apply failed", zap.Error(err))
			}
		case store.JobDelete:
			d.log.Warn("worker record expired", zap.String("worker", ev.Worker.ID))
			reclaimed := d.registry.FailWorker(ev.Worker.ID)
			d.RequeueReservations(ctx, reclaimed)
			d.registry.Deregister(ev.Worker.ID)
		}
	}
}

// reclaimLoop returns jobs whose reservation lease expired without renewal
// back to the queue. This is the detection path for silent worker death.
func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	interval := d.leaseTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RequeueReservations(ctx, d.registry.ReclaimExpired())
		}
	}
}

// RequeueReservations returns the jobs behind reclaimed reservations to the
// queue. Jobs already terminal are left alone.
func (d *Dispatcher) RequeueReservations(ctx context.Context, reclaimed []model.Reservation) {
	for _, res := range reclaimed {
		job, err := d.store.GetJob(ctx, res.JobID)
		if err != nil {
			d.log.Error("reclaim: job lookup failed",
				zap.String("job", res.JobID), zap.Error(err))
			continue
		}
		if job.Status.Terminal() {
			continue
		}
		job.Status = model.JobQueued
		job.AssignedNode = ""
		job.ReservationID = ""
		job.LeaseExpiry = time.Time{}
		if err := d.store.UpdateJob(ctx, job); err != nil {
			d.log.Error("reclaim: persist failed", zap.String("job", job.ID), zap.Error(err))
		}
		d.router.Requeue(job)
		d.log.Warn("job requeued after lease reclaim", zap.String("job", job.ID))
	}
}

// Cancel is idempotent: terminal jobs are a no-op, queued jobs are removed
// directly, running jobs transition to Cancelling and wait for the worker to
// confirm process exit.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == model.JobCancelling {
		return nil
	}

	if d.router.Cancel(jobID) {
		job.Status = model.JobCancelled
		job.FinishedAt = time.Now()
		d.finalize(job)
		return d.store.UpdateJob(ctx, job)
	}

	switch job.Status {
	case model.JobReserved, model.JobRunning:
		job.Status = model.JobCancelling
		job.CancelRequestedAt = time.Now()
		return d.store.UpdateJob(ctx, job)
	case model.JobRetrying, model.JobQueued, model.JobFailed:
		// Waiting on a retry timer (or a queue we just missed); stop the
		// timer and mark it cancelled so a lost race still drops the requeue.
		d.stopRetryTimer(jobID)
		job.Status = model.JobCancelled
		job.FinishedAt = time.Now()
		d.finalize(job)
		return d.store.UpdateJob(ctx, job)
	}
	return nil
}

// Recover replays persisted state after a scheduler restart: queued and
// retrying jobs re-enter the router, reserved and running jobs re-adopt
// their reservations where the worker still exists, and orphans requeue.
func (d *Dispatcher) Recover(ctx context.Context) error {
	workers, err := d.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("recover workers: %w", err)
	}
	for _, w := range workers {
		d.registry.Register(w)
	}

	jobs, err := d.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	for _, job := range jobs {
		switch job.Status {
		case model.JobQueued, model.JobRetrying:
			d.router.Requeue(job)
		case model.JobReserved, model.JobRunning:
			res := model.Reservation{
				ID:          job.ReservationID,
				JobID:       job.ID,
				WorkerID:    job.AssignedNode,
				Spec:        job.ResReq,
				LeaseExpiry: job.LeaseExpiry,
			}
			if d.registry.Adopt(res, job.Status == model.JobRunning) {
				d.router.Track(job.Fingerprint, job.ID)
				continue
			}
			// Assigned worker is gone; back to the queue.
			job.Status = model.JobQueued
			job.AssignedNode = ""
			job.ReservationID = ""
			if err := d.store.UpdateJob(ctx, job); err != nil {
				d.log.Error("recover: persist failed", zap.String("job", job.ID), zap.Error(err))
			}
			d.router.Requeue(job)
		}
	}
	d.log.Info("recovery replay complete", zap.Int("jobs", len(jobs)), zap.Int("workers", len(workers)))
	return nil
}
