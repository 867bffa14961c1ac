// Package router classifies incoming jobs onto named queues partitioned by
// resource class, with strict-priority ordering, anti-starvation aging,
// fingerprint deduplication and high-water-mark backpressure.
package router

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"prism/pkg/model"
)

var (
	// ErrQueueFull signals backpressure: the target queue is past its
	// high-water mark and the submission is rejected rather than buffered.
	ErrQueueFull = errors.New("router: queue full")
)

// Queue names, one per resource class plus the expedite lane.
const (
	QueuePriority = "priority"
	QueueGPUHigh  = "gpu-high"
	QueueGPULow   = "gpu-low"
	QueueCPU      = "cpu"
)

// queueOrder is the drain order for DequeueAny.
var queueOrder = []string{QueuePriority, QueueGPUHigh, QueueGPULow, QueueCPU}

// QueueOrder returns the lane drain order: expedite first, then GPU classes,
// then CPU. Callers draining lane by lane iterate in this order.
func QueueOrder() []string {
	out := make([]string, len(queueOrder))
	copy(out, queueOrder)
	return out
}

type Router struct {
	mu     sync.Mutex
	queues map[string]*queue
	// inflight maps fingerprint -> job id for every non-terminal job, so an
	// identical re-submission returns the existing id instead of running twice.
	inflight map[string]string
	seq      uint64

	aging     time.Duration
	highWater int

	notify chan struct{}
	log    *zap.Logger
	now    func() time.Time
}

func New(aging time.Duration, highWater int, log *zap.Logger) *Router {
	r := &Router{
		queues:    make(map[string]*queue),
		inflight:  make(map[string]string),
		aging:     aging,
		highWater: highWater,
		notify:    make(chan struct{}, 1),
		log:       log.Named("router"),
		now:       time.Now,
	}
	for _, name := range queueOrder {
		r.queues[name] = &queue{name: name}
	}
	return r
}

// Route maps a job deterministically onto a queue from its task type,
// resource spec, quality tier and expedite flag.
func Route(job *model.Job) string {
	switch {
	case job.Expedite:
		return QueuePriority
	case !job.ResReq.RequiresGPU():
		return QueueCPU
	case job.Tier == model.TierHigh || job.ResReq.GPUCount > 1 || job.ResReq.GPUMemoryGB >= 24:
		return QueueGPUHigh
	default:
		return QueueGPULow
	}
}

// QueueClass maps a queue name to the worker class that serves it. The
// priority lane is served by any class, signalled by the empty string.
func QueueClass(name string) model.WorkerClass {
	switch name {
	case QueueGPUHigh:
		return model.ClassGPUHigh
	case QueueGPULow:
		return model.ClassGPULow
	case QueueCPU:
		return model.ClassCPU
	}
	return ""
}

// Submit enqueues a job. If an in-flight job carries the same fingerprint
// the existing job's id is returned and nothing is enqueued (idempotent
// submission). A full queue rejects with ErrQueueFull.
func (r *Router) Submit(job *model.Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.inflight[job.Fingerprint]; ok && existing != job.ID {
		r.log.Debug("duplicate submission folded",
			zap.String("fingerprint", job.Fingerprint),
			zap.String("existing", existing))
		return existing, nil
	}

	name := Route(job)
	q := r.queues[name]
	if q.depth() >= r.highWater {
		return "", ErrQueueFull
	}

	job.Status = model.JobQueued
	job.EnqueuedAt = r.now()
	r.seq++
	q.push(entry{job: job, seq: r.seq, enqueued: job.EnqueuedAt})
	r.inflight[job.Fingerprint] = job.ID
	r.wake()

	r.log.Info("job queued",
		zap.String("job", job.ID),
		zap.String("queue", name),
		zap.Int("priority", job.Priority))
	return job.ID, nil
}

// Requeue re-enters a job after a retry, reclaim or capacity bounce. It
// bypasses dedup (the job already owns its fingerprint slot) and always
// accepts: a requeue is never dropped. The original enqueue time is kept so
// a bounced job does not lose its accumulated aging credit.
func (r *Router) Requeue(job *model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job.Status = model.JobQueued
	job.AssignedNode = ""
	job.ReservationID = ""
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = r.now()
	}
	r.seq++
	r.queues[Route(job)].push(entry{job: job, seq: r.seq, enqueued: job.EnqueuedAt})
	r.inflight[job.Fingerprint] = job.ID
	r.wake()
}

// Dequeue pops the best job from one named queue, or nil when empty.
func (r *Router) Dequeue(name string) *model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		return nil
	}
	return q.pop(r.now(), r.aging)
}

// DequeueAny drains queues in lane order: expedite first, then GPU classes,
// then CPU. Ordering across queues is otherwise unspecified.
func (r *Router) DequeueAny() *model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range queueOrder {
		if job := r.queues[name].pop(r.now(), r.aging); job != nil {
			return job
		}
	}
	return nil
}

// Cancel removes a still-queued job. Returns false when the job already left
// the queue (it may be running, or terminal; cancellation of those is the
// dispatcher's business).
func (r *Router) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		if q.remove(jobID) {
			return true
		}
	}
	return false
}

// Forget frees a fingerprint once its job reaches a terminal state, letting
// future identical submissions run again.
func (r *Router) Forget(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, fingerprint)
}

// Track claims a fingerprint for a job without enqueuing it. Used when
// replaying already-bound jobs after a scheduler restart so dedup keeps
// holding.
func (r *Router) Track(fingerprint, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight[fingerprint] = jobID
}

// InFlight reports the job currently owning a fingerprint.
func (r *Router) InFlight(fingerprint string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.inflight[fingerprint]
	return id, ok
}

// Depth reports one queue's backlog.
func (r *Router) Depth(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		return q.depth()
	}
	return 0
}

// Depths reports every queue's backlog, keyed by queue name.
func (r *Router) Depths() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.queues))
	for name, q := range r.queues {
		out[name] = q.depth()
	}
	return out
}

// Notify returns a channel that receives a tick whenever work arrives.
func (r *Router) Notify() <-chan struct{} { return r.notify }

func (r *Router) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
