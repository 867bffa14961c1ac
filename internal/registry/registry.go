// Package registry is the authoritative inventory of worker capacity. Its
// allocation table is the single point of mutual exclusion in the scheduler:
// every reserve and release happens under one lock, so concurrent callers
// can never double-allocate the same capacity.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"prism/pkg/model"
)

var (
	ErrNoCapacity     = errors.New("registry: no worker can satisfy the request")
	ErrWorkerNotFound = errors.New("registry: worker not found")
)

// Constraints narrow the candidate set for a reservation.
type Constraints struct {
	// Class restricts candidates to one worker class; empty means any.
	Class model.WorkerClass
	// WorkerID pins the reservation to a single worker; empty means any.
	WorkerID string
}

// Scoring weights from the allocation policy: tight packing is rewarded,
// low utilization is rewarded more, GPU jobs prefer GPU workers.
const (
	fitWeight         = 0.4
	utilizationWeight = 0.6
	gpuAffinityBonus  = 0.2
)

type reservation struct {
	model.Reservation
	// committed moves the claim from reserved to allocated accounting once
	// the job actually starts running.
	committed bool
}

// Registry holds the worker table and all active reservations.
type Registry struct {
	mu           sync.Mutex
	workers      map[string]*model.WorkerNode
	reservations map[string]*reservation
	byJob        map[string]string // job id -> reservation id

	leaseTTL time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func New(leaseTTL time.Duration, log *zap.Logger) *Registry {
	return &Registry{
		workers:      make(map[string]*model.WorkerNode),
		reservations: make(map[string]*reservation),
		byJob:        make(map[string]string),
		leaseTTL:     leaseTTL,
		log:          log.Named("registry"),
		now:          time.Now,
	}
}

// Register adds or refreshes a worker. A GPU worker with no explicit cap
// defaults to one job at a time.
func (r *Registry) Register(node *model.WorkerNode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// GPU workers run one job at a time unless multiplexing was asked for
	// explicitly via a higher cap.
	if node.ConcurrencyCap <= 0 {
		node.ConcurrencyCap = 1
	}
	if existing, ok := r.workers[node.ID]; ok {
		// Re-registration keeps allocation state; only capacity and status
		// metadata refresh.
		existing.Total = node.Total
		existing.Addr = node.Addr
		existing.ConcurrencyCap = node.ConcurrencyCap
		existing.LastHeartbeat = r.now()
		return
	}
	node.LastHeartbeat = r.now()
	if node.Status == "" {
		node.Status = model.WorkerSpawning
	}
	if node.HealthScore == 0 {
		node.HealthScore = 1
	}
	r.workers[node.ID] = node
	r.log.Info("worker registered",
		zap.String("worker", node.ID),
		zap.String("class", string(node.Class)))
}

// Deregister removes a worker outright. Callers reclaim its reservations
// first via FailWorker.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, id)
}

// Heartbeat records a worker's utilization sample and renews the leases of
// every reservation held on it. Unknown workers get an error so agents know
// to re-register after a registry restart.
func (r *Registry) Heartbeat(workerID string, metrics model.WorkerMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	now := r.now()
	w.LastHeartbeat = now
	w.Metrics = metrics
	if w.Status == model.WorkerSpawning {
		w.Status = model.WorkerIdle
		w.IdleSince = now
	}
	for _, res := range r.reservations {
		if res.WorkerID == workerID {
			res.LeaseExpiry = now.Add(r.leaseTTL)
		}
	}
	return nil
}

// Reserve atomically claims capacity for a job. Candidates are filtered on
// status, class, concurrency cap and fit, then scored; the highest score
// wins with ties broken by worker id for determinism.
//
// A job that already holds an active reservation gets that same reservation
// back (at-most-one concurrent execution per job).
func (r *Registry) Reserve(jobID string, spec model.ResourceSpec, c Constraints) (*model.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if resID, ok := r.byJob[jobID]; ok {
		out := r.reservations[resID].Reservation
		return &out, nil
	}

	type scored struct {
		w     *model.WorkerNode
		score float64
	}
	candidates := make([]scored, 0, len(r.workers))
	for _, w := range r.workers {
		if !r.eligible(w, spec, c) {
			continue
		}
		candidates = append(candidates, scored{w: w, score: r.score(w, spec)})
	}
	if len(candidates) == 0 {
		return nil, ErrNoCapacity
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].w.ID < candidates[j].w.ID
	})
	best := candidates[0].w

	now := r.now()
	res := &reservation{Reservation: model.Reservation{
		ID:          uuid.NewString(),
		JobID:       jobID,
		WorkerID:    best.ID,
		Spec:        spec,
		LeaseExpiry: now.Add(r.leaseTTL),
		CreatedAt:   now,
	}}
	best.Reserved = best.Reserved.Add(spec)
	r.reservations[res.ID] = res
	r.byJob[jobID] = res.ID

	r.log.Debug("reserved",
		zap.String("job", jobID),
		zap.String("worker", best.ID),
		zap.String("reservation", res.ID))
	out := res.Reservation
	return &out, nil
}

func (r *Registry) eligible(w *model.WorkerNode, spec model.ResourceSpec, c Constraints) bool {
	if c.WorkerID != "" && w.ID != c.WorkerID {
		return false
	}
	if c.Class != "" && w.Class != c.Class {
		return false
	}
	switch w.Status {
	case model.WorkerIdle, model.WorkerBusy:
	default:
		return false
	}
	if r.holds(w.ID) >= w.ConcurrencyCap {
		return false
	}
	return spec.Fits(w.Available())
}

// holds counts reservations (committed or not) on one worker.
func (r *Registry) holds(workerID string) int {
	n := 0
	for _, res := range r.reservations {
		if res.WorkerID == workerID {
			n++
		}
	}
	return n
}

func (r *Registry) score(w *model.WorkerNode, spec model.ResourceSpec) float64 {
	fit := spec.FractionOf(w.Available())
	score := fitWeight*fit + utilizationWeight*(1-w.Utilization())
	if spec.RequiresGPU() && w.Total.RequiresGPU() {
		score += gpuAffinityBonus
	}
	return score
}

// Commit moves a reservation's capacity from reserved to allocated when the
// job transitions to running, and flips the worker to busy.
func (r *Registry) Commit(reservationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.reservations[reservationID]
	if !ok {
		return fmt.Errorf("registry: reservation %s not found", reservationID)
	}
	if res.committed {
		return nil
	}
	w, ok := r.workers[res.WorkerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, res.WorkerID)
	}
	w.Reserved = w.Reserved.Sub(res.Spec)
	w.Allocated = w.Allocated.Add(res.Spec)
	w.RunningJobs++
	w.Status = model.WorkerBusy
	res.committed = true
	return nil
}

// Release frees a reservation's capacity. Releasing an unknown reservation
// is a no-op so terminal-state handling stays idempotent.
func (r *Registry) Release(reservationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(reservationID)
}

func (r *Registry) releaseLocked(reservationID string) {
	res, ok := r.reservations[reservationID]
	if !ok {
		return
	}
	if w, ok := r.workers[res.WorkerID]; ok {
		if res.committed {
			w.Allocated = w.Allocated.Sub(res.Spec)
			if w.RunningJobs > 0 {
				w.RunningJobs--
			}
		} else {
			w.Reserved = w.Reserved.Sub(res.Spec)
		}
		if w.RunningJobs == 0 && w.Status == model.WorkerBusy {
			w.Status = model.WorkerIdle
			w.IdleSince = r.now()
		}
	}
	delete(r.reservations, reservationID)
	delete(r.byJob, res.JobID)
}

// Adopt re-installs a reservation persisted before a registry restart,
// provided its worker is registered and the capacity still fits. Returns
// false when the reservation cannot be honored and the job must requeue.
func (r *Registry) Adopt(res model.Reservation, committed bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res.ID == "" || res.WorkerID == "" {
		return false
	}
	if _, dup := r.byJob[res.JobID]; dup {
		return true
	}
	w, ok := r.workers[res.WorkerID]
	if !ok || !res.Spec.Fits(w.Available()) {
		return false
	}
	if committed {
		w.Allocated = w.Allocated.Add(res.Spec)
		w.RunningJobs++
		w.Status = model.WorkerBusy
	} else {
		w.Reserved = w.Reserved.Add(res.Spec)
	}
	r.reservations[res.ID] = &reservation{Reservation: res, committed: committed}
	r.byJob[res.JobID] = res.ID
	return true
}

// ReservationFor returns the active reservation held by a job, if any.
func (r *Registry) ReservationFor(jobID string) (*model.Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resID, ok := r.byJob[jobID]
	if !ok {
		return nil, false
	}
	out := r.reservations[resID].Reservation
	return &out, true
}

// ReclaimExpired releases every reservation whose lease expired without
// renewal and returns them so the dispatcher can requeue the jobs.
func (r *Registry) ReclaimExpired() []model.Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var expired []model.Reservation
	for id, res := range r.reservations {
		if res.LeaseExpiry.Before(now) {
			expired = append(expired, res.Reservation)
			r.releaseLocked(id)
			r.log.Warn("lease expired, reservation reclaimed",
				zap.String("job", res.JobID),
				zap.String("worker", res.WorkerID))
		}
	}
	return expired
}

// FailWorker marks a worker failed and reclaims everything it held. Used
// when heartbeats stop entirely or the health monitor condemns it.
func (r *Registry) FailWorker(workerID string) []model.Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reclaimed []model.Reservation
	for id, res := range r.reservations {
		if res.WorkerID == workerID {
			reclaimed = append(reclaimed, res.Reservation)
			r.releaseLocked(id)
		}
	}
	if w, ok := r.workers[workerID]; ok {
		w.Status = model.WorkerUnhealthy
	}
	return reclaimed
}

// SetStatus is the pool manager's hook into lifecycle transitions.
func (r *Registry) SetStatus(workerID string, status model.WorkerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.Status = status
	if status == model.WorkerIdle {
		w.IdleSince = r.now()
	}
	return nil
}

// SetHealthScore records the monitor's composite score.
func (r *Registry) SetHealthScore(workerID string, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.HealthScore = score
	}
}

// Snapshot returns copies of every worker so callers can score and report
// without holding the registry lock.
func (r *Registry) Snapshot() []*model.WorkerNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.WorkerNode, 0, len(r.workers))
	for _, w := range r.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Worker returns a copy of one worker.
func (r *Registry) Worker(id string) (*model.WorkerNode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	cp := *w
	return &cp, true
}
