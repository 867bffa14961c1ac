package model

import "time"

// WorkerClass is the resource class a worker belongs to; the router maps
// jobs onto queues named after these classes.
type WorkerClass string

const (
	ClassGPUHigh WorkerClass = "gpu-high"
	ClassGPULow  WorkerClass = "gpu-low"
	ClassCPU     WorkerClass = "cpu"
)

type WorkerStatus string

const (
	WorkerSpawning   WorkerStatus = "spawning"
	WorkerIdle       WorkerStatus = "idle"
	WorkerBusy       WorkerStatus = "busy"
	WorkerDraining   WorkerStatus = "draining"
	WorkerUnhealthy  WorkerStatus = "unhealthy"
	WorkerRestarting WorkerStatus = "restarting"
	WorkerTerminated WorkerStatus = "terminated"
)

// Active reports whether the worker counts toward pool scaling decisions.
func (s WorkerStatus) Active() bool {
	switch s {
	case WorkerSpawning, WorkerIdle, WorkerBusy:
		return true
	}
	return false
}

// WorkerMetrics is the utilization sample a worker reports with each
// heartbeat, plus the rolling task stats the health monitor scores.
type WorkerMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	GPUMemPercent float64 `json:"gpu_mem_percent"`

	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	AvgLatency     time.Duration `json:"avg_latency"`
}

// ErrorRate is the rolling failure fraction, 0 when no tasks ran yet.
func (m WorkerMetrics) ErrorRate() float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 0
	}
	return float64(m.TasksFailed) / float64(total)
}

// WorkerNode is one process/host capable of executing jobs.
//
// Total, Allocated and Reserved together carry the core capacity invariant:
// Allocated + Reserved never exceeds Total on any dimension. Allocated is
// capacity held by running jobs, Reserved by bound-but-not-yet-running ones.
type WorkerNode struct {
	ID    string      `json:"id"`
	Class WorkerClass `json:"class"`
	Addr  string      `json:"addr,omitempty"`

	Total     ResourceSpec `json:"total"`
	Allocated ResourceSpec `json:"allocated"`
	Reserved  ResourceSpec `json:"reserved"`

	// ConcurrencyCap bounds simultaneous jobs. GPU workers default to 1;
	// multiplexing has to be asked for explicitly.
	ConcurrencyCap int `json:"concurrency_cap"`
	RunningJobs    int `json:"running_jobs"`

	HealthScore   float64       `json:"health_score"`
	Status        WorkerStatus  `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Metrics       WorkerMetrics `json:"metrics"`

	SpawnedAt time.Time `json:"spawned_at"`
	IdleSince time.Time `json:"idle_since,omitempty"`
}

// Available is the capacity still open for new reservations.
func (w *WorkerNode) Available() ResourceSpec {
	return w.Total.Sub(w.Allocated).Sub(w.Reserved)
}

// Utilization is the allocated fraction of the worker's tightest dimension.
func (w *WorkerNode) Utilization() float64 {
	return w.Allocated.FractionOf(w.Total)
}

// Reservation is a time-bounded claim on a worker's resources for one job.
// The lease is renewed by the worker's heartbeat; expiry without renewal is
// how silent worker death is detected.
type Reservation struct {
	ID          string       `json:"id"`
	JobID       string       `json:"job_id"`
	WorkerID    string       `json:"worker_id"`
	Spec        ResourceSpec `json:"spec"`
	LeaseExpiry time.Time    `json:"lease_expiry"`
	CreatedAt   time.Time    `json:"created_at"`
}
