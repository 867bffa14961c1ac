package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// TaskType is the broad kind of generative work a job performs.
type TaskType string

const (
	TaskImage TaskType = "image"
	TaskVideo TaskType = "video"
	TaskAudio TaskType = "audio"
)

// QualityTier is a named profile trading generation speed against fidelity.
// The template collaborator resolves the tier into concrete engine flags;
// the scheduler only uses it for routing.
type QualityTier string

const (
	TierDraft    QualityTier = "draft"
	TierStandard QualityTier = "standard"
	TierHigh     QualityTier = "high"
)

type JobStatus string

const (
	JobQueued       JobStatus = "queued"
	JobReserved     JobStatus = "reserved"
	JobRunning      JobStatus = "running"
	JobSucceeded    JobStatus = "succeeded"
	JobFailed       JobStatus = "failed"
	JobRetrying     JobStatus = "retrying"
	JobCancelling   JobStatus = "cancelling"
	JobCancelled    JobStatus = "cancelled"
	JobDeadLettered JobStatus = "dead_lettered"
)

// Terminal reports whether the status is final. Cancelling is not terminal:
// the worker still has to confirm process exit.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobCancelled, JobDeadLettered:
		return true
	}
	return false
}

// InFlight reports whether a job in this status still occupies the
// deduplication index. Failed is in-flight because recovery may still
// requeue it.
func (s JobStatus) InFlight() bool {
	return !s.Terminal()
}

// ErrorCategory is the recovery classification of a failure.
type ErrorCategory string

const (
	ErrCatTransient         ErrorCategory = "transient"
	ErrCatResourceExhausted ErrorCategory = "resource_exhausted"
	ErrCatValidation        ErrorCategory = "validation"
	ErrCatPermanent         ErrorCategory = "permanent"
	ErrCatTimeout           ErrorCategory = "timeout"
	ErrCatUnknown           ErrorCategory = "unknown"
)

// Job is one unit of generative work. It is persisted in the store and
// mutated by the router, dispatcher, recovery manager and worker agent.
type Job struct {
	ID          string   `json:"id"`
	Fingerprint string   `json:"fingerprint"`
	TemplateID  string   `json:"template_id"`
	Type        TaskType `json:"type"`
	// Engine is the downstream backend that executes the job (e.g. a
	// specific diffusion or synthesis engine image). Circuit breaking is
	// keyed on it.
	Engine string `json:"engine"`

	// Spec is the execution payload resolved by the template collaborator.
	// The scheduler trusts it and does not re-validate.
	Spec struct {
		Image      string            `json:"image"`
		Command    []string          `json:"command"`
		Env        []string          `json:"env,omitempty"`
		MaxRuntime time.Duration     `json:"max_runtime"`
		Inputs     map[string]string `json:"inputs,omitempty"`
	} `json:"spec"`

	ResReq   ResourceSpec `json:"res_req"`
	Tier     QualityTier  `json:"tier"`
	Priority int          `json:"priority"` // 1..10, 10 highest
	// Expedite routes the job to the priority queue regardless of class.
	Expedite bool `json:"expedite,omitempty"`

	Status        JobStatus `json:"status"`
	RetryCount    int       `json:"retry_count"`
	AssignedNode  string    `json:"assigned_node,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	LeaseExpiry   time.Time `json:"lease_expiry,omitempty"`

	ProgressPct float64 `json:"progress_pct"`
	Stage       string  `json:"stage,omitempty"`

	Error         string        `json:"error,omitempty"`
	ErrorCategory ErrorCategory `json:"error_category,omitempty"`

	CreatedAt         time.Time `json:"created_at"`
	EnqueuedAt        time.Time `json:"enqueued_at,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	FinishedAt        time.Time `json:"finished_at,omitempty"`
	CancelRequestedAt time.Time `json:"cancel_requested_at,omitempty"`
}

// Fingerprint computes the deduplication hash for a template and its inputs.
// Inputs are normalized by sorting keys so semantically identical submissions
// hash identically.
func Fingerprint(templateID string, inputs map[string]string) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(templateID))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(inputs[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (j *Job) Clone() *Job {
	b, _ := json.Marshal(j)
	var out Job
	_ = json.Unmarshal(b, &out)
	return &out
}
