package model

import "time"

// ProgressEvent is one entry in a job's event stream, delivered to the
// notification collaborator and kept per job for status polling.
type ProgressEvent struct {
	JobID       string    `json:"job_id"`
	Timestamp   time.Time `json:"timestamp"`
	Status      JobStatus `json:"status"`
	Stage       string    `json:"stage,omitempty"`
	ProgressPct float64   `json:"progress_pct"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// HealthCheckResult is the outcome of a single probe against one worker.
type HealthCheckResult struct {
	Name    string  `json:"name"`
	Score   float64 `json:"score"` // 0..1
	Weight  float64 `json:"weight"`
	Message string  `json:"message,omitempty"`
}
