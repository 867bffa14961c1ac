// Package ingress is the HTTP surface collaborators submit through. It
// translates requests into router submissions and reads job state back out
// of the store; no scheduling logic lives here.
package ingress

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"prism/internal/dispatch"
	"prism/internal/registry"
	"prism/internal/router"
	"prism/pkg/model"
	"prism/pkg/store"
)

type Server struct {
	dispatcher *dispatch.Dispatcher
	store      store.Store
	registry   *registry.Registry
	log        *zap.Logger
}

func NewServer(d *dispatch.Dispatcher, st store.Store, reg *registry.Registry, log *zap.Logger) *Server {
	return &Server{dispatcher: d, store: st, registry: reg, log: log.Named("ingress")}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.handleSubmit)
	mux.HandleFunc("GET /jobs/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleCancel)
	mux.HandleFunc("GET /jobs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /jobs/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /workers", s.handleWorkers)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// SubmitRequest mirrors the ingress contract: the template collaborator has
// already resolved the spec, so it arrives pre-validated.
type SubmitRequest struct {
	TemplateID string            `json:"template_id"`
	Type       model.TaskType    `json:"type"`
	Engine     string            `json:"engine"`
	Image      string            `json:"image"`
	Command    []string          `json:"command"`
	Env        []string          `json:"env,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`

	ResourceSpec model.ResourceSpec `json:"resource_spec"`
	QualityTier  model.QualityTier  `json:"quality_tier"`
	Priority     int                `json:"priority"`
	Expedite     bool               `json:"expedite,omitempty"`
	MaxRuntimeS  int                `json:"max_runtime_seconds,omitempty"`
}

type submitResponse struct {
	JobID     string          `json:"job_id"`
	Status    model.JobStatus `json:"status"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	job := &model.Job{
		ID:          uuid.NewString(),
		Fingerprint: model.Fingerprint(req.TemplateID, req.Inputs),
		TemplateID:  req.TemplateID,
		Type:        req.Type,
		Engine:      req.Engine,
		ResReq:      req.ResourceSpec,
		Tier:        req.QualityTier,
		Priority:    clampPriority(req.Priority),
		Expedite:    req.Expedite,
		Status:      model.JobQueued,
		CreatedAt:   time.Now(),
	}
	if job.Tier == "" {
		job.Tier = model.TierStandard
	}
	job.Spec.Image = req.Image
	job.Spec.Command = req.Command
	job.Spec.Env = req.Env
	job.Spec.Inputs = req.Inputs
	job.Spec.MaxRuntime = time.Duration(req.MaxRuntimeS) * time.Second

	id, err := s.dispatcher.Submit(r.Context(), job)
	switch {
	case errors.Is(err, router.ErrQueueFull):
		http.Error(w, "queue full, retry later", http.StatusTooManyRequests)
		return
	case errors.Is(err, dispatch.ErrDegraded):
		http.Error(w, "scheduler degraded, not accepting work", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.log.Error("submit failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := submitResponse{JobID: id, Status: model.JobQueued, Duplicate: id != job.ID}
	code := http.StatusAccepted
	if resp.Duplicate {
		// Idempotent submission: same fingerprint in flight, same job id back.
		code = http.StatusOK
	}
	writeJSON(w, code, resp)
}

type statusResponse struct {
	JobID       string              `json:"job_id"`
	Status      model.JobStatus     `json:"status"`
	ProgressPct float64             `json:"progress_pct"`
	Stage       string              `json:"stage,omitempty"`
	ETASeconds  *int64              `json:"eta_seconds,omitempty"`
	Worker      string              `json:"worker,omitempty"`
	RetryCount  int                 `json:"retry_count"`
	Error       string              `json:"error,omitempty"`
	Category    model.ErrorCategory `json:"error_category,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	resp := statusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		ProgressPct: job.ProgressPct,
		Stage:       job.Stage,
		Worker:      job.AssignedNode,
		RetryCount:  job.RetryCount,
		Error:       job.Error,
		Category:    job.ErrorCategory,
	}
	if job.Status == model.JobRunning && job.ProgressPct > 0 && !job.StartedAt.IsZero() {
		elapsed := time.Since(job.StartedAt)
		eta := int64(float64(elapsed) * (100 - job.ProgressPct) / job.ProgressPct / float64(time.Second))
		resp.ETASeconds = &eta
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.dispatcher.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		s.log.Error("cancel failed", zap.String("job", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadJob(w, r); !ok {
		return
	}
	events, err := s.store.ListEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadJob(w, r); !ok {
		return
	}
	logs, err := s.store.GetJobLog(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "no logs yet", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(logs))
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher.Degraded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
		} else {
			s.log.Error("job lookup failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return nil, false
	}
	return job, true
}

func clampPriority(p int) int {
	if p < 1 {
		return 5
	}
	if p > 10 {
		return 10
	}
	return p
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
