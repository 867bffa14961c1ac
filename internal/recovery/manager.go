// Package recovery decides what happens after a job fails: classify the
// error against a rule table, then retry with backoff, cool down, fail fast
// or dead-letter per category, while circuit breakers protect degraded
// backend engines from further load.
package recovery

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"prism/internal/config"
	"prism/pkg/model"
	"prism/pkg/store"
)

// Action is what the dispatcher should do with a failed job.
type Action int

const (
	// ActionRetry re-enqueues the job after Decision.Delay.
	ActionRetry Action = iota
	// ActionFailFast surfaces the error to the caller with no retry.
	ActionFailFast
	// ActionDeadLetter parks the job for manual intervention.
	ActionDeadLetter
)

// Decision is the outcome of classifying one failure.
type Decision struct {
	Category model.ErrorCategory
	Action   Action
	Delay    time.Duration
	// Alert marks decisions operators should be paged about.
	Alert bool
}

type Manager struct {
	classifier *Classifier
	breakers   *BreakerSet
	cfg        config.RecoveryConfig
	store      store.Store
	log        *zap.Logger
	rng        *rand.Rand
}

func NewManager(cfg config.RecoveryConfig, classifier *Classifier, st store.Store, log *zap.Logger) *Manager {
	return &Manager{
		classifier: classifier,
		breakers:   NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.RecoveryTimeout),
		cfg:        cfg,
		store:      st,
		log:        log.Named("recovery"),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Breaker exposes the circuit breaker guarding one backend engine.
func (m *Manager) Breaker(engine string) *Breaker { return m.breakers.For(engine) }

// RecordSuccess feeds a successful execution into the engine's breaker.
func (m *Manager) RecordSuccess(engine string) { m.breakers.For(engine).Success() }

// HandleFailure classifies the error and applies the per-category strategy
// table. It also feeds the engine's breaker. The job's RetryCount is the
// number of retries already consumed; the decision does not mutate the job.
func (m *Manager) HandleFailure(job *model.Job, errMsg string) Decision {
	category := m.classifier.Classify(errMsg)
	if job.Engine != "" {
		m.breakers.For(job.Engine).Failure()
	}

	d := m.decide(job, category)
	m.log.Info("failure handled",
		zap.String("job", job.ID),
		zap.String("category", string(category)),
		zap.Int("retry_count", job.RetryCount),
		zap.Int("action", int(d.Action)),
		zap.Duration("delay", d.Delay),
		zap.String("error", errMsg))
	if d.Alert {
		m.log.Error("job requires operator attention",
			zap.String("job", job.ID),
			zap.String("category", string(category)),
			zap.String("error", errMsg))
	}
	return d
}

func (m *Manager) decide(job *model.Job, category model.ErrorCategory) Decision {
	switch category {
	case model.ErrCatValidation:
		return Decision{Category: category, Action: ActionFailFast}
	case model.ErrCatPermanent:
		return Decision{Category: category, Action: ActionDeadLetter, Alert: true}
	case model.ErrCatResourceExhausted:
		if m.exhausted(job, category) {
			return Decision{Category: category, Action: ActionDeadLetter, Alert: true}
		}
		// No immediate retry: wait out the cooldown window first.
		return Decision{Category: category, Action: ActionRetry, Delay: m.cfg.Cooldown}
	case model.ErrCatTransient, model.ErrCatTimeout, model.ErrCatUnknown:
		if m.exhausted(job, category) {
			return Decision{Category: category, Action: ActionDeadLetter, Alert: true}
		}
		return Decision{Category: category, Action: ActionRetry, Delay: m.backoff(job.RetryCount)}
	}
	return Decision{Category: model.ErrCatUnknown, Action: ActionDeadLetter, Alert: true}
}

// exhausted reports whether the job already spent its retry budget for the
// category. A category with no configured ceiling never retries.
func (m *Manager) exhausted(job *model.Job, category model.ErrorCategory) bool {
	max, ok := m.cfg.MaxRetries[string(category)]
	if !ok {
		return true
	}
	return job.RetryCount >= max
}

// backoff is base·2^attempt with up to 50% jitter, capped.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase << attempt
	if d > m.cfg.BackoffCap || d <= 0 {
		d = m.cfg.BackoffCap
	}
	jitter := time.Duration(m.rng.Int63n(int64(d)/2 + 1))
	d += jitter
	if d > m.cfg.BackoffCap {
		d = m.cfg.BackoffCap
	}
	return d
}

// Compensate rolls back the side effects of a partial failure before the job
// is requeued or dead-lettered: any partial output artifact is deleted so a
// rerun starts clean. Reservation release is the dispatcher's side and is
// not duplicated here.
func (m *Manager) Compensate(ctx context.Context, job *model.Job) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteJobLog(ctx, job.ID); err != nil {
		m.log.Warn("failed to delete partial artifact",
			zap.String("job", job.ID), zap.Error(err))
	}
}
