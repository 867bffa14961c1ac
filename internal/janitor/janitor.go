// Package janitor runs the scheduled housekeeping the data model requires:
// terminal jobs are archived out of the store once their retention window
// passes, together with their logs and event history.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"prism/internal/config"
	"prism/pkg/model"
	"prism/pkg/store"
)

type Janitor struct {
	store store.Store
	cfg   config.JanitorConfig
	cron  *cron.Cron
	log   *zap.Logger
	now   func() time.Time
}

func New(st store.Store, cfg config.JanitorConfig, log *zap.Logger) *Janitor {
	return &Janitor{
		store: st,
		cfg:   cfg,
		cron:  cron.New(),
		log:   log.Named("janitor"),
		now:   time.Now,
	}
}

// Run schedules the sweep and blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	if _, err := j.cron.AddFunc(j.cfg.SweepSchedule, func() { j.Sweep(ctx) }); err != nil {
		return err
	}
	j.cron.Start()
	<-ctx.Done()
	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// Sweep archives every terminal job older than the retention window.
func (j *Janitor) Sweep(ctx context.Context) {
	jobs, err := j.store.ListJobs(ctx)
	if err != nil {
		j.log.Warn("sweep: list failed", zap.Error(err))
		return
	}
	cutoff := j.now().Add(-j.cfg.Retention)
	archived := 0
	for _, job := range jobs {
		// Classified Failed is final (fail-fast); unclassified Failed is
		// still in the recovery pipeline.
		final := job.Status.Terminal() ||
			(job.Status == model.JobFailed && job.ErrorCategory != "")
		if !final {
			continue
		}
		finished := job.FinishedAt
		if finished.IsZero() {
			finished = job.CreatedAt
		}
		if finished.After(cutoff) {
			continue
		}
		if err := j.store.DeleteEvents(ctx, job.ID); err != nil {
			j.log.Warn("sweep: delete events failed", zap.String("job", job.ID), zap.Error(err))
		}
		if err := j.store.DeleteJobLog(ctx, job.ID); err != nil {
			j.log.Debug("sweep: delete log failed", zap.String("job", job.ID), zap.Error(err))
		}
		if err := j.store.DeleteJob(ctx, job.ID); err != nil {
			j.log.Warn("sweep: delete job failed", zap.String("job", job.ID), zap.Error(err))
			continue
		}
		archived++
	}
	if archived > 0 {
		j.log.Info("terminal jobs archived", zap.Int("count", archived))
	}
}
