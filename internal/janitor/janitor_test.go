package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"prism/internal/config"
	"prism/pkg/model"
	"prism/pkg/store/storetest"
)

func testJanitor(st *storetest.Fake) *Janitor {
	cfg := config.JanitorConfig{Retention: 24 * time.Hour, SweepSchedule: "@every 5m"}
	return New(st, cfg, zap.NewNop())
}

func seed(t *testing.T, st *storetest.Fake, id string, status model.JobStatus, finished time.Time, category model.ErrorCategory) {
	t.Helper()
	require.NoError(t, st.CreateJob(context.Background(), &model.Job{
		ID:            id,
		Status:        status,
		ErrorCategory: category,
		FinishedAt:    finished,
		CreatedAt:     finished,
	}))
}

func TestSweepArchivesExpiredTerminalJobs(t *testing.T) {
	st := storetest.NewFake()
	j := testJanitor(st)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	seed(t, st, "done-old", model.JobSucceeded, old, "")
	seed(t, st, "dead-old", model.JobDeadLettered, old, model.ErrCatPermanent)
	seed(t, st, "cancelled-old", model.JobCancelled, old, "")
	require.NoError(t, st.SaveJobLog(ctx, "done-old", "output"))
	require.NoError(t, st.AppendEvent(ctx, model.ProgressEvent{JobID: "done-old"}))

	j.Sweep(ctx)

	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	_, err = st.GetJobLog(ctx, "done-old")
	assert.Error(t, err, "logs go with the job")
	events, err := st.ListEvents(ctx, "done-old")
	require.NoError(t, err)
	assert.Empty(t, events, "events go with the job")
}

func TestSweepKeepsRecentTerminalJobs(t *testing.T) {
	st := storetest.NewFake()
	j := testJanitor(st)
	ctx := context.Background()

	seed(t, st, "done-recent", model.JobSucceeded, time.Now().Add(-time.Hour), "")
	j.Sweep(ctx)

	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "inside the retention window jobs stay queryable")
}

func TestSweepKeepsLiveJobs(t *testing.T) {
	st := storetest.NewFake()
	j := testJanitor(st)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	seed(t, st, "running", model.JobRunning, old, "")
	seed(t, st, "queued", model.JobQueued, old, "")
	seed(t, st, "retrying", model.JobRetrying, old, "")

	j.Sweep(ctx)

	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 3, "non-terminal jobs are never archived regardless of age")
}

func TestSweepFailedJobs(t *testing.T) {
	st := storetest.NewFake()
	j := testJanitor(st)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	// Classified Failed is final (fail-fast path); unclassified Failed is
	// still in flight through recovery.
	seed(t, st, "failed-final", model.JobFailed, old, model.ErrCatValidation)
	seed(t, st, "failed-pending", model.JobFailed, old, "")

	j.Sweep(ctx)

	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "failed-pending", jobs[0].ID)
}

func TestSweepFallsBackToCreatedAt(t *testing.T) {
	st := storetest.NewFake()
	j := testJanitor(st)
	ctx := context.Background()

	require.NoError(t, st.CreateJob(ctx, &model.Job{
		ID:        "no-finish-stamp",
		Status:    model.JobCancelled,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}))

	j.Sweep(ctx)

	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRunHonorsBadSchedule(t *testing.T) {
	st := storetest.NewFake()
	j := New(st, config.JanitorConfig{Retention: time.Hour, SweepSchedule: "not a schedule"}, zap.NewNop())

	err := j.Run(context.Background())
	assert.Error(t, err)
}
