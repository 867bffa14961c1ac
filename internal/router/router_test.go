package router

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"prism/pkg/model"
)

func newTestRouter() *Router {
	return New(time.Minute, 100, zap.NewNop())
}

func job(id string, mutate ...func(*model.Job)) *model.Job {
	j := &model.Job{
		ID:          id,
		Fingerprint: "fp-" + id,
		Priority:    5,
		Tier:        model.TierStandard,
		ResReq:      model.ResourceSpec{CPUCores: 1, MemoryGB: 2},
	}
	for _, m := range mutate {
		m(j)
	}
	return j
}

func TestRoute(t *testing.T) {
	cases := []struct {
		name string
		job  *model.Job
		want string
	}{
		{"cpu only", job("a"), QueueCPU},
		{"expedite beats everything", job("b", func(j *model.Job) {
			j.Expedite = true
			j.ResReq.GPUCount = 2
		}), QueuePriority},
		{"single modest gpu", job("c", func(j *model.Job) {
			j.ResReq.GPUCount = 1
			j.ResReq.GPUMemoryGB = 12
		}), QueueGPULow},
		{"high tier gpu", job("d", func(j *model.Job) {
			j.Tier = model.TierHigh
			j.ResReq.GPUCount = 1
			j.ResReq.GPUMemoryGB = 12
		}), QueueGPUHigh},
		{"multi gpu", job("e", func(j *model.Job) {
			j.ResReq.GPUCount = 2
		}), QueueGPUHigh},
		{"big vram", job("f", func(j *model.Job) {
			j.ResReq.GPUCount = 1
			j.ResReq.GPUMemoryGB = 24
		}), QueueGPUHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Route(tc.job))
		})
	}
}

func TestQueueClass(t *testing.T) {
	assert.Equal(t, model.ClassGPUHigh, QueueClass(QueueGPUHigh))
	assert.Equal(t, model.ClassGPULow, QueueClass(QueueGPULow))
	assert.Equal(t, model.ClassCPU, QueueClass(QueueCPU))
	assert.Equal(t, model.WorkerClass(""), QueueClass(QueuePriority), "the expedite lane is served by any class")
}

func TestPriorityOrderWithFIFOTiebreak(t *testing.T) {
	r := newTestRouter()

	submit := func(id string, pri int) {
		j := job(id, func(j *model.Job) { j.Priority = pri })
		_, err := r.Submit(j)
		require.NoError(t, err)
	}
	submit("low-1", 2)
	submit("high", 8)
	submit("low-2", 2)

	assert.Equal(t, "high", r.Dequeue(QueueCPU).ID)
	assert.Equal(t, "low-1", r.Dequeue(QueueCPU).ID, "equal priority pops in submission order")
	assert.Equal(t, "low-2", r.Dequeue(QueueCPU).ID)
	assert.Nil(t, r.Dequeue(QueueCPU))
}

func TestAgingBoostsOldJobs(t *testing.T) {
	r := newTestRouter()
	base := time.Now()
	r.now = func() time.Time { return base }

	_, err := r.Submit(job("old", func(j *model.Job) { j.Priority = 2 }))
	require.NoError(t, err)

	// Five aging intervals later a fresher, nominally higher-priority job
	// arrives. The old job's effective priority is 2+5=7, beating 6.
	base = base.Add(5 * time.Minute)
	_, err = r.Submit(job("fresh", func(j *model.Job) { j.Priority = 6 }))
	require.NoError(t, err)

	assert.Equal(t, "old", r.Dequeue(QueueCPU).ID)
	assert.Equal(t, "fresh", r.Dequeue(QueueCPU).ID)
}

func TestAgingBoostIsCapped(t *testing.T) {
	r := newTestRouter()
	base := time.Now()
	r.now = func() time.Time { return base }

	_, err := r.Submit(job("aged", func(j *model.Job) { j.Priority = 3 }))
	require.NoError(t, err)

	// Far past the cap: effective priority saturates at 10 and a true
	// priority-10 submission still ties rather than losing, so FIFO decides.
	base = base.Add(24 * time.Hour)
	_, err = r.Submit(job("urgent", func(j *model.Job) { j.Priority = 10 }))
	require.NoError(t, err)

	assert.Equal(t, "aged", r.Dequeue(QueueCPU).ID, "capped boost ties at 10, earlier seq wins")
}

func TestRequeueKeepsAgingCredit(t *testing.T) {
	r := newTestRouter()
	base := time.Now()
	r.now = func() time.Time { return base }

	_, err := r.Submit(job("old", func(j *model.Job) { j.Priority = 2 }))
	require.NoError(t, err)
	base = base.Add(5 * time.Minute)
	_, err = r.Submit(job("fresh", func(j *model.Job) { j.Priority = 6 }))
	require.NoError(t, err)

	// A capacity bounce pops the aged job and puts it straight back. Its
	// effective priority (2+5=7) must survive the round trip, or sustained
	// pressure would reset its anti-starvation credit forever.
	bounced := r.Dequeue(QueueCPU)
	require.Equal(t, "old", bounced.ID)
	r.Requeue(bounced)

	assert.Equal(t, "old", r.Dequeue(QueueCPU).ID, "bounced job keeps its place")
	assert.Equal(t, "fresh", r.Dequeue(QueueCPU).ID)
}

func TestDuplicateSubmissionReturnsExistingID(t *testing.T) {
	r := newTestRouter()

	first := job("orig")
	id, err := r.Submit(first)
	require.NoError(t, err)
	require.Equal(t, "orig", id)

	dup := job("dup", func(j *model.Job) { j.Fingerprint = first.Fingerprint })
	id, err = r.Submit(dup)
	require.NoError(t, err)
	assert.Equal(t, "orig", id, "identical fingerprint folds into the in-flight job")
	assert.Equal(t, 1, r.Depth(QueueCPU))

	// Once forgotten, the same fingerprint is admitted again.
	r.Forget(first.Fingerprint)
	id, err = r.Submit(dup)
	require.NoError(t, err)
	assert.Equal(t, "dup", id)
}

func TestBackpressure(t *testing.T) {
	r := New(time.Minute, 2, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := r.Submit(job(fmt.Sprintf("j-%d", i)))
		require.NoError(t, err)
	}
	_, err := r.Submit(job("overflow"))
	assert.ErrorIs(t, err, ErrQueueFull)

	// Requeues are never dropped, even past the high-water mark.
	r.Requeue(job("reclaimed"))
	assert.Equal(t, 3, r.Depth(QueueCPU))
}

func TestDequeueAnyDrainsInLaneOrder(t *testing.T) {
	r := newTestRouter()

	_, err := r.Submit(job("cpu-job"))
	require.NoError(t, err)
	_, err = r.Submit(job("gpu-job", func(j *model.Job) {
		j.ResReq.GPUCount = 1
		j.ResReq.GPUMemoryGB = 8
	}))
	require.NoError(t, err)
	_, err = r.Submit(job("rush", func(j *model.Job) { j.Expedite = true }))
	require.NoError(t, err)

	assert.Equal(t, "rush", r.DequeueAny().ID)
	assert.Equal(t, "gpu-job", r.DequeueAny().ID)
	assert.Equal(t, "cpu-job", r.DequeueAny().ID)
	assert.Nil(t, r.DequeueAny())
}

func TestCancelRemovesQueuedJobOnly(t *testing.T) {
	r := newTestRouter()

	_, err := r.Submit(job("victim"))
	require.NoError(t, err)

	assert.True(t, r.Cancel("victim"))
	assert.Equal(t, 0, r.Depth(QueueCPU))
	assert.False(t, r.Cancel("victim"), "a job no longer queued cannot be cancelled here")
}

func TestRequeueClearsAssignment(t *testing.T) {
	r := newTestRouter()

	j := job("retry-me", func(j *model.Job) {
		j.AssignedNode = "w1"
		j.ReservationID = "res-1"
		j.Status = model.JobRetrying
	})
	r.Requeue(j)

	got := r.Dequeue(QueueCPU)
	require.NotNil(t, got)
	assert.Equal(t, model.JobQueued, got.Status)
	assert.Empty(t, got.AssignedNode)
	assert.Empty(t, got.ReservationID)
}

func TestNotifyWakesOnSubmit(t *testing.T) {
	r := newTestRouter()

	select {
	case <-r.Notify():
		t.Fatal("no work yet")
	default:
	}

	_, err := r.Submit(job("a"))
	require.NoError(t, err)

	select {
	case <-r.Notify():
	default:
		t.Fatal("submit should signal the notify channel")
	}
}
