package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"prism/internal/config"
	"prism/internal/registry"
	"prism/internal/router"
	"prism/pkg/model"
)

type fakeSpawner struct {
	mu         sync.Mutex
	spawned    []model.WorkerClass
	terminated []string
	gpuSlots   int
}

func (s *fakeSpawner) Spawn(_ context.Context, class model.WorkerClass) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned = append(s.spawned, class)
	return "spawned-worker", nil
}

func (s *fakeSpawner) Terminate(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = append(s.terminated, workerID)
	return nil
}

func (s *fakeSpawner) CanProvision(class model.WorkerClass) bool {
	if class == model.ClassCPU {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.spawned {
		if c != model.ClassCPU {
			n++
		}
	}
	return n < s.gpuSlots
}

func (s *fakeSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

func (s *fakeSpawner) terminatedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.terminated...)
}

type fakeReclaimer struct {
	mu        sync.Mutex
	reclaimed []model.Reservation
}

func (r *fakeReclaimer) RequeueReservations(_ context.Context, reclaimed []model.Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reclaimed = append(r.reclaimed, reclaimed...)
}

type fixture struct {
	reg     *registry.Registry
	rt      *router.Router
	spawner *fakeSpawner
	rec     *fakeReclaimer
	m       *Manager
}

func newFixture(t *testing.T, mutate ...func(*config.PoolConfig)) *fixture {
	t.Helper()
	log := zap.NewNop()
	cfg := config.Default().Pool
	for _, mu := range mutate {
		mu(&cfg)
	}
	f := &fixture{
		reg:     registry.New(15*time.Second, log),
		rt:      router.New(time.Minute, 1000, log),
		spawner: &fakeSpawner{gpuSlots: 2},
		rec:     &fakeReclaimer{},
	}
	f.m = NewManager(f.reg, f.rt, f.spawner, f.rec, cfg, log)
	return f
}

func (f *fixture) addWorker(t *testing.T, id string, class model.WorkerClass) {
	t.Helper()
	f.reg.Register(&model.WorkerNode{
		ID:    id,
		Class: class,
		Total: model.ResourceSpec{CPUCores: 8, MemoryGB: 32, GPUCount: 1, GPUMemoryGB: 16},
	})
	require.NoError(t, f.reg.Heartbeat(id, model.WorkerMetrics{}))
}

func (f *fixture) queueJobs(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.rt.Submit(&model.Job{
			ID:          string(rune('a'+i)) + "-job",
			Fingerprint: string(rune('a'+i)) + "-fp",
			Priority:    5,
			ResReq:      model.ResourceSpec{CPUCores: 1, MemoryGB: 2, GPUCount: 1, GPUMemoryGB: 8},
		})
		require.NoError(t, err)
	}
}

func TestScaleUpOnDeepBacklog(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "gpu-1", model.ClassGPULow)
	f.queueJobs(t, 5) // depth 5 over 1 worker, threshold 4

	f.m.ScaleCheck(context.Background())

	require.Equal(t, 1, f.spawner.spawnCount())
	assert.Equal(t, model.ClassGPULow, f.spawner.spawned[0])
}

func TestNoScaleUpBelowThreshold(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "gpu-1", model.ClassGPULow)
	f.queueJobs(t, 4) // exactly at the threshold, not over

	f.m.ScaleCheck(context.Background())

	assert.Zero(t, f.spawner.spawnCount())
}

func TestScaleUpWithNoWorkersOfClass(t *testing.T) {
	f := newFixture(t)
	f.queueJobs(t, 1)

	f.m.ScaleCheck(context.Background())

	assert.Equal(t, 1, f.spawner.spawnCount(), "any backlog with zero workers of the class spawns one")
}

func TestScaleUpCappedAtMaxWorkers(t *testing.T) {
	f := newFixture(t, func(c *config.PoolConfig) { c.MaxWorkers = 1 })
	f.addWorker(t, "gpu-1", model.ClassGPULow)
	f.queueJobs(t, 20)

	f.m.ScaleCheck(context.Background())

	assert.Zero(t, f.spawner.spawnCount())
}

func TestScaleUpRespectsProvisioningLimits(t *testing.T) {
	f := newFixture(t)
	f.spawner.gpuSlots = 0
	f.queueJobs(t, 10)

	f.m.ScaleCheck(context.Background())

	assert.Zero(t, f.spawner.spawnCount(), "no GPU slot, no GPU worker")
}

func TestIdleWorkerDrainedPastTimeout(t *testing.T) {
	f := newFixture(t, func(c *config.PoolConfig) { c.MinWorkers = 1 })
	f.addWorker(t, "gpu-1", model.ClassGPULow)
	f.addWorker(t, "gpu-2", model.ClassGPULow)

	base := time.Now().Add(10 * time.Minute)
	f.m.now = func() time.Time { return base }

	f.m.ScaleCheck(context.Background())

	// One drained down to the floor of one; with nothing running the drain
	// terminates immediately (asynchronously).
	require.Eventually(t, func() bool {
		return len(f.spawner.terminatedIDs()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMinWorkersFloorHolds(t *testing.T) {
	f := newFixture(t, func(c *config.PoolConfig) { c.MinWorkers = 1 })
	f.addWorker(t, "gpu-1", model.ClassGPULow)

	f.m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	f.m.ScaleCheck(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, f.spawner.terminatedIDs(), "the last worker is never drained")
}

func TestDrainWaitsForRunningJob(t *testing.T) {
	f := newFixture(t, func(c *config.PoolConfig) { c.GracePeriod = 20 * time.Millisecond })
	f.addWorker(t, "gpu-1", model.ClassGPULow)

	res, err := f.reg.Reserve("job-1", model.ResourceSpec{GPUCount: 1, GPUMemoryGB: 8}, registry.Constraints{})
	require.NoError(t, err)
	require.NoError(t, f.reg.Commit(res.ID))

	f.m.Drain(context.Background(), "gpu-1")

	w, _ := f.reg.Worker("gpu-1")
	assert.Equal(t, model.WorkerDraining, w.Status)
	assert.Empty(t, f.spawner.terminatedIDs(), "grace period still running")

	// Past the grace period the worker is force-terminated and its job
	// handed back for requeue.
	require.Eventually(t, func() bool {
		return len(f.spawner.terminatedIDs()) == 1
	}, time.Second, 5*time.Millisecond)
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	require.Len(t, f.rec.reclaimed, 1)
	assert.Equal(t, "job-1", f.rec.reclaimed[0].JobID)
}

func TestTerminateReclaimsAndDeregisters(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "gpu-1", model.ClassGPULow)

	_, err := f.reg.Reserve("job-1", model.ResourceSpec{GPUCount: 1, GPUMemoryGB: 8}, registry.Constraints{})
	require.NoError(t, err)

	f.m.Terminate(context.Background(), "gpu-1")

	assert.Equal(t, []string{"gpu-1"}, f.spawner.terminatedIDs())
	f.rec.mu.Lock()
	assert.Len(t, f.rec.reclaimed, 1)
	f.rec.mu.Unlock()
	_, ok := f.reg.Worker("gpu-1")
	assert.False(t, ok, "terminated workers leave the registry")
}

func TestRestartSpawnsReplacementOfSameClass(t *testing.T) {
	f := newFixture(t)
	f.addWorker(t, "gpu-1", model.ClassGPULow)

	f.m.Restart(context.Background(), "gpu-1")

	assert.Equal(t, []string{"gpu-1"}, f.spawner.terminatedIDs())
	require.Equal(t, 1, f.spawner.spawnCount())
	assert.Equal(t, model.ClassGPULow, f.spawner.spawned[0])
}

func TestRestartUnknownWorkerIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.m.Restart(context.Background(), "ghost")
	assert.Zero(t, f.spawner.spawnCount())
	assert.Empty(t, f.spawner.terminatedIDs())
}
