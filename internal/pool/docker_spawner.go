package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"prism/pkg/model"
)

// DockerSpawner provisions workers as workerd containers on the local
// Docker host. It keeps its own count of provisioned GPU workers because a
// host has finitely many GPUs to hand out.
type DockerSpawner struct {
	cli   *client.Client
	image string
	// env passed into each worker (etcd endpoints, class config).
	env []string
	log *zap.Logger

	mu         sync.Mutex
	gpuSlots   int
	containers map[string]string // worker id -> container id
	gpuUsed    map[string]bool   // worker id -> is GPU worker
}

func NewDockerSpawner(image string, env []string, gpuSlots int, log *zap.Logger) (*DockerSpawner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerSpawner{
		cli:        cli,
		image:      image,
		env:        env,
		log:        log.Named("spawner"),
		gpuSlots:   gpuSlots,
		containers: make(map[string]string),
		gpuUsed:    make(map[string]bool),
	}, nil
}

func isGPUClass(class model.WorkerClass) bool {
	return strings.HasPrefix(string(class), "gpu")
}

func (s *DockerSpawner) CanProvision(class model.WorkerClass) bool {
	if !isGPUClass(class) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	used := 0
	for _, g := range s.gpuUsed {
		if g {
			used++
		}
	}
	return used < s.gpuSlots
}

func (s *DockerSpawner) Spawn(ctx context.Context, class model.WorkerClass) (string, error) {
	if !s.CanProvision(class) {
		return "", fmt.Errorf("spawner: no capacity for class %s", class)
	}
	// The worker id is minted here and handed to the agent via env so the
	// registry and the spawner agree on the name.
	workerID := "worker-" + uuid.NewString()[:8]
	env := append([]string{
		"PRISM_WORKER_ID=" + workerID,
		"PRISM_WORKER_CLASS=" + string(class),
	}, s.env...)
	cfg := &container.Config{
		Image:  s.image,
		Env:    env,
		Labels: map[string]string{"prism.worker.class": string(class)},
	}
	hostCfg := &container.HostConfig{}
	if isGPUClass(class) {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	resp, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "prism-"+workerID)
	if err != nil {
		return "", fmt.Errorf("create worker container: %w", err)
	}
	if err := s.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = s.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", fmt.Errorf("start worker container: %w", err)
	}
	s.mu.Lock()
	s.containers[workerID] = resp.ID
	s.gpuUsed[workerID] = isGPUClass(class)
	s.mu.Unlock()
	s.log.Info("worker container started",
		zap.String("worker", workerID),
		zap.String("class", string(class)),
		zap.String("container", resp.ID[:12]))
	return workerID, nil
}

func (s *DockerSpawner) Terminate(ctx context.Context, workerID string) error {
	s.mu.Lock()
	containerID, ok := s.containers[workerID]
	delete(s.containers, workerID)
	delete(s.gpuUsed, workerID)
	s.mu.Unlock()
	if !ok {
		// Not one of ours (e.g. a worker started by hand); nothing to stop.
		return nil
	}
	if err := s.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove worker container: %w", err)
	}
	return nil
}
