// Package executor bridges a reserved worker slot to the generative backend
// process. Every job runs in its own container so no dependency or state
// leaks between jobs that happen to share a worker over time.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"prism/pkg/model"
)

// progressPrefix marks a backend stdout line as a progress report:
//
//	PROGRESS <pct> <stage...>
//
// Anything else is ordinary output and is captured into the job log.
const progressPrefix = "PROGRESS "

type DockerExecutor struct {
	cli *client.Client
	log *zap.Logger
}

func NewDockerExecutor(host string, log *zap.Logger) (*DockerExecutor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerExecutor{cli: cli, log: log.Named("executor")}, nil
}

// Run executes one job to completion, streaming progress events parsed from
// the backend's stdout. The returned string is the captured job output.
//
// ctx carries both the execution deadline and cancellation: on expiry or
// cancel the container is killed and its exit confirmed before Run returns.
func (e *DockerExecutor) Run(ctx context.Context, job *model.Job, progress chan<- model.ProgressEvent) (string, error) {
	cfg := &container.Config{
		Image: job.Spec.Image,
		Cmd:   job.Spec.Command,
		Env:   job.Spec.Env,
		Labels: map[string]string{
			"prism.job":    job.ID,
			"prism.engine": job.Engine,
		},
		Tty: false,
	}
	hostCfg := &container.HostConfig{
		Resources: resourcesFor(job.ResReq),
		// One-shot containers; cleanup is explicit below so logs survive
		// long enough to capture.
		AutoRemove: false,
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "prism-"+job.ID)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = e.cli.ContainerRemove(rmCtx, containerID, types.ContainerRemoveOptions{Force: true})
	}()

	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	e.log.Debug("container started",
		zap.String("job", job.ID), zap.String("container", containerID[:12]))

	// Follow logs as the job runs so progress lines arrive live.
	logReader, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: true,
	})
	if err != nil {
		return "", fmt.Errorf("attach logs: %w", err)
	}
	defer logReader.Close()

	var buf bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		splitter := &lineSplitter{job: job, progress: progress, buf: &buf}
		_, err := stdcopy.StdCopy(splitter, splitter, logReader)
		splitter.flush()
		copyDone <- err
	}()

	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			e.kill(containerID)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return buf.String(), wrapCtxErr(ctxErr, job)
			}
			return buf.String(), fmt.Errorf("wait container: %w", err)
		}
	case st := <-statusCh:
		<-copyDone
		if st.StatusCode != 0 {
			return buf.String(), fmt.Errorf("backend exited with code %d: %s", st.StatusCode, lastLine(buf.String()))
		}
	case <-ctx.Done():
		// Timeout or cancellation: kill and confirm exit before returning so
		// the reservation is only released after the process is gone.
		e.kill(containerID)
		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		wCh, weCh := e.cli.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
		select {
		case <-wCh:
		case <-weCh:
		case <-waitCtx.Done():
		}
		return buf.String(), wrapCtxErr(ctx.Err(), job)
	}

	return buf.String(), nil
}

func (e *DockerExecutor) kill(containerID string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.cli.ContainerKill(killCtx, containerID, "SIGKILL"); err != nil {
		e.log.Warn("kill failed", zap.String("container", containerID[:12]), zap.Error(err))
	}
}

func wrapCtxErr(ctxErr error, job *model.Job) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return fmt.Errorf("job timed out after %s", job.Spec.MaxRuntime)
	}
	return fmt.Errorf("job cancelled: %w", ctxErr)
}

func resourcesFor(spec model.ResourceSpec) container.Resources {
	res := container.Resources{
		NanoCPUs: int64(spec.CPUCores * 1e9),
		Memory:   int64(spec.MemoryGB * 1024 * 1024 * 1024),
	}
	if spec.GPUCount > 0 {
		res.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        spec.GPUCount,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return res
}

// lineSplitter tees backend output into the log buffer while pulling
// PROGRESS lines out as events.
type lineSplitter struct {
	job      *model.Job
	progress chan<- model.ProgressEvent
	buf      *bytes.Buffer
	pending  bytes.Buffer
}

func (s *lineSplitter) Write(p []byte) (int, error) {
	s.pending.Write(p)
	for {
		data := s.pending.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := string(data[:i])
		s.pending.Next(i + 1)
		s.handleLine(line)
	}
	return len(p), nil
}

func (s *lineSplitter) flush() {
	if s.pending.Len() > 0 {
		s.handleLine(s.pending.String())
		s.pending.Reset()
	}
}

func (s *lineSplitter) handleLine(line string) {
	if strings.HasPrefix(line, progressPrefix) {
		fields := strings.SplitN(strings.TrimPrefix(line, progressPrefix), " ", 2)
		pct, err := strconv.ParseFloat(fields[0], 64)
		if err == nil {
			ev := model.ProgressEvent{
				JobID:       s.job.ID,
				Timestamp:   time.Now(),
				Status:      model.JobRunning,
				ProgressPct: pct,
			}
			if len(fields) > 1 {
				ev.Stage = fields[1]
			}
			select {
			case s.progress <- ev:
			default:
				// Bounded channel full: drop rather than stall the backend.
			}
			return
		}
	}
	s.buf.WriteString(line)
	s.buf.WriteByte('\n')
}

func lastLine(out string) string {
	out = strings.TrimRight(out, "\n")
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		return out[i+1:]
	}
	return out
}
