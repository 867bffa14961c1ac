package executor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prism/pkg/model"
)

func newSplitter(progress chan model.ProgressEvent) (*lineSplitter, *bytes.Buffer) {
	var buf bytes.Buffer
	return &lineSplitter{
		job:      &model.Job{ID: "j1"},
		progress: progress,
		buf:      &buf,
	}, &buf
}

func TestLineSplitterSeparatesProgressFromOutput(t *testing.T) {
	progress := make(chan model.ProgressEvent, 8)
	s, buf := newSplitter(progress)

	_, err := s.Write([]byte("loading model\nPROGRESS 25 denoising\nframe 1 done\nPROGRESS 50 denoising\n"))
	require.NoError(t, err)

	assert.Equal(t, "loading model\nframe 1 done\n", buf.String())
	require.Len(t, progress, 2)
	ev := <-progress
	assert.Equal(t, "j1", ev.JobID)
	assert.Equal(t, 25.0, ev.ProgressPct)
	assert.Equal(t, "denoising", ev.Stage)
	ev = <-progress
	assert.Equal(t, 50.0, ev.ProgressPct)
}

func TestLineSplitterReassemblesPartialWrites(t *testing.T) {
	progress := make(chan model.ProgressEvent, 8)
	s, buf := newSplitter(progress)

	// A line can arrive split across writes.
	_, err := s.Write([]byte("PROG"))
	require.NoError(t, err)
	_, err = s.Write([]byte("RESS 75 upscaling\npartial out"))
	require.NoError(t, err)
	_, err = s.Write([]byte("put line\n"))
	require.NoError(t, err)

	require.Len(t, progress, 1)
	assert.Equal(t, 75.0, (<-progress).ProgressPct)
	assert.Equal(t, "partial output line\n", buf.String())
}

func TestLineSplitterFlushHandlesUnterminatedTail(t *testing.T) {
	progress := make(chan model.ProgressEvent, 8)
	s, buf := newSplitter(progress)

	_, err := s.Write([]byte("no trailing newline"))
	require.NoError(t, err)
	assert.Empty(t, buf.String(), "an incomplete line is held back")

	s.flush()
	assert.Equal(t, "no trailing newline\n", buf.String())
}

func TestLineSplitterMalformedProgressGoesToLog(t *testing.T) {
	progress := make(chan model.ProgressEvent, 8)
	s, buf := newSplitter(progress)

	_, err := s.Write([]byte("PROGRESS not-a-number stage\n"))
	require.NoError(t, err)

	assert.Empty(t, progress)
	assert.Contains(t, buf.String(), "PROGRESS not-a-number stage")
}

func TestLineSplitterProgressWithoutStage(t *testing.T) {
	progress := make(chan model.ProgressEvent, 8)
	s, _ := newSplitter(progress)

	_, err := s.Write([]byte("PROGRESS 10\n"))
	require.NoError(t, err)

	require.Len(t, progress, 1)
	ev := <-progress
	assert.Equal(t, 10.0, ev.ProgressPct)
	assert.Empty(t, ev.Stage)
}

func TestLineSplitterDropsWhenChannelFull(t *testing.T) {
	progress := make(chan model.ProgressEvent, 1)
	s, _ := newSplitter(progress)

	_, err := s.Write([]byte("PROGRESS 10 a\nPROGRESS 20 b\nPROGRESS 30 c\n"))
	require.NoError(t, err)

	// Only the first fit; the backend was never blocked.
	require.Len(t, progress, 1)
	assert.Equal(t, 10.0, (<-progress).ProgressPct)
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "final error", lastLine("step 1\nstep 2\nfinal error\n"))
	assert.Equal(t, "only line", lastLine("only line"))
	assert.Equal(t, "", lastLine(""))
}

func TestResourcesFor(t *testing.T) {
	res := resourcesFor(model.ResourceSpec{CPUCores: 2.5, MemoryGB: 8, GPUCount: 1})
	assert.Equal(t, int64(2.5e9), res.NanoCPUs)
	assert.Equal(t, int64(8*1024*1024*1024), res.Memory)
	require.Len(t, res.DeviceRequests, 1)
	assert.Equal(t, "nvidia", res.DeviceRequests[0].Driver)
	assert.Equal(t, 1, res.DeviceRequests[0].Count)

	cpuOnly := resourcesFor(model.ResourceSpec{CPUCores: 1, MemoryGB: 2})
	assert.Empty(t, cpuOnly.DeviceRequests, "no gpu request, no device mapping")
}
