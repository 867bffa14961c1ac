// Package storetest provides an in-memory Store for tests, mirroring the
// etcd implementation's semantics including watch fan-out.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"prism/pkg/model"
	"prism/pkg/store"
)

type Fake struct {
	mu      sync.Mutex
	jobs    map[string]*model.Job
	workers map[string]*model.WorkerNode
	logs    map[string]string
	events  map[string][]model.ProgressEvent

	jobWatchers    []chan store.JobEvent
	workerWatchers []chan store.WorkerEvent

	// Err, when set, is returned by every mutation; simulates an
	// unreachable store for degraded-mode tests.
	Err error
}

var _ store.Store = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		jobs:    make(map[string]*model.Job),
		workers: make(map[string]*model.WorkerNode),
		logs:    make(map[string]string),
		events:  make(map[string][]model.ProgressEvent),
	}
}

func (f *Fake) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

func (f *Fake) CreateJob(_ context.Context, job *model.Job) error {
	return f.putJob(job)
}

func (f *Fake) UpdateJob(_ context.Context, job *model.Job) error {
	return f.putJob(job)
}

func (f *Fake) putJob(job *model.Job) error {
	f.mu.Lock()
	if f.Err != nil {
		f.mu.Unlock()
		return f.Err
	}
	cp := job.Clone()
	f.jobs[job.ID] = cp
	watchers := append([]chan store.JobEvent(nil), f.jobWatchers...)
	f.mu.Unlock()

	for _, ch := range watchers {
		ch <- store.JobEvent{Type: store.JobPut, Job: cp.Clone()}
	}
	return nil
}

func (f *Fake) GetJob(_ context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job.Clone(), nil
}

func (f *Fake) DeleteJob(_ context.Context, id string) error {
	f.mu.Lock()
	if f.Err != nil {
		f.mu.Unlock()
		return f.Err
	}
	delete(f.jobs, id)
	watchers := append([]chan store.JobEvent(nil), f.jobWatchers...)
	f.mu.Unlock()
	for _, ch := range watchers {
		ch <- store.JobEvent{Type: store.JobDelete, Job: &model.Job{ID: id}}
	}
	return nil
}

func (f *Fake) ListJobs(_ context.Context) ([]*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]*model.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (f *Fake) WatchJobs(ctx context.Context) <-chan store.JobEvent {
	ch := make(chan store.JobEvent, 256)
	f.mu.Lock()
	f.jobWatchers = append(f.jobWatchers, ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		for i, w := range f.jobWatchers {
			if w == ch {
				f.jobWatchers = append(f.jobWatchers[:i], f.jobWatchers[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (f *Fake) RegisterWorker(_ context.Context, node *model.WorkerNode, _ int64) error {
	f.mu.Lock()
	if f.Err != nil {
		f.mu.Unlock()
		return f.Err
	}
	cp := *node
	f.workers[node.ID] = &cp
	watchers := append([]chan store.WorkerEvent(nil), f.workerWatchers...)
	f.mu.Unlock()
	for _, ch := range watchers {
		c := cp
		ch <- store.WorkerEvent{Type: store.JobPut, Worker: &c}
	}
	return nil
}

func (f *Fake) GetWorker(_ context.Context, id string) (*model.WorkerNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (f *Fake) ListWorkers(_ context.Context) ([]*model.WorkerNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]*model.WorkerNode, 0, len(f.workers))
	for _, w := range f.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (f *Fake) DeleteWorker(_ context.Context, id string) error {
	f.mu.Lock()
	delete(f.workers, id)
	watchers := append([]chan store.WorkerEvent(nil), f.workerWatchers...)
	f.mu.Unlock()
	for _, ch := range watchers {
		ch <- store.WorkerEvent{Type: store.JobDelete, Worker: &model.WorkerNode{ID: id}}
	}
	return nil
}

func (f *Fake) WatchWorkers(ctx context.Context) <-chan store.WorkerEvent {
	ch := make(chan store.WorkerEvent, 256)
	f.mu.Lock()
	f.workerWatchers = append(f.workerWatchers, ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		for i, w := range f.workerWatchers {
			if w == ch {
				f.workerWatchers = append(f.workerWatchers[:i], f.workerWatchers[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (f *Fake) SaveJobLog(_ context.Context, jobID, logs string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.logs[jobID] = logs
	return nil
}

func (f *Fake) GetJobLog(_ context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	logs, ok := f.logs[jobID]
	if !ok {
		return "", fmt.Errorf("log for job %s: %w", jobID, store.ErrNotFound)
	}
	return logs, nil
}

func (f *Fake) DeleteJobLog(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.logs, jobID)
	return nil
}

func (f *Fake) AppendEvent(_ context.Context, ev model.ProgressEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.events[ev.JobID] = append(f.events[ev.JobID], ev)
	return nil
}

func (f *Fake) ListEvents(_ context.Context, jobID string) ([]model.ProgressEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ProgressEvent(nil), f.events[jobID]...), nil
}

func (f *Fake) DeleteEvents(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, jobID)
	return nil
}
