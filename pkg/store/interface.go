package store

import (
	"context"
	"errors"

	"prism/pkg/model"
)

// ErrNotFound is returned when a job or worker key does not exist.
var ErrNotFound = errors.New("store: not found")

// JobEventType classifies a watch event.
type JobEventType int

const (
	JobPut JobEventType = iota
	JobDelete
)

// JobEvent is one change observed on the job keyspace. The dispatcher and
// worker agents both drive their loops off this channel.
type JobEvent struct {
	Type JobEventType
	Job  *model.Job
}

// WorkerEvent is one change observed on the worker keyspace.
type WorkerEvent struct {
	Type   JobEventType
	Worker *model.WorkerNode
}

// Store is everything the scheduler needs from durable storage. The etcd
// implementation is the production one; tests inject fakes.
type Store interface {
	// Jobs.
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	DeleteJob(ctx context.Context, id string) error
	// ListJobs returns every persisted job; callers filter by status.
	ListJobs(ctx context.Context) ([]*model.Job, error)
	WatchJobs(ctx context.Context) <-chan JobEvent

	// Workers. RegisterWorker attaches a keepalive lease of ttlSeconds so a
	// dead worker's record disappears from the store on its own.
	RegisterWorker(ctx context.Context, node *model.WorkerNode, ttlSeconds int64) error
	GetWorker(ctx context.Context, id string) (*model.WorkerNode, error)
	ListWorkers(ctx context.Context) ([]*model.WorkerNode, error)
	DeleteWorker(ctx context.Context, id string) error
	WatchWorkers(ctx context.Context) <-chan WorkerEvent

	// Job output and progress history.
	SaveJobLog(ctx context.Context, jobID, logs string) error
	GetJobLog(ctx context.Context, jobID string) (string, error)
	DeleteJobLog(ctx context.Context, jobID string) error
	AppendEvent(ctx context.Context, ev model.ProgressEvent) error
	ListEvents(ctx context.Context, jobID string) ([]model.ProgressEvent, error)
	DeleteEvents(ctx context.Context, jobID string) error
}
