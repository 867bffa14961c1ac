package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"prism/pkg/model"
)

// Key schema.
const (
	jobKeyPrefix    = "/prism/jobs/"
	workerKeyPrefix = "/prism/workers/"
	logKeyPrefix    = "/prism/logs/"
	eventKeyPrefix  = "/prism/events/"
)

// EtcdStore implements Store on an etcd cluster. Job and worker records are
// JSON values under fixed prefixes; worker records carry a keepalive lease
// so they expire when the worker stops heartbeating.
type EtcdStore struct {
	client *clientv3.Client
	log    *zap.Logger

	// worker id -> lease, kept so re-registration renews instead of leaking.
	leases map[string]clientv3.LeaseID
}

func NewEtcdStore(endpoints []string, log *zap.Logger) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	return &EtcdStore{client: cli, log: log.Named("store"), leases: make(map[string]clientv3.LeaseID)}, nil
}

func (e *EtcdStore) Close() error { return e.client.Close() }

func (e *EtcdStore) putValue(ctx context.Context, key string, val any, opts ...clientv3.OpOption) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(b), opts...)
	return err
}

// ---- Jobs ----

func (e *EtcdStore) CreateJob(ctx context.Context, job *model.Job) error {
	return e.putValue(ctx, jobKeyPrefix+job.ID, job)
}

func (e *EtcdStore) UpdateJob(ctx context.Context, job *model.Job) error {
	return e.putValue(ctx, jobKeyPrefix+job.ID, job)
}

func (e *EtcdStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	resp, err := e.client.Get(ctx, jobKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	var job model.Job
	if err := json.Unmarshal(resp.Kvs[0].Value, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (e *EtcdStore) DeleteJob(ctx context.Context, id string) error {
	_, err := e.client.Delete(ctx, jobKeyPrefix+id)
	return err
}

func (e *EtcdStore) ListJobs(ctx context.Context) ([]*model.Job, error) {
	resp, err := e.client.Get(ctx, jobKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	jobs := make([]*model.Job, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var job model.Job
		if err := json.Unmarshal(kv.Value, &job); err != nil {
			e.log.Warn("skipping undecodable job record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// WatchJobs converts the etcd watch stream into typed events. Delete events
// carry only the job ID since etcd does not return the old value by default.
func (e *EtcdStore) WatchJobs(ctx context.Context) <-chan JobEvent {
	out := make(chan JobEvent)
	go func() {
		defer close(out)
		wch := e.client.Watch(ctx, jobKeyPrefix, clientv3.WithPrefix())
		for wresp := range wch {
			for _, ev := range wresp.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					var job model.Job
					if err := json.Unmarshal(ev.Kv.Value, &job); err != nil {
						e.log.Warn("undecodable job event", zap.Error(err))
						continue
					}
					out <- JobEvent{Type: JobPut, Job: &job}
				case clientv3.EventTypeDelete:
					id := string(ev.Kv.Key[len(jobKeyPrefix):])
					out <- JobEvent{Type: JobDelete, Job: &model.Job{ID: id}}
				}
			}
		}
	}()
	return out
}

// ---- Workers ----

func (e *EtcdStore) RegisterWorker(ctx context.Context, node *model.WorkerNode, ttlSeconds int64) error {
	leaseID, ok := e.leases[node.ID]
	if ok {
		if _, err := e.client.KeepAliveOnce(ctx, leaseID); err == nil {
			return e.putValue(ctx, workerKeyPrefix+node.ID, node, clientv3.WithLease(leaseID))
		}
		// Lease expired underneath us; grant a fresh one.
		delete(e.leases, node.ID)
	}
	grant, err := e.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return fmt.Errorf("lease grant: %w", err)
	}
	e.leases[node.ID] = grant.ID
	return e.putValue(ctx, workerKeyPrefix+node.ID, node, clientv3.WithLease(grant.ID))
}

func (e *EtcdStore) GetWorker(ctx context.Context, id string) (*model.WorkerNode, error) {
	resp, err := e.client.Get(ctx, workerKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	var node model.WorkerNode
	if err := json.Unmarshal(resp.Kvs[0].Value, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (e *EtcdStore) ListWorkers(ctx context.Context) ([]*model.WorkerNode, error) {
	resp, err := e.client.Get(ctx, workerKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	nodes := make([]*model.WorkerNode, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.WorkerNode
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			e.log.Warn("skipping undecodable worker record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

func (e *EtcdStore) DeleteWorker(ctx context.Context, id string) error {
	if leaseID, ok := e.leases[id]; ok {
		_, _ = e.client.Revoke(ctx, leaseID)
		delete(e.leases, id)
	}
	_, err := e.client.Delete(ctx, workerKeyPrefix+id)
	return err
}

func (e *EtcdStore) WatchWorkers(ctx context.Context) <-chan WorkerEvent {
	out := make(chan WorkerEvent)
	go func() {
		defer close(out)
		wch := e.client.Watch(ctx, workerKeyPrefix, clientv3.WithPrefix())
		for wresp := range wch {
			for _, ev := range wresp.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					var node model.WorkerNode
					if err := json.Unmarshal(ev.Kv.Value, &node); err != nil {
						e.log.Warn("undecodable worker event", zap.Error(err))
						continue
					}
					out <- WorkerEvent{Type: JobPut, Worker: &node}
				case clientv3.EventTypeDelete:
					id := string(ev.Kv.Key[len(workerKeyPrefix):])
					out <- WorkerEvent{Type: JobDelete, Worker: &model.WorkerNode{ID: id}}
				}
			}
		}
	}()
	return out
}

// ---- Logs and events ----

func (e *EtcdStore) SaveJobLog(ctx context.Context, jobID, logs string) error {
	return e.putValue(ctx, logKeyPrefix+jobID, map[string]string{
		"job_id":  jobID,
		"content": logs,
	})
}

func (e *EtcdStore) GetJobLog(ctx context.Context, jobID string) (string, error) {
	resp, err := e.client.Get(ctx, logKeyPrefix+jobID)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("log for job %s: %w", jobID, ErrNotFound)
	}
	var data map[string]string
	if err := json.Unmarshal(resp.Kvs[0].Value, &data); err != nil {
		return "", err
	}
	return data["content"], nil
}

func (e *EtcdStore) DeleteJobLog(ctx context.Context, jobID string) error {
	_, err := e.client.Delete(ctx, logKeyPrefix+jobID)
	return err
}

// AppendEvent stores each progress event under a nanosecond-ordered key so a
// prefix range returns the stream in order.
func (e *EtcdStore) AppendEvent(ctx context.Context, ev model.ProgressEvent) error {
	key := fmt.Sprintf("%s%s/%020d", eventKeyPrefix, ev.JobID, ev.Timestamp.UnixNano())
	return e.putValue(ctx, key, ev)
}

func (e *EtcdStore) ListEvents(ctx context.Context, jobID string) ([]model.ProgressEvent, error) {
	resp, err := e.client.Get(ctx, eventKeyPrefix+jobID+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}
	events := make([]model.ProgressEvent, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ev model.ProgressEvent
		if err := json.Unmarshal(kv.Value, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (e *EtcdStore) DeleteEvents(ctx context.Context, jobID string) error {
	_, err := e.client.Delete(ctx, eventKeyPrefix+jobID+"/", clientv3.WithPrefix())
	return err
}
