package hookdb

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileJobQueue snapshots pending and in-flight jobs to one JSON file. Jobs
// found in flight at load time go back to the front of the line.
type fileJobQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	pending      []Job
	inflight     []Job
}

type fileJobQueueState struct {
	Pending  []Job `json:"pending"`
	InFlight []Job `json:"in_flight"`
}

func NewFileJobQueue(path string, capacity int) (JobQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileJobQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileJobQueue) TryEnqueue(job Job) bool {
	if !job.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.capacity {
		return false
	}
	q.pending = append(q.pending, job)
	if err := q.saveLocked(); err != nil {
		q.pending = q.pending[:len(q.pending)-1]
		return false
	}
	return true
}

func (q *fileJobQueue) Enqueue(ctx context.Context, job Job) bool {
	for {
		if q.TryEnqueue(job) {
			return true
		}
		if !job.valid() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			q.inflight = append(q.inflight, job)
			if err := q.saveLocked(); err != nil {
				q.inflight = q.inflight[:len(q.inflight)-1]
				q.pending = append([]Job{job}, q.pending...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return Job{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return job, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileJobQueue) Ack(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.inflight {
		if item.ID != job.ID {
			continue
		}
		q.inflight = append(q.inflight[:i:i], q.inflight[i+1:]...)
		return q.saveLocked()
	}
	return nil
}

func (q *fileJobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *fileJobQueue) Capacity() int {
	return q.capacity
}

func (q *fileJobQueue) Close() error {
	return nil
}

func (q *fileJobQueue) load() error {
	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var state fileJobQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	q.pending = make([]Job, 0, len(state.InFlight)+len(state.Pending))
	for _, job := range state.InFlight {
		if job.valid() {
			q.pending = append(q.pending, job)
		}
	}
	for _, job := range state.Pending {
		if job.valid() {
			q.pending = append(q.pending, job)
		}
	}
	if len(q.pending) > q.capacity {
		q.capacity = len(q.pending)
	}
	return nil
}

func (q *fileJobQueue) saveLocked() error {
	data, err := json.Marshal(fileJobQueueState{Pending: q.pending, InFlight: q.inflight})
	if err != nil {
		return err
	}
	dir := filepath.Dir(q.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
