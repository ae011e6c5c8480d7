package hookdb

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type JobKind string

const (
	JobWebhook  JobKind = "webhook"
	JobBackfill JobKind = "backfill"
	JobRowSync  JobKind = "row_sync"
)

type Job struct {
	ID            string            `json:"id"`
	Kind          JobKind           `json:"kind"`
	IntegrationID int64             `json:"integration_id"`
	Body          json.RawMessage   `json:"body,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Incremental   bool              `json:"incremental,omitempty"`
	RowKey        string            `json:"row_key,omitempty"`
	Attempt       int               `json:"attempt"`
	NotBefore     *time.Time        `json:"not_before,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
}

func NewJobID() string {
	return "job_" + uuid.NewString()
}

func (j Job) valid() bool {
	return strings.TrimSpace(j.ID) != "" && j.Kind != "" && j.IntegrationID != 0
}

// JobQueue delivers jobs at least once. A dequeued job stays in flight until
// Ack; jobs left in flight by a crashed process are delivered again.
type JobQueue interface {
	TryEnqueue(job Job) bool
	Enqueue(ctx context.Context, job Job) bool
	Dequeue(ctx context.Context) (Job, bool)
	Ack(job Job) error
	Depth() int
	Capacity() int
	Close() error
}

const defaultQueueCapacity = 1024

type inMemoryJobQueue struct {
	mu       sync.Mutex
	capacity int
	pending  []Job
	inflight map[string]Job
	notify   chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func NewInMemoryJobQueue(capacity int) JobQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryJobQueue{
		capacity: capacity,
		inflight: map[string]Job{},
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (q *inMemoryJobQueue) TryEnqueue(job Job) bool {
	if !job.valid() {
		return false
	}
	q.mu.Lock()
	if len(q.pending) >= q.capacity {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, job)
	q.mu.Unlock()
	q.wake()
	return true
}

func (q *inMemoryJobQueue) Enqueue(ctx context.Context, job Job) bool {
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
		case <-q.closed:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *inMemoryJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			q.inflight[job.ID] = job
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return job, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-q.closed:
			return Job{}, false
		case <-q.notify:
		}
	}
}

func (q *inMemoryJobQueue) Ack(job Job) error {
	q.mu.Lock()
	delete(q.inflight, job.ID)
	q.mu.Unlock()
	return nil
}

func (q *inMemoryJobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *inMemoryJobQueue) Capacity() int {
	return q.capacity
}

func (q *inMemoryJobQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

func (q *inMemoryJobQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
