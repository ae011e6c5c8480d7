package hookdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisOperationTimeout = 5 * time.Second
	redisBlockTimeout     = time.Second
	redisKeyPrefix        = "hookdb:jobs"
)

// RedisJobQueue moves each job from a pending list to a processing list with
// BLMOVE and removes it from processing on Ack. Items left in processing by
// a dead process are moved back to pending when a queue is opened.
type RedisJobQueue struct {
	client     redis.UniversalClient
	pending    string
	processing string
	capacity   int
	ownsClient bool

	mu       sync.Mutex
	inflight map[string]string
}

func NewRedisJobQueue(dsn string, capacity int) (*RedisJobQueue, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("%w: redis dsn: %v", ErrInvalidInput, err)
	}
	q, err := NewRedisJobQueueWithClient(redis.NewClient(opts), "default", capacity)
	if err != nil {
		return nil, err
	}
	q.ownsClient = true
	return q, nil
}

func NewRedisJobQueueWithClient(client redis.UniversalClient, name string, capacity int) (*RedisJobQueue, error) {
	if client == nil {
		return nil, ErrInvalidInput
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &RedisJobQueue{
		client:     client,
		pending:    redisKeyPrefix + ":" + name + ":pending",
		processing: redisKeyPrefix + ":" + name + ":processing",
		capacity:   capacity,
		inflight:   map[string]string{},
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := q.recover(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RedisJobQueue) recover(ctx context.Context) error {
	for {
		_, err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recover in-flight jobs: %w", err)
		}
	}
}

func (q *RedisJobQueue) TryEnqueue(job Job) bool {
	if !job.valid() {
		return false
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	depth, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil || int(depth) >= q.capacity {
		return false
	}
	return q.client.LPush(ctx, q.pending, payload).Err() == nil
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, job Job) bool {
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
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *RedisJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		if ctx.Err() != nil {
			return Job{}, false
		}
		payload, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", redisBlockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return Job{}, false
			case <-time.After(redisBlockTimeout):
				continue
			}
		}
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil || !job.valid() {
			_ = q.client.LRem(context.WithoutCancel(ctx), q.processing, 1, payload).Err()
			continue
		}
		q.mu.Lock()
		q.inflight[job.ID] = payload
		q.mu.Unlock()
		return job, true
	}
}

func (q *RedisJobQueue) Ack(job Job) error {
	q.mu.Lock()
	payload, ok := q.inflight[job.ID]
	delete(q.inflight, job.ID)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return q.client.LRem(ctx, q.processing, 1, payload).Err()
}

func (q *RedisJobQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	depth, err := q.client.LLen(ctx, q.pending).Result()
	if err != nil {
		return 0
	}
	return int(depth)
}

func (q *RedisJobQueue) Capacity() int {
	return q.capacity
}

func (q *RedisJobQueue) Close() error {
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}
