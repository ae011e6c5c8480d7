package hookdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteJobQueue is the single-node durable queue. It assumes one process
// owns the file, so every in-flight row is released when the queue opens.
type SQLiteJobQueue struct {
	db           *sql.DB
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
}

func NewSQLiteJobQueue(path string, capacity int) (*SQLiteJobQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL UNIQUE,
			payload TEXT NOT NULL,
			in_flight INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`UPDATE jobs SET in_flight = 0 WHERE in_flight = 1`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &SQLiteJobQueue{
		db:           db,
		capacity:     capacity,
		pollInterval: 20 * time.Millisecond,
	}, nil
}

func (q *SQLiteJobQueue) TryEnqueue(job Job) bool {
	if !job.valid() {
		return false
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var depth int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE in_flight = 0`).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	_, err = q.db.Exec(`INSERT INTO jobs (job_id, payload) VALUES (?, ?)
		ON CONFLICT (job_id) DO UPDATE SET payload = excluded.payload, in_flight = 0`, job.ID, string(payload))
	return err == nil
}

func (q *SQLiteJobQueue) Enqueue(ctx context.Context, job Job) bool {
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

func (q *SQLiteJobQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		job, ok := q.tryDequeue(ctx)
		if ok {
			return job, true
		}
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLiteJobQueue) tryDequeue(ctx context.Context) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, `SELECT id, payload FROM jobs WHERE in_flight = 0 ORDER BY id LIMIT 1`).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return Job{}, false
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET in_flight = 1 WHERE id = ?`, id); err != nil {
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil || !job.valid() {
		_, _ = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		_ = tx.Commit()
		return Job{}, false
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false
	}
	return job, true
}

func (q *SQLiteJobQueue) Ack(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.Exec(`DELETE FROM jobs WHERE job_id = ?`, job.ID)
	return err
}

func (q *SQLiteJobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var depth int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE in_flight = 0`).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *SQLiteJobQueue) Capacity() int {
	return q.capacity
}

func (q *SQLiteJobQueue) Close() error {
	return q.db.Close()
}
