package hookdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresJobTableName      = "hookdb_jobs"
	postgresQueueKey          = "default"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueuePollInterval = 50 * time.Millisecond
	defaultJobLease           = 15 * time.Minute
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresJobQueue leases rows instead of deleting them on dequeue. A lease
// that expires without an Ack makes the job visible again.
type PostgresJobQueue struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	lease        time.Duration
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresJobQueue(dsn string, capacity int) (*PostgresJobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &PostgresJobQueue{
		dsn:          dsn,
		tableName:    postgresJobTableName,
		queueKey:     postgresQueueKey,
		capacity:     capacity,
		lease:        defaultJobLease,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresJobQueue) SetLease(d time.Duration) {
	if d > 0 {
		q.lease = d
	}
}

// Migrate creates the queue table if it does not exist yet.
func (q *PostgresJobQueue) Migrate() error {
	return q.ensureReady()
}

func (q *PostgresJobQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		table := pq.QuoteIdentifier(q.tableName)
		stmts := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id BIGSERIAL PRIMARY KEY,
					queue_key TEXT NOT NULL,
					job_id TEXT NOT NULL UNIQUE,
					payload TEXT NOT NULL,
					locked_until TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
				pq.QuoteIdentifier(q.tableName+"_queue_key_id_idx"), table),
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				q.initErr = err
				return
			}
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresJobQueue) TryEnqueue(job Job) bool {
	if !job.valid() {
		return false
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := pq.QuoteIdentifier(q.tableName)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresQueueLockKey(q.tableName, q.queueKey)); err != nil {
		return false
	}
	var depth int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", table), q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (queue_key, job_id, payload, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (job_id) DO UPDATE SET payload = EXCLUDED.payload, locked_until = NULL`, table)
	if _, err := tx.ExecContext(ctx, insert, q.queueKey, job.ID, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresJobQueue) Enqueue(ctx context.Context, job Job) bool {
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

func (q *PostgresJobQueue) Dequeue(ctx context.Context) (Job, bool) {
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

func (q *PostgresJobQueue) tryDequeue(ctx context.Context) (Job, bool) {
	if err := q.ensureReady(); err != nil {
		return Job{}, false
	}
	table := pq.QuoteIdentifier(q.tableName)
	query := fmt.Sprintf(`
		UPDATE %s SET locked_until = NOW() + ($2 * INTERVAL '1 millisecond')
		WHERE id = (
			SELECT id FROM %s
			WHERE queue_key = $1 AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING payload`, table, table)
	var payload string
	err := q.db.QueryRowContext(ctx, query, q.queueKey, q.lease.Milliseconds()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil || !job.valid() {
		return Job{}, false
	}
	return job, true
}

func (q *PostgresJobQueue) Ack(job Job) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err := q.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE queue_key = $1 AND job_id = $2", pq.QuoteIdentifier(q.tableName)), q.queueKey, job.ID)
	return err
}

func (q *PostgresJobQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1 AND (locked_until IS NULL OR locked_until < NOW())", pq.QuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresJobQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresJobQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQueueLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
