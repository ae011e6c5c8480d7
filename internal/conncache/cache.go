// Package conncache keeps one lazily created connection pool per tenant
// database URL and evicts idle pools on an interval.
package conncache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrBlankURL = errors.New("connection url is blank")
	ErrInUse    = errors.New("connection has pending borrows")
)

const (
	DefaultPruneInterval     = 120 * time.Second
	DefaultTimeoutFast       = 30 * time.Second
	DefaultTimeoutSlowSchema = 30 * time.Minute
	DefaultMaxConnsPerURL    = 4
)

type TimeoutName string

const (
	TimeoutFast       TimeoutName = "fast"
	TimeoutSlowSchema TimeoutName = "slow_schema"
)

// Querier is the subset of *pgx.Conn and *pgxpool.Conn handed to borrowers.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Lease interface {
	Querier
	Release()
}

type Pool interface {
	Acquire(ctx context.Context) (Lease, error)
	Close()
}

type Connector func(ctx context.Context, connURL string) (Pool, error)

type Options struct {
	// Timeout wins over Named when both are set. Zero means no statement timeout.
	Timeout time.Duration
	Named   TimeoutName
}

type Config struct {
	PruneInterval     time.Duration
	TimeoutFast       time.Duration
	TimeoutSlowSchema time.Duration
	MaxConnsPerURL    int32
	Connector         Connector
	Logger            *slog.Logger
	Now               func() time.Time
}

type entry struct {
	pool    Pool
	pending int
}

type Cache struct {
	mu            sync.Mutex
	entries       map[string]*entry
	lastPrunedAt  time.Time
	pruneInterval time.Duration
	named         map[TimeoutName]time.Duration
	connect       Connector
	logger        *slog.Logger
	now           func() time.Time
}

func New(cfg Config) *Cache {
	pruneInterval := cfg.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = DefaultPruneInterval
	}
	fast := cfg.TimeoutFast
	if fast <= 0 {
		fast = DefaultTimeoutFast
	}
	slow := cfg.TimeoutSlowSchema
	if slow <= 0 {
		slow = DefaultTimeoutSlowSchema
	}
	maxConns := cfg.MaxConnsPerURL
	if maxConns <= 0 {
		maxConns = DefaultMaxConnsPerURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		entries:       map[string]*entry{},
		lastPrunedAt:  now(),
		pruneInterval: pruneInterval,
		named: map[TimeoutName]time.Duration{
			TimeoutFast:       fast,
			TimeoutSlowSchema: slow,
		},
		connect: cfg.Connector,
		logger:  logger,
		now:     now,
	}
	if c.connect == nil {
		c.connect = PgxPoolConnector(maxConns, c.PruneInterval)
	}
	return c
}

// Borrow runs fn against a connection for connURL, opening a pool for the URL
// on first use. A statement timeout from opts applies only while fn runs.
func (c *Cache) Borrow(ctx context.Context, connURL string, opts Options, fn func(ctx context.Context, q Querier) error) error {
	if strings.TrimSpace(connURL) == "" {
		return ErrBlankURL
	}
	e, err := c.checkout(ctx, connURL)
	if err != nil {
		return err
	}
	defer c.checkin(connURL, e)
	return c.run(ctx, e, opts, fn)
}

// BorrowValue is Borrow for callbacks that produce a value.
func BorrowValue[T any](ctx context.Context, c *Cache, connURL string, opts Options, fn func(ctx context.Context, q Querier) (T, error)) (T, error) {
	var out T
	err := c.Borrow(ctx, connURL, opts, func(ctx context.Context, q Querier) error {
		v, err := fn(ctx, q)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *Cache) checkout(ctx context.Context, connURL string) (*entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[connURL]; ok {
		e.pending++
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	pool, err := c.connect(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", redact(connURL), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[connURL]; ok {
		// Another borrower connected first.
		pool.Close()
		existing.pending++
		return existing, nil
	}
	e := &entry{pool: pool, pending: 1}
	c.entries[connURL] = e
	c.logger.Debug("opened tenant connection pool", "url", redact(connURL))
	return e, nil
}

func (c *Cache) checkin(connURL string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.pending--
	if e.pending < 0 {
		panic(fmt.Sprintf("invariant violation: pending borrows for %s went negative (%d)", redact(connURL), e.pending))
	}
	now := c.now()
	if now.After(c.lastPrunedAt.Add(c.pruneInterval)) {
		c.pruneLocked(connURL)
		c.lastPrunedAt = now
	}
}

func (c *Cache) run(ctx context.Context, e *entry, opts Options, fn func(ctx context.Context, q Querier) error) error {
	lease, err := e.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer lease.Release()

	if timeout := c.resolveTimeout(opts); timeout > 0 {
		if _, err := lease.Exec(ctx, fmt.Sprintf("SET statement_timeout TO %d", timeout.Milliseconds())); err != nil {
			return fmt.Errorf("set statement timeout: %w", err)
		}
		defer func() {
			if _, err := lease.Exec(context.WithoutCancel(ctx), "SET statement_timeout TO 0"); err != nil {
				c.logger.Warn("reset statement timeout failed", "error", err)
			}
		}()
	}

	err = fn(ctx, lease)
	if err != nil && IsDatabaseError(err) {
		if _, rbErr := lease.Exec(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
			c.logger.Warn("rollback after database error failed", "error", rbErr)
		}
	}
	return err
}

func (c *Cache) resolveTimeout(opts Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if opts.Named != "" {
		return c.named[opts.Named]
	}
	return 0
}

func (c *Cache) pruneLocked(justUsed string) {
	for connURL, e := range c.entries {
		if connURL == justUsed {
			continue
		}
		if e.pending < 0 {
			panic(fmt.Sprintf("invariant violation: pending borrows for %s went negative (%d)", redact(connURL), e.pending))
		}
		if e.pending > 0 {
			continue
		}
		e.pool.Close()
		delete(c.entries, connURL)
		c.logger.Debug("pruned idle tenant connection pool", "url", redact(connURL))
	}
}

// Disconnect closes and evicts the pool for connURL. It fails with ErrInUse,
// leaving the pool open, while borrows are outstanding.
func (c *Cache) Disconnect(connURL string) error {
	if strings.TrimSpace(connURL) == "" {
		return ErrBlankURL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[connURL]
	if !ok {
		return nil
	}
	if e.pending > 0 {
		return fmt.Errorf("%w: %s has %d", ErrInUse, redact(connURL), e.pending)
	}
	e.pool.Close()
	delete(c.entries, connURL)
	return nil
}

func (c *Cache) ForceDisconnectAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for connURL, e := range c.entries {
		e.pool.Close()
		delete(c.entries, connURL)
	}
}

// Pending reports the outstanding borrow count for connURL and whether a pool
// is cached for it.
func (c *Cache) Pending(connURL string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[connURL]
	if !ok {
		return 0, false
	}
	return e.pending, true
}

func (c *Cache) URLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for connURL := range c.entries {
		out = append(out, connURL)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) PruneInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneInterval
}

func (c *Cache) SetPruneInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.pruneInterval = d
	c.mu.Unlock()
}

// IsDatabaseError reports whether err came from the database server or a
// timed-out statement, as opposed to a callback's own failure.
func IsDatabaseError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	return pgconn.Timeout(err)
}

// PgxPoolConnector opens a pgx pool per URL. Idle connections inside a pool
// are closed after idle(), read when the pool is opened.
func PgxPoolConnector(maxConns int32, idle func() time.Duration) Connector {
	return func(ctx context.Context, connURL string) (Pool, error) {
		cfg, err := poolConfig(connURL, maxConns, idle())
		if err != nil {
			return nil, err
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return pgxPool{pool: pool}, nil
	}
}

func poolConfig(connURL string, maxConns int32, idle time.Duration) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = 0
	if idle > 0 {
		cfg.MaxConnIdleTime = idle
	}
	return cfg, nil
}

type pgxPool struct {
	pool *pgxpool.Pool
}

func (p pgxPool) Acquire(ctx context.Context) (Lease, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p pgxPool) Close() {
	p.pool.Close()
}

func redact(connURL string) string {
	u, err := url.Parse(connURL)
	if err != nil {
		return "<unparseable url>"
	}
	return u.Redacted()
}
