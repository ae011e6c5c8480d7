package conncache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLease struct {
	pool *fakePool
}

func (l *fakeLease) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.pool.statements = append(l.pool.statements, sql)
	return pgconn.NewCommandTag("SET"), nil
}

func (l *fakeLease) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (l *fakeLease) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (l *fakeLease) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("not supported")
}

func (l *fakeLease) Release() {}

type fakePool struct {
	url        string
	mu         sync.Mutex
	closed     bool
	statements []string
}

func (p *fakePool) Acquire(context.Context) (Lease, error) {
	return &fakeLease{pool: p}, nil
}

func (p *fakePool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	cache *Cache
	clock *fakeClock
	mu    sync.Mutex
	pools map[string][]*fakePool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock: &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		pools: map[string][]*fakePool{},
	}
	h.cache = New(Config{
		PruneInterval: time.Minute,
		Now:           h.clock.Now,
		Connector: func(_ context.Context, connURL string) (Pool, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			p := &fakePool{url: connURL}
			h.pools[connURL] = append(h.pools[connURL], p)
			return p, nil
		},
	})
	t.Cleanup(h.cache.ForceDisconnectAll)
	return h
}

func (h *harness) latest(connURL string) *fakePool {
	h.mu.Lock()
	defer h.mu.Unlock()
	pools := h.pools[connURL]
	if len(pools) == 0 {
		return nil
	}
	return pools[len(pools)-1]
}

func (h *harness) connects(connURL string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pools[connURL])
}

func noop(context.Context, Querier) error { return nil }

func TestBorrowReusesPoolPerURL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Borrow(ctx, "postgres://a", Options{}, noop))
	require.NoError(t, h.cache.Borrow(ctx, "postgres://a", Options{}, noop))
	require.NoError(t, h.cache.Borrow(ctx, "postgres://b", Options{}, noop))

	assert.Equal(t, 1, h.connects("postgres://a"))
	assert.Equal(t, 1, h.connects("postgres://b"))
	assert.Equal(t, []string{"postgres://a", "postgres://b"}, h.cache.URLs())
}

func TestBorrowRejectsBlankURL(t *testing.T) {
	h := newHarness(t)
	err := h.cache.Borrow(context.Background(), "  ", Options{}, noop)
	require.ErrorIs(t, err, ErrBlankURL)
}

func TestPendingCountTracksBorrowAndErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.cache.Borrow(ctx, "postgres://a", Options{}, func(context.Context, Querier) error {
		pending, ok := h.cache.Pending("postgres://a")
		require.True(t, ok)
		assert.Equal(t, 1, pending)
		return errors.New("callback failed")
	})
	require.EqualError(t, err, "callback failed")

	pending, ok := h.cache.Pending("postgres://a")
	require.True(t, ok)
	assert.Equal(t, 0, pending)
}

func TestPendingCountRestoredAfterPanic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.Panics(t, func() {
		_ = h.cache.Borrow(ctx, "postgres://a", Options{}, func(context.Context, Querier) error {
			panic("boom")
		})
	})
	pending, _ := h.cache.Pending("postgres://a")
	assert.Equal(t, 0, pending)
}

func TestDisconnectFailsWhileBorrowed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.cache.Borrow(ctx, "postgres://a", Options{}, func(context.Context, Querier) error {
		err := h.cache.Disconnect("postgres://a")
		require.ErrorIs(t, err, ErrInUse)
		assert.False(t, h.latest("postgres://a").isClosed())
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.cache.Disconnect("postgres://a"))
	assert.True(t, h.latest("postgres://a").isClosed())
	_, ok := h.cache.Pending("postgres://a")
	assert.False(t, ok)
}

func TestDisconnectUnknownURLIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cache.Disconnect("postgres://never"))
	require.ErrorIs(t, h.cache.Disconnect(""), ErrBlankURL)
}

func TestPruneSkipsJustUsedURL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Borrow(ctx, "postgres://a", Options{}, noop))
	require.NoError(t, h.cache.Borrow(ctx, "postgres://b", Options{}, noop))
	require.NoError(t, h.cache.Borrow(ctx, "postgres://c", Options{}, noop))

	h.clock.Advance(time.Minute + time.Second)
	require.NoError(t, h.cache.Borrow(ctx, "postgres://b", Options{}, noop))

	assert.Equal(t, []string{"postgres://b"}, h.cache.URLs())
	assert.True(t, h.latest("postgres://a").isClosed())
	assert.True(t, h.latest("postgres://c").isClosed())
	assert.False(t, h.latest("postgres://b").isClosed())
}

func TestPruneWaitsForInterval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.cache.Borrow(ctx, "postgres://a", Options{}, noop))
	h.clock.Advance(30 * time.Second)
	require.NoError(t, h.cache.Borrow(ctx, "postgres://b", Options{}, noop))

	assert.Equal(t, []string{"postgres://a", "postgres://b"}, h.cache.URLs())
}

func TestPruneKeepsBusyEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.cache.Borrow(ctx, "postgres://busy", Options{}, func(ctx context.Context, _ Querier) error {
		h.clock.Advance(2 * time.Minute)
		return h.cache.Borrow(ctx, "postgres://other", Options{}, noop)
	})
	require.NoError(t, err)

	assert.Contains(t, h.cache.URLs(), "postgres://busy")
}

func TestStatementTimeoutScopedToBorrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.cache.Borrow(ctx, "postgres://a", Options{Timeout: 1500 * time.Millisecond}, func(ctx context.Context, q Querier) error {
		_, err := q.Exec(ctx, "SELECT 1")
		return err
	})
	require.NoError(t, err)

	err = h.cache.Borrow(ctx, "postgres://a", Options{Named: TimeoutFast}, func(context.Context, Querier) error {
		return errors.New("fails")
	})
	require.EqualError(t, err, "fails")

	assert.Equal(t, []string{
		"SET statement_timeout TO 1500",
		"SELECT 1",
		"SET statement_timeout TO 0",
		"SET statement_timeout TO 30000",
		"SET statement_timeout TO 0",
	}, h.latest("postgres://a").statements)
}

func TestNoTimeoutStatementsWithoutOption(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cache.Borrow(context.Background(), "postgres://a", Options{}, noop))
	assert.Empty(t, h.latest("postgres://a").statements)
}

func TestRollbackOnDatabaseError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pgErr := &pgconn.PgError{Code: "23505", Message: "duplicate key"}

	err := h.cache.Borrow(ctx, "postgres://a", Options{Named: TimeoutSlowSchema}, func(context.Context, Querier) error {
		return pgErr
	})
	require.ErrorIs(t, err, pgErr)
	assert.Equal(t, []string{
		"SET statement_timeout TO 1800000",
		"ROLLBACK",
		"SET statement_timeout TO 0",
	}, h.latest("postgres://a").statements)
}

func TestNoRollbackOnCallbackError(t *testing.T) {
	h := newHarness(t)
	err := h.cache.Borrow(context.Background(), "postgres://a", Options{}, func(context.Context, Querier) error {
		return errors.New("not a database error")
	})
	require.Error(t, err)
	assert.NotContains(t, h.latest("postgres://a").statements, "ROLLBACK")
}

func TestNegativePendingPanics(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cache.Borrow(context.Background(), "postgres://a", Options{}, noop))
	h.cache.mu.Lock()
	e := h.cache.entries["postgres://a"]
	h.cache.mu.Unlock()
	require.Panics(t, func() { h.cache.checkin("postgres://a", e) })
}

func TestForceDisconnectAllClosesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.cache.Borrow(ctx, "postgres://a", Options{}, noop))
	require.NoError(t, h.cache.Borrow(ctx, "postgres://b", Options{}, noop))

	h.cache.ForceDisconnectAll()

	assert.Empty(t, h.cache.URLs())
	assert.True(t, h.latest("postgres://a").isClosed())
	assert.True(t, h.latest("postgres://b").isClosed())
}

func TestBorrowValueReturnsResult(t *testing.T) {
	h := newHarness(t)
	n, err := BorrowValue(context.Background(), h.cache, "postgres://a", Options{}, func(context.Context, Querier) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestConcurrentBorrowsKeepPendingNonNegative(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.cache.Borrow(ctx, "postgres://shared", Options{}, func(context.Context, Querier) error {
				pending, _ := h.cache.Pending("postgres://shared")
				if pending < 1 {
					t.Errorf("expected positive pending count, got %d", pending)
				}
				return nil
			})
		}()
	}
	wg.Wait()
	pending, ok := h.cache.Pending("postgres://shared")
	require.True(t, ok)
	assert.Equal(t, 0, pending)
}

func TestPoolIdleTimeFollowsPruneInterval(t *testing.T) {
	c := New(Config{PruneInterval: 90 * time.Second, MaxConnsPerURL: 2})
	c.SetPruneInterval(3 * time.Minute)
	assert.Equal(t, 3*time.Minute, c.PruneInterval())

	// Opening a pool with no minimum connections does not dial.
	pool, err := c.connect(context.Background(), "postgres://u@127.0.0.1:1/db")
	require.NoError(t, err)
	defer pool.Close()
	cfg := pool.(pgxPool).pool.Config()
	assert.Equal(t, 3*time.Minute, cfg.MaxConnIdleTime)
	assert.Equal(t, int32(2), cfg.MaxConns)
}
