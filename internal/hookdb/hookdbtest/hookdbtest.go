// Package hookdbtest starts the pieces integration tests share: a Postgres
// server and an engine wired to it.
package hookdbtest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentworkforce/hookdb/internal/conncache"
	"github.com/agentworkforce/hookdb/internal/hookdb"
)

const (
	DatabaseURLEnv    = "HOOKDB_TEST_DATABASE_URL"
	TestcontainersEnv = "HOOKDB_TESTCONTAINERS"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
	nameCounter   uint64
)

// DatabaseURL returns a Postgres URL from HOOKDB_TEST_DATABASE_URL, or from a
// container started once per test binary when HOOKDB_TESTCONTAINERS=1. Tests
// are skipped otherwise.
func DatabaseURL(t testing.TB) string {
	t.Helper()
	if dsn := strings.TrimSpace(os.Getenv(DatabaseURLEnv)); dsn != "" {
		return dsn
	}
	if os.Getenv(TestcontainersEnv) != "1" {
		t.Skipf("set %s or %s=1 to run Postgres integration tests", DatabaseURLEnv, TestcontainersEnv)
	}
	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := postgres.RunContainer(ctx,
			testcontainers.WithImage("postgres:16-alpine"),
			postgres.WithDatabase("hookdb_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerURL, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)
	return containerURL
}

// UniqueName returns an identifier no other test in the run uses.
func UniqueName(prefix string) string {
	n := atomic.AddUint64(&nameCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%1_000_000_000, n)
}

// Harness is an engine over an in-memory app store whose one organization
// uses the test database for both its admin and readonly connections.
type Harness struct {
	Engine *hookdb.Engine
	Store  *hookdb.MemoryAppStore
	Cache  *conncache.Cache
	Org    *hookdb.Organization
	URL    string
}

type Options struct {
	HTTP     *hookdb.UpstreamClient
	Settings hookdb.Settings
	Now      func() time.Time
}

// NewHarness builds the engine with workers disabled so tests drive every
// step themselves.
func NewHarness(t testing.TB, reg *hookdb.Registry, opts Options) *Harness {
	t.Helper()
	dsn := DatabaseURL(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cache := conncache.New(conncache.Config{Logger: logger})
	store := hookdb.NewMemoryAppStore()
	org := &hookdb.Organization{
		Key:                   UniqueName("org"),
		Name:                  "Test Org",
		AdminConnectionURL:    dsn,
		ReadonlyConnectionURL: dsn,
	}
	require.NoError(t, store.CreateOrganization(context.Background(), org))
	engine, err := hookdb.NewEngine(hookdb.EngineOptions{
		Store:          store,
		Registry:       reg,
		Cache:          cache,
		HTTP:           opts.HTTP,
		DisableWorkers: true,
		Settings:       opts.Settings,
		Logger:         logger,
		Now:            opts.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = engine.Close()
		cache.ForceDisconnectAll()
	})
	return &Harness{Engine: engine, Store: store, Cache: cache, Org: org, URL: dsn}
}

// DropTables removes the tables of every integration the harness created.
func (h *Harness) DropTables(t testing.TB) {
	t.Helper()
	ctx := context.Background()
	sints, err := h.Store.ListIntegrations(ctx, h.Org.ID)
	require.NoError(t, err)
	for _, sint := range sints {
		err := h.Cache.Borrow(ctx, h.URL, conncache.Options{}, func(ctx context.Context, q conncache.Querier) error {
			_, err := q.Exec(ctx, "DROP TABLE IF EXISTS "+sint.TableName)
			return err
		})
		require.NoError(t, err)
	}
}
