package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hookdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func flagCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	configFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 4*time.Hour, cfg.Settings().CalendarFreshnessWindow)
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := writeConfig(t, `
addr: ":7000"
workers: 2
job_queue_size: 50
calendar_sweep_interval: 90s
recurrence_projection: 720h
log_format: json
`)
	t.Setenv("HOOKDB_WORKERS", "3")
	t.Setenv("HOOKDB_ADDR", ":7100")
	cmd := flagCommand(t, "--addr", ":7200")

	cfg, err := loadConfig(path, cmd)
	require.NoError(t, err)
	assert.Equal(t, ":7200", cfg.Addr, "flags beat the environment")
	assert.Equal(t, 3, cfg.Workers, "the environment beats the file")
	assert.Equal(t, 50, cfg.JobQueueSize, "the file beats defaults")
	assert.Equal(t, 90*time.Second, cfg.CalendarSweepInterval)
	assert.Equal(t, 720*time.Hour, cfg.RecurrenceProjection)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, defaultConfig().TimeoutFast, cfg.TimeoutFast)
}

func TestLoadConfigIgnoresUnsetFlags(t *testing.T) {
	t.Setenv("HOOKDB_JOB_RETRY_DELAY", "250ms")
	cmd := flagCommand(t, "--workers", "9")

	cfg, err := loadConfig("", cmd)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.JobRetryDelay, "an unset flag default does not hide the environment")
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "log_level: loud\n"), nil)
	require.ErrorContains(t, err, "log_level")

	_, err = loadConfig(writeConfig(t, "log_format: xml\n"), nil)
	require.ErrorContains(t, err, "log_format")

	_, err = loadConfig(writeConfig(t, "workers: [1\n"), nil)
	require.ErrorContains(t, err, "parse config file")

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.ErrorContains(t, err, "read config file")
}

func TestEnvHelpersFallBackOnInvalidValues(t *testing.T) {
	t.Setenv("HOOKDB_TEST_INT", "many")
	t.Setenv("HOOKDB_TEST_DURATION", "soon")
	t.Setenv("HOOKDB_TEST_INT64", "4096")
	assert.Equal(t, 7, intEnv("TEST_INT", 7))
	assert.Equal(t, 2*time.Second, durationEnv("TEST_DURATION", 2*time.Second))
	assert.Equal(t, int64(4096), int64Env("TEST_INT64", 1))
	assert.Equal(t, "fallback", stringEnv("TEST_UNSET", "fallback"))
}

func testRuntime(t *testing.T) *appRuntime {
	t.Helper()
	cfg := defaultConfig()
	level := new(slog.LevelVar)
	rt, err := buildRuntime(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), level, runtimeOptions{disableWorkers: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestApplyReloadUpdatesLiveSettings(t *testing.T) {
	rt := testRuntime(t)
	next := defaultConfig()
	next.LogLevel = "debug"
	next.CalendarFreshnessWindow = time.Hour
	next.CalendarSweepInterval = time.Minute
	next.Workers = 99

	require.NoError(t, rt.applyReload(next))
	assert.Equal(t, slog.LevelDebug, rt.level.Level())
	assert.Equal(t, time.Hour, rt.engine.Settings().CalendarFreshnessWindow)
	assert.Equal(t, time.Minute, rt.engine.Settings().SweepInterval)
	assert.Equal(t, 4, rt.cfg.Workers, "worker count needs a restart")

	next.LogLevel = "loud"
	require.Error(t, rt.applyReload(next))
	assert.Equal(t, slog.LevelDebug, rt.level.Level())
}

func TestWatchConfigReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- watchConfig(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func() error {
			reloads.Add(1)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("log_level: debug\n"), 0o600)
		return reloads.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out, io.Discard)
	root.SetArgs(append([]string{"--config="}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("HOOKDB_JWT_SECRET", "cli-secret")
	out, err := run(t, "token", "acme", "--subject", "ops", "--ttl", "10m")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (any, error) {
		return []byte("cli-secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", claims["org"])
	assert.Equal(t, "ops", claims["sub"])
}

func TestSyncCalendarsWithNothingToDo(t *testing.T) {
	out, err := run(t, "sync-calendars", "--app-database-url", "memory://", "--job-queue-dsn", "memory://")
	require.NoError(t, err)
	assert.Equal(t, "queued 0 calendar syncs, processed 0 jobs\n", out)
}

func TestMigrateSkipsMemoryBackends(t *testing.T) {
	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "app store needs no migration\njob queue needs no migration\n", out)
}

func TestProvisionNeedsSuperuserURL(t *testing.T) {
	_, err := run(t, "provision", "acme")
	require.Error(t, err)
}

func TestFindOrCreateOrganization(t *testing.T) {
	rt := testRuntime(t)
	ctx := context.Background()
	org, err := findOrCreateOrganization(ctx, rt.store, " acme ", "")
	require.NoError(t, err)
	assert.Equal(t, "acme", org.Key)
	assert.Equal(t, "acme", org.Name)

	again, err := findOrCreateOrganization(ctx, rt.store, "acme", "Other")
	require.NoError(t, err)
	assert.Equal(t, org.ID, again.ID)
}
