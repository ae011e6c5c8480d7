package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/hookdb/internal/hookdb"
)

const (
	envPrefix     = "HOOKDB_"
	configFileEnv = "HOOKDB_CONFIG"
)

type Config struct {
	Addr                    string        `yaml:"addr"`
	AppDatabaseURL          string        `yaml:"app_database_url"`
	JobQueueDSN             string        `yaml:"job_queue_dsn"`
	JobQueueSize            int           `yaml:"job_queue_size"`
	Workers                 int           `yaml:"workers"`
	MaxJobAttempts          int           `yaml:"max_job_attempts"`
	JobRetryDelay           time.Duration `yaml:"job_retry_delay"`
	PruneInterval           time.Duration `yaml:"prune_interval"`
	TimeoutFast             time.Duration `yaml:"timeout_fast"`
	TimeoutSlowSchema       time.Duration `yaml:"timeout_slow_schema"`
	CalendarSweepInterval   time.Duration `yaml:"calendar_sweep_interval"`
	CalendarFreshnessWindow time.Duration `yaml:"calendar_freshness_window"`
	RecurrenceProjection    time.Duration `yaml:"recurrence_projection"`
	JWTSecret               string        `yaml:"jwt_secret"`
	MaxBodyBytes            int64         `yaml:"max_body_bytes"`
	LogLevel                string        `yaml:"log_level"`
	LogFormat               string        `yaml:"log_format"`
	SuperuserDatabaseURL    string        `yaml:"superuser_database_url"`
}

func defaultConfig() Config {
	settings := hookdb.DefaultSettings()
	return Config{
		Addr:                    ":8080",
		JobQueueSize:            1024,
		Workers:                 4,
		MaxJobAttempts:          5,
		JobRetryDelay:           5 * time.Second,
		PruneInterval:           120 * time.Second,
		TimeoutFast:             30 * time.Second,
		TimeoutSlowSchema:       30 * time.Minute,
		CalendarSweepInterval:   settings.SweepInterval,
		CalendarFreshnessWindow: settings.CalendarFreshnessWindow,
		RecurrenceProjection:    settings.RecurrenceProjection,
		MaxBodyBytes:            1 << 20,
		LogLevel:                "info",
		LogFormat:               "text",
	}
}

// Settings is the part of the configuration the engine reads at runtime.
func (c Config) Settings() hookdb.Settings {
	return hookdb.Settings{
		CalendarFreshnessWindow: c.CalendarFreshnessWindow,
		RecurrenceProjection:    c.RecurrenceProjection,
		SweepInterval:           c.CalendarSweepInterval,
	}
}

// configFlags registers one persistent flag per key on cmd. Only flags the
// user set override the other layers.
func configFlags(cmd *cobra.Command) {
	d := defaultConfig()
	f := cmd.PersistentFlags()
	f.String("addr", d.Addr, "listen address")
	f.String("app-database-url", "", "application database (postgres:// or memory://)")
	f.String("job-queue-dsn", "", "job queue backend (memory://, file://, sqlite://, postgres://, redis://)")
	f.Int("job-queue-size", d.JobQueueSize, "job queue capacity")
	f.Int("workers", d.Workers, "job workers")
	f.Int("max-job-attempts", d.MaxJobAttempts, "attempts before a job is dead-lettered")
	f.Duration("job-retry-delay", d.JobRetryDelay, "base delay between job attempts")
	f.Duration("prune-interval", d.PruneInterval, "how often idle tenant connections are closed")
	f.Duration("timeout-fast", d.TimeoutFast, "statement timeout for ordinary statements")
	f.Duration("timeout-slow-schema", d.TimeoutSlowSchema, "statement timeout for schema changes")
	f.Duration("calendar-sweep-interval", d.CalendarSweepInterval, "how often stale calendars are queued")
	f.Duration("calendar-freshness-window", d.CalendarFreshnessWindow, "age after which a calendar is stale")
	f.Duration("recurrence-projection", d.RecurrenceProjection, "how far ahead recurring events are projected")
	f.String("jwt-secret", "", "HS256 secret for tenant tokens")
	f.Int64("max-body-bytes", d.MaxBodyBytes, "request body limit")
	f.String("log-level", d.LogLevel, "debug, info, warn or error")
	f.String("log-format", d.LogFormat, "text or json")
	f.String("superuser-database-url", "", "server on which tenant databases are provisioned")
}

// loadConfig layers defaults, the YAML file, HOOKDB_* variables and set flags,
// in that order. cmd may be nil.
func loadConfig(path string, cmd *cobra.Command) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cmd != nil {
		if err := applyFlags(&cfg, cmd); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.JobQueueSize < 1 {
		return fmt.Errorf("job_queue_size must be at least 1")
	}
	return nil
}

func applyEnv(c *Config) {
	c.Addr = stringEnv("ADDR", c.Addr)
	c.AppDatabaseURL = stringEnv("APP_DATABASE_URL", c.AppDatabaseURL)
	c.JobQueueDSN = stringEnv("JOB_QUEUE_DSN", c.JobQueueDSN)
	c.JobQueueSize = intEnv("JOB_QUEUE_SIZE", c.JobQueueSize)
	c.Workers = intEnv("WORKERS", c.Workers)
	c.MaxJobAttempts = intEnv("MAX_JOB_ATTEMPTS", c.MaxJobAttempts)
	c.JobRetryDelay = durationEnv("JOB_RETRY_DELAY", c.JobRetryDelay)
	c.PruneInterval = durationEnv("PRUNE_INTERVAL", c.PruneInterval)
	c.TimeoutFast = durationEnv("TIMEOUT_FAST", c.TimeoutFast)
	c.TimeoutSlowSchema = durationEnv("TIMEOUT_SLOW_SCHEMA", c.TimeoutSlowSchema)
	c.CalendarSweepInterval = durationEnv("CALENDAR_SWEEP_INTERVAL", c.CalendarSweepInterval)
	c.CalendarFreshnessWindow = durationEnv("CALENDAR_FRESHNESS_WINDOW", c.CalendarFreshnessWindow)
	c.RecurrenceProjection = durationEnv("RECURRENCE_PROJECTION", c.RecurrenceProjection)
	c.JWTSecret = stringEnv("JWT_SECRET", c.JWTSecret)
	c.MaxBodyBytes = int64Env("MAX_BODY_BYTES", c.MaxBodyBytes)
	c.LogLevel = stringEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = stringEnv("LOG_FORMAT", c.LogFormat)
	c.SuperuserDatabaseURL = stringEnv("SUPERUSER_DATABASE_URL", c.SuperuserDatabaseURL)
}

func applyFlags(c *Config, cmd *cobra.Command) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && f.Lookup(name) != nil && f.Changed(name) {
			err = apply()
		}
	}
	str := func(dst *string, name string) {
		set(name, func() (e error) { *dst, e = f.GetString(name); return })
	}
	num := func(dst *int, name string) {
		set(name, func() (e error) { *dst, e = f.GetInt(name); return })
	}
	dur := func(dst *time.Duration, name string) {
		set(name, func() (e error) { *dst, e = f.GetDuration(name); return })
	}
	str(&c.Addr, "addr")
	str(&c.AppDatabaseURL, "app-database-url")
	str(&c.JobQueueDSN, "job-queue-dsn")
	num(&c.JobQueueSize, "job-queue-size")
	num(&c.Workers, "workers")
	num(&c.MaxJobAttempts, "max-job-attempts")
	dur(&c.JobRetryDelay, "job-retry-delay")
	dur(&c.PruneInterval, "prune-interval")
	dur(&c.TimeoutFast, "timeout-fast")
	dur(&c.TimeoutSlowSchema, "timeout-slow-schema")
	dur(&c.CalendarSweepInterval, "calendar-sweep-interval")
	dur(&c.CalendarFreshnessWindow, "calendar-freshness-window")
	dur(&c.RecurrenceProjection, "recurrence-projection")
	str(&c.JWTSecret, "jwt-secret")
	set("max-body-bytes", func() (e error) { c.MaxBodyBytes, e = f.GetInt64("max-body-bytes"); return })
	str(&c.LogLevel, "log-level")
	str(&c.LogFormat, "log-format")
	str(&c.SuperuserDatabaseURL, "superuser-database-url")
	return err
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(envPrefix + name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(envPrefix + name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration setting, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
