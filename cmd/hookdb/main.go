package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/hookdb/internal/hookdb"
	"github.com/agentworkforce/hookdb/internal/httpapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli holds what every subcommand shares.
type cli struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:          "hookdb",
		Short:        "Replicate third-party webhooks and APIs into per-tenant Postgres tables",
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv(configFileEnv), "YAML config file (reloaded on change by serve)")
	configFlags(root)

	root.AddCommand(
		c.serveCommand(),
		c.syncCalendarsCommand(),
		c.provisionCommand(),
		c.deprovisionCommand(),
		c.migrateCommand(),
		c.tokenCommand(),
	)
	return root
}

// setup loads the configuration and builds the runtime for cmd.
func (c *cli) setup(cmd *cobra.Command, opts runtimeOptions) (*appRuntime, error) {
	cfg, err := loadConfig(c.configPath, cmd)
	if err != nil {
		return nil, err
	}
	level := new(slog.LevelVar)
	lvl, _ := parseLevel(cfg.LogLevel)
	level.Set(lvl)
	logger := newLogger(c.stderr, cfg.LogFormat, level)
	return buildRuntime(cfg, logger, level, opts)
}

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks and the tenant API, run job workers and the calendar sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := c.setup(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			return c.serve(cmd, rt)
		},
	}
}

func (c *cli) serve(cmd *cobra.Command, rt *appRuntime) error {
	if rt.cfg.JWTSecret == "" {
		rt.logger.Warn("jwt_secret is not set, tenant tokens use the development secret")
	}
	api := httpapi.NewServerWithConfig(rt.engine, httpapi.ServerConfig{
		JWTSecret:    rt.cfg.JWTSecret,
		MaxBodyBytes: rt.cfg.MaxBodyBytes,
		Logger:       rt.logger,
	})
	srv := &http.Server{
		Addr:              rt.cfg.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		rt.logger.Info("hookdb listening", "addr", rt.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := rt.engine.RunSweeper(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if c.configPath != "" {
		g.Go(func() error {
			return watchConfig(ctx, c.configPath, rt.logger, func() error {
				next, err := loadConfig(c.configPath, cmd)
				if err != nil {
					return err
				}
				return rt.applyReload(next)
			})
		})
	}
	return g.Wait()
}

func (c *cli) syncCalendarsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-calendars",
		Short: "Queue every stale calendar once and process the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := c.setup(cmd, runtimeOptions{disableWorkers: true})
			if err != nil {
				return err
			}
			defer rt.Close()
			queued, err := rt.engine.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			processed, err := rt.engine.Drain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "queued %d calendar syncs, processed %d jobs\n", queued, processed)
			return nil
		},
	}
}

func (c *cli) provisionCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "provision ORG_KEY",
		Short: "Create the organization if needed and provision its database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.setup(cmd, runtimeOptions{disableWorkers: true})
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmd.Context()
			org, err := findOrCreateOrganization(ctx, rt.store, args[0], name)
			if err != nil {
				return err
			}
			org, err = rt.engine.PrepareDatabaseConnections(ctx, org.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "provisioned %s\n", org.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for a new organization")
	return cmd
}

func findOrCreateOrganization(ctx context.Context, store hookdb.AppStore, key, name string) (*hookdb.Organization, error) {
	key = strings.TrimSpace(key)
	org, err := store.OrganizationByKey(ctx, key)
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, hookdb.ErrNotFound) {
		return nil, err
	}
	if name == "" {
		name = key
	}
	org = &hookdb.Organization{Key: key, Name: name}
	if err := store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

func (c *cli) deprovisionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deprovision ORG_KEY",
		Short: "Drop the organization's database and clear its connection urls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.setup(cmd, runtimeOptions{disableWorkers: true})
			if err != nil {
				return err
			}
			defer rt.Close()
			org, err := rt.store.OrganizationByKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := rt.engine.RemoveRelatedDatabase(cmd.Context(), org.ID); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "removed database of %s\n", org.Key)
			return nil
		},
	}
}

type migrator interface {
	Migrate() error
}

func (c *cli) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the application and job queue tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := c.setup(cmd, runtimeOptions{disableWorkers: true})
			if err != nil {
				return err
			}
			defer rt.Close()
			targets := []struct {
				name   string
				target any
			}{{"app store", rt.store}, {"job queue", rt.queue}}
			for _, t := range targets {
				m, ok := t.target.(migrator)
				if !ok {
					fmt.Fprintf(c.stdout, "%s needs no migration\n", t.name)
					continue
				}
				if err := m.Migrate(); err != nil {
					return fmt.Errorf("migrate %s: %w", t.name, err)
				}
				fmt.Fprintf(c.stdout, "migrated %s\n", t.name)
			}
			return nil
		},
	}
}

func (c *cli) tokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token ORG_KEY",
		Short: "Print a bearer token for an organization's tenant API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(c.configPath, cmd)
			if err != nil {
				return err
			}
			secret := cfg.JWTSecret
			if secret == "" {
				secret = httpapi.DefaultJWTSecret
			}
			token, err := httpapi.IssueToken(secret, args[0], subject, time.Now().Add(ttl))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.stdout, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
