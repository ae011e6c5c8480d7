package hookdb

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDatabaseBuilder creates one database per organization on the
// server named by SuperuserURL, owned by a fresh admin role, with a second
// role that can only read.
type PostgresDatabaseBuilder struct {
	SuperuserURL string
	// TenantHost overrides the host written into tenant URLs, for servers
	// reached under a different name by tenants than by the builder.
	TenantHost string
}

func (b PostgresDatabaseBuilder) connect(ctx context.Context, dbname string) (*pgx.Conn, error) {
	u, err := url.Parse(b.SuperuserURL)
	if err != nil {
		return nil, fmt.Errorf("%w: superuser url: %v", ErrInvalidInput, err)
	}
	if dbname != "" {
		u.Path = "/" + dbname
	}
	return pgx.Connect(ctx, u.String())
}

func (b PostgresDatabaseBuilder) Build(ctx context.Context, org *Organization) (string, string, error) {
	suffix, err := randomHex(6)
	if err != nil {
		return "", "", err
	}
	p := provisionPlan{
		org:          org.Key,
		dbname:       "adb" + suffix,
		adminUser:    "aad" + suffix,
		readonlyUser: "aro" + suffix,
	}
	if p.adminPass, err = randomHex(16); err != nil {
		return "", "", err
	}
	if p.readonlyPass, err = randomHex(16); err != nil {
		return "", "", err
	}

	conn, err := b.connect(ctx, "")
	if err != nil {
		return "", "", &StorageError{Op: "connect as superuser", Err: err}
	}
	defer conn.Close(context.WithoutCancel(ctx))
	err = p.run(ctx, conn, func(ctx context.Context) (execer, func(), error) {
		tenant, err := b.connect(ctx, p.dbname)
		if err != nil {
			return nil, nil, err
		}
		return tenant, func() { _ = tenant.Close(context.WithoutCancel(ctx)) }, nil
	})
	if err != nil {
		return "", "", err
	}
	return b.tenantURL(p.dbname, p.adminUser, p.adminPass), b.tenantURL(p.dbname, p.readonlyUser, p.readonlyPass), nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// provisionPlan names the roles and database of one tenant.
type provisionPlan struct {
	org          string
	dbname       string
	adminUser    string
	adminPass    string
	readonlyUser string
	readonlyPass string
}

type provisionStep struct {
	sql  string
	undo string
}

func (p provisionPlan) serverSteps() []provisionStep {
	db, admin, ro := quoteIdent(p.dbname), quoteIdent(p.adminUser), quoteIdent(p.readonlyUser)
	return []provisionStep{
		{
			sql:  fmt.Sprintf("CREATE ROLE %s PASSWORD '%s' NOSUPERUSER NOCREATEDB NOCREATEROLE NOINHERIT LOGIN", admin, p.adminPass),
			undo: fmt.Sprintf("DROP ROLE IF EXISTS %s", admin),
		},
		{
			sql:  fmt.Sprintf("CREATE ROLE %s PASSWORD '%s' NOSUPERUSER NOCREATEDB NOCREATEROLE NOINHERIT LOGIN", ro, p.readonlyPass),
			undo: fmt.Sprintf("DROP ROLE IF EXISTS %s", ro),
		},
		{
			sql:  fmt.Sprintf("CREATE DATABASE %s OWNER %s", db, admin),
			undo: fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", db),
		},
		{sql: fmt.Sprintf("REVOKE ALL PRIVILEGES ON DATABASE %s FROM public", db)},
		{sql: fmt.Sprintf("GRANT CONNECT ON DATABASE %s TO %s", db, ro)},
	}
}

func (p provisionPlan) tenantGrants() []string {
	admin, ro := quoteIdent(p.adminUser), quoteIdent(p.readonlyUser)
	return []string{
		"REVOKE CREATE ON SCHEMA public FROM public",
		fmt.Sprintf("GRANT CREATE, USAGE ON SCHEMA public TO %s", admin),
		fmt.Sprintf("GRANT USAGE ON SCHEMA public TO %s", ro),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES FOR ROLE %s IN SCHEMA public GRANT SELECT ON TABLES TO %s", admin, ro),
	}
}

// run executes the plan. When a step fails, whatever roles and database
// were already created are dropped again, newest first.
func (p provisionPlan) run(ctx context.Context, su execer, openTenant func(context.Context) (execer, func(), error)) (err error) {
	var undo []string
	defer func() {
		if err == nil {
			return
		}
		cleanupCtx := context.WithoutCancel(ctx)
		for i := len(undo) - 1; i >= 0; i-- {
			if _, cerr := su.Exec(cleanupCtx, undo[i]); cerr != nil {
				err = errors.Join(err, &StorageError{Op: "clean up " + p.org, Err: cerr})
			}
		}
	}()

	for _, step := range p.serverSteps() {
		if _, err := su.Exec(ctx, step.sql); err != nil {
			return &StorageError{Op: "provision " + p.org, Err: err}
		}
		if step.undo != "" {
			undo = append(undo, step.undo)
		}
	}
	tenant, closeTenant, err := openTenant(ctx)
	if err != nil {
		return &StorageError{Op: "connect to " + p.dbname, Err: err}
	}
	defer closeTenant()
	for _, stmt := range p.tenantGrants() {
		if _, err := tenant.Exec(ctx, stmt); err != nil {
			return &StorageError{Op: "grant " + p.org, Err: err}
		}
	}
	return nil
}

func (b PostgresDatabaseBuilder) tenantURL(dbname, user, pass string) string {
	u, err := url.Parse(b.SuperuserURL)
	if err != nil {
		return ""
	}
	u.User = url.UserPassword(user, pass)
	u.Path = "/" + dbname
	if b.TenantHost != "" {
		u.Host = b.TenantHost
	}
	return u.String()
}

func (b PostgresDatabaseBuilder) Remove(ctx context.Context, org *Organization) error {
	admin, err := url.Parse(org.AdminConnectionURL)
	if err != nil {
		return fmt.Errorf("%w: admin url: %v", ErrInvalidInput, err)
	}
	readonly, err := url.Parse(org.ReadonlyConnectionURL)
	if err != nil {
		return fmt.Errorf("%w: readonly url: %v", ErrInvalidInput, err)
	}
	dbname := strings.TrimPrefix(admin.Path, "/")
	if !IsValidIdentifier(dbname) {
		return fmt.Errorf("%w: database name %q", ErrInvalidInput, dbname)
	}
	conn, err := b.connect(ctx, "")
	if err != nil {
		return &StorageError{Op: "connect as superuser", Err: err}
	}
	defer conn.Close(context.WithoutCancel(ctx))
	stmts := []string{
		fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", quoteIdent(dbname)),
		fmt.Sprintf("DROP ROLE IF EXISTS %s", quoteIdent(admin.User.Username())),
		fmt.Sprintf("DROP ROLE IF EXISTS %s", quoteIdent(readonly.User.Username())),
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return &StorageError{Op: "remove " + org.Key, Err: err}
		}
	}
	return nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
