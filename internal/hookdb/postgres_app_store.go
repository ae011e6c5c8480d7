package hookdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

var appStoreMigrations = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id BIGSERIAL PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		billing_email TEXT NOT NULL DEFAULT '',
		admin_connection_url TEXT NOT NULL DEFAULT '',
		readonly_connection_url TEXT NOT NULL DEFAULT '',
		soft_deleted_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS service_integrations (
		id BIGSERIAL PRIMARY KEY,
		opaque_id TEXT NOT NULL UNIQUE,
		organization_id BIGINT NOT NULL REFERENCES organizations (id),
		service_name TEXT NOT NULL,
		table_name TEXT NOT NULL,
		webhook_secret TEXT NOT NULL DEFAULT '',
		backfill_key TEXT NOT NULL DEFAULT '',
		backfill_secret TEXT NOT NULL DEFAULT '',
		api_url TEXT NOT NULL DEFAULT '',
		depends_on_id BIGINT REFERENCES service_integrations (id),
		last_backfilled_at TIMESTAMPTZ,
		soft_deleted_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS service_integrations_org_idx ON service_integrations (organization_id, service_name)`,
	`CREATE INDEX IF NOT EXISTS service_integrations_depends_on_idx ON service_integrations (depends_on_id)`,
	`CREATE TABLE IF NOT EXISTS webhook_logs (
		id BIGSERIAL PRIMARY KEY,
		opaque_id TEXT NOT NULL,
		organization_id BIGINT,
		request_body TEXT NOT NULL,
		request_headers JSONB NOT NULL,
		request_method TEXT NOT NULL,
		request_path TEXT NOT NULL,
		response_status INTEGER NOT NULL,
		inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

const integrationColumns = `id, opaque_id, organization_id, service_name, table_name, webhook_secret,
	backfill_key, backfill_secret, api_url, depends_on_id, last_backfilled_at, soft_deleted_at,
	created_at, updated_at`

const organizationColumns = `id, key, name, billing_email, admin_connection_url,
	readonly_connection_url, soft_deleted_at, created_at`

type PostgresAppStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresAppStore(dsn string) (*PostgresAppStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresAppStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresAppStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range appStoreMigrations {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = &StorageError{Op: "migrate", Err: err}
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

// Migrate creates the application tables if they do not exist yet.
func (s *PostgresAppStore) Migrate() error {
	return s.ensureReady()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrganization(row rowScanner) (*Organization, error) {
	var org Organization
	var deleted sql.NullTime
	err := row.Scan(&org.ID, &org.Key, &org.Name, &org.BillingEmail, &org.AdminConnectionURL,
		&org.ReadonlyConnectionURL, &deleted, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "scan organization", Err: err}
	}
	if deleted.Valid {
		t := deleted.Time.UTC()
		org.SoftDeletedAt = &t
	}
	org.CreatedAt = org.CreatedAt.UTC()
	return &org, nil
}

func scanIntegration(row rowScanner) (*ServiceIntegration, error) {
	var sint ServiceIntegration
	var dependsOn sql.NullInt64
	var backfilled, deleted sql.NullTime
	err := row.Scan(&sint.ID, &sint.OpaqueID, &sint.OrganizationID, &sint.ServiceName, &sint.TableName,
		&sint.WebhookSecret, &sint.BackfillKey, &sint.BackfillSecret, &sint.APIURL, &dependsOn,
		&backfilled, &deleted, &sint.CreatedAt, &sint.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "scan integration", Err: err}
	}
	if dependsOn.Valid {
		id := dependsOn.Int64
		sint.DependsOnID = &id
	}
	if backfilled.Valid {
		t := backfilled.Time.UTC()
		sint.LastBackfilledAt = &t
	}
	if deleted.Valid {
		t := deleted.Time.UTC()
		sint.SoftDeletedAt = &t
	}
	return &sint, nil
}

func (s *PostgresAppStore) CreateOrganization(ctx context.Context, org *Organization) error {
	if err := org.Validate(); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (key, name, billing_email, admin_connection_url, readonly_connection_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		org.Key, org.Name, org.BillingEmail, org.AdminConnectionURL, org.ReadonlyConnectionURL,
	).Scan(&org.ID, &org.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: organization %s already exists", ErrInvalidInput, org.Key)
	}
	if err != nil {
		return &StorageError{Op: "create organization", Err: err}
	}
	return nil
}

func (s *PostgresAppStore) Organization(ctx context.Context, id int64) (*Organization, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id))
}

func (s *PostgresAppStore) OrganizationByKey(ctx context.Context, key string) (*Organization, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return scanOrganization(s.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE key = $1`, key))
}

func (s *PostgresAppStore) LockOrganization(ctx context.Context, id int64, fn func(org *Organization) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "lock organization", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	org, err := scanOrganization(tx.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if err := fn(org); err != nil {
		return err
	}
	if err := org.Validate(); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE organizations
		SET name = $2, billing_email = $3, admin_connection_url = $4, readonly_connection_url = $5, soft_deleted_at = $6
		WHERE id = $1`,
		org.ID, org.Name, org.BillingEmail, org.AdminConnectionURL, org.ReadonlyConnectionURL, nullTime(org.SoftDeletedAt))
	if err != nil {
		return &StorageError{Op: "update organization", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "commit organization", Err: err}
	}
	committed = true
	return nil
}

func (s *PostgresAppStore) CreateIntegration(ctx context.Context, sint *ServiceIntegration) error {
	if err := sint.Validate(); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO service_integrations (opaque_id, organization_id, service_name, table_name, webhook_secret,
			backfill_key, backfill_secret, api_url, depends_on_id, last_backfilled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		sint.OpaqueID, sint.OrganizationID, sint.ServiceName, sint.TableName, sint.WebhookSecret,
		sint.BackfillKey, sint.BackfillSecret, sint.APIURL, nullInt(sint.DependsOnID), nullTime(sint.LastBackfilledAt),
	).Scan(&sint.ID, &sint.CreatedAt, &sint.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: opaque id already used", ErrInvalidInput)
	}
	if err != nil {
		return &StorageError{Op: "create integration", Err: err}
	}
	return nil
}

func (s *PostgresAppStore) Integration(ctx context.Context, id int64) (*ServiceIntegration, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return scanIntegration(s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM service_integrations WHERE id = $1`, id))
}

func (s *PostgresAppStore) IntegrationByOpaqueID(ctx context.Context, opaqueID string) (*ServiceIntegration, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return scanIntegration(s.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM service_integrations WHERE opaque_id = $1`, opaqueID))
}

func (s *PostgresAppStore) FindIntegration(ctx context.Context, orgID int64, serviceName string) (*ServiceIntegration, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return scanIntegration(s.db.QueryRowContext(ctx, `
		SELECT `+integrationColumns+` FROM service_integrations
		WHERE organization_id = $1 AND lower(service_name) = lower($2) AND soft_deleted_at IS NULL
		ORDER BY id LIMIT 1`, orgID, serviceName))
}

func (s *PostgresAppStore) ListIntegrations(ctx context.Context, orgID int64) ([]*ServiceIntegration, error) {
	return s.listIntegrations(ctx, `organization_id = $1`, orgID)
}

func (s *PostgresAppStore) ListIntegrationsByService(ctx context.Context, serviceName string) ([]*ServiceIntegration, error) {
	return s.listIntegrations(ctx, `lower(service_name) = lower($1)`, serviceName)
}

func (s *PostgresAppStore) ListDependents(ctx context.Context, integrationID int64) ([]*ServiceIntegration, error) {
	return s.listIntegrations(ctx, `depends_on_id = $1`, integrationID)
}

func (s *PostgresAppStore) listIntegrations(ctx context.Context, where string, arg any) ([]*ServiceIntegration, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+integrationColumns+` FROM service_integrations
		WHERE `+where+` AND soft_deleted_at IS NULL ORDER BY id`, arg)
	if err != nil {
		return nil, &StorageError{Op: "list integrations", Err: err}
	}
	defer rows.Close()
	var out []*ServiceIntegration
	for rows.Next() {
		sint, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sint)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list integrations", Err: err}
	}
	return out, nil
}

func (s *PostgresAppStore) UpdateIntegration(ctx context.Context, sint *ServiceIntegration) error {
	if err := sint.Validate(); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	err := s.db.QueryRowContext(ctx, `
		UPDATE service_integrations
		SET webhook_secret = $3, backfill_key = $4, backfill_secret = $5, api_url = $6,
			depends_on_id = $7, last_backfilled_at = $8, table_name = $9, updated_at = NOW()
		WHERE id = $1 AND opaque_id = $2
		RETURNING updated_at`,
		sint.ID, sint.OpaqueID, sint.WebhookSecret, sint.BackfillKey, sint.BackfillSecret, sint.APIURL,
		nullInt(sint.DependsOnID), nullTime(sint.LastBackfilledAt), sint.TableName,
	).Scan(&sint.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return &StorageError{Op: "update integration", Err: err}
	}
	return nil
}

func (s *PostgresAppStore) SoftDeleteIntegration(ctx context.Context, id int64, at time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE service_integrations SET soft_deleted_at = COALESCE(soft_deleted_at, $2) WHERE id = $1`, id, at.UTC())
	if err != nil {
		return &StorageError{Op: "delete integration", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresAppStore) InsertWebhookLog(ctx context.Context, entry *WebhookLogEntry) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_logs (opaque_id, organization_id, request_body, request_headers,
			request_method, request_path, response_status)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		RETURNING id, inserted_at`,
		entry.OpaqueID, nullInt(entry.OrganizationID), entry.RequestBody, entry.HeadersJSON(),
		entry.RequestMethod, entry.RequestPath, entry.ResponseStatus,
	).Scan(&entry.ID, &entry.InsertedAt)
	if err != nil {
		return &StorageError{Op: "insert webhook log", Err: err}
	}
	return nil
}

func (s *PostgresAppStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}
