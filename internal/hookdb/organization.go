package hookdb

import (
	"context"
	"fmt"
)

// DatabaseBuilder creates and destroys the physical database behind an
// organization.
type DatabaseBuilder interface {
	Build(ctx context.Context, org *Organization) (adminURL, readonlyURL string, err error)
	Remove(ctx context.Context, org *Organization) error
}

// PrepareDatabaseConnections provisions the organization's database while
// holding its row lock, so two concurrent calls cannot both succeed.
func (e *Engine) PrepareDatabaseConnections(ctx context.Context, orgID int64) (*Organization, error) {
	if e.builder == nil {
		return nil, &PreconditionError{Message: "no database builder configured"}
	}
	var out Organization
	err := e.store.LockOrganization(ctx, orgID, func(org *Organization) error {
		if org.AdminConnectionURL != "" || org.ReadonlyConnectionURL != "" {
			return &PreconditionError{Message: "connections already set"}
		}
		admin, readonly, err := e.builder.Build(ctx, org)
		if err != nil {
			return fmt.Errorf("build database for %s: %w", org.Key, err)
		}
		org.AdminConnectionURL = admin
		org.ReadonlyConnectionURL = readonly
		out = *org
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("organization database prepared", "organization", out.Key)
	return &out, nil
}

// RemoveRelatedDatabase drops the organization's database. Cached
// connections are closed first; one still borrowed aborts the removal.
func (e *Engine) RemoveRelatedDatabase(ctx context.Context, orgID int64) error {
	if e.builder == nil {
		return &PreconditionError{Message: "no database builder configured"}
	}
	return e.store.LockOrganization(ctx, orgID, func(org *Organization) error {
		if !org.HasDatabase() {
			return &PreconditionError{Message: "no db has been created, call prepare_database_connections first"}
		}
		if e.cache != nil {
			for _, u := range []string{org.AdminConnectionURL, org.ReadonlyConnectionURL} {
				if err := e.cache.Disconnect(u); err != nil {
					return &PreconditionError{Message: "database connection still in use", Err: err}
				}
			}
		}
		if err := e.builder.Remove(ctx, org); err != nil {
			return fmt.Errorf("remove database for %s: %w", org.Key, err)
		}
		org.AdminConnectionURL = ""
		org.ReadonlyConnectionURL = ""
		e.logger.Info("organization database removed", "organization", org.Key)
		return nil
	})
}

// ExecuteReadonlyQuery runs sql on the organization's readonly connection and
// keeps at most MaxQueryRows rows.
func (e *Engine) ExecuteReadonlyQuery(ctx context.Context, org *Organization, sql string) (QueryResult, error) {
	return NewTenantDB(org, e.cache).Query(ctx, sql)
}
