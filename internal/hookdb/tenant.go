package hookdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentworkforce/hookdb/internal/conncache"
)

const MaxQueryRows = 1000

// Querier is the connection surface handed to borrow callbacks.
type Querier = conncache.Querier

// Borrow options for ordinary statements and for schema changes.
var (
	FastTimeout = conncache.Options{Named: conncache.TimeoutFast}
	SlowSchema  = conncache.Options{Named: conncache.TimeoutSlowSchema}
)

type Borrower interface {
	Borrow(ctx context.Context, connURL string, opts conncache.Options, fn func(ctx context.Context, q conncache.Querier) error) error
}

// TenantDB reaches one organization's database through the shared cache.
type TenantDB struct {
	org   *Organization
	cache Borrower
}

func NewTenantDB(org *Organization, cache Borrower) *TenantDB {
	return &TenantDB{org: org, cache: cache}
}

func (d *TenantDB) Admin(ctx context.Context, opts conncache.Options, fn func(ctx context.Context, q conncache.Querier) error) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.cache.Borrow(ctx, d.org.AdminConnectionURL, opts, fn)
}

func (d *TenantDB) Readonly(ctx context.Context, opts conncache.Options, fn func(ctx context.Context, q conncache.Querier) error) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.cache.Borrow(ctx, d.org.ReadonlyConnectionURL, opts, fn)
}

func (d *TenantDB) ready() error {
	if d == nil || d.org == nil || d.cache == nil {
		return &PreconditionError{Message: "tenant database is not configured"}
	}
	if !d.org.HasDatabase() {
		return &PreconditionError{Message: fmt.Sprintf("organization %s has no database, prepare its connections first", d.org.Key)}
	}
	return nil
}

type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// Query runs a read-only statement on the readonly URL and keeps at most
// MaxQueryRows rows.
func (d *TenantDB) Query(ctx context.Context, sql string, args ...any) (QueryResult, error) {
	if strings.TrimSpace(sql) == "" {
		return QueryResult{}, fmt.Errorf("%w: query is empty", ErrInvalidInput)
	}
	var result QueryResult
	err := d.Readonly(ctx, FastTimeout, func(ctx context.Context, q conncache.Querier) error {
		rows, err := q.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for _, fd := range rows.FieldDescriptions() {
			result.Columns = append(result.Columns, fd.Name)
		}
		for rows.Next() {
			if len(result.Rows) >= MaxQueryRows {
				result.Truncated = true
				break
			}
			values, err := rows.Values()
			if err != nil {
				return err
			}
			result.Rows = append(result.Rows, values)
		}
		return rows.Err()
	})
	if err != nil {
		return QueryResult{}, err
	}
	return result, nil
}
