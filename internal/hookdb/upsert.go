package hookdb

import (
	"context"
	"fmt"
)

// UpsertPayload turns one payload into a row and applies it with the
// replicator's conflict predicate. Enrichment runs first; if it fails nothing
// is written. It reports whether a row was inserted or updated.
func UpsertPayload(ctx context.Context, env *Env, r Replicator, payload Payload) (bool, error) {
	var enrichment any
	if enricher, ok := r.(Enricher); ok {
		var err error
		enrichment, err = enricher.FetchEnrichment(ctx, payload)
		if err != nil {
			return false, fmt.Errorf("enrich %s: %w", env.Integration.ServiceName, err)
		}
	}
	row, err := r.PrepareRow(payload, enrichment)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}
	if _, ok := row[DataColumn]; !ok {
		raw, err := payload.JSON()
		if err != nil {
			return false, fmt.Errorf("%w: encode payload: %v", ErrInvalidInput, err)
		}
		row[DataColumn] = string(raw)
	}
	return UpsertPrepared(ctx, env, r, row)
}

// UpsertPrepared applies an already built row.
func UpsertPrepared(ctx context.Context, env *Env, r Replicator, row Row) (bool, error) {
	var written bool
	err := env.DB.Admin(ctx, FastTimeout, func(ctx context.Context, q Querier) error {
		var err error
		written, err = UpsertRow(ctx, q, env.Integration.TableName, r.Schema(), row, r.ConflictPredicate(), env.Time())
		return err
	})
	return written, err
}

// DeleteRows removes every row of env's table where column equals value. A
// table that was never created has nothing to delete.
func DeleteRows(ctx context.Context, env *Env, column string, value any) (int64, error) {
	if !IsValidIdentifier(column) {
		return 0, fmt.Errorf("%w: column %q is not a valid identifier", ErrInvalidInput, column)
	}
	table := env.Integration.TableName
	var deleted int64
	err := env.DB.Admin(ctx, FastTimeout, func(ctx context.Context, q Querier) error {
		exists, err := TableExists(ctx, q, table)
		if err != nil || !exists {
			return err
		}
		tag, err := q.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = $1", quoteIdent(table), quoteIdent(column)), value)
		if err != nil {
			return &StorageError{Op: "delete from " + table, Err: err}
		}
		deleted = tag.RowsAffected()
		return nil
	})
	return deleted, err
}
