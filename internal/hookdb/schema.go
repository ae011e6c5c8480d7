package hookdb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentworkforce/hookdb/internal/conncache"
)

const (
	DataColumn         = "data"
	RowCreatedAtColumn = "row_created_at"
	RowUpdatedAtColumn = "row_updated_at"
)

type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInteger   ColumnType = "integer"
	TypeBigInt    ColumnType = "bigint"
	TypeDouble    ColumnType = "double precision"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamptz"
	TypeDate      ColumnType = "date"
	TypeTextArray ColumnType = "text[]"
	TypeJSONB     ColumnType = "jsonb"
	TypeNumeric   ColumnType = "numeric"
	TypeSmallInt  ColumnType = "smallint"
)

type Column struct {
	Name  string
	Type  ColumnType
	Index bool
}

// TableSchema declares the physical table of one integration. Columns are
// filled by PrepareRow; Extra columns belong to the replicator's own
// bookkeeping (for example last_synced_at).
type TableSchema struct {
	RemoteKey Column
	Columns   []Column
	Extra     []Column
}

func (s TableSchema) RemoteKeyColumn() string {
	return s.RemoteKey.Name
}

func (s TableSchema) DenormalizedColumns() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

func (s TableSchema) declared() map[string]Column {
	out := make(map[string]Column, len(s.Columns)+len(s.Extra)+1)
	out[s.RemoteKey.Name] = s.RemoteKey
	for _, c := range s.Columns {
		out[c.Name] = c
	}
	for _, c := range s.Extra {
		out[c.Name] = c
	}
	return out
}

// Row maps column names to values for one replicated record.
type Row map[string]any

type PredicateKind int

const (
	PredicateNewerThan PredicateKind = iota + 1
	PredicateDataChanged
	PredicateAlways
)

// Predicate decides whether an incoming row may overwrite the stored one.
type Predicate struct {
	Kind   PredicateKind
	Column string
}

func NewerThan(column string) Predicate {
	return Predicate{Kind: PredicateNewerThan, Column: column}
}

func DataChanged() Predicate {
	return Predicate{Kind: PredicateDataChanged}
}

func Always() Predicate {
	return Predicate{Kind: PredicateAlways}
}

// SQL renders the predicate against the stored row aliased as "existing".
func (p Predicate) SQL() string {
	switch p.Kind {
	case PredicateNewerThan:
		col := quoteIdent(p.Column)
		return fmt.Sprintf("(existing.%s IS NULL OR existing.%s < EXCLUDED.%s)", col, col, col)
	case PredicateDataChanged:
		return fmt.Sprintf("existing.%s IS DISTINCT FROM EXCLUDED.%s", quoteIdent(DataColumn), quoteIdent(DataColumn))
	case PredicateAlways:
		return ""
	}
	panic(fmt.Sprintf("invariant violation: unknown predicate kind %d", p.Kind))
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func CreateTableStatements(table string, schema TableSchema) []string {
	t := quoteIdent(table)
	cols := []string{
		"pk bigserial PRIMARY KEY",
		fmt.Sprintf("%s %s NOT NULL UNIQUE", quoteIdent(schema.RemoteKey.Name), schema.RemoteKey.Type),
	}
	for _, c := range append(append([]Column(nil), schema.Columns...), schema.Extra...) {
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(c.Name), c.Type))
	}
	cols = append(cols,
		quoteIdent(DataColumn)+" jsonb NOT NULL",
		quoteIdent(RowCreatedAtColumn)+" timestamptz NOT NULL DEFAULT now()",
		quoteIdent(RowUpdatedAtColumn)+" timestamptz NOT NULL DEFAULT now()",
	)
	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", t, strings.Join(cols, ",\n  "))}
	return append(stmts, EnsureColumnStatements(table, schema)...)
}

// EnsureColumnStatements adds declared columns and indexes missing from an
// existing table.
func EnsureColumnStatements(table string, schema TableSchema) []string {
	t := quoteIdent(table)
	var stmts []string
	all := append(append([]Column(nil), schema.Columns...), schema.Extra...)
	for _, c := range all {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", t, quoteIdent(c.Name), c.Type))
	}
	for _, c := range all {
		if !c.Index {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", quoteIdent(indexName(table, c.Name)), t, quoteIdent(c.Name)))
	}
	return stmts
}

func indexName(table, column string) string {
	name := table + "_" + column + "_idx"
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func EnsureTable(ctx context.Context, q conncache.Querier, table string, schema TableSchema) error {
	if !IsValidIdentifier(table) {
		return fmt.Errorf("%w: table name %q is not a valid identifier", ErrInvalidInput, table)
	}
	for _, stmt := range CreateTableStatements(table, schema) {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return &StorageError{Op: "ensure table " + table, Err: err}
		}
	}
	return nil
}

func TableExists(ctx context.Context, q conncache.Querier, table string) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists); err != nil {
		return false, &StorageError{Op: "check table " + table, Err: err}
	}
	return exists, nil
}

// BuildUpsert renders the insert-or-update for one row. Undeclared columns
// are rejected; declared columns absent from the row are written as NULL.
func BuildUpsert(table string, schema TableSchema, row Row, pred Predicate, now time.Time) (string, []any, error) {
	if !IsValidIdentifier(table) {
		return "", nil, fmt.Errorf("%w: table name %q is not a valid identifier", ErrInvalidInput, table)
	}
	declared := schema.declared()
	var unknown []string
	for name := range row {
		if name == DataColumn {
			continue
		}
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return "", nil, fmt.Errorf("%w: undeclared columns %s for %s", ErrInvalidInput, strings.Join(unknown, ", "), table)
	}
	key, ok := row[schema.RemoteKey.Name]
	if !ok || key == nil {
		return "", nil, fmt.Errorf("%w: row is missing remote key %s", ErrInvalidInput, schema.RemoteKey.Name)
	}
	data, ok := row[DataColumn]
	if !ok || data == nil {
		return "", nil, fmt.Errorf("%w: row is missing %s", ErrInvalidInput, DataColumn)
	}

	names := []string{schema.RemoteKey.Name}
	args := []any{key}
	for _, c := range schema.Columns {
		names = append(names, c.Name)
		args = append(args, row[c.Name])
	}
	for _, c := range schema.Extra {
		if v, ok := row[c.Name]; ok {
			names = append(names, c.Name)
			args = append(args, v)
		}
	}
	names = append(names, DataColumn, RowCreatedAtColumn, RowUpdatedAtColumn)
	args = append(args, data, now, now)

	quoted := make([]string, len(names))
	placeholders := make([]string, len(names))
	var sets []string
	for i, name := range names {
		quoted[i] = quoteIdent(name)
		placeholders[i] = "$" + strconv.Itoa(i+1)
		switch name {
		case schema.RemoteKey.Name, RowCreatedAtColumn:
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
	}
	placeholders[len(names)-3] += "::jsonb"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s AS existing (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		quoteIdent(table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		quoteIdent(schema.RemoteKey.Name),
		strings.Join(sets, ", "),
	)
	if where := pred.SQL(); where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	return b.String(), args, nil
}

// UpsertRow applies one row and reports whether anything was written.
func UpsertRow(ctx context.Context, q conncache.Querier, table string, schema TableSchema, row Row, pred Predicate, now time.Time) (bool, error) {
	sql, args, err := BuildUpsert(table, schema, row, pred, now)
	if err != nil {
		return false, err
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return false, &StorageError{Op: "upsert into " + table, Err: err}
	}
	return tag.RowsAffected() > 0, nil
}
