// Package schema infers column definitions from flattened rows and evolves
// logical tables additively to hold them.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sowdb/sowdb/internal/ident"
	"github.com/sowdb/sowdb/internal/value"
)

// Type is a declared SQLite column type.
type Type string

// Column types. System columns are declared TEXT or INTEGER; inferred columns
// are TypeAny, declared without a type so SQLite applies no affinity and every
// value reads back with the storage class it was bound with. No column has a
// date/time declaration so the driver hands timestamps back as text.
const (
	TypeText    Type = "TEXT"
	TypeInteger Type = "INTEGER"
	TypeReal    Type = "REAL"
	TypeAny     Type = "ANY"
)

// ReceivedAtDefault is the server-side default for the received timestamp:
// UTC, ISO-8601 with millisecond precision.
const ReceivedAtDefault = `strftime('%Y-%m-%dT%H:%M:%fZ','now')`

// Column describes one column of a logical table.
type Column struct {
	Name   ident.Identifier `json:"name"`
	Type   Type             `json:"type"`
	System bool             `json:"system"`
}

// systemColumns are carried by every logical table, in this order.
var systemColumns = []Column{
	{Name: ident.ID, Type: TypeInteger, System: true},
	{Name: ident.ReceivedAt, Type: TypeText, System: true},
	{Name: ident.SourceIP, Type: TypeText, System: true},
	{Name: ident.UserAgent, Type: TypeText, System: true},
	{Name: ident.RawJSON, Type: TypeText, System: true},
}

// SystemColumns returns a copy of the system column definitions.
func SystemColumns() []Column {
	out := make([]Column, len(systemColumns))
	copy(out, systemColumns)
	return out
}

// Infer maps a flattened row to column definitions: the system columns
// followed by one nullable TypeAny column per field. A column first seen
// holding a number still accepts strings later, unchanged.
func Infer(row value.Row) []Column {
	cols := SystemColumns()
	for _, c := range row {
		cols = append(cols, Column{Name: c.Name, Type: TypeAny})
	}
	return cols
}

// definition renders the column clause used in CREATE and ALTER statements.
func (c Column) definition() string {
	switch c.Name {
	case ident.ID:
		return c.Name.Quoted() + " INTEGER PRIMARY KEY AUTOINCREMENT"
	case ident.ReceivedAt:
		return c.Name.Quoted() + " TEXT NOT NULL DEFAULT (" + ReceivedAtDefault + ")"
	default:
		if c.Type == TypeAny || c.Type == "" {
			return c.Name.Quoted()
		}
		return c.Name.Quoted() + " " + string(c.Type)
	}
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TableExists reports whether the logical table exists.
func TableExists(ctx context.Context, q Querier, table ident.Identifier) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE",
		table.String(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("schema: failed to check table %s: %w", table, err)
	}
	return n > 0, nil
}

// Columns introspects the columns of table in declaration order. A missing
// table yields no columns and no error.
func Columns(ctx context.Context, q Querier, table ident.Identifier) ([]Column, error) {
	rows, err := q.QueryContext(ctx, "PRAGMA table_info("+table.Quoted()+")")
	if err != nil {
		return nil, fmt.Errorf("schema: failed to introspect %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid      int
			name     string
			declType string
			notNull  int
			dflt     sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("schema: failed to scan column of %s: %w", table, err)
		}
		id, ok := ident.Parse(name)
		if !ok {
			// Created outside this engine; not addressable.
			continue
		}
		typ := Type(strings.ToUpper(declType))
		if typ == "" {
			typ = TypeAny
		}
		cols = append(cols, Column{
			Name:   id,
			Type:   typ,
			System: ident.IsReserved(name),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema: error iterating columns of %s: %w", table, err)
	}
	return cols, nil
}

// ListTables returns the logical tables of a store, sorted by name.
func ListTables(ctx context.Context, q Querier) ([]ident.Identifier, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\\_%' ESCAPE '\\' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("schema: failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []ident.Identifier
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("schema: failed to scan table name: %w", err)
		}
		if id, ok := ident.Parse(name); ok {
			tables = append(tables, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema: error iterating tables: %w", err)
	}
	return tables, nil
}

// Find returns the column of cols whose name matches name case-insensitively.
func Find(cols []Column, name string) (Column, bool) {
	for _, c := range cols {
		if strings.EqualFold(c.Name.String(), name) {
			return c, true
		}
	}
	return Column{}, false
}
