package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sowdb/sowdb/internal/ident"
)

// Migrator makes sure a logical table can hold a set of columns. Tables are
// only ever created or widened; columns are never dropped or retyped.
type Migrator struct {
	logger *slog.Logger
}

// NewMigrator creates a migrator. A nil logger uses slog.Default().
func NewMigrator(logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{logger: logger}
}

// EnsureTable creates table with cols when it is missing and reports true.
// Otherwise it adds each column of cols the table lacks, one ALTER statement
// per column, and reports false. System columns in cols are only used on
// creation.
//
// q should be the caller's write transaction. The first statement to fail
// returns its error and the caller must roll back; nothing here commits.
func (m *Migrator) EnsureTable(ctx context.Context, q Querier, table ident.Identifier, cols []Column) (bool, error) {
	exists, err := TableExists(ctx, q, table)
	if err != nil {
		return false, err
	}

	if !exists {
		if _, err := q.ExecContext(ctx, createTableSQL(table, cols)); err != nil {
			return false, fmt.Errorf("schema: failed to create table %s: %w", table, err)
		}
		m.logger.Info("schema: created table", "table", table.String(), "columns", len(cols))
		return true, nil
	}

	existing, err := Columns(ctx, q, table)
	if err != nil {
		return false, err
	}

	for _, c := range missingColumns(existing, cols) {
		stmt := "ALTER TABLE " + table.Quoted() + " ADD COLUMN " + c.definition()
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return false, fmt.Errorf("schema: failed to add column %s to %s: %w", c.Name, table, err)
		}
		m.logger.Debug("schema: added column", "table", table.String(), "column", c.Name.String(), "type", string(c.Type))
	}
	return false, nil
}

// createTableSQL renders a single CREATE statement holding the system columns
// followed by every non-system column of cols.
func createTableSQL(table ident.Identifier, cols []Column) string {
	all := SystemColumns()
	for _, c := range cols {
		if c.System || ident.IsReserved(c.Name.String()) {
			continue
		}
		if _, dup := Find(all, c.Name.String()); dup {
			continue
		}
		all = append(all, c)
	}

	defs := make([]string, len(all))
	for i, c := range all {
		defs[i] = c.definition()
	}
	return "CREATE TABLE IF NOT EXISTS " + table.Quoted() + " (\n    " + strings.Join(defs, ",\n    ") + "\n)"
}

// missingColumns returns the non-system columns of want absent from have,
// compared case-insensitively.
func missingColumns(have, want []Column) []Column {
	var missing []Column
	for _, c := range want {
		if c.System || ident.IsReserved(c.Name.String()) {
			continue
		}
		if _, ok := Find(have, c.Name.String()); ok {
			continue
		}
		if _, ok := Find(missing, c.Name.String()); ok {
			continue
		}
		missing = append(missing, c)
	}
	return missing
}
