package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sowerr "github.com/sowdb/sowdb/internal/errors"
	"github.com/sowdb/sowdb/internal/ident"
	"github.com/sowdb/sowdb/internal/schema"
	"github.com/sowdb/sowdb/internal/value"
)

// TimestampFormat is the layout of the received_at column.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Meta carries the system column values of one row.
type Meta struct {
	ReceivedAt time.Time
	SourceIP   string
	UserAgent  string
	RawJSON    string
}

// WriteResult describes a committed row.
type WriteResult struct {
	ID      int64
	Created bool
	Columns []string
}

// Writer migrates and inserts rows, one transaction per row.
type Writer struct {
	migrator *schema.Migrator
	logger   *slog.Logger
}

// NewWriter creates a writer. A nil logger uses slog.Default().
func NewWriter(logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{migrator: schema.NewMigrator(logger), logger: logger}
}

// Write ensures table can hold row and inserts it, atomically. Any failure
// rolls back both the schema change and the insert.
func (w *Writer) Write(ctx context.Context, db *sql.DB, table ident.Identifier, row value.Row, meta Meta) (*WriteResult, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Classify(err, sowerr.CodeWriteFailed, "failed to begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				w.logger.Warn("store: rollback failed", "table", table.String(), "error", rbErr)
			}
		}
	}()

	created, err := w.migrator.EnsureTable(ctx, tx, table, schema.Infer(row))
	if err != nil {
		return nil, Classify(err, sowerr.CodeSchemaMigrationFailed, "schema migration failed")
	}

	id, err := w.Insert(ctx, tx, table, row, meta)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, Classify(err, sowerr.CodeWriteFailed, "failed to commit")
	}
	committed = true

	return &WriteResult{ID: id, Created: created, Columns: row.Names()}, nil
}

// Insert adds one row to table and returns its surrogate id. Identifiers
// come only from sanitized names; every value is bound as a parameter.
func (w *Writer) Insert(ctx context.Context, tx schema.Querier, table ident.Identifier, row value.Row, meta Meta) (int64, error) {
	stmt, args := insertSQL(table, row, meta)
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, Classify(err, sowerr.CodeWriteFailed, "insert failed")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, sowerr.NewStorageError(sowerr.CodeWriteFailed, "failed to read row id", err)
	}
	return id, nil
}

func insertSQL(table ident.Identifier, row value.Row, meta Meta) (string, []any) {
	if meta.ReceivedAt.IsZero() {
		meta.ReceivedAt = time.Now()
	}
	names := make([]string, 0, len(row)+4)
	args := make([]any, 0, len(row)+4)

	names = append(names, ident.ReceivedAt.Quoted(), ident.SourceIP.Quoted(), ident.UserAgent.Quoted(), ident.RawJSON.Quoted())
	args = append(args, meta.ReceivedAt.UTC().Format(TimestampFormat), meta.SourceIP, meta.UserAgent, meta.RawJSON)

	for _, c := range row {
		names = append(names, c.Name.Quoted())
		args = append(args, c.Value.Storage())
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table.Quoted(), strings.Join(names, ", "), placeholders)
	return stmt, args
}
