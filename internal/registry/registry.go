// Package registry keeps an append-only audit record of every write in a
// metadata database separate from the stores themselves.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/spaolacci/murmur3"

	sowerr "github.com/sowdb/sowdb/internal/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its settings in package globals.
var gooseMu sync.Mutex

// Outcome values for successful writes. Failed writes record the error code.
const OutcomeOK = "ok"

// Event describes one write attempt.
type Event struct {
	RequestID string
	At        time.Time
	Endpoint  string
	Store     string
	Table     string
	Outcome   string
	Principal string
	CallerIP  string
	// RowID is zero when no row was written.
	RowID    int64
	Duration time.Duration
	Body     []byte
}

// Entry is a stored registry record.
type Entry struct {
	ID         int64
	RequestID  string
	RecordedAt string
	Endpoint   string
	Store      string
	Table      string
	Outcome    string
	Principal  string
	CallerIP   string
	RowID      *int64
	DurationMS int64
	BodyBytes  int64
	BodyHash   string
}

// Logger writes registry entries through its own connection pool, so a
// registry write never shares a transaction with a store write.
type Logger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the registry database at path and applies
// pending migrations.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("registry: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &Logger{db: db, logger: logger}, nil
}

// Migrate applies the embedded migrations to db.
func Migrate(db *sql.DB, logger *slog.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logger})
	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("registry: failed to set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("registry: failed to run migrations: %w", err)
	}
	return nil
}

// Version returns the applied migration version.
func (l *Logger) Version() (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite"); err != nil {
		return 0, fmt.Errorf("registry: failed to set dialect: %w", err)
	}
	return goose.GetDBVersion(l.db)
}

// Record appends one entry.
func (l *Logger) Record(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	var rowID any
	if ev.RowID > 0 {
		rowID = ev.RowID
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO registry (
			request_id, recorded_at, endpoint, store, table_name, outcome,
			principal, caller_ip, row_id, duration_ms, body_bytes, body_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID,
		ev.At.UTC().Format("2006-01-02T15:04:05.000Z"),
		ev.Endpoint,
		ev.Store,
		ev.Table,
		ev.Outcome,
		ev.Principal,
		ev.CallerIP,
		rowID,
		ev.Duration.Milliseconds(),
		len(ev.Body),
		Fingerprint(ev.Body),
	)
	if err != nil {
		return sowerr.NewRegistryError("failed to record registry entry", err)
	}
	return nil
}

// List returns the most recent entries, newest first.
func (l *Logger) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, request_id, recorded_at, endpoint, store, table_name, outcome,
		       principal, caller_ip, row_id, duration_ms, body_bytes, body_hash
		FROM registry
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e     Entry
			rowID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.RecordedAt, &e.Endpoint, &e.Store, &e.Table, &e.Outcome,
			&e.Principal, &e.CallerIP, &rowID, &e.DurationMS, &e.BodyBytes, &e.BodyHash); err != nil {
			return nil, fmt.Errorf("registry: failed to scan entry: %w", err)
		}
		if rowID.Valid {
			id := rowID.Int64
			e.RowID = &id
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: error iterating entries: %w", err)
	}
	return entries, nil
}

// Close closes the database.
func (l *Logger) Close() error {
	return l.db.Close()
}

// Fingerprint returns the murmur3 128-bit hash of body as 32 hex digits.
func Fingerprint(body []byte) string {
	h := murmur3.New128()
	h.Write(body)
	h1, h2 := h.Sum128()
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// gooseLogger routes goose output through slog.
type gooseLogger struct {
	l *slog.Logger
}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.l.Debug(fmt.Sprintf("registry: "+format, v...))
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.l.Error(fmt.Sprintf("registry: "+format, v...))
}
