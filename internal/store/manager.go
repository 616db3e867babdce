// Package store owns the per-store SQLite databases that hold logical tables,
// and the transactional write and read paths over them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	sowerr "github.com/sowdb/sowdb/internal/errors"
	"github.com/sowdb/sowdb/internal/ident"
)

// Options configures a Manager.
type Options struct {
	// Dir holds one <store>.db file per store.
	Dir string
	// BusyTimeout bounds how long a writer waits for the database lock.
	BusyTimeout time.Duration
	// MaxOpenConns bounds the write pool of each store.
	MaxOpenConns int
	Logger       *slog.Logger
}

// Handle is an open store: a write pool whose transactions take the
// database lock up front, and a read-only pool.
type Handle struct {
	Name ident.Identifier
	path string

	write *sql.DB
	read  *sql.DB
}

// Writer returns the write pool.
func (h *Handle) Writer() *sql.DB { return h.write }

// Reader returns the read-only pool.
func (h *Handle) Reader() *sql.DB { return h.read }

// Path returns the database file path.
func (h *Handle) Path() string { return h.path }

func (h *Handle) close() error {
	var errs []error
	if h.read != nil {
		errs = append(errs, h.read.Close())
	}
	if h.write != nil {
		errs = append(errs, h.write.Close())
	}
	return errors.Join(errs...)
}

// Manager opens store databases lazily and keeps them open until Close.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// NewManager creates a manager rooted at opts.Dir, creating it if needed.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("store: directory is required")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("store: failed to create directory %s: %w", opts.Dir, err)
	}
	return &Manager{
		opts:    opts,
		logger:  opts.Logger,
		handles: make(map[string]*Handle),
	}, nil
}

// Write returns the handle for name, creating the database on first use.
func (m *Manager) Write(ctx context.Context, name ident.Identifier) (*Handle, error) {
	return m.open(ctx, name, true)
}

// Read returns the handle for name. It never creates a database: a store
// that has not been written to yet is reported as not found.
func (m *Manager) Read(ctx context.Context, name ident.Identifier) (*Handle, error) {
	return m.open(ctx, name, false)
}

func (m *Manager) open(ctx context.Context, name ident.Identifier, create bool) (*Handle, error) {
	if name.IsZero() {
		return nil, sowerr.NewValidationError(sowerr.CodeInvalidRequest, "store name is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, sowerr.NewInternalError("store manager is closed", nil)
	}
	if h, ok := m.handles[name.String()]; ok {
		return h, nil
	}

	path := filepath.Join(m.opts.Dir, name.String()+".db")
	if !create {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, sowerr.NewNotFoundError(sowerr.CodeStoreNotFound, fmt.Sprintf("store %q does not exist", name))
		}
	}

	h, err := m.openHandle(ctx, name, path)
	if err != nil {
		return nil, err
	}
	m.handles[name.String()] = h
	m.logger.Info("store: opened", "store", name.String(), "path", path)
	return h, nil
}

func (m *Manager) openHandle(ctx context.Context, name ident.Identifier, path string) (*Handle, error) {
	busyMS := m.opts.BusyTimeout.Milliseconds()

	// Write pool: WAL, bounded lock wait, BEGIN IMMEDIATE so the migration
	// check and the DDL that follows it see a stable schema.
	write, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, busyMS))
	if err != nil {
		return nil, sowerr.NewStorageError(sowerr.CodeWriteFailed, "failed to open store", err)
	}
	write.SetMaxOpenConns(m.opts.MaxOpenConns)
	write.SetMaxIdleConns(m.opts.MaxOpenConns)

	// Touch the file so the read pool can open it read-only.
	if err := write.PingContext(ctx); err != nil {
		write.Close()
		return nil, Classify(err, sowerr.CodeWriteFailed, "failed to open store")
	}

	read, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d", path, busyMS))
	if err != nil {
		write.Close()
		return nil, sowerr.NewStorageError(sowerr.CodeQueryFailed, "failed to open store for reading", err)
	}
	read.SetMaxOpenConns(4)
	read.SetMaxIdleConns(4)
	read.SetConnMaxLifetime(5 * time.Minute)

	return &Handle{Name: name, path: path, write: write, read: read}, nil
}

// Stores lists the stores present on disk.
func (m *Manager) Stores() ([]ident.Identifier, error) {
	matches, err := filepath.Glob(filepath.Join(m.opts.Dir, "*.db"))
	if err != nil {
		return nil, fmt.Errorf("store: failed to list stores: %w", err)
	}
	var out []ident.Identifier
	for _, p := range matches {
		base := filepath.Base(p)
		if id, ok := ident.Parse(base[:len(base)-len(".db")]); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Close closes every open handle. Later calls to Write or Read fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	var errs []error
	for name, h := range m.handles {
		if err := h.close(); err != nil {
			errs = append(errs, fmt.Errorf("store %s: %w", name, err))
		}
	}
	m.handles = nil
	return errors.Join(errs...)
}

// Classify wraps a storage error under code, unless the database lock could
// not be acquired in time, in which case the result is a retryable
// STORAGE_BUSY error. SowErrors pass through unchanged.
func Classify(err error, code, message string) error {
	if err == nil {
		return nil
	}
	var se *sowerr.SowError
	if errors.As(err, &se) {
		return err
	}
	if IsBusy(err) {
		return sowerr.NewStorageError(sowerr.CodeStorageBusy, "storage is busy, retry later", err)
	}
	return sowerr.NewStorageError(code, message, err)
}

// IsBusy reports whether err is SQLite's busy or locked condition.
func IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
