package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sowdb/sowdb/internal/archive"
	sowerr "github.com/sowdb/sowdb/internal/errors"
	"github.com/sowdb/sowdb/internal/notify"
	"github.com/sowdb/sowdb/internal/observability"
	"github.com/sowdb/sowdb/internal/registry"
	"github.com/sowdb/sowdb/internal/store"
)

// hookTimeout bounds each hook. Hooks get a context detached from the
// request, so a caller that hangs up does not cut the audit trail short.
const hookTimeout = 5 * time.Second

// Commit describes a finished write attempt. Err is nil when the row was
// committed.
type Commit struct {
	Context RequestContext
	Store   string
	Table   string
	RowID   int64
	Created bool
	Columns []string
	Body    []byte
	Elapsed time.Duration
	Err     error
}

// Committed reports whether a row was written.
func (c *Commit) Committed() bool { return c.Err == nil }

// Outcome returns "ok" or the error code of a failed attempt.
func (c *Commit) Outcome() string {
	if c.Err == nil {
		return registry.OutcomeOK
	}
	return sowerr.As(c.Err).Code
}

// Hook runs after a write transaction has ended. Hooks never run inside the
// transaction and their failures never change the response.
type Hook interface {
	Name() string
	AfterWrite(ctx context.Context, c *Commit) error
}

// HookFunc adapts a function to Hook.
type HookFunc struct {
	Label string
	Fn    func(ctx context.Context, c *Commit) error
}

func (h HookFunc) Name() string                                    { return h.Label }
func (h HookFunc) AfterWrite(ctx context.Context, c *Commit) error { return h.Fn(ctx, c) }

// runHooks calls every hook in order, each isolated from the others' errors
// and panics.
func runHooks(ctx context.Context, logger *slog.Logger, hooks []Hook, c *Commit) {
	base := context.WithoutCancel(ctx)
	for _, h := range hooks {
		runHook(base, logger, h, c)
	}
}

func runHook(ctx context.Context, logger *slog.Logger, h Hook, c *Commit) {
	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ingest: hook panicked",
				"hook", h.Name(), "request_id", c.Context.RequestID(), "panic", fmt.Sprint(r))
		}
	}()
	if err := h.AfterWrite(ctx, c); err != nil {
		logger.Warn("ingest: hook failed",
			"hook", h.Name(), "request_id", c.Context.RequestID(), "error", err)
	}
}

// RegistryHook records every write attempt in the registry.
func RegistryHook(l *registry.Logger) Hook {
	return HookFunc{Label: "registry", Fn: func(ctx context.Context, c *Commit) error {
		return l.Record(ctx, registry.Event{
			RequestID: c.Context.RequestID(),
			At:        c.Context.Received(),
			Endpoint:  c.Context.Endpoint(),
			Store:     c.Store,
			Table:     c.Table,
			Outcome:   c.Outcome(),
			Principal: c.Context.Identity().Principal(),
			CallerIP:  c.Context.SourceIP(),
			RowID:     c.RowID,
			Duration:  c.Elapsed,
			Body:      c.Body,
		})
	}}
}

// ArchiveHook stores the raw body of every committed row.
func ArchiveHook(a *archive.Archiver) Hook {
	return HookFunc{Label: "archive", Fn: func(ctx context.Context, c *Commit) error {
		if !c.Committed() {
			return nil
		}
		_, err := a.Put(ctx, c.Store, c.Table, c.RowID, c.Context.Received(), c.Body)
		return err
	}}
}

// StatsHook counts every write attempt per table.
func StatsHook(s *observability.Stats) Hook {
	return HookFunc{Label: "stats", Fn: func(_ context.Context, c *Commit) error {
		s.RecordWrite(c.Store, c.Table, c.Committed())
		return nil
	}}
}

// NotifyHook announces every committed row.
func NotifyHook(n *notify.Notifier) Hook {
	return HookFunc{Label: "notify", Fn: func(_ context.Context, c *Commit) error {
		if !c.Committed() {
			return nil
		}
		n.Publish(notify.Event{
			RequestID:  c.Context.RequestID(),
			Store:      c.Store,
			Table:      c.Table,
			RowID:      c.RowID,
			Created:    c.Created,
			ReceivedAt: c.Context.Received().Format(store.TimestampFormat),
		})
		return nil
	}}
}
