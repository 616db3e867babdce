package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	sowerr "github.com/sowdb/sowdb/internal/errors"
	"github.com/sowdb/sowdb/internal/ident"
	"github.com/sowdb/sowdb/internal/notify"
	"github.com/sowdb/sowdb/internal/observability"
	"github.com/sowdb/sowdb/internal/registry"
	"github.com/sowdb/sowdb/internal/schema"
	"github.com/sowdb/sowdb/internal/store"
	"github.com/sowdb/sowdb/internal/trust"
	"github.com/sowdb/sowdb/internal/value"
	"github.com/sowdb/sowdb/pkg/types"
)

// Options configures an Engine.
type Options struct {
	Stores *store.Manager
	Policy *trust.Policy
	// Registry, when set, records every write attempt and serves Registry.
	Registry *registry.Logger
	// Stats, when set, counts writes and reads per table.
	Stats *observability.Stats
	// Notifier, when set, announces committed rows to watchers.
	Notifier *notify.Notifier
	// Hooks run after the built-in hooks, in order.
	Hooks []Hook

	DefaultLimit int
	MaxLimit     int

	Logger *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine runs the write and read flows over a set of stores.
type Engine struct {
	stores   *store.Manager
	writer   *store.Writer
	policy   *trust.Policy
	registry *registry.Logger
	stats    *observability.Stats
	notifier *notify.Notifier
	hooks    []Hook

	defaultLimit int
	maxLimit     int

	logger *slog.Logger
	now    func() time.Time
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Stores == nil {
		return nil, fmt.Errorf("ingest: store manager is required")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("ingest: trust policy is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var hooks []Hook
	if opts.Registry != nil {
		hooks = append(hooks, RegistryHook(opts.Registry))
	}
	if opts.Stats != nil {
		hooks = append(hooks, StatsHook(opts.Stats))
	}
	if opts.Notifier != nil {
		hooks = append(hooks, NotifyHook(opts.Notifier))
	}
	hooks = append(hooks, opts.Hooks...)

	return &Engine{
		stores:       opts.Stores,
		writer:       store.NewWriter(opts.Logger),
		policy:       opts.Policy,
		registry:     opts.Registry,
		stats:        opts.Stats,
		notifier:     opts.Notifier,
		hooks:        hooks,
		defaultLimit: opts.DefaultLimit,
		maxLimit:     opts.MaxLimit,
		logger:       opts.Logger,
		now:          opts.Now,
	}, nil
}

// MaxBodyBytes returns the largest body any caller may send.
func (e *Engine) MaxBodyBytes() int64 {
	return e.policy.MaxBodyBytes()
}

// Begin authenticates the caller and fixes the request context. Everything
// downstream reads the tier, store and limits from it.
func (e *Engine) Begin(o Origin) (RequestContext, error) {
	id, err := e.policy.Authenticate(o.APIKey)
	if err != nil {
		return RequestContext{}, err
	}
	grant, err := e.policy.Resolve(id, o.Store)
	if err != nil {
		return RequestContext{}, err
	}
	requestID := o.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return RequestContext{
		requestID: requestID,
		endpoint:  o.Endpoint,
		sourceIP:  o.SourceIP,
		userAgent: o.UserAgent,
		received:  e.now().UTC(),
		grant:     grant,
	}, nil
}

// Request is one write.
type Request struct {
	Context RequestContext
	// Table is the raw table name; empty selects the generic input table.
	Table string
	Body  []byte
}

// Ingest stores one JSON object as a row. Size and table checks run before
// any storage is touched. Once the write transaction starts it runs to
// completion even if ctx is cancelled.
func (e *Engine) Ingest(ctx context.Context, req Request) (*types.Receipt, error) {
	rc := req.Context
	grant := rc.Grant()
	table := ident.Table(req.Table)

	if err := grant.CheckSize(int64(len(req.Body))); err != nil {
		return nil, err
	}
	if err := grant.CheckWrite(table); err != nil {
		e.logger.Info("ingest: write rejected",
			"request_id", rc.RequestID(), "principal", rc.Identity().Principal(), "table", table.String(), "error", err)
		return nil, err
	}

	obj, err := value.DecodeObject(req.Body)
	if err != nil {
		if errors.Is(err, value.ErrEmpty) {
			return nil, sowerr.Wrap(sowerr.ErrCategoryValidation, sowerr.CodeEmptyBody, "request body is empty", err)
		}
		return nil, sowerr.Wrap(sowerr.ErrCategoryValidation, sowerr.CodeInvalidRequest, "request body must be a JSON object", err)
	}
	row := value.Flatten(obj)

	wctx := context.WithoutCancel(ctx)
	res, err := e.write(wctx, rc, table, row, req.Body)
	elapsed := e.now().Sub(rc.Received())

	commit := &Commit{
		Context: rc,
		Store:   grant.Store.String(),
		Table:   table.String(),
		Body:    req.Body,
		Elapsed: elapsed,
		Err:     err,
	}
	if res != nil {
		commit.RowID = res.ID
		commit.Created = res.Created
		commit.Columns = res.Columns
	}
	runHooks(wctx, e.logger, e.hooks, commit)

	if err != nil {
		e.logger.Error("ingest: write failed",
			"request_id", rc.RequestID(), "store", commit.Store, "table", commit.Table,
			"code", sowerr.GetCode(err), "error", err)
		return nil, err
	}

	e.logger.Debug("ingest: row written",
		"request_id", rc.RequestID(), "store", commit.Store, "table", commit.Table,
		"row_id", res.ID, "created", res.Created, "elapsed", elapsed)

	return &types.Receipt{
		Success:    true,
		RequestID:  rc.RequestID(),
		Store:      commit.Store,
		Table:      commit.Table,
		RowID:      res.ID,
		Created:    res.Created,
		ReceivedAt: rc.Received().Format(store.TimestampFormat),
		ElapsedMS:  float64(elapsed.Microseconds()) / 1000,
		Columns:    res.Columns,
	}, nil
}

func (e *Engine) write(ctx context.Context, rc RequestContext, table ident.Identifier, row value.Row, body []byte) (*store.WriteResult, error) {
	h, err := e.stores.Write(ctx, rc.Grant().Store)
	if err != nil {
		return nil, err
	}
	return e.writer.Write(ctx, h.Writer(), table, row, store.Meta{
		ReceivedAt: rc.Received(),
		SourceIP:   rc.SourceIP(),
		UserAgent:  rc.UserAgent(),
		RawJSON:    string(body),
	})
}

// ReadRequest is one table read.
type ReadRequest struct {
	Context RequestContext
	Table   string
	Filters map[string]string
	Search  string
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

// Query reads one page of a table.
func (e *Engine) Query(ctx context.Context, req ReadRequest) (*types.QueryResult, error) {
	rc := req.Context
	table := ident.Table(req.Table)
	h, err := e.readable(ctx, rc, table)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = e.defaultLimit
	}
	res, err := store.Query(ctx, h.Reader(), store.QueryParams{
		Table:    table,
		Filters:  req.Filters,
		Search:   req.Search,
		OrderBy:  req.OrderBy,
		Desc:     req.Desc,
		Limit:    limit,
		LimitCap: e.maxLimit,
		Offset:   req.Offset,
	})
	if err != nil {
		return nil, err
	}
	if e.stats != nil {
		e.stats.RecordRead(h.Name.String(), table.String(), columnUses(req, res)...)
	}

	return &types.QueryResult{
		Success:    true,
		Store:      h.Name.String(),
		Table:      table.String(),
		Limit:      res.Limit,
		Offset:     res.Offset,
		Order:      res.OrderBy,
		Desc:       res.Desc,
		Search:     req.Search,
		Filters:    appliedFilters(req.Filters, res.Applied),
		Count:      len(res.Rows),
		Rows:       res.Rows,
		NextOffset: res.NextOffset,
	}, nil
}

// Tables lists the tables of the caller's store that the caller may read.
func (e *Engine) Tables(ctx context.Context, rc RequestContext) (*types.TableList, error) {
	grant := rc.Grant()
	if err := grant.CheckRead(); err != nil {
		return nil, err
	}
	h, err := e.stores.Read(ctx, grant.Store)
	if err != nil {
		return nil, err
	}
	tables, err := schema.ListTables(ctx, h.Reader())
	if err != nil {
		return nil, store.Classify(err, sowerr.CodeQueryFailed, "failed to list tables")
	}
	out := &types.TableList{Success: true, Store: grant.Store.String(), Tables: []string{}}
	for _, t := range tables {
		if grant.TableAllowed(t) {
			out.Tables = append(out.Tables, t.String())
		}
	}
	return out, nil
}

// Describe returns the columns of one table.
func (e *Engine) Describe(ctx context.Context, rc RequestContext, rawTable string) (*types.TableInfo, error) {
	table := ident.Table(rawTable)
	h, err := e.readable(ctx, rc, table)
	if err != nil {
		return nil, err
	}
	cols, err := schema.Columns(ctx, h.Reader(), table)
	if err != nil {
		return nil, store.Classify(err, sowerr.CodeQueryFailed, "failed to describe table")
	}
	if len(cols) == 0 {
		return nil, sowerr.NewNotFoundError(sowerr.CodeTableNotFound, fmt.Sprintf("table %q does not exist", table))
	}
	out := &types.TableInfo{Success: true, Store: h.Name.String(), Table: table.String()}
	for _, c := range cols {
		out.Columns = append(out.Columns, types.ColumnDef{Name: c.Name.String(), Type: string(c.Type), System: c.System})
	}
	return out, nil
}

// Registry returns the most recent registry entries. Only authenticated
// callers may read it.
func (e *Engine) Registry(ctx context.Context, rc RequestContext, limit int) (*types.RegistryList, error) {
	if rc.Identity().Tier != trust.TierAuthenticated {
		return nil, sowerr.NewAuthError(sowerr.CodeReadsDisabled, "the registry requires an API key")
	}
	if e.registry == nil {
		return nil, sowerr.NewNotFoundError(sowerr.CodeStoreNotFound, "the registry is disabled")
	}
	entries, err := e.registry.List(ctx, limit)
	if err != nil {
		return nil, sowerr.NewRegistryError("failed to list registry entries", err)
	}
	out := &types.RegistryList{Success: true, Entries: make([]types.RegistryEntry, 0, len(entries))}
	for _, en := range entries {
		out.Entries = append(out.Entries, types.RegistryEntry{
			ID:         en.ID,
			RequestID:  en.RequestID,
			RecordedAt: en.RecordedAt,
			Endpoint:   en.Endpoint,
			Store:      en.Store,
			Table:      en.Table,
			Outcome:    en.Outcome,
			Principal:  en.Principal,
			CallerIP:   en.CallerIP,
			RowID:      en.RowID,
			DurationMS: en.DurationMS,
			BodyBytes:  en.BodyBytes,
			BodyHash:   en.BodyHash,
		})
	}
	return out, nil
}

// Stats returns usage counters for every table. Only authenticated callers
// may read them.
func (e *Engine) Stats(rc RequestContext, topColumns int) (*types.StatsResponse, error) {
	if rc.Identity().Tier != trust.TierAuthenticated {
		return nil, sowerr.NewAuthError(sowerr.CodeReadsDisabled, "stats require an API key")
	}
	if e.stats == nil {
		return nil, sowerr.NewNotFoundError(sowerr.CodeRouteNotFound, "stats are disabled")
	}
	if topColumns <= 0 {
		topColumns = 10
	}
	out := &types.StatsResponse{Success: true, Tables: []types.TableStats{}}
	if e.notifier != nil {
		out.Watch = &types.WatchStats{
			Subscribers: e.notifier.Subscribers(),
			Dropped:     e.notifier.Dropped(),
		}
	}
	for _, ts := range e.stats.Snapshot(topColumns) {
		t := types.TableStats{
			Store:     ts.Store,
			Table:     ts.Table,
			Writes:    ts.Writes,
			Failures:  ts.Failures,
			Reads:     ts.Reads,
			LastWrite: formatTime(ts.LastWrite),
			LastRead:  formatTime(ts.LastRead),
			Columns:   make([]types.ColumnUsage, 0, len(ts.Columns)),
		}
		for _, c := range ts.Columns {
			t.Columns = append(t.Columns, types.ColumnUsage{Column: c.Column, Frequency: c.Frequency, Operators: c.Operators})
		}
		out.Tables = append(out.Tables, t)
	}
	return out, nil
}

// Watch subscribes to rows committed to the caller's store: one table when
// rawTable is set, otherwise every table. Guests must name a table they may
// read. The caller must Unwatch the subscription.
func (e *Engine) Watch(rc RequestContext, rawTable string) (*notify.Subscription, error) {
	if e.notifier == nil {
		return nil, sowerr.NewNotFoundError(sowerr.CodeRouteNotFound, "live updates are disabled")
	}
	grant := rc.Grant()
	if err := grant.CheckRead(); err != nil {
		return nil, err
	}
	storeName := grant.Store.String()
	if strings.TrimSpace(rawTable) == "" {
		if rc.Identity().Tier != trust.TierAuthenticated {
			return nil, sowerr.NewAuthError(sowerr.CodeForbiddenTable, "guests must name a table to watch")
		}
		return e.notifier.Subscribe(notify.Topic(storeName, "")), nil
	}
	table := ident.Table(rawTable)
	if !grant.TableAllowed(table) {
		return nil, sowerr.NewAuthError(sowerr.CodeForbiddenTable, fmt.Sprintf("table %q is not readable without an API key", table))
	}
	return e.notifier.Subscribe(notify.Topic(storeName, table.String())), nil
}

// Unwatch ends a subscription returned by Watch.
func (e *Engine) Unwatch(sub *notify.Subscription) {
	if e.notifier != nil && sub != nil {
		e.notifier.Unsubscribe(sub)
	}
}

// readable applies the read policy and opens the caller's store.
func (e *Engine) readable(ctx context.Context, rc RequestContext, table ident.Identifier) (*store.Handle, error) {
	grant := rc.Grant()
	if err := grant.CheckRead(); err != nil {
		return nil, err
	}
	if !grant.TableAllowed(table) {
		return nil, sowerr.NewAuthError(sowerr.CodeForbiddenTable, fmt.Sprintf("table %q is not readable without an API key", table))
	}
	return e.stores.Read(ctx, grant.Store)
}

// columnUses lists the columns a query filtered, searched or sorted on.
func columnUses(req ReadRequest, res *store.QueryResult) []observability.ColumnUse {
	uses := make([]observability.ColumnUse, 0, len(res.Applied)+2)
	for _, col := range res.Applied {
		uses = append(uses, observability.ColumnUse{Column: col, Operator: "="})
	}
	if req.Search != "" {
		uses = append(uses, observability.ColumnUse{Column: "*", Operator: "search"})
	}
	if req.OrderBy != "" && res.OrderBy != "" {
		uses = append(uses, observability.ColumnUse{Column: res.OrderBy, Operator: "order"})
	}
	return uses
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(store.TimestampFormat)
}

// appliedFilters echoes the filters that matched a column, keyed by the
// column's name.
func appliedFilters(filters map[string]string, applied []string) map[string]string {
	if len(applied) == 0 {
		return nil
	}
	out := make(map[string]string, len(applied))
	for _, col := range applied {
		for k, v := range filters {
			if strings.EqualFold(k, col) {
				out[col] = v
				break
			}
		}
	}
	return out
}
