package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	sowerr "github.com/sowdb/sowdb/internal/errors"
	"github.com/sowdb/sowdb/internal/ident"
	"github.com/sowdb/sowdb/internal/schema"
)

// Pagination bounds.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// QueryParams are the read parameters of one query.
type QueryParams struct {
	Table ident.Identifier
	// Filters maps column names to values matched with equality. Keys are
	// resolved case-insensitively against the table; unknown keys are ignored.
	Filters map[string]string
	// Search is matched as a substring against every inferred column. System
	// columns (timestamps, raw bodies, caller metadata) are not searched.
	Search  string
	OrderBy string
	Desc    bool
	// Limit <= 0 selects DefaultLimit. It is clamped to 1..MaxLimit, or to
	// 1..LimitCap when LimitCap is set lower.
	Limit    int
	LimitCap int
	Offset   int
}

// QueryResult is one page of rows.
type QueryResult struct {
	Columns []string
	Rows    []map[string]any
	Limit   int
	Offset  int
	// OrderBy is the column actually used for ordering; empty means row order.
	OrderBy string
	Desc    bool
	// NextOffset is set when the page came back full.
	NextOffset *int
	// Applied lists the filter columns that matched the table.
	Applied []string
}

// Clamp normalizes limit and offset.
func Clamp(limit, offset, limitCap int) (int, int) {
	ceiling := MaxLimit
	if limitCap > 0 && limitCap < ceiling {
		ceiling = limitCap
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > ceiling {
		limit = ceiling
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Query runs a filtered, ordered, paginated SELECT against one table. It
// takes no write lock and only references columns that exist when it runs.
func Query(ctx context.Context, q schema.Querier, p QueryParams) (*QueryResult, error) {
	exists, err := schema.TableExists(ctx, q, p.Table)
	if err != nil {
		return nil, Classify(err, sowerr.CodeQueryFailed, "query failed")
	}
	if !exists {
		return nil, sowerr.NewNotFoundError(sowerr.CodeTableNotFound, fmt.Sprintf("table %q does not exist", p.Table))
	}

	cols, err := schema.Columns(ctx, q, p.Table)
	if err != nil {
		return nil, Classify(err, sowerr.CodeQueryFailed, "query failed")
	}

	b := buildSelect(p, cols)

	rows, err := q.QueryContext(ctx, b.stmt, b.args...)
	if err != nil {
		return nil, Classify(err, sowerr.CodeQueryFailed, "query failed")
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, sowerr.NewStorageError(sowerr.CodeQueryFailed, "query failed", err)
	}

	result := &QueryResult{
		Columns: names,
		Rows:    []map[string]any{},
		Limit:   b.limit,
		Offset:  b.offset,
		OrderBy: b.orderBy,
		Desc:    p.Desc,
		Applied: b.applied,
	}

	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, sowerr.NewStorageError(sowerr.CodeQueryFailed, "failed to scan row", err)
		}
		rec := make(map[string]any, len(names))
		for i, n := range names {
			if raw, ok := vals[i].([]byte); ok {
				rec[n] = string(raw)
				continue
			}
			rec[n] = vals[i]
		}
		result.Rows = append(result.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(err, sowerr.CodeQueryFailed, "query failed")
	}

	if len(result.Rows) == b.limit {
		next := b.offset + b.limit
		result.NextOffset = &next
	}
	return result, nil
}

type selectStmt struct {
	stmt    string
	args    []any
	limit   int
	offset  int
	orderBy string
	applied []string
}

// buildSelect renders the SELECT for p against the introspected columns.
// Parameters are numbered so the search term is bound once and reused.
func buildSelect(p QueryParams, cols []schema.Column) selectStmt {
	var (
		out   selectStmt
		where []string
	)
	bind := func(v any) string {
		out.args = append(out.args, v)
		return "?" + strconv.Itoa(len(out.args))
	}

	keys := make([]string, 0, len(p.Filters))
	for k := range p.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c, ok := schema.Find(cols, k)
		if !ok {
			continue
		}
		where = append(where, compareText(c)+" = "+bind(p.Filters[k]))
		out.applied = append(out.applied, c.Name.String())
	}

	if p.Search != "" {
		var text []string
		for _, c := range cols {
			if !c.System {
				text = append(text, c.Name.Quoted())
			}
		}
		if len(text) == 0 {
			where = append(where, "0")
		} else {
			term := bind("%" + escapeLike(p.Search) + "%")
			ors := make([]string, len(text))
			for i, name := range text {
				ors[i] = name + " LIKE " + term + ` ESCAPE '\'`
			}
			where = append(where, "("+strings.Join(ors, " OR ")+")")
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(p.Table.Quoted())
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}

	dir := " ASC"
	if p.Desc {
		dir = " DESC"
	}
	order, ok := schema.Find(cols, p.OrderBy)
	if p.OrderBy == "" || !ok {
		order, ok = schema.Find(cols, ident.ColumnReceivedAt)
	}
	if ok {
		out.orderBy = order.Name.String()
		sb.WriteString(" ORDER BY " + order.Name.Quoted() + dir + ", rowid" + dir)
	} else {
		sb.WriteString(" ORDER BY rowid" + dir)
	}

	out.limit, out.offset = Clamp(p.Limit, p.Offset, p.LimitCap)
	sb.WriteString(" LIMIT " + bind(out.limit) + " OFFSET " + bind(out.offset))

	out.stmt = sb.String()
	return out
}

// compareText renders the filter operand for c. Inferred columns have no
// affinity, so a stored number only equals the text of the filter once it is
// cast to text itself.
func compareText(c schema.Column) string {
	if c.System || (c.Type != schema.TypeAny && c.Type != "") {
		return c.Name.Quoted()
	}
	return "CAST(" + c.Name.Quoted() + " AS TEXT)"
}

// escapeLike escapes LIKE wildcards so the term matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
