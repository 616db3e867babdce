package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sowerr "github.com/sowdb/sowdb/internal/errors"
	"github.com/sowdb/sowdb/internal/ident"
	"github.com/sowdb/sowdb/internal/schema"
)

func seed(t *testing.T, n int) *Manager {
	t.Helper()
	m := newManager(t)
	for i := 0; i < n; i++ {
		write(t, m, "items", fmt.Sprintf(`{"n":%d,"name":"item_%d","kind":"%s"}`, i, i, []string{"odd", "even"}[(i+1)%2]))
	}
	return m
}

func runQuery(t *testing.T, m *Manager, p QueryParams) *QueryResult {
	t.Helper()
	h, err := m.Read(context.Background(), storeName("main"))
	require.NoError(t, err)
	if p.Table.IsZero() {
		p.Table = ident.Table("items")
	}
	res, err := Query(context.Background(), h.Reader(), p)
	require.NoError(t, err)
	return res
}

func TestQuery_TableNotFound(t *testing.T) {
	m := seed(t, 1)
	h, _ := m.Read(context.Background(), storeName("main"))
	_, err := Query(context.Background(), h.Reader(), QueryParams{Table: ident.Table("missing")})
	require.Error(t, err)
	assert.Equal(t, sowerr.CodeTableNotFound, sowerr.GetCode(err))
}

func TestQuery_Pagination(t *testing.T) {
	m := seed(t, 10)

	res := runQuery(t, m, QueryParams{Limit: 10})
	assert.Len(t, res.Rows, 10)
	require.NotNil(t, res.NextOffset, "a full page suggests more may exist")

	write(t, m, "items", `{"n":10}`)
	res = runQuery(t, m, QueryParams{Limit: 10})
	require.NotNil(t, res.NextOffset)
	assert.Equal(t, 10, *res.NextOffset)

	res = runQuery(t, m, QueryParams{Limit: 10, Offset: *res.NextOffset})
	assert.Len(t, res.Rows, 1)
	assert.Nil(t, res.NextOffset)
	assert.Equal(t, int64(10), res.Rows[0]["n"])
}

func TestQuery_ExactlyLimitRowsThenEmptyPage(t *testing.T) {
	m := seed(t, 10)
	res := runQuery(t, m, QueryParams{Limit: 10, Offset: 10})
	assert.Empty(t, res.Rows)
	assert.Nil(t, res.NextOffset)
}

func TestQuery_LimitClamping(t *testing.T) {
	tests := []struct {
		limit, offset, limitCap int
		wantLimit, wantOffset   int
	}{
		{0, 0, 0, DefaultLimit, 0},
		{-5, -1, 0, DefaultLimit, 0},
		{5000, 3, 0, MaxLimit, 3},
		{1, 0, 0, 1, 0},
		{500, 0, 200, 200, 0},
		{500, 0, 5000, 500, 0},
	}
	for _, tt := range tests {
		l, o := Clamp(tt.limit, tt.offset, tt.limitCap)
		assert.Equal(t, tt.wantLimit, l, "limit for %+v", tt)
		assert.Equal(t, tt.wantOffset, o, "offset for %+v", tt)
	}
}

func TestQuery_Filters(t *testing.T) {
	m := seed(t, 6)

	res := runQuery(t, m, QueryParams{Filters: map[string]string{"KIND": "even", "nosuch": "x"}})
	assert.Len(t, res.Rows, 3)
	assert.Equal(t, []string{"kind"}, res.Applied)

	res = runQuery(t, m, QueryParams{Filters: map[string]string{"n": "4"}})
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "item_4", res.Rows[0]["name"])
}

func TestQuery_Search(t *testing.T) {
	m := seed(t, 12)
	write(t, m, "items", `{"name":"100%_real"}`)

	res := runQuery(t, m, QueryParams{Search: "item_1"})
	assert.Len(t, res.Rows, 3, "item_1, item_10, item_11")

	res = runQuery(t, m, QueryParams{Search: "%_"})
	require.Len(t, res.Rows, 1, "wildcards match literally")
	assert.Equal(t, "100%_real", res.Rows[0]["name"])

	res = runQuery(t, m, QueryParams{Search: "no such text"})
	assert.Empty(t, res.Rows)
}

func TestQuery_SearchSkipsSystemColumns(t *testing.T) {
	m := seed(t, 3)

	res := runQuery(t, m, QueryParams{Search: "kind"})
	assert.Empty(t, res.Rows, "field names in raw_json are not searched")

	res = runQuery(t, m, QueryParams{Search: "127.0.0.1"})
	assert.Empty(t, res.Rows)

	res = runQuery(t, m, QueryParams{Search: "2"})
	require.Len(t, res.Rows, 1, "numbers are searched as text, timestamps are not")
	assert.Equal(t, int64(2), res.Rows[0]["n"])
}

func TestQuery_MixedTypesRoundTrip(t *testing.T) {
	m := newManager(t)
	write(t, m, "mixed", `{"zip":12345,"price":1.5}`)
	write(t, m, "mixed", `{"zip":"00501","price":"3.10"}`)
	write(t, m, "mixed", `{"zip":"1e3"}`)
	write(t, m, "mixed", `{"b":"first"}`)
	write(t, m, "mixed", `{"b":3}`)

	res := runQuery(t, m, QueryParams{Table: ident.Table("mixed")})
	require.Len(t, res.Rows, 5)
	assert.Equal(t, int64(12345), res.Rows[0]["zip"])
	assert.Equal(t, 1.5, res.Rows[0]["price"])
	assert.Equal(t, "00501", res.Rows[1]["zip"])
	assert.Equal(t, "3.10", res.Rows[1]["price"])
	assert.Equal(t, "1e3", res.Rows[2]["zip"])
	assert.Equal(t, "first", res.Rows[3]["b"])
	assert.Equal(t, int64(3), res.Rows[4]["b"])

	res = runQuery(t, m, QueryParams{Table: ident.Table("mixed"), Filters: map[string]string{"zip": "12345"}})
	require.Len(t, res.Rows, 1, "numeric values match their text form")
	res = runQuery(t, m, QueryParams{Table: ident.Table("mixed"), Filters: map[string]string{"zip": "501"}})
	assert.Empty(t, res.Rows, "text values are not converted to numbers")
}

func TestQuery_Ordering(t *testing.T) {
	m := seed(t, 5)

	res := runQuery(t, m, QueryParams{OrderBy: "N", Desc: true})
	assert.Equal(t, "n", res.OrderBy)
	assert.Equal(t, int64(4), res.Rows[0]["n"])

	res = runQuery(t, m, QueryParams{OrderBy: `n"; DROP TABLE items; --`})
	assert.Equal(t, ident.ColumnReceivedAt, res.OrderBy)
	assert.Equal(t, int64(0), res.Rows[0]["n"])
	assert.Len(t, res.Rows, 5)
}

func TestBuildSelect_ReusesSearchParameter(t *testing.T) {
	a, _ := ident.Column("a")
	b, _ := ident.Column("b")
	cols := append(schema.SystemColumns(),
		schema.Column{Name: a, Type: schema.TypeText},
		schema.Column{Name: b, Type: schema.TypeAny},
	)
	s := buildSelect(QueryParams{
		Table:   ident.Table("t"),
		Filters: map[string]string{"b": "1", `x" OR 1=1 --`: "y"},
		Search:  "foo",
	}, cols)

	assert.Equal(t, 2, strings.Count(s.stmt, "LIKE ?2"), "a, b")
	assert.NotContains(t, s.stmt, `"raw_json" LIKE`)
	assert.NotContains(t, s.stmt, `"received_at" LIKE`)
	assert.Contains(t, s.stmt, `CAST("b" AS TEXT) = ?1`)
	assert.NotContains(t, s.stmt, "OR 1=1")
	assert.Equal(t, []any{"1", "%foo%", DefaultLimit, 0}, s.args)
	assert.Contains(t, s.stmt, `ORDER BY "received_at" ASC, rowid ASC LIMIT ?3 OFFSET ?4`)
}

func TestBuildSelect_NoReceivedAtFallsBackToRowOrder(t *testing.T) {
	a, _ := ident.Column("a")
	s := buildSelect(QueryParams{Table: ident.Table("t"), Desc: true}, []schema.Column{{Name: a, Type: schema.TypeText}})
	assert.Contains(t, s.stmt, "ORDER BY rowid DESC")
	assert.Empty(t, s.orderBy)
}
