package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	sowerr "github.com/sowdb/sowdb/internal/errors"
	"github.com/sowdb/sowdb/internal/ident"
	"github.com/sowdb/sowdb/internal/schema"
	"github.com/sowdb/sowdb/internal/testutil"
	"github.com/sowdb/sowdb/internal/value"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Dir:         filepath.Join(t.TempDir(), "stores"),
		BusyTimeout: 5 * time.Second,
		Logger:      testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func row(t *testing.T, body string) value.Row {
	t.Helper()
	obj, err := value.DecodeObject([]byte(body))
	require.NoError(t, err)
	return value.Flatten(obj)
}

func storeName(s string) ident.Identifier {
	id, _ := ident.Store(s)
	return id
}

func write(t *testing.T, m *Manager, table, body string) *WriteResult {
	t.Helper()
	ctx := context.Background()
	h, err := m.Write(ctx, storeName("main"))
	require.NoError(t, err)
	res, err := NewWriter(testutil.NewTestLogger(t)).Write(ctx, h.Writer(), ident.Table(table), row(t, body), Meta{
		ReceivedAt: time.Now(),
		SourceIP:   "127.0.0.1",
		UserAgent:  "test",
		RawJSON:    body,
	})
	require.NoError(t, err)
	return res
}

func TestManager_ReadMissingStore(t *testing.T) {
	m := newManager(t)
	_, err := m.Read(context.Background(), storeName("nope"))
	require.Error(t, err)
	assert.Equal(t, sowerr.CodeStoreNotFound, sowerr.GetCode(err))

	stores, err := m.Stores()
	require.NoError(t, err)
	assert.Empty(t, stores)
}

func TestManager_WriteCreatesStore(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	h1, err := m.Write(ctx, storeName("Main"))
	require.NoError(t, err)
	h2, err := m.Read(ctx, storeName("main"))
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.FileExists(t, h1.Path())

	stores, err := m.Stores()
	require.NoError(t, err)
	require.Len(t, stores, 1)
	assert.Equal(t, "main", stores[0].String())
}

func TestManager_Closed(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Close())
	_, err := m.Write(context.Background(), storeName("main"))
	require.Error(t, err)
}

func TestWrite_SameObjectTwice(t *testing.T) {
	m := newManager(t)
	first := write(t, m, "events", `{"a":"x"}`)
	second := write(t, m, "events", `{"a":"x"}`)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.NotEqual(t, first.ID, second.ID)

	h, _ := m.Read(context.Background(), storeName("main"))
	res, err := Query(context.Background(), h.Reader(), QueryParams{Table: ident.Table("events")})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
}

func TestWrite_RoundTrip(t *testing.T) {
	m := newManager(t)
	res := write(t, m, "rt", `{"a":"x","b":3,"c":{"k":1},"flag":true,"id":77}`)
	assert.Equal(t, []string{"a", "b", "c", "flag"}, res.Columns)

	h, _ := m.Read(context.Background(), storeName("main"))
	q, err := Query(context.Background(), h.Reader(), QueryParams{Table: ident.Table("rt")})
	require.NoError(t, err)
	require.Len(t, q.Rows, 1)

	r := q.Rows[0]
	assert.Equal(t, "x", r["a"])
	assert.Equal(t, int64(3), r["b"])
	assert.Equal(t, `{"k":1}`, r["c"])
	assert.Equal(t, int64(1), r["flag"])
	assert.Equal(t, res.ID, r["id"])
	assert.Equal(t, "127.0.0.1", r["source_ip"])
	assert.Equal(t, `{"a":"x","b":3,"c":{"k":1},"flag":true,"id":77}`, r["raw_json"])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`, r["received_at"])
}

func TestWrite_DisjointColumnsUnion(t *testing.T) {
	m := newManager(t)
	write(t, m, "u", `{"a":1,"b":2}`)
	write(t, m, "u", `{"c":3,"d":4}`)

	ctx := context.Background()
	h, _ := m.Read(ctx, storeName("main"))
	cols, err := schema.Columns(ctx, h.Reader(), ident.Table("u"))
	require.NoError(t, err)
	for _, name := range []string{"a", "b", "c", "d"} {
		_, ok := schema.Find(cols, name)
		assert.True(t, ok, name)
	}

	q, err := Query(ctx, h.Reader(), QueryParams{Table: ident.Table("u")})
	require.NoError(t, err)
	require.Len(t, q.Rows, 2)
	assert.Equal(t, int64(1), q.Rows[0]["a"])
	assert.Nil(t, q.Rows[0]["c"])
	assert.Nil(t, q.Rows[0]["d"])
	assert.Nil(t, q.Rows[1]["a"])
}

func TestWrite_ConcurrentFirstWriters(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	h, err := m.Write(ctx, storeName("main"))
	require.NoError(t, err)
	w := NewWriter(testutil.NewTestLogger(t))

	const n = 8
	var g errgroup.Group
	for i := 0; i < n; i++ {
		body := fmt.Sprintf(`{"shared":%d,"col%d":"v"}`, i, i)
		g.Go(func() error {
			obj, err := value.DecodeObject([]byte(body))
			if err != nil {
				return err
			}
			_, err = w.Write(ctx, h.Writer(), ident.Table("race"), value.Flatten(obj), Meta{RawJSON: body})
			return err
		})
	}
	require.NoError(t, g.Wait())

	tables, err := schema.ListTables(ctx, h.Reader())
	require.NoError(t, err)
	require.Len(t, tables, 1)

	cols, err := schema.Columns(ctx, h.Reader(), ident.Table("race"))
	require.NoError(t, err)
	assert.Len(t, cols, len(schema.SystemColumns())+1+n)

	q, err := Query(ctx, h.Reader(), QueryParams{Table: ident.Table("race")})
	require.NoError(t, err)
	assert.Len(t, q.Rows, n)
}

func TestWrite_RollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sqlite_master`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "t"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO "t"`).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err = NewWriter(testutil.NewTestLogger(t)).Write(context.Background(), db, ident.Table("t"), row(t, `{"a":1}`), Meta{})
	require.Error(t, err)
	assert.Equal(t, sowerr.CodeWriteFailed, sowerr.GetCode(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWrite_RollsBackOnMigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sqlite_master`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	mock.ExpectExec(`CREATE TABLE`).
		WillReturnError(errors.New("malformed"))
	mock.ExpectRollback()

	_, err = NewWriter(nil).Write(context.Background(), db, ident.Table("t"), row(t, `{"a":1}`), Meta{})
	require.Error(t, err)
	assert.Equal(t, sowerr.CodeSchemaMigrationFailed, sowerr.GetCode(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify_Busy(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	err := Classify(fmt.Errorf("exec: %w", busy), sowerr.CodeWriteFailed, "insert failed")
	assert.Equal(t, sowerr.CodeStorageBusy, sowerr.GetCode(err))
	assert.True(t, sowerr.IsRetryable(err))

	err = Classify(errors.New("other"), sowerr.CodeWriteFailed, "insert failed")
	assert.Equal(t, sowerr.CodeWriteFailed, sowerr.GetCode(err))
	assert.False(t, sowerr.IsRetryable(err))

	nf := sowerr.NewNotFoundError(sowerr.CodeTableNotFound, "x")
	assert.Same(t, nf, Classify(nf, sowerr.CodeQueryFailed, "q"))
}

func TestWrite_BusyWhenLockHeld(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stores")
	m, err := NewManager(Options{Dir: dir, BusyTimeout: 50 * time.Millisecond, MaxOpenConns: 2})
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	h, err := m.Write(ctx, storeName("main"))
	require.NoError(t, err)

	holder, err := h.Writer().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer holder.Rollback()

	_, err = NewWriter(nil).Write(ctx, h.Writer(), ident.Table("t"), row(t, `{"a":1}`), Meta{})
	require.Error(t, err)
	assert.Equal(t, sowerr.CodeStorageBusy, sowerr.GetCode(err))
	assert.True(t, sowerr.IsRetryable(err))
}
