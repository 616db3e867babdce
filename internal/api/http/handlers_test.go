package http

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sowerr "github.com/sowdb/sowdb/internal/errors"
	"github.com/sowdb/sowdb/internal/ingest"
	"github.com/sowdb/sowdb/internal/notify"
	"github.com/sowdb/sowdb/internal/observability"
	"github.com/sowdb/sowdb/internal/registry"
	"github.com/sowdb/sowdb/internal/server"
	"github.com/sowdb/sowdb/internal/store"
	"github.com/sowdb/sowdb/internal/testutil"
	"github.com/sowdb/sowdb/internal/trust"
	"github.com/sowdb/sowdb/pkg/types"
)

const apiKey = "k3y"

func newServer(t *testing.T, mutate func(*trust.Config)) *httptest.Server {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	dir := t.TempDir()

	stores, err := store.NewManager(store.Options{Dir: filepath.Join(dir, "stores"), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	reg, err := registry.Open(filepath.Join(dir, "registry.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	cfg := trust.Config{
		DefaultStore:      "main",
		GuestStore:        "public",
		GuestTables:       []string{"contact"},
		MaxBodyBytes:      4096,
		GuestMaxBodyBytes: 128,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	keyring, err := trust.NewKeyring([]string{"ci:" + apiKey})
	require.NoError(t, err)
	policy, err := trust.NewPolicy(cfg, keyring)
	require.NoError(t, err)

	engine, err := ingest.New(ingest.Options{
		Stores:       stores,
		Policy:       policy,
		Registry:     reg,
		Stats:        observability.NewStats(time.Hour),
		Notifier:     notify.NewNotifier(8),
		DefaultLimit: 100,
		MaxLimit:     1000,
		Logger:       logger,
	})
	require.NoError(t, err)

	sm := server.NewShutdownManager(server.ShutdownConfig{Logger: logger})
	srv := httptest.NewServer(NewRouter(NewHandler(engine, logger), sm))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, key, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	req.Header.Set("User-Agent", "handler-test")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealth(t *testing.T) {
	srv := newServer(t, nil)
	resp, body := do(t, srv, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestIngest_Receipt(t *testing.T) {
	srv := newServer(t, nil)

	resp, body := do(t, srv, http.MethodPost, "/v1/ingest/Orders", apiKey, `{"sku":"a-1","qty":2,"meta":{"gift":true}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	r := decode[types.Receipt](t, body)
	assert.True(t, r.Success)
	assert.Equal(t, "main", r.Store)
	assert.Equal(t, "orders", r.Table)
	assert.True(t, r.Created)
	assert.Positive(t, r.RowID)
	assert.Equal(t, []string{"sku", "qty", "meta"}, r.Columns)
	assert.Equal(t, resp.Header.Get("X-Request-ID"), r.RequestID)
	_, err := time.Parse(store.TimestampFormat, r.ReceivedAt)
	assert.NoError(t, err)

	resp, body = do(t, srv, http.MethodPost, "/v1/ingest?table=orders&store=Other", apiKey, `{"sku":"b"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	r = decode[types.Receipt](t, body)
	assert.Equal(t, "other", r.Store)
	assert.True(t, r.Created)
}

func TestIngest_ErrorStatuses(t *testing.T) {
	srv := newServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		body   string
		status int
		code   string
	}{
		{"empty body", http.MethodPost, "/v1/ingest/t", apiKey, "", http.StatusBadRequest, sowerr.CodeEmptyBody},
		{"not json", http.MethodPost, "/v1/ingest/t", apiKey, "nope", http.StatusBadRequest, sowerr.CodeInvalidRequest},
		{"array", http.MethodPost, "/v1/ingest/t", apiKey, "[]", http.StatusBadRequest, sowerr.CodeInvalidRequest},
		{"bad key", http.MethodPost, "/v1/ingest/t", "wrong", `{"a":1}`, http.StatusUnauthorized, sowerr.CodeUnauthorized},
		{"guest table", http.MethodPost, "/v1/ingest/admin", "", `{"a":1}`, http.StatusForbidden, sowerr.CodeForbiddenTable},
		{"wrong method", http.MethodPut, "/v1/ingest/t", apiKey, `{"a":1}`, http.StatusMethodNotAllowed, sowerr.CodeMethodNotAllowed},
		{"guest too large", http.MethodPost, "/v1/ingest/contact", "", `{"m":"` + strings.Repeat("x", 200) + `"}`, http.StatusRequestEntityTooLarge, sowerr.CodeBodyTooLarge},
		{"too large", http.MethodPost, "/v1/ingest/t", apiKey, `{"m":"` + strings.Repeat("x", 5000) + `"}`, http.StatusRequestEntityTooLarge, sowerr.CodeBodyTooLarge},
		{"unknown route", http.MethodGet, "/v2/nothing", "", "", http.StatusNotFound, sowerr.CodeRouteNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, srv, tt.method, tt.path, tt.key, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			e := decode[types.ErrorResponse](t, body)
			assert.False(t, e.Success)
			assert.Equal(t, tt.code, e.Error)
			assert.NotEmpty(t, e.Detail)
		})
	}
}

func TestIngest_RequireCredential(t *testing.T) {
	srv := newServer(t, func(c *trust.Config) { c.RequireCredential = true })
	resp, body := do(t, srv, http.MethodPost, "/v1/ingest/contact", "", `{"a":1}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, sowerr.CodeUnauthorized, decode[types.ErrorResponse](t, body).Error)
}

func TestIngest_BearerToken(t *testing.T) {
	srv := newServer(t, nil)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/ingest/t", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQuery_Envelope(t *testing.T) {
	srv := newServer(t, nil)
	for _, b := range []string{
		`{"name":"ada","lang":"en"}`,
		`{"name":"bob","lang":"fr"}`,
		`{"name":"cy","lang":"en"}`,
	} {
		resp, body := do(t, srv, http.MethodPost, "/v1/ingest/users", apiKey, b)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	}

	resp, body := do(t, srv, http.MethodGet, "/v1/query?table=users&f_lang=en&order=name&desc=1&limit=1", apiKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	res := decode[types.QueryResult](t, body)
	assert.True(t, res.Success)
	assert.Equal(t, "main", res.Store)
	assert.Equal(t, "users", res.Table)
	assert.Equal(t, 1, res.Limit)
	assert.Equal(t, "name", res.Order)
	assert.True(t, res.Desc)
	assert.Equal(t, map[string]string{"lang": "en"}, res.Filters)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "cy", res.Rows[0]["name"])
	assert.Equal(t, "handler-test", res.Rows[0]["user_agent"])
	require.NotNil(t, res.NextOffset)
	assert.Equal(t, 1, *res.NextOffset)

	resp, body = do(t, srv, http.MethodGet, "/v1/query?table=users&f_lang=en&order=name&desc=1&limit=1&offset=1", apiKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res = decode[types.QueryResult](t, body)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "ada", res.Rows[0]["name"])

	resp, body = do(t, srv, http.MethodGet, "/v1/query?table=users&q=bo", apiKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res = decode[types.QueryResult](t, body)
	assert.Equal(t, 1, res.Count)
	assert.Nil(t, res.NextOffset)
	assert.NotContains(t, string(body), "next_offset")
}

func TestQuery_Errors(t *testing.T) {
	srv := newServer(t, nil)
	resp, _ := do(t, srv, http.MethodPost, "/v1/ingest/present", apiKey, `{"a":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, srv, http.MethodGet, "/v1/query?table=absent", apiKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, sowerr.CodeTableNotFound, decode[types.ErrorResponse](t, body).Error)

	resp, body = do(t, srv, http.MethodGet, "/v1/query?table=contact", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, sowerr.CodeReadsDisabled, decode[types.ErrorResponse](t, body).Error)

	resp, _ = do(t, srv, http.MethodPost, "/v1/query?table=present", apiKey, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestTablesDescribeRegistry(t *testing.T) {
	srv := newServer(t, nil)
	resp, _ := do(t, srv, http.MethodPost, "/v1/ingest/metrics", apiKey, `{"cpu":0.5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, srv, http.MethodGet, "/v1/tables", apiKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"metrics"}, decode[types.TableList](t, body).Tables)

	resp, body = do(t, srv, http.MethodGet, "/v1/tables/metrics", apiKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[types.TableInfo](t, body)
	last := info.Columns[len(info.Columns)-1]
	assert.Equal(t, types.ColumnDef{Name: "cpu", Type: "ANY"}, last)

	resp, body = do(t, srv, http.MethodGet, "/v1/registry?limit=5", apiKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[types.RegistryList](t, body)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "http:ingest", list.Entries[0].Endpoint)
	assert.Equal(t, "key:ci", list.Entries[0].Principal)
	assert.Equal(t, "127.0.0.1", list.Entries[0].CallerIP)

	resp, _ = do(t, srv, http.MethodGet, "/v1/registry", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGuestErrorsHideCause(t *testing.T) {
	srv := newServer(t, func(c *trust.Config) { c.GuestReads = true })
	resp, body := do(t, srv, http.MethodGet, "/v1/query?table=contact", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	e := decode[types.ErrorResponse](t, body)
	assert.Equal(t, sowerr.CodeStoreNotFound, e.Error)
	assert.NotContains(t, e.Detail, "/")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, "10.0.0.2:1", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": "5.6.7.8"}, "10.0.0.2:1", "5.6.7.8"},
		{"ipv4 remote", nil, "9.9.9.9:4000", "9.9.9.9"},
		{"ipv6 remote", nil, "[::1]:4000", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}

func TestFilters(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?f_a=1&f_a=2&f_=x&b=3&f_User=u", nil)
	assert.Equal(t, map[string]string{"a": "1", "User": "u"}, filters(r.URL.Query()))
	assert.Nil(t, filters(httptest.NewRequest(http.MethodGet, "/?limit=1", nil).URL.Query()))
}

func TestStatsEndpoint(t *testing.T) {
	srv := newServer(t, nil)
	do(t, srv, http.MethodPost, "/v1/ingest/metrics", apiKey, `{"cpu":0.5,"host":"a"}`)
	do(t, srv, http.MethodGet, "/v1/query?table=metrics&f_host=a&order=cpu", apiKey, "")

	resp, body := do(t, srv, http.MethodGet, "/v1/stats?top=1", apiKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	stats := decode[types.StatsResponse](t, body)
	require.Len(t, stats.Tables, 1)
	assert.Equal(t, int64(1), stats.Tables[0].Writes)
	assert.Equal(t, int64(1), stats.Tables[0].Reads)
	assert.Len(t, stats.Tables[0].Columns, 1)
	require.NotNil(t, stats.Watch)
	assert.Equal(t, 0, stats.Watch.Subscribers)

	resp, _ = do(t, srv, http.MethodGet, "/v1/stats", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWatchStream(t *testing.T) {
	srv := newServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/watch?table=metrics", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", apiKey)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	first, err := lines.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": watching main/metrics\n", first)

	do(t, srv, http.MethodPost, "/v1/ingest/other", apiKey, `{"x":1}`)
	_, body := do(t, srv, http.MethodPost, "/v1/ingest/metrics", apiKey, `{"cpu":0.9}`)
	receipt := decode[types.Receipt](t, body)

	var data string
	for data == "" {
		line, err := lines.ReadString('\n')
		require.NoError(t, err)
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			data = strings.TrimSpace(rest)
		}
	}
	ev := decode[notify.Event](t, []byte(data))
	assert.Equal(t, "metrics", ev.Table)
	assert.Equal(t, receipt.RowID, ev.RowID)
	assert.Equal(t, receipt.RequestID, ev.RequestID)
}

func TestWatchGuestNeedsTable(t *testing.T) {
	srv := newServer(t, func(c *trust.Config) { c.GuestReads = true })
	resp, body := do(t, srv, http.MethodGet, "/v1/watch", "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN_TABLE", decode[types.ErrorResponse](t, body).Error)
}
