package http

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sowdb/sowdb/internal/ingest"
)

// filterPrefix marks equality filters in the query string: f_<column>=value.
const filterPrefix = "f_"

// Query handles GET /v1/query.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.begin(w, r, "http:query")
	if !ok {
		return
	}

	q := r.URL.Query()
	res, err := h.engine.Query(r.Context(), ingest.ReadRequest{
		Context: rc,
		Table:   q.Get("table"),
		Filters: filters(q),
		Search:  q.Get("q"),
		OrderBy: q.Get("order"),
		Desc:    truthy(q.Get("desc")),
		Limit:   intParam(q, "limit"),
		Offset:  intParam(q, "offset"),
	})
	if err != nil {
		h.fail(w, r, rc, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Tables handles GET /v1/tables.
func (h *Handler) Tables(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.begin(w, r, "http:tables")
	if !ok {
		return
	}
	res, err := h.engine.Tables(r.Context(), rc)
	if err != nil {
		h.fail(w, r, rc, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Describe handles GET /v1/tables/{table}.
func (h *Handler) Describe(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.begin(w, r, "http:describe")
	if !ok {
		return
	}
	res, err := h.engine.Describe(r.Context(), rc, chi.URLParam(r, "table"))
	if err != nil {
		h.fail(w, r, rc, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Registry handles GET /v1/registry.
func (h *Handler) Registry(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.begin(w, r, "http:registry")
	if !ok {
		return
	}
	res, err := h.engine.Registry(r.Context(), rc, intParam(r.URL.Query(), "limit"))
	if err != nil {
		h.fail(w, r, rc, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// filters collects the f_<column> parameters. Only the first value of a
// repeated parameter is used.
func filters(q url.Values) map[string]string {
	var out map[string]string
	for k, v := range q {
		if !strings.HasPrefix(k, filterPrefix) || len(k) == len(filterPrefix) || len(v) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k[len(filterPrefix):]] = v[0]
	}
	return out
}

// intParam parses an integer parameter. Missing or malformed values read as
// zero and are clamped downstream.
func intParam(q url.Values, name string) int {
	n, err := strconv.Atoi(strings.TrimSpace(q.Get(name)))
	if err != nil {
		return 0
	}
	return n
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "desc":
		return true
	}
	return false
}
