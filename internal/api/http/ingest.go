package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	sowerr "github.com/sowdb/sowdb/internal/errors"
	"github.com/sowdb/sowdb/internal/ingest"
)

// Ingest handles POST /v1/ingest and POST /v1/ingest/{table}. The table
// comes from the path, then the table query parameter.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.begin(w, r, "http:ingest")
	if !ok {
		return
	}

	table := chi.URLParam(r, "table")
	if table == "" {
		table = r.URL.Query().Get("table")
	}

	body, err := readBody(w, r, rc.Grant().MaxBodyBytes)
	if err != nil {
		h.fail(w, r, rc, err)
		return
	}

	receipt, err := h.engine.Ingest(r.Context(), ingest.Request{
		Context: rc,
		Table:   table,
		Body:    body,
	})
	if err != nil {
		h.fail(w, r, rc, err)
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

// readBody reads at most limit bytes. A declared or actual length over the
// limit is rejected without reading the rest.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	tooLarge := func(n int64) error {
		return sowerr.NewValidationError(sowerr.CodeBodyTooLarge,
			fmt.Sprintf("body of %d bytes exceeds the %d byte limit", n, limit))
	}
	if r.ContentLength > limit {
		return nil, tooLarge(r.ContentLength)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, sowerr.NewValidationError(sowerr.CodeBodyTooLarge,
				fmt.Sprintf("body exceeds the %d byte limit", limit))
		}
		return nil, sowerr.Wrap(sowerr.ErrCategoryValidation, sowerr.CodeInvalidRequest, "failed to read request body", err)
	}
	return body, nil
}
