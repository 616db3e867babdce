package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	sowerr "github.com/sowdb/sowdb/internal/errors"
	"github.com/sowdb/sowdb/internal/ingest"
	"github.com/sowdb/sowdb/internal/server"
	"github.com/sowdb/sowdb/internal/trust"
)

// Handler serves the API on top of an ingest engine.
type Handler struct {
	engine *ingest.Engine
	logger *slog.Logger
}

// NewHandler creates a handler. A nil logger uses slog.Default().
func NewHandler(engine *ingest.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

// NewRouter mounts every route. sm may be nil, in which case requests are
// not tracked for graceful shutdown.
func NewRouter(h *Handler, sm *server.ShutdownManager) http.Handler {
	r := chi.NewRouter()
	r.Use(
		RequestIDMiddleware,
		RecoveryMiddleware(h.logger),
		LoggingMiddleware(h.logger),
		ContentTypeMiddleware,
		middleware.Compress(5, "application/json"),
	)
	if sm != nil {
		r.Use(server.ShutdownMiddleware(sm))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, sowerr.NewNotFoundError(sowerr.CodeRouteNotFound, "no such endpoint"), false)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, sowerr.NewValidationError(sowerr.CodeMethodNotAllowed, r.Method+" is not allowed here"), false)
	})

	r.Get("/health", h.Health)

	r.Post("/v1/ingest", h.Ingest)
	r.Post("/v1/ingest/{table}", h.Ingest)
	r.Get("/v1/query", h.Query)
	r.Get("/v1/tables", h.Tables)
	r.Get("/v1/tables/{table}", h.Describe)
	r.Get("/v1/registry", h.Registry)
	r.Get("/v1/stats", h.Stats)
	r.Get("/v1/watch", h.Watch)

	return r
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// begin builds the request context for r. On failure the error has already
// been written.
func (h *Handler) begin(w http.ResponseWriter, r *http.Request, endpoint string) (ingest.RequestContext, bool) {
	store := r.URL.Query().Get("store")
	if store == "" {
		store = r.Header.Get("X-Sowdb-Store")
	}
	rc, err := h.engine.Begin(ingest.Origin{
		RequestID: GetRequestID(r.Context()),
		Endpoint:  endpoint,
		APIKey:    APIKey(r),
		Store:     store,
		SourceIP:  ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeError(w, r, err, false)
		return ingest.RequestContext{}, false
	}
	return rc, true
}

// fail writes err for a request whose context is known.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, rc ingest.RequestContext, err error) {
	status := sowerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("http: request failed",
			"request_id", rc.RequestID(), "path", r.URL.Path, "code", sowerr.GetCode(err), "error", err)
	}
	writeError(w, r, err, rc.Identity().Tier == trust.TierAuthenticated)
}
