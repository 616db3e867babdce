package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	sowerr "github.com/sowdb/sowdb/internal/errors"
)

// keepAlive is how often an idle watch stream sends a comment line.
const keepAlive = 15 * time.Second

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.begin(w, r, "http:stats")
	if !ok {
		return
	}
	res, err := h.engine.Stats(rc, intParam(r.URL.Query(), "top"))
	if err != nil {
		h.fail(w, r, rc, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Watch handles GET /v1/watch as a server-sent event stream. Each committed
// row in the caller's store (or in ?table=) is sent as a "commit" event.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	rc, ok := h.begin(w, r, "http:watch")
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.fail(w, r, rc, sowerr.NewInternalError("streaming is not supported", nil))
		return
	}
	sub, err := h.engine.Watch(rc, r.URL.Query().Get("table"))
	if err != nil {
		h.fail(w, r, rc, err)
		return
	}
	defer h.engine.Unwatch(sub)

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": watching %s\n\n", sub.Filters[0])
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: commit\ndata: %s\n\n", ev.RequestID, data)
			flusher.Flush()
		}
	}
}
