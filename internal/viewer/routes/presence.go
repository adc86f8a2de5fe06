package routes

import (
	"fmt"
	"net/http"
)

func registerPresenceRoutes(mux *http.ServeMux, d Deps) {
	if d.Presence == nil {
		return
	}

	// GET /api/presence — contact table snapshot.
	handleGet(mux, "/api/presence", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Presence.Snapshot())
	})

	// GET /api/presence/events — SSE: online/offline flips as they happen.
	handleGet(mux, "/api/presence/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch := d.Presence.Subscribe()
		defer d.Presence.Unsubscribe(ch)

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				sseEvent(w, "presence", ev)
				flusher.Flush()
			}
		}
	})
}
