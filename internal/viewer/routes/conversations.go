package routes

import (
	"net/http"
)

func registerConversationRoutes(mux *http.ServeMux, d Deps) {
	if d.Conversations == nil {
		return
	}

	// GET /api/conversations — the sidebar list: threads with participants,
	// last message and unread count.
	handleGet(mux, "/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		details, err := d.Conversations.ListWithDetails(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, details)
	})

	// POST /api/conversations/direct — find or start a 1:1 thread.
	handlePost(mux, "/api/conversations/direct", func(w http.ResponseWriter, r *http.Request, req struct {
		UserID string `json:"user_id"`
	}) {
		if req.UserID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		conv, err := d.Conversations.GetOrCreateDirect(r.Context(), req.UserID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, conv)
	})

	// POST /api/conversations/group
	handlePost(mux, "/api/conversations/group", func(w http.ResponseWriter, r *http.Request, req struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}) {
		if req.Name == "" || len(req.Members) == 0 {
			http.Error(w, "missing name or members", http.StatusBadRequest)
			return
		}
		conv, err := d.Conversations.CreateGroup(r.Context(), req.Name, req.Members)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, conv)
	})
}
