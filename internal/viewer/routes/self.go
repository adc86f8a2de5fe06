package routes

import (
	"net/http"

	"github.com/tincan-im/tincan/internal/config"
)

func registerSelfRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/self — own profile, served from the backend with the local
	// contact cache as an offline fallback for the name fields.
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		if d.Profiles == nil {
			http.Error(w, "profiles not configured", http.StatusInternalServerError)
			return
		}
		p, err := d.Profiles.Self(r.Context())
		if err != nil {
			writeJSON(w, map[string]string{
				"id":       d.SelfID,
				"username": safeCall(d.SelfLabel),
				"error":    err.Error(),
			})
			return
		}
		writeJSON(w, p)
	})

	// POST /api/self/display-name
	handlePost(mux, "/api/self/display-name", func(w http.ResponseWriter, r *http.Request, req struct {
		DisplayName string `json:"display_name"`
	}) {
		if req.DisplayName == "" {
			http.Error(w, "missing display_name", http.StatusBadRequest)
			return
		}
		if err := d.Profiles.SetDisplayName(r.Context(), req.DisplayName); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/self/config — the profile's config with secrets blanked.
	handleGet(mux, "/api/self/config", func(w http.ResponseWriter, r *http.Request) {
		cfg, err := config.Load(d.CfgPath)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		cfg.Backend.AnonKey = ""
		cfg.Backend.AccessToken = ""
		writeJSON(w, cfg)
	})

	// GET /api/users/search?q=… — profile search for the add-friend box.
	handleGet(mux, "/api/users/search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			http.Error(w, "missing q", http.StatusBadRequest)
			return
		}
		profiles, err := d.Profiles.Search(r.Context(), q, 20)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, profiles)
	})
}
