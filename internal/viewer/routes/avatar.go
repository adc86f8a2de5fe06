package routes

import (
	"io"
	"net/http"
	"strings"

	"github.com/tincan-im/tincan/internal/avatar"
)

func registerAvatarRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/avatar/styles — the preset picker's style list.
	handleGet(mux, "/api/avatar/styles", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, avatar.Styles)
	})

	// GET /api/avatar/catalog?style=X — all preset URLs for one style.
	handleGet(mux, "/api/avatar/catalog", func(w http.ResponseWriter, r *http.Request) {
		style := r.URL.Query().Get("style")
		if !avatar.ValidStyle(style) {
			http.Error(w, "unknown style", http.StatusBadRequest)
			return
		}
		writeJSON(w, avatar.Catalog(style))
	})

	// POST /api/avatar/preset — pick a generated avatar; updates the profile.
	handlePost(mux, "/api/avatar/preset", func(w http.ResponseWriter, r *http.Request, req struct {
		Style string `json:"style"`
		Seed  int    `json:"seed"`
	}) {
		if d.Avatars == nil {
			http.Error(w, "avatars not configured", http.StatusInternalServerError)
			return
		}
		url, err := d.Avatars.ChoosePreset(r.Context(), req.Style, req.Seed)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]string{"status": "ok", "avatar_url": url})
	})

	// POST /api/avatar/upload — custom image (multipart, max 5MB); stored
	// locally and pushed to the avatars bucket.
	mux.HandleFunc("/api/avatar/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if d.Avatars == nil {
			http.Error(w, "avatars not configured", http.StatusInternalServerError)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 6<<20)
		if err := r.ParseMultipartForm(6 << 20); err != nil {
			http.Error(w, "file too large (max 5MB)", http.StatusBadRequest)
			return
		}
		file, hdr, err := r.FormFile("avatar")
		if err != nil {
			http.Error(w, "missing avatar field", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "read error", http.StatusInternalServerError)
			return
		}

		url, err := d.Avatars.UploadCustom(r.Context(), data, hdr.Header.Get("Content-Type"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]string{"status": "ok", "avatar_url": url})
	})

	// POST or DELETE /api/avatar/delete — back to the initials fallback.
	mux.HandleFunc("/api/avatar/delete", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if d.Avatars == nil {
			http.Error(w, "avatars not configured", http.StatusInternalServerError)
			return
		}
		if err := d.Avatars.Clear(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// GET /api/avatar — own avatar, or the initials SVG when none is set.
	// GET /api/avatar/user/{id} — a contact's avatar through the disk cache.
	handleGet(mux, "/api/avatar", func(w http.ResponseWriter, r *http.Request) {
		if d.Avatars != nil {
			if data, err := d.Avatars.Store().Read(); err == nil && data != nil {
				w.Header().Set("Content-Type", http.DetectContentType(data))
				w.Header().Set("Cache-Control", "no-cache")
				w.Write(data)
				return
			}
		}
		serveFallbackSVG(w, safeCall(d.SelfLabel), safeCall(d.SelfLabel))
	})

	mux.HandleFunc("/api/avatar/user/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := strings.TrimPrefix(r.URL.Path, "/api/avatar/user/")
		if userID == "" {
			http.Error(w, "missing user id", http.StatusBadRequest)
			return
		}
		serveContactAvatar(w, r, d, userID)
	})
}

func serveContactAvatar(w http.ResponseWriter, r *http.Request, d Deps, userID string) {
	label, username, url := contactIdentity(d, userID)

	if url == "" || d.Avatars == nil {
		serveFallbackSVG(w, label, username)
		return
	}

	data, err := d.Avatars.Fetch(r.Context(), userID, url)
	if err != nil || len(data) == 0 {
		serveFallbackSVG(w, label, username)
		return
	}

	w.Header().Set("Content-Type", contentTypeForURL(url, data))
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Write(data)
}

// contactIdentity resolves a display label, username and avatar URL from the
// live presence table first, then the sqlite contact cache.
func contactIdentity(d Deps, userID string) (label, username, url string) {
	if d.Presence != nil {
		if c, ok := d.Presence.Get(userID); ok {
			label = c.DisplayName
			if label == "" {
				label = c.Username
			}
			return label, c.Username, c.AvatarURL
		}
	}
	if d.Cache != nil {
		if c, ok := d.Cache.GetContact(userID); ok {
			label = c.DisplayName
			if label == "" {
				label = c.Username
			}
			return label, c.Username, c.AvatarURL
		}
	}
	return userID, "", ""
}

func serveFallbackSVG(w http.ResponseWriter, label, username string) {
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(avatar.InitialsSVG(label, username))
}
