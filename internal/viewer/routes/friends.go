package routes

import (
	"fmt"
	"net/http"

	"github.com/tincan-im/tincan/internal/files"
	"github.com/tincan-im/tincan/internal/storage"
	"github.com/tincan-im/tincan/internal/store"
)

func registerFriendRoutes(mux *http.ServeMux, d Deps) {
	if d.Friends == nil {
		return
	}

	// GET /api/friends — accepted friendships with embedded profiles.
	// Successful reads refresh the contact cache; a backend failure falls
	// back to it so the list still renders offline.
	handleGet(mux, "/api/friends", func(w http.ResponseWriter, r *http.Request) {
		list, err := d.Friends.List(r.Context())
		if err != nil {
			if d.Cache != nil {
				if cached, cerr := d.Cache.ListContacts(); cerr == nil {
					writeJSON(w, map[string]any{"cached": true, "contacts": cached})
					return
				}
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		mirrorContacts(d.Cache, d.SelfID, list)
		writeJSON(w, list)
	})

	handleGet(mux, "/api/friends/pending", func(w http.ResponseWriter, r *http.Request) {
		list, err := d.Friends.Pending(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, list)
	})

	handlePost(mux, "/api/friends/request", func(w http.ResponseWriter, r *http.Request, req struct {
		UserID string `json:"user_id"`
	}) {
		if req.UserID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		if d.Limiter != nil {
			if ok, retry := d.Limiter.Check(files.ActionFriendRequest); !ok {
				http.Error(w, fmt.Sprintf("rate limited, retry in %s", retry), http.StatusTooManyRequests)
				return
			}
		}
		if err := d.Friends.Request(r.Context(), req.UserID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "requested"})
	})

	handlePost(mux, "/api/friends/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		RequestID string `json:"request_id"`
	}) {
		if req.RequestID == "" {
			http.Error(w, "missing request_id", http.StatusBadRequest)
			return
		}
		if err := d.Friends.Accept(r.Context(), req.RequestID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted"})
	})

	handlePost(mux, "/api/friends/remove", func(w http.ResponseWriter, r *http.Request, req struct {
		FriendshipID string `json:"friendship_id"`
		UserID       string `json:"user_id"`
	}) {
		if req.FriendshipID == "" {
			http.Error(w, "missing friendship_id", http.StatusBadRequest)
			return
		}
		if err := d.Friends.Remove(r.Context(), req.FriendshipID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if d.Cache != nil && req.UserID != "" {
			_ = d.Cache.DeleteContact(req.UserID)
		}
		writeJSON(w, map[string]string{"status": "removed"})
	})

	// ── blocks ──

	handleGet(mux, "/api/blocks", func(w http.ResponseWriter, r *http.Request) {
		list, err := d.Friends.Blocked(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, list)
	})

	handlePost(mux, "/api/blocks/add", func(w http.ResponseWriter, r *http.Request, req struct {
		UserID string `json:"user_id"`
	}) {
		if req.UserID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		if err := d.Friends.Block(r.Context(), req.UserID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "blocked"})
	})

	handlePost(mux, "/api/blocks/remove", func(w http.ResponseWriter, r *http.Request, req struct {
		UserID string `json:"user_id"`
	}) {
		if req.UserID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		if err := d.Friends.Unblock(r.Context(), req.UserID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "unblocked"})
	})
}

func mirrorContacts(cache *storage.DB, selfID string, list []store.Friendship) {
	if cache == nil {
		return
	}
	for _, fr := range list {
		if fr.Friend == nil {
			continue
		}
		_ = cache.UpsertContact(storage.CachedContact{
			UserID:      fr.OtherSide(selfID),
			Username:    fr.Friend.Username,
			DisplayName: fr.Friend.DisplayName,
			AvatarURL:   fr.Friend.AvatarURL,
			IsFriend:    fr.Status == "accepted",
		})
	}
}
