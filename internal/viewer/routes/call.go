package routes

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/tincan-im/tincan/internal/call"
	"github.com/tincan-im/tincan/internal/storage"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// Allow connections from the Wails webview (localhost, file://, etc.)
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterCall registers the call control endpoints.
// engine may be nil — then only GET /api/call/mode is registered and it
// reports {"mode":"disabled"}, so the frontend always has a safe endpoint
// to query regardless of whether calling is enabled.
func RegisterCall(mux *http.ServeMux, engine *call.Engine, d Deps) {
	handleGet(mux, "/api/call/mode", func(w http.ResponseWriter, r *http.Request) {
		mode := "disabled"
		if engine != nil {
			mode = "native"
		}
		writeJSON(w, map[string]string{"mode": mode})
	})

	registerCallHistoryRoutes(mux, d)

	if engine == nil {
		return
	}

	// GET /api/call/state — current snapshot of the single call slot.
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, engine.State())
	})

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string   `json:"conversation_id"`
		UserID         string   `json:"user_id"`
		UserName       string   `json:"user_name"`
		Video          bool     `json:"video"`
		Participants   []string `json:"participants"`
	}) {
		if req.ConversationID == "" || req.UserID == "" {
			http.Error(w, "missing conversation_id or user_id", http.StatusBadRequest)
			return
		}
		kind := call.KindVoice
		if req.Video {
			kind = call.KindVideo
		}
		if err := engine.StartCall(r.Context(), req.ConversationID, req.UserID, req.UserName, kind, req.Participants); err != nil {
			status := http.StatusInternalServerError
			if err == call.ErrBusy {
				status = http.StatusConflict
			}
			http.Error(w, fmt.Sprintf("start call failed: %v", err), status)
			return
		}
		writeJSON(w, engine.State())
	})

	// POST /api/call/answer
	handlePostAction(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request) {
		if err := engine.AnswerCall(r.Context()); err != nil {
			status := http.StatusInternalServerError
			if err == call.ErrNotRinging {
				status = http.StatusConflict
			}
			http.Error(w, fmt.Sprintf("answer failed: %v", err), status)
			return
		}
		writeJSON(w, engine.State())
	})

	// POST /api/call/reject
	handlePostAction(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request) {
		if err := engine.RejectCall(r.Context()); err != nil {
			http.Error(w, fmt.Sprintf("reject failed: %v", err), http.StatusConflict)
			return
		}
		writeJSON(w, engine.State())
	})

	// POST /api/call/hangup — safe in every phase.
	handlePostAction(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request) {
		engine.EndCall(r.Context())
		writeJSON(w, engine.State())
	})

	// POST /api/call/toggle-mute
	handlePostAction(mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"muted": engine.ToggleMute()})
	})

	// POST /api/call/toggle-video
	handlePostAction(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"video_off": engine.ToggleVideo()})
	})

	// GET /api/call/events — SSE: a state snapshot after every transition.
	// Each connection gets its own subscription; unsubscribed on disconnect
	// so the engine never accumulates stale listeners.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch, cancel := engine.Subscribe()
		defer cancel()

		sseEvent(w, "state", engine.State())
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-ch:
				if !ok {
					return
				}
				sseEvent(w, "state", st)
				flusher.Flush()
			}
		}
	})

	// GET /api/call/media/{feed} — WebSocket carrying the live WebM stream.
	// feed is "remote" (the other side) or "self" (local preview). The
	// browser feeds the binary messages to MSE; the first message is the
	// init segment, the rest are clusters.
	mux.HandleFunc("/api/call/media/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		which := strings.TrimPrefix(r.URL.Path, "/api/call/media/")
		which = strings.TrimSuffix(which, "/")

		sess := engine.ActiveSession()
		if sess == nil {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}

		var feed *call.MediaFeed
		switch which {
		case "remote":
			feed = sess.RemoteFeed()
		case "self":
			feed = sess.SelfView()
		default:
			http.Error(w, "unknown feed, want remote or self", http.StatusBadRequest)
			return
		}
		if feed == nil {
			http.Error(w, "feed not available", http.StatusNotFound)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("CALL: media WebSocket upgrade error: %v", err)
			return
		}
		defer conn.Close()
		log.Printf("CALL: media WebSocket connected (%s)", which)

		dataCh, cancelMedia := feed.Subscribe()
		defer cancelMedia()

		stateCh, cancelState := engine.Subscribe()
		defer cancelState()

		// Drain incoming messages (ping/pong, close frames) without blocking.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				log.Printf("CALL: media WebSocket disconnected (%s)", which)
				return
			case st := <-stateCh:
				if st.Phase == call.PhaseIdle || st.Phase == call.PhaseEnded {
					return
				}
			case data, ok := <-dataCh:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			}
		}
	})
}

// registerCallHistoryRoutes serves the history panel. Backend reads are
// mirrored into the sqlite cache; when the backend is down the mirror is
// served instead.
func registerCallHistoryRoutes(mux *http.ServeMux, d Deps) {
	if d.History == nil && d.Cache == nil {
		return
	}
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		limit := atoiOrNeg(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 50
		}

		if d.History != nil {
			recs, err := d.History.Recent(r.Context(), limit)
			if err == nil {
				mirrorCallHistory(d.Cache, recs)
				writeJSON(w, recs)
				return
			}
			log.Printf("VIEWER: call history backend read failed, serving cache: %v", err)
		}

		if d.Cache == nil {
			http.Error(w, "history unavailable", http.StatusServiceUnavailable)
			return
		}
		cached, err := d.Cache.RecentCalls(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"cached": true, "calls": cached})
	})
}

func mirrorCallHistory(cache *storage.DB, recs []call.HistoryRecord) {
	if cache == nil {
		return
	}
	for _, rec := range recs {
		_ = cache.UpsertCallRecord(storage.CallRecord{
			ID:              rec.ID,
			ConversationID:  rec.ConversationID,
			CallerID:        rec.CallerID,
			CallType:        string(rec.CallType),
			Status:          rec.Status,
			DurationSeconds: rec.DurationSeconds,
			StartedAt:       rec.StartedAt,
			EndedAt:         rec.EndedAt,
		})
	}
}
