package routes

import (
	"fmt"
	"net/http"

	"github.com/tincan-im/tincan/internal/files"
)

// registerChatRoutes wires the message endpoints on top of the chat manager.
//
//	POST /api/chat/open        — join a conversation's live feed
//	POST /api/chat/close       — leave it
//	GET  /api/chat/history     — messages, ascending
//	POST /api/chat/send        — send a text message
//	POST /api/chat/typing      — broadcast a typing notice
//	POST /api/chat/delete      — delete an own message
//	GET  /api/chat/events      — SSE tail of chat events
//	GET  /api/chat/recent      — ring buffer snapshot for late joiners
func registerChatRoutes(mux *http.ServeMux, d Deps) {
	if d.Chat == nil {
		return
	}

	handlePost(mux, "/api/chat/open", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		d.Chat.Open(r.Context(), req.ConversationID)
		writeJSON(w, map[string]any{"status": "ok", "open": d.Chat.OpenRooms()})
	})

	handlePost(mux, "/api/chat/close", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		d.Chat.CloseRoom(req.ConversationID)
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handleGet(mux, "/api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		convID := r.URL.Query().Get("conversation_id")
		if convID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		limit := atoiOrNeg(r.URL.Query().Get("limit"))
		msgs, err := d.Chat.History(r.Context(), convID, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, msgs)
	})

	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
	}) {
		if req.ConversationID == "" || req.Content == "" {
			http.Error(w, "missing conversation_id or content", http.StatusBadRequest)
			return
		}
		if d.Limiter != nil {
			if ok, retry := d.Limiter.Check(files.ActionMessage); !ok {
				http.Error(w, fmt.Sprintf("rate limited, retry in %s", retry), http.StatusTooManyRequests)
				return
			}
		}
		msg, err := d.Chat.Send(r.Context(), req.ConversationID, req.Content)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, msg)
	})

	handlePost(mux, "/api/chat/typing", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		d.Chat.Typing(req.ConversationID)
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handlePost(mux, "/api/chat/delete", func(w http.ResponseWriter, r *http.Request, req struct {
		MessageID string `json:"message_id"`
	}) {
		if req.MessageID == "" {
			http.Error(w, "missing message_id", http.StatusBadRequest)
			return
		}
		if err := d.Messages.Delete(r.Context(), req.MessageID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	handleGet(mux, "/api/chat/recent", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Chat.Recent())
	})

	// SSE tail only; the page fetches /api/chat/recent first.
	handleGet(mux, "/api/chat/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch := d.Chat.Subscribe()
		defer d.Chat.Unsubscribe(ch)

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
				sseEvent(w, "chat", ev)
				flusher.Flush()
			}
		}
	})
}
