package routes

import (
	"errors"
	"io"
	"net/http"

	"github.com/tincan-im/tincan/internal/chat"
	"github.com/tincan-im/tincan/internal/files"
)

// RegisterFiles wires attachment and voice note uploads. Sent messages are
// handed to the chat manager so the feed echo is deduplicated.
func RegisterFiles(mux *http.ServeMux, uploader *files.Uploader, chatMgr *chat.Manager) {
	if uploader == nil {
		return
	}

	// POST /api/files/upload — multipart: conversation_id + file.
	mux.HandleFunc("/api/files/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, files.MaxFileSize+1<<20)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, "file too large", http.StatusBadRequest)
			return
		}
		convID := r.FormValue("conversation_id")
		if convID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "missing file field", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "read error", http.StatusInternalServerError)
			return
		}

		msg, err := uploader.SendAttachment(r.Context(), convID, hdr.Filename, data)
		if err != nil {
			http.Error(w, err.Error(), uploadErrStatus(err))
			return
		}
		if chatMgr != nil {
			chatMgr.NoteSent(msg)
		}
		writeJSON(w, msg)
	})

	// POST /api/files/voice — multipart: conversation_id + duration + voice.
	mux.HandleFunc("/api/files/voice", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, files.MaxVoiceNoteSize+1<<20)
		if err := r.ParseMultipartForm(12 << 20); err != nil {
			http.Error(w, "recording too large", http.StatusBadRequest)
			return
		}
		convID := r.FormValue("conversation_id")
		duration := atoiOrNeg(r.FormValue("duration"))
		if convID == "" || duration < 0 {
			http.Error(w, "missing conversation_id or duration", http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("voice")
		if err != nil {
			http.Error(w, "missing voice field", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "read error", http.StatusInternalServerError)
			return
		}

		msg, err := uploader.SendVoiceNote(r.Context(), convID, data, duration)
		if err != nil {
			http.Error(w, err.Error(), uploadErrStatus(err))
			return
		}
		if chatMgr != nil {
			chatMgr.NoteSent(msg)
		}
		writeJSON(w, msg)
	})
}

func uploadErrStatus(err error) int {
	switch {
	case errors.Is(err, files.ErrFileTooLarge),
		errors.Is(err, files.ErrFileEmpty),
		errors.Is(err, files.ErrTypeBlocked),
		errors.Is(err, files.ErrExtBlocked),
		errors.Is(err, files.ErrVoiceTooLarge),
		errors.Is(err, files.ErrVoiceTooLong):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
