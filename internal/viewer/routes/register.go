// internal/viewer/routes/register.go
package routes

import (
	"net/http"

	"github.com/tincan-im/tincan/internal/avatar"
	"github.com/tincan-im/tincan/internal/chat"
	"github.com/tincan-im/tincan/internal/files"
	"github.com/tincan-im/tincan/internal/presence"
	"github.com/tincan-im/tincan/internal/storage"
	"github.com/tincan-im/tincan/internal/store"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	SelfID    string
	SelfLabel func() string

	CfgPath string
	Cfg     interface{} // Config interface to avoid import cycle
	Logs    Logs
	BaseURL string

	Profiles      *store.Profiles
	Friends       *store.Friends
	Conversations *store.Conversations
	Messages      *store.Messages
	History       *store.History

	Chat     *chat.Manager
	Presence *presence.Table
	Avatars  *avatar.Manager
	Limiter  *files.Limiter

	// Local sqlite cache; routes mirror backend reads into it and fall
	// back to it when the backend is unreachable.
	Cache *storage.DB
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)

	registerSelfRoutes(mux, d)
	registerConversationRoutes(mux, d)
	registerChatRoutes(mux, d)
	registerFriendRoutes(mux, d)
	registerPresenceRoutes(mux, d)
	registerAvatarRoutes(mux, d)
	registerMarkdownRoutes(mux)
}
