package viewer

import (
	"net/http"

	"github.com/tincan-im/tincan/internal/avatar"
	"github.com/tincan-im/tincan/internal/call"
	"github.com/tincan-im/tincan/internal/chat"
	"github.com/tincan-im/tincan/internal/files"
	"github.com/tincan-im/tincan/internal/presence"
	"github.com/tincan-im/tincan/internal/storage"
	"github.com/tincan-im/tincan/internal/store"
	"github.com/tincan-im/tincan/internal/ui/assets"
	"github.com/tincan-im/tincan/internal/viewer/routes"
)

// Viewer carries everything the localhost UI server needs. Nil fields are
// allowed; the corresponding routes degrade or stay unregistered.
type Viewer struct {
	SelfID    string
	SelfLabel func() string

	CfgPath string
	Cfg     any // Config interface to avoid import cycle
	Logs    *LogBuffer

	Profiles      *store.Profiles
	Friends       *store.Friends
	Conversations *store.Conversations
	Messages      *store.Messages
	History       *store.History

	Chat     *chat.Manager
	Presence *presence.Tracker
	Engine   *call.Engine
	Avatars  *avatar.Manager
	Uploader *files.Uploader
	Limiter  *files.Limiter

	Cache *storage.DB

	// Canonical base URL for the page (e.g. http://127.0.0.1:7777).
	BaseURL string

	ProfileDir string
}

func Start(addr string, v Viewer) error {
	mux := http.NewServeMux()

	mux.Handle("/", noCache(assets.Handler()))

	baseURL := v.BaseURL
	if baseURL == "" {
		// fallback (should not happen if wired correctly)
		baseURL = "http://" + addr
	}

	deps := routes.Deps{
		SelfID:        v.SelfID,
		SelfLabel:     v.SelfLabel,
		CfgPath:       v.CfgPath,
		Cfg:           v.Cfg,
		Logs:          v.Logs,
		BaseURL:       baseURL,
		Profiles:      v.Profiles,
		Friends:       v.Friends,
		Conversations: v.Conversations,
		Messages:      v.Messages,
		History:       v.History,
		Chat:          v.Chat,
		Avatars:       v.Avatars,
		Limiter:       v.Limiter,
		Cache:         v.Cache,
	}
	if v.Presence != nil {
		deps.Presence = v.Presence.Table()
	}
	routes.Register(mux, deps)

	routes.RegisterCall(mux, v.Engine, deps)

	if v.Uploader != nil {
		routes.RegisterFiles(mux, v.Uploader, v.Chat)
	}

	return http.ListenAndServe(addr, mux)
}
