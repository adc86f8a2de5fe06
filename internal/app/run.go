package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tincan-im/tincan/internal/avatar"
	"github.com/tincan-im/tincan/internal/backend"
	"github.com/tincan-im/tincan/internal/call"
	"github.com/tincan-im/tincan/internal/chat"
	"github.com/tincan-im/tincan/internal/config"
	"github.com/tincan-im/tincan/internal/files"
	"github.com/tincan-im/tincan/internal/presence"
	"github.com/tincan-im/tincan/internal/storage"
	"github.com/tincan-im/tincan/internal/store"
	"github.com/tincan-im/tincan/internal/util"
	"github.com/tincan-im/tincan/internal/viewer"
)

type Options struct {
	ProfileDir string
	CfgPath    string
	Cfg        config.Config
	Progress   func(step, total int, label string)
}

// Run wires the whole client and blocks until ctx is cancelled. One process
// is one signed-in profile; the profile directory is its boundary.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	log.SetOutput(logBuf)

	logBanner(opt.ProfileDir, opt.CfgPath)

	cfg := opt.Cfg

	emit := opt.Progress
	if emit == nil {
		emit = func(int, int, string) {}
	}
	step := 0
	const total = 5
	progress := func(label string) {
		step++
		emit(step, total, label)
	}

	selfID := cfg.Backend.UserID
	selfName := func() string {
		if cfg.Profile.DisplayName != "" {
			return cfg.Profile.DisplayName
		}
		return cfg.Profile.Username
	}

	// ── Backend client + realtime feed
	progress("Connecting to backend")

	client := backend.NewClient(cfg.Backend.URL, cfg.Backend.AnonKey, cfg.Backend.AccessToken)
	feed := backend.NewFeed(cfg.Backend.URL, cfg.Backend.AnonKey)
	feed.Start()
	defer feed.Close()

	profiles := store.NewProfiles(client, selfID)
	friends := store.NewFriends(client, selfID)
	conversations := store.NewConversations(client, selfID)
	messages := store.NewMessages(client, selfID)
	signals := store.NewSignals(client, feed, selfID)
	history := store.NewHistory(client, selfID)

	// ── Local cache
	progress("Opening local cache")

	cache, err := storage.Open(util.ResolvePath(opt.ProfileDir, cfg.Paths.CacheDB))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cache.Close()
	log.Printf("cache db: %s", cache.Path())

	// ── Presence + chat
	progress("Starting presence and chat")

	tracker := presence.New(feed, profiles, friends, selfID,
		time.Duration(cfg.Presence.HeartbeatSec)*time.Second,
		time.Duration(cfg.Presence.TTLSec)*time.Second)
	tracker.Start(ctx)
	defer tracker.Close()

	chatMgr := chat.New(feed, messages, selfID, selfName(), chat.DefaultBufferSize)
	defer chatMgr.Close()
	log.Printf("CHAT: enabled for user %s", selfID)

	// ── Call engine
	progress("Starting call engine")

	engine := call.NewEngine(call.Options{
		Signaler:    signals,
		Capturer:    &call.DeviceCapturer{VideoDisabled: cfg.Viewer.VideoDisabled},
		Profiles:    profiles,
		History:     history,
		SelfID:      selfID,
		SelfName:    selfName(),
		ICEServers:  cfg.Call.ICEServers,
		RingTimeout: time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
	})
	defer engine.Close()

	// ── Files: uploader + drop-folder outbox
	limiter := files.NewLimiter()
	uploader := files.NewUploader(client, messages, limiter)

	outbox, err := files.NewOutbox(util.ResolvePath(opt.ProfileDir, cfg.Paths.OutboxDir), uploader, chatMgr.NoteSent)
	if err != nil {
		log.Printf("WARNING: outbox watcher disabled: %v", err)
	} else {
		defer outbox.Close()
	}

	// ── Avatars
	avatars := avatar.NewManager(
		avatar.NewStore(opt.ProfileDir),
		avatar.NewCache(opt.ProfileDir),
		profiles, client, selfID)

	// ── Viewer
	progress("Starting viewer")

	if cfg.Viewer.HTTPAddr != "" {
		addr, url, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			if err := viewer.Start(addr, viewer.Viewer{
				SelfID:        selfID,
				SelfLabel:     selfName,
				CfgPath:       opt.CfgPath,
				Cfg:           cfg,
				Logs:          logBuf,
				Profiles:      profiles,
				Friends:       friends,
				Conversations: conversations,
				Messages:      messages,
				History:       history,
				Chat:          chatMgr,
				Presence:      tracker,
				Engine:        engine,
				Avatars:       avatars,
				Uploader:      uploader,
				Limiter:       limiter,
				Cache:         cache,
				BaseURL:       url,
				ProfileDir:    opt.ProfileDir,
			}); err != nil {
				log.Printf("VIEWER: server stopped: %v", err)
			}
		}()
		log.Printf("viewer: %s", url)
	}

	<-ctx.Done()
	log.Println("client: shutting down")
	return nil
}
