// Package presence keeps the contact list's online state current: the
// local user heartbeats its own profile row, and everyone else's rows
// arrive through the profiles change feed into a TTL-pruned table.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/tincan-im/tincan/internal/backend"
	"github.com/tincan-im/tincan/internal/store"
)

const presenceTopic = "realtime:presence"

type presenceFeed interface {
	Subscribe(topic string, change *backend.PostgresChange) *backend.Subscription
	Unsubscribe(topic string)
}

type selfStatus interface {
	SetOnline(ctx context.Context, online bool) error
}

type contactSource interface {
	List(ctx context.Context) ([]store.Friendship, error)
}

type profileSource interface {
	ListByIDs(ctx context.Context, ids []string) ([]store.Profile, error)
}

// Tracker owns the presence Table and the loops that feed it.
type Tracker struct {
	table    *Table
	feed     presenceFeed
	self     selfStatus
	friends  contactSource
	profiles profileSource
	selfID   string

	heartbeat time.Duration
	ttl       time.Duration

	done chan struct{}
}

// New wires a tracker against the real backend components. Durations come
// from config (heartbeat must be shorter than ttl; config validates that).
func New(feed *backend.Feed, profiles *store.Profiles, friends *store.Friends, selfID string, heartbeat, ttl time.Duration) *Tracker {
	return newTracker(feed, profiles, friends, profiles, selfID, heartbeat, ttl)
}

func newTracker(feed presenceFeed, self selfStatus, friends contactSource, profiles profileSource, selfID string, heartbeat, ttl time.Duration) *Tracker {
	return &Tracker{
		table:     NewTable(),
		feed:      feed,
		self:      self,
		friends:   friends,
		profiles:  profiles,
		selfID:    selfID,
		heartbeat: heartbeat,
		ttl:       ttl,
		done:      make(chan struct{}),
	}
}

// Table exposes the contact table for the viewer's presence routes.
func (t *Tracker) Table() *Table {
	return t.table
}

// Start announces the local user online, seeds the table from the friend
// list, and runs the heartbeat / feed / prune loops until Close.
func (t *Tracker) Start(ctx context.Context) {
	if err := t.self.SetOnline(ctx, true); err != nil {
		log.Printf("PRESENCE: initial online announce: %v", err)
	}
	t.seed(ctx)

	sub := t.feed.Subscribe(presenceTopic, &backend.PostgresChange{
		Event:  "UPDATE",
		Schema: "public",
		Table:  "profiles",
	})

	go t.heartbeatLoop()
	go t.watchLoop(sub)
}

// Close announces offline and stops all loops.
func (t *Tracker) Close() {
	select {
	case <-t.done:
		return
	default:
		close(t.done)
	}
	t.feed.Unsubscribe(presenceTopic)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.self.SetOnline(ctx, false); err != nil {
		log.Printf("PRESENCE: offline announce: %v", err)
	}
}

// seed loads accepted friendships and their profiles so the table has a
// full contact list before the first feed event arrives.
func (t *Tracker) seed(ctx context.Context) {
	rows, err := t.friends.List(ctx)
	if err != nil {
		log.Printf("PRESENCE: seed friends: %v", err)
		return
	}
	ids := make([]string, 0, len(rows))
	for _, fr := range rows {
		ids = append(ids, fr.OtherSide(t.selfID))
	}
	profs, err := t.profiles.ListByIDs(ctx, ids)
	if err != nil {
		log.Printf("PRESENCE: seed profiles: %v", err)
		return
	}
	for _, p := range profs {
		t.table.Seed(p.ID, contactFromProfile(p))
	}
	log.Printf("PRESENCE: seeded %d contacts", len(profs))
}

func (t *Tracker) heartbeatLoop() {
	hb := time.NewTicker(t.heartbeat)
	prune := time.NewTicker(t.ttl / 3)
	defer hb.Stop()
	defer prune.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-hb.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := t.self.SetOnline(ctx, true); err != nil {
				log.Printf("PRESENCE: heartbeat: %v", err)
			}
			cancel()
		case <-prune.C:
			t.table.PruneStale(time.Now().Add(-t.ttl))
		}
	}
}

func (t *Tracker) watchLoop(sub *backend.Subscription) {
	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-sub.Changes:
			if !ok {
				return
			}
			t.onChange(ev)
		}
	}
}

func (t *Tracker) onChange(ev backend.ChangeEvent) {
	var prof store.Profile
	if err := json.Unmarshal(ev.Record, &prof); err != nil {
		log.Printf("PRESENCE: bad profile record: %v", err)
		return
	}
	if prof.ID == "" || prof.ID == t.selfID {
		return
	}
	// Only tracked contacts get updates; strangers' rows are noise.
	if _, known := t.table.Get(prof.ID); !known {
		return
	}
	t.table.Upsert(prof.ID, contactFromProfile(prof))
}

func contactFromProfile(p store.Profile) Contact {
	c := Contact{
		Username:    p.Username,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		Online:      p.IsOnline,
		LastSeen:    p.LastSeen,
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = time.Now()
	}
	return c
}
