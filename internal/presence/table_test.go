package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tincan-im/tincan/internal/backend"
	"github.com/tincan-im/tincan/internal/store"
)

func TestSeedDoesNotOverwriteLiveState(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("u1", Contact{Username: "alice", Online: true})

	tbl.Seed("u1", Contact{Username: "alice", Online: false})

	c, ok := tbl.Get("u1")
	if !ok || !c.Online {
		t.Fatalf("seed overwrote live contact: %+v", c)
	}
}

func TestMarkOfflineNotifiesOnce(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("u1", Contact{Username: "alice", Online: true})

	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)

	tbl.MarkOffline("u1")
	tbl.MarkOffline("u1") // already offline, no event

	ev := <-ch
	if ev.Type != "update" || ev.Contact.Online {
		t.Fatalf("event = %+v", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestPruneStaleFlipsSilentContacts(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("stale", Contact{Username: "old", Online: true, LastSeen: time.Now().Add(-5 * time.Minute)})
	tbl.Upsert("fresh", Contact{Username: "new", Online: true, LastSeen: time.Now()})

	tbl.PruneStale(time.Now().Add(-90 * time.Second))

	if c, _ := tbl.Get("stale"); c.Online {
		t.Fatalf("stale contact still online")
	}
	if c, _ := tbl.Get("fresh"); !c.Online {
		t.Fatalf("fresh contact flipped offline")
	}
}

func TestRemoveDropsContact(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert("u1", Contact{Username: "alice"})
	tbl.Remove("u1")
	if _, ok := tbl.Get("u1"); ok {
		t.Fatalf("contact survived removal")
	}
	if n := len(tbl.Snapshot()); n != 0 {
		t.Fatalf("snapshot size = %d", n)
	}
}

// ─── tracker ─────────────────────────────────────────────────────────────────

type trackerFeed struct {
	mu  sync.Mutex
	sub *backend.Subscription
}

func (f *trackerFeed) Subscribe(topic string, _ *backend.PostgresChange) *backend.Subscription {
	sub := &backend.Subscription{
		Topic:      topic,
		Changes:    make(chan backend.ChangeEvent, 16),
		Broadcasts: make(chan backend.Broadcast, 16),
	}
	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()
	return sub
}

func (f *trackerFeed) Unsubscribe(string) {}

type trackerSelf struct {
	mu     sync.Mutex
	states []bool
}

func (s *trackerSelf) SetOnline(_ context.Context, online bool) error {
	s.mu.Lock()
	s.states = append(s.states, online)
	s.mu.Unlock()
	return nil
}

type trackerFriends struct{ rows []store.Friendship }

func (f *trackerFriends) List(context.Context) ([]store.Friendship, error) {
	return f.rows, nil
}

type trackerProfiles struct{ rows []store.Profile }

func (p *trackerProfiles) ListByIDs(context.Context, []string) ([]store.Profile, error) {
	return p.rows, nil
}

func TestTrackerSeedsAndFollowsFeed(t *testing.T) {
	feed := &trackerFeed{}
	self := &trackerSelf{}
	friends := &trackerFriends{rows: []store.Friendship{
		{UserID: "me", FriendID: "alice-id", Status: "accepted"},
	}}
	profiles := &trackerProfiles{rows: []store.Profile{
		{ID: "alice-id", Username: "alice", IsOnline: false},
	}}

	tr := newTracker(feed, self, friends, profiles, "me", time.Hour, time.Hour)
	tr.Start(context.Background())
	defer tr.Close()

	c, ok := tr.Table().Get("alice-id")
	if !ok || c.Online {
		t.Fatalf("seeded contact = %+v ok=%v", c, ok)
	}

	// Alice's heartbeat lands on the change feed.
	feed.mu.Lock()
	sub := feed.sub
	feed.mu.Unlock()
	sub.Changes <- backend.ChangeEvent{
		Type:   "UPDATE",
		Table:  "profiles",
		Record: []byte(`{"id":"alice-id","username":"alice","is_online":true}`),
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, _ := tr.Table().Get("alice-id"); c.Online {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c, _ := tr.Table().Get("alice-id"); !c.Online {
		t.Fatalf("feed update not applied")
	}

	// Rows for profiles outside the contact list are ignored.
	sub.Changes <- backend.ChangeEvent{
		Type:   "UPDATE",
		Table:  "profiles",
		Record: []byte(`{"id":"stranger","username":"sam","is_online":true}`),
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := tr.Table().Get("stranger"); ok {
		t.Fatalf("stranger entered the table")
	}
}

func TestTrackerAnnouncesOnlineAndOffline(t *testing.T) {
	feed := &trackerFeed{}
	self := &trackerSelf{}
	tr := newTracker(feed, self, &trackerFriends{}, &trackerProfiles{}, "me", time.Hour, time.Hour)

	tr.Start(context.Background())
	tr.Close()
	tr.Close() // idempotent

	self.mu.Lock()
	defer self.mu.Unlock()
	if len(self.states) != 2 || self.states[0] != true || self.states[1] != false {
		t.Fatalf("announced states = %v", self.states)
	}
}
