package presence

import (
	"sync"
	"time"
)

// Contact is the presence view of one profile in the contact list.
type Contact struct {
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	AvatarURL    string    `json:"avatar_url"`
	Online       bool      `json:"online"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"offline_since,omitempty"`
}

// Event notifies subscribers of contact presence changes.
type Event struct {
	Type    string             `json:"type"` // update | remove | snapshot
	UserID  string             `json:"user_id,omitempty"`
	Contact *Contact           `json:"contact,omitempty"`
	All     map[string]Contact `json:"all,omitempty"`
}

// Table tracks the online state of known contacts. Heartbeats from the
// profiles change feed keep entries fresh; a TTL sweep flips silent
// contacts offline even when their explicit offline update never arrives.
type Table struct {
	mu        sync.Mutex
	contacts  map[string]Contact
	listeners []chan Event
}

func NewTable() *Table {
	return &Table{
		contacts:  map[string]Contact{},
		listeners: make([]chan Event, 0),
	}
}

// Upsert records a live presence update for a contact.
func (t *Table) Upsert(id string, c Contact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.LastSeen.IsZero() {
		c.LastSeen = time.Now()
	}
	if !c.Online && c.OfflineSince.IsZero() {
		c.OfflineSince = time.Now()
	}
	t.contacts[id] = c
	t.notifyListeners(Event{Type: "update", UserID: id, Contact: &c})
}

// Seed adds a contact without overwriting live state (initial friend-list
// load racing the change feed).
func (t *Table) Seed(id string, c Contact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.contacts[id]; ok {
		return
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = time.Now()
	}
	if !c.Online {
		c.OfflineSince = time.Now()
	}
	t.contacts[id] = c
	t.notifyListeners(Event{Type: "update", UserID: id, Contact: &c})
}

// MarkOffline flips a contact offline; no-op when already offline.
func (t *Table) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.contacts[id]
	if !ok || !c.Online {
		return
	}
	c.Online = false
	c.OfflineSince = time.Now()
	t.contacts[id] = c
	t.notifyListeners(Event{Type: "update", UserID: id, Contact: &c})
}

// Remove drops a contact entirely (unfriended or blocked).
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.contacts[id]; !ok {
		return
	}
	delete(t.contacts, id)
	t.notifyListeners(Event{Type: "remove", UserID: id})
}

func (t *Table) Get(id string) (Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.contacts[id]
	return c, ok
}

func (t *Table) Snapshot() map[string]Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Contact, len(t.contacts))
	for k, v := range t.contacts {
		cp[k] = v
	}
	return cp
}

// PruneStale flips online contacts offline once their last heartbeat is
// older than the TTL cutoff.
func (t *Table) PruneStale(ttlCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.contacts {
		if c.Online && c.LastSeen.Before(ttlCutoff) {
			c.Online = false
			c.OfflineSince = time.Now()
			t.contacts[id] = c
			t.notifyListeners(Event{Type: "update", UserID: id, Contact: &c})
		}
	}
}

func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notifyListeners(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
