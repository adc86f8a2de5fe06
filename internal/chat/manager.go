package chat

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/tincan-im/tincan/internal/backend"
	"github.com/tincan-im/tincan/internal/store"
	"github.com/tincan-im/tincan/internal/util"
)

const (
	// DefaultBufferSize is the number of recent events kept for SSE catch-up.
	DefaultBufferSize = 200

	// typingInterval throttles outbound typing broadcasts per conversation.
	typingInterval = 3 * time.Second

	// seenCap bounds the per-room dedupe set. The feed is at-least-once, so
	// after a reset a duplicate event is possible but harmless.
	seenCap = 2048
)

// liveFeed is the slice of backend.Feed the manager uses; an interface so
// tests can drive rooms without a websocket.
type liveFeed interface {
	Subscribe(topic string, change *backend.PostgresChange) *backend.Subscription
	Unsubscribe(topic string)
	Send(topic, event string, payload any) error
}

// messageStore is the slice of store.Messages the manager uses.
type messageStore interface {
	List(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	SendText(ctx context.Context, conversationID, content string) (store.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Manager keeps one live room per open conversation: row changes from the
// feed become Events, sends go through the message store with the echo from
// the feed deduplicated by message id, and typing indicators ride the
// topic's broadcast channel.
type Manager struct {
	feed     liveFeed
	messages messageStore
	selfID   string
	selfName string

	mu         sync.RWMutex
	rooms      map[string]*room
	listeners  []chan *Event
	events     *util.RingBuffer[*Event]
	lastTyping map[string]time.Time
	closed     bool
}

type room struct {
	conversationID string
	topic          string
	done           chan struct{}

	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates the manager. Rooms are opened per conversation with Open.
func New(feed *backend.Feed, messages *store.Messages, selfID, selfName string, bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return newManager(feed, messages, selfID, selfName, bufferSize)
}

func newManager(feed liveFeed, messages messageStore, selfID, selfName string, bufferSize int) *Manager {
	return &Manager{
		feed:       feed,
		messages:   messages,
		selfID:     selfID,
		selfName:   selfName,
		rooms:      make(map[string]*room),
		events:     util.NewRingBuffer[*Event](bufferSize),
		lastTyping: make(map[string]time.Time),
	}
}

func roomTopic(conversationID string) string {
	return "realtime:conversation:" + conversationID
}

// Open joins a conversation's live topic. Idempotent; the room stays open
// until CloseRoom or Close. Messages already on screen are marked read.
func (m *Manager) Open(ctx context.Context, conversationID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.rooms[conversationID]; ok {
		m.mu.Unlock()
		return
	}
	r := &room{
		conversationID: conversationID,
		topic:          roomTopic(conversationID),
		done:           make(chan struct{}),
		seen:           make(map[string]struct{}),
	}
	m.rooms[conversationID] = r
	m.mu.Unlock()

	sub := m.feed.Subscribe(r.topic, &backend.PostgresChange{
		Event:  "*",
		Schema: "public",
		Table:  "messages",
		Filter: "conversation_id=eq." + conversationID,
	})
	go m.roomLoop(r, sub)

	if err := m.messages.MarkRead(ctx, conversationID); err != nil {
		log.Printf("CHAT [%s]: mark read: %v", conversationID, err)
	}
	log.Printf("CHAT [%s]: room opened", conversationID)
}

// CloseRoom leaves a conversation's live topic.
func (m *Manager) CloseRoom(conversationID string) {
	m.mu.Lock()
	r, ok := m.rooms[conversationID]
	if ok {
		delete(m.rooms, conversationID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(r.done)
	m.feed.Unsubscribe(r.topic)
	log.Printf("CHAT [%s]: room closed", conversationID)
}

// OpenRooms lists currently joined conversation ids.
func (m *Manager) OpenRooms() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Send inserts a text message and emits the local event immediately; the
// feed's echo of the same row is suppressed by id.
func (m *Manager) Send(ctx context.Context, conversationID, content string) (store.Message, error) {
	msg, err := m.messages.SendText(ctx, conversationID, content)
	if err != nil {
		return store.Message{}, err
	}
	m.markSeen(conversationID, msg.ID)
	m.publish(newMessageEvent(EventMessageNew, &msg))
	return msg, nil
}

// NoteSent registers an externally inserted message (file/voice uploads)
// so its feed echo is deduplicated, and emits the local event.
func (m *Manager) NoteSent(msg store.Message) {
	m.markSeen(msg.ConversationID, msg.ID)
	m.publish(newMessageEvent(EventMessageNew, &msg))
}

// History returns a conversation's messages oldest-first.
func (m *Manager) History(ctx context.Context, conversationID string, limit int) ([]store.Message, error) {
	return m.messages.List(ctx, conversationID, limit)
}

// Typing broadcasts a typing indicator, throttled per conversation.
func (m *Manager) Typing(conversationID string) {
	m.mu.Lock()
	if last, ok := m.lastTyping[conversationID]; ok && time.Since(last) < typingInterval {
		m.mu.Unlock()
		return
	}
	m.lastTyping[conversationID] = time.Now()
	m.mu.Unlock()

	err := m.feed.Send(roomTopic(conversationID), "typing", TypingInfo{
		UserID:   m.selfID,
		Username: m.selfName,
	})
	if err != nil {
		log.Printf("CHAT [%s]: typing broadcast: %v", conversationID, err)
	}
}

// Recent returns the buffered event tail for SSE catch-up.
func (m *Manager) Recent() []*Event {
	return m.events.Snapshot()
}

// Subscribe returns a channel that receives new events.
func (m *Manager) Subscribe() <-chan *Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan *Event, 32)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (m *Manager) Unsubscribe(ch <-chan *Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Close leaves every room and closes all listener channels.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	rooms := m.rooms
	m.rooms = make(map[string]*room)
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()

	for _, r := range rooms {
		close(r.done)
		m.feed.Unsubscribe(r.topic)
	}
	for _, ch := range listeners {
		close(ch)
	}
}

// ─── room event loop ─────────────────────────────────────────────────────────

func (m *Manager) roomLoop(r *room, sub *backend.Subscription) {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-sub.Changes:
			if !ok {
				return
			}
			m.onChange(r, ev)
		case b, ok := <-sub.Broadcasts:
			if !ok {
				return
			}
			m.onBroadcast(r, b)
		}
	}
}

func (m *Manager) onChange(r *room, ev backend.ChangeEvent) {
	switch ev.Type {
	case "INSERT", "UPDATE":
		var msg store.Message
		if err := json.Unmarshal(ev.Record, &msg); err != nil {
			log.Printf("CHAT [%s]: bad %s record: %v", r.conversationID, ev.Type, err)
			return
		}
		if msg.ConversationID == "" {
			msg.ConversationID = r.conversationID
		}

		if ev.Type == "INSERT" {
			if r.alreadySeen(msg.ID) {
				return
			}
			// Inbound messages arriving while the room is on screen are
			// read the moment they land.
			if msg.SenderID != m.selfID {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := m.messages.MarkRead(ctx, r.conversationID); err != nil {
						log.Printf("CHAT [%s]: mark read: %v", r.conversationID, err)
					}
				}()
			}
			m.publish(newMessageEvent(EventMessageNew, &msg))
			return
		}
		m.publish(newMessageEvent(EventMessageUpdated, &msg))

	case "DELETE":
		var old struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(ev.Old, &old); err != nil || old.ID == "" {
			return
		}
		m.publish(&Event{
			Type:           EventMessageDeleted,
			ConversationID: r.conversationID,
			MessageID:      old.ID,
			At:             time.Now(),
		})
	}
}

func (m *Manager) onBroadcast(r *room, b backend.Broadcast) {
	if b.Event != "typing" {
		return
	}
	var info TypingInfo
	if err := json.Unmarshal(b.Payload, &info); err != nil {
		return
	}
	if info.UserID == "" || info.UserID == m.selfID {
		return
	}
	m.publish(&Event{
		Type:           EventTyping,
		ConversationID: r.conversationID,
		Typing:         &info,
		At:             time.Now(),
	})
}

func (m *Manager) markSeen(conversationID, id string) {
	m.mu.RLock()
	r := m.rooms[conversationID]
	m.mu.RUnlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	if len(r.seen) >= seenCap {
		r.seen = make(map[string]struct{})
	}
	r.seen[id] = struct{}{}
	r.mu.Unlock()
}

func (r *room) alreadySeen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return true
	}
	if len(r.seen) >= seenCap {
		r.seen = make(map[string]struct{})
	}
	r.seen[id] = struct{}{}
	return false
}

// publish stores the event and notifies listeners without blocking.
func (m *Manager) publish(ev *Event) {
	m.events.Push(ev)

	m.mu.RLock()
	for _, listener := range m.listeners {
		select {
		case listener <- ev:
		default:
			// listener buffer full, skip
		}
	}
	m.mu.RUnlock()
}
