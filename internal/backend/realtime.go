package backend

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ChangeEvent is one row change from a table the feed watches.
// Delivery is at-least-once and unordered; consumers must be idempotent.
type ChangeEvent struct {
	Type   string          `json:"type"` // INSERT | UPDATE | DELETE
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
	Old    json.RawMessage `json:"old_record,omitempty"`
}

// Broadcast is an ephemeral message on a feed topic (typing indicators
// and the like); it never touches a table.
type Broadcast struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// PostgresChange describes which table changes a subscription wants.
type PostgresChange struct {
	Event  string `json:"event"` // "*", "INSERT", "UPDATE", "DELETE"
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"` // e.g. "callee_id=eq.<uuid>"
}

// Subscription is one joined topic on the feed.
type Subscription struct {
	Topic      string
	Changes    chan ChangeEvent
	Broadcasts chan Broadcast

	change *PostgresChange
}

const (
	heartbeatEvery  = 30 * time.Second
	reconnectMin    = time.Second
	reconnectMax    = 30 * time.Second
	writeWait       = 10 * time.Second
	maxFeedMsgBytes = 1 << 20
)

// Feed maintains one websocket to the backend's change-feed endpoint and
// multiplexes topic subscriptions over it. Reconnects with backoff and
// rejoins all topics; subscribers just keep reading their channels.
type Feed struct {
	wsURL string

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*Subscription // topic -> sub
	refSeq int

	// gorilla allows one concurrent writer only
	writeMu sync.Mutex

	done    chan struct{}
	closed  bool
	started bool
}

// phoenix protocol frame
type phxMsg struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// NewFeed derives the websocket URL from the project base URL.
func NewFeed(baseURL, anonKey string) *Feed {
	ws := strings.TrimRight(baseURL, "/")
	ws = strings.Replace(ws, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	ws += "/realtime/v1/websocket?vsn=1.0.0&apikey=" + url.QueryEscape(anonKey)

	return &Feed{
		wsURL: ws,
		subs:  make(map[string]*Subscription),
		done:  make(chan struct{}),
	}
}

// Start connects and keeps the feed alive until Close.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.started || f.closed {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	go f.run()
}

// Subscribe joins a topic. The change filter may be nil for broadcast-only
// topics. Cancel by calling Unsubscribe with the same topic.
func (f *Feed) Subscribe(topic string, change *PostgresChange) *Subscription {
	sub := &Subscription{
		Topic:      topic,
		Changes:    make(chan ChangeEvent, 64),
		Broadcasts: make(chan Broadcast, 64),
		change:     change,
	}

	f.mu.Lock()
	f.subs[topic] = sub
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		if err := f.join(conn, sub); err != nil {
			log.Printf("REALTIME: join %s: %v", topic, err)
		}
	}
	return sub
}

// Unsubscribe leaves a topic and closes the subscription's channels.
func (f *Feed) Unsubscribe(topic string) {
	f.mu.Lock()
	sub, ok := f.subs[topic]
	if ok {
		delete(f.subs, topic)
	}
	conn := f.conn
	f.mu.Unlock()

	if !ok {
		return
	}
	if conn != nil {
		_ = f.send(conn, phxMsg{Topic: topic, Event: "phx_leave", Payload: json.RawMessage(`{}`)})
	}
	close(sub.Changes)
	close(sub.Broadcasts)
}

// Send broadcasts an ephemeral event on a topic (typing indicators etc.).
func (f *Feed) Send(topic, event string, payload any) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("realtime: not connected")
	}

	body, err := json.Marshal(map[string]any{
		"type":    "broadcast",
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	return f.send(conn, phxMsg{Topic: topic, Event: "broadcast", Payload: body})
}

// Close tears down the feed. Subscription channels are closed.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.done)
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	for topic, sub := range f.subs {
		delete(f.subs, topic)
		close(sub.Changes)
		close(sub.Broadcasts)
	}
	f.mu.Unlock()
}

func (f *Feed) run() {
	backoff := reconnectMin
	for {
		select {
		case <-f.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
		if err != nil {
			log.Printf("REALTIME: dial failed, retrying in %s: %v", backoff, err)
			select {
			case <-f.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectMin
		conn.SetReadLimit(maxFeedMsgBytes)

		f.mu.Lock()
		f.conn = conn
		subs := make([]*Subscription, 0, len(f.subs))
		for _, s := range f.subs {
			subs = append(subs, s)
		}
		f.mu.Unlock()

		// Rejoin everything after (re)connect.
		for _, s := range subs {
			if err := f.join(conn, s); err != nil {
				log.Printf("REALTIME: rejoin %s: %v", s.Topic, err)
			}
		}
		log.Printf("REALTIME: connected (%d topics)", len(subs))

		stopHB := make(chan struct{})
		go f.heartbeat(conn, stopHB)

		f.readLoop(conn)
		close(stopHB)

		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		_ = conn.Close()
	}
}

func (f *Feed) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	t := time.NewTicker(heartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-f.done:
			return
		case <-t.C:
			msg := phxMsg{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`)}
			if err := f.send(conn, msg); err != nil {
				return
			}
		}
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.done:
			default:
				log.Printf("REALTIME: read: %v", err)
			}
			return
		}

		var msg phxMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("REALTIME: bad frame: %v", err)
			continue
		}
		f.dispatch(msg)
	}
}

func (f *Feed) dispatch(msg phxMsg) {
	f.mu.Lock()
	sub := f.subs[msg.Topic]
	f.mu.Unlock()
	if sub == nil {
		return
	}

	switch msg.Event {
	case "postgres_changes":
		var wrap struct {
			Data struct {
				Type   string          `json:"type"`
				Table  string          `json:"table"`
				Record json.RawMessage `json:"record"`
				Old    json.RawMessage `json:"old_record"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &wrap); err != nil {
			log.Printf("REALTIME: bad change payload: %v", err)
			return
		}
		ev := ChangeEvent{
			Type:   wrap.Data.Type,
			Table:  wrap.Data.Table,
			Record: wrap.Data.Record,
			Old:    wrap.Data.Old,
		}
		select {
		case sub.Changes <- ev:
		default:
			// drop on slow subscriber
		}

	case "broadcast":
		var wrap struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(msg.Payload, &wrap); err != nil {
			return
		}
		b := Broadcast{Topic: msg.Topic, Event: wrap.Event, Payload: wrap.Payload}
		select {
		case sub.Broadcasts <- b:
		default:
		}
	}
}

func (f *Feed) join(conn *websocket.Conn, sub *Subscription) error {
	cfg := map[string]any{
		"broadcast": map[string]any{"self": false},
		"presence":  map[string]any{"key": ""},
	}
	if sub.change != nil {
		cfg["postgres_changes"] = []PostgresChange{*sub.change}
	}
	payload, err := json.Marshal(map[string]any{"config": cfg})
	if err != nil {
		return err
	}
	return f.send(conn, phxMsg{Topic: sub.Topic, Event: "phx_join", Payload: payload})
}

func (f *Feed) send(conn *websocket.Conn, msg phxMsg) error {
	f.mu.Lock()
	f.refSeq++
	msg.Ref = strconv.Itoa(f.refSeq)
	f.mu.Unlock()

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
