package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tincan-im/tincan/internal/backend"
	"github.com/tincan-im/tincan/internal/call"
)

// Signals adapts the call_signals table + change feed to the call
// engine's Signaler contract. Inbound rows are filtered server-side to
// callee_id = self; delivery is at-least-once and unordered.
type Signals struct {
	c      *backend.Client
	feed   *backend.Feed
	selfID string

	startOnce sync.Once

	listenerMu sync.RWMutex
	listeners  map[chan call.Signal]struct{}
}

func NewSignals(c *backend.Client, feed *backend.Feed, selfID string) *Signals {
	return &Signals{
		c:         c,
		feed:      feed,
		selfID:    selfID,
		listeners: make(map[chan call.Signal]struct{}),
	}
}

// signalRow is the wire shape of one call_signals record.
type signalRow struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	CallerID       string          `json:"caller_id"`
	CalleeID       string          `json:"callee_id"`
	Type           string          `json:"type"`
	CallType       string          `json:"call_type,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Publish inserts one outbound signal row.
func (s *Signals) Publish(ctx context.Context, sig call.Signal) error {
	payload, err := encodePayload(sig)
	if err != nil {
		return err
	}
	row := map[string]any{
		"id":              uuid.NewString(),
		"conversation_id": sig.ConversationID,
		"caller_id":       s.selfID,
		"callee_id":       sig.To,
		"type":            string(sig.Type),
		"call_type":       string(sig.Kind),
		"payload":         payload,
	}
	if err := s.c.From("call_signals").Insert(row).Do(ctx); err != nil {
		return fmt.Errorf("publish %s signal: %w", sig.Type, err)
	}
	return nil
}

// Subscribe delivers inbound signals addressed to the local user. The
// underlying feed topic is joined on first use.
func (s *Signals) Subscribe() (ch chan call.Signal, cancel func()) {
	s.startOnce.Do(func() {
		sub := s.feed.Subscribe("realtime:call-signals:"+s.selfID, &backend.PostgresChange{
			Event:  "INSERT",
			Schema: "public",
			Table:  "call_signals",
			Filter: "callee_id=eq." + s.selfID,
		})
		go s.forward(sub)
	})

	ch = make(chan call.Signal, 64)

	s.listenerMu.Lock()
	s.listeners[ch] = struct{}{}
	s.listenerMu.Unlock()

	cancel = func() {
		s.listenerMu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.listenerMu.Unlock()
	}
	return ch, cancel
}

func (s *Signals) forward(sub *backend.Subscription) {
	for ev := range sub.Changes {
		var row signalRow
		if err := json.Unmarshal(ev.Record, &row); err != nil {
			log.Printf("SIGNALS: bad record: %v", err)
			continue
		}
		// Self-echo guard: the feed filter already scopes to callee_id,
		// but a self-addressed test row must not ring ourselves.
		if row.CallerID == s.selfID {
			continue
		}
		sig, err := rowToSignal(row)
		if err != nil {
			log.Printf("SIGNALS: %v", err)
			continue
		}

		s.listenerMu.RLock()
		for ch := range s.listeners {
			select {
			case ch <- sig:
			default:
				// drop on slow subscriber
			}
		}
		s.listenerMu.RUnlock()
	}
}

// LatestOffer fetches the most recently created offer addressed to the
// local user for a conversation. Duplicates and retries are resolved by
// created_at: newest wins.
func (s *Signals) LatestOffer(ctx context.Context, conversationID string) (call.Signal, bool, error) {
	var rows []signalRow
	err := s.c.From("call_signals").
		Select("*").
		Eq("conversation_id", conversationID).
		Eq("callee_id", s.selfID).
		Eq("type", string(call.SignalOffer)).
		Order("created_at", true).
		Limit(1).
		DoInto(ctx, &rows)
	if err != nil {
		return call.Signal{}, false, fmt.Errorf("latest offer: %w", err)
	}
	if len(rows) == 0 {
		return call.Signal{}, false, nil
	}
	sig, err := rowToSignal(rows[0])
	if err != nil {
		return call.Signal{}, false, err
	}
	return sig, true, nil
}

func encodePayload(sig call.Signal) (json.RawMessage, error) {
	var v any
	switch sig.Type {
	case call.SignalCallStart:
		if sig.Start == nil {
			v = call.StartPayload{}
		} else {
			v = sig.Start
		}
	case call.SignalOffer, call.SignalAnswer:
		v = map[string]string{"sdp": sig.SDP}
	case call.SignalICE:
		v = map[string]string{"candidate": sig.Candidate}
	case call.SignalReject, call.SignalEnd:
		v = map[string]string{}
	default:
		return nil, fmt.Errorf("unknown signal type %q", sig.Type)
	}
	return json.Marshal(v)
}

func rowToSignal(row signalRow) (call.Signal, error) {
	sig := call.Signal{
		Type:           call.SignalType(row.Type),
		ConversationID: row.ConversationID,
		From:           row.CallerID,
		To:             row.CalleeID,
		Kind:           call.Kind(row.CallType),
		CreatedAt:      row.CreatedAt,
	}

	switch sig.Type {
	case call.SignalCallStart:
		var p call.StartPayload
		if len(row.Payload) > 0 {
			if err := json.Unmarshal(row.Payload, &p); err != nil {
				return call.Signal{}, fmt.Errorf("call-start payload: %w", err)
			}
		}
		sig.Start = &p
	case call.SignalOffer, call.SignalAnswer:
		var p struct {
			SDP string `json:"sdp"`
		}
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			return call.Signal{}, fmt.Errorf("%s payload: %w", sig.Type, err)
		}
		sig.SDP = p.SDP
	case call.SignalICE:
		var p struct {
			Candidate string `json:"candidate"`
		}
		if err := json.Unmarshal(row.Payload, &p); err != nil {
			return call.Signal{}, fmt.Errorf("ice payload: %w", err)
		}
		sig.Candidate = p.Candidate
	case call.SignalReject, call.SignalEnd:
		// empty payload
	default:
		return call.Signal{}, fmt.Errorf("unknown signal type %q", row.Type)
	}
	return sig, nil
}
