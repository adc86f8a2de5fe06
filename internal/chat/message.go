package chat

import (
	"time"

	"github.com/tincan-im/tincan/internal/store"
)

// EventType classifies live conversation events pushed to the UI.
type EventType string

const (
	EventMessageNew     EventType = "message-new"
	EventMessageUpdated EventType = "message-updated"
	EventMessageDeleted EventType = "message-deleted"
	EventTyping         EventType = "typing"
)

// TypingInfo identifies who is typing in a conversation.
type TypingInfo struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Event is one live conversation event. Message is set for new/updated,
// MessageID for deleted, Typing for typing.
type Event struct {
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Message        *store.Message `json:"message,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	Typing         *TypingInfo    `json:"typing,omitempty"`
	At             time.Time      `json:"at"`
}

func newMessageEvent(t EventType, msg *store.Message) *Event {
	return &Event{
		Type:           t,
		ConversationID: msg.ConversationID,
		Message:        msg,
		At:             time.Now(),
	}
}
