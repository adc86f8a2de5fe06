package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tincan-im/tincan/internal/backend"
)

// MaxMessageLen caps message bodies client-side before the insert.
const MaxMessageLen = 5000

var ErrMessageTooLong = errors.New("message exceeds maximum length")

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"` // text | file | voice
	FileURL        string    `json:"file_url,omitempty"`
	FileName       string    `json:"file_name,omitempty"`
	FileSize       int64     `json:"file_size,omitempty"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

type Messages struct {
	c      *backend.Client
	selfID string
}

func NewMessages(c *backend.Client, selfID string) *Messages {
	return &Messages{c: c, selfID: selfID}
}

// List returns a conversation's messages oldest-first.
func (m *Messages) List(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var rows []Message
	q := m.c.From("messages").
		Select("*").
		Eq("conversation_id", conversationID).
		Order("created_at", false)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.DoInto(ctx, &rows); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return rows, nil
}

// SendText inserts a text message. The id is generated client-side so the
// change feed's echo can be deduplicated against the local copy.
func (m *Messages) SendText(ctx context.Context, conversationID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, errors.New("message is empty")
	}
	if len(content) > MaxMessageLen {
		return Message{}, ErrMessageTooLong
	}

	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       m.selfID,
		Content:        content,
		MessageType:    "text",
	}
	return m.insert(ctx, msg)
}

// SendFile inserts a file (or voice) message pointing at an uploaded blob.
func (m *Messages) SendFile(ctx context.Context, conversationID, fileURL, fileName string, fileSize int64, voice bool) (Message, error) {
	kind := "file"
	if voice {
		kind = "voice"
	}
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       m.selfID,
		Content:        fileName,
		MessageType:    kind,
		FileURL:        fileURL,
		FileName:       fileName,
		FileSize:       fileSize,
	}
	return m.insert(ctx, msg)
}

func (m *Messages) insert(ctx context.Context, msg Message) (Message, error) {
	var created []Message
	err := m.c.From("messages").
		Insert(map[string]any{
			"id":              msg.ID,
			"conversation_id": msg.ConversationID,
			"sender_id":       msg.SenderID,
			"content":         msg.Content,
			"message_type":    msg.MessageType,
			"file_url":        msg.FileURL,
			"file_name":       msg.FileName,
			"file_size":       msg.FileSize,
		}).
		DoInto(ctx, &created)
	if err != nil {
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	if len(created) > 0 {
		return created[0], nil
	}
	return msg, nil
}

// MarkRead flags all messages from others in a conversation as read.
func (m *Messages) MarkRead(ctx context.Context, conversationID string) error {
	err := m.c.From("messages").
		Update(map[string]bool{"is_read": true}).
		Eq("conversation_id", conversationID).
		Neq("sender_id", m.selfID).
		Eq("is_read", "false").
		Do(ctx)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Delete removes one of the local user's own messages.
func (m *Messages) Delete(ctx context.Context, messageID string) error {
	err := m.c.From("messages").
		Delete().
		Eq("id", messageID).
		Eq("sender_id", m.selfID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
