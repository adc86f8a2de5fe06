package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tincan-im/tincan/internal/backend"
)

type Conversation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsGroup   bool      `json:"is_group"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Participant struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	Profile        *Profile `json:"profiles,omitempty"`
}

// ConversationDetail is what the conversation list renders: the thread
// plus its members, last message and unread count.
type ConversationDetail struct {
	Conversation
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	UnreadCount  int           `json:"unread_count"`
}

type Conversations struct {
	c      *backend.Client
	selfID string
}

func NewConversations(c *backend.Client, selfID string) *Conversations {
	return &Conversations{c: c, selfID: selfID}
}

// ListWithDetails returns every conversation the local user participates in,
// enriched with participants, the latest message and the unread count.
func (cs *Conversations) ListWithDetails(ctx context.Context) ([]ConversationDetail, error) {
	var memberships []Participant
	err := cs.c.From("conversation_participants").
		Select("conversation_id").
		Eq("user_id", cs.selfID).
		DoInto(ctx, &memberships)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	if len(memberships) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		ids = append(ids, m.ConversationID)
	}

	var convs []Conversation
	err = cs.c.From("conversations").
		Select("*").
		In("id", ids).
		Order("created_at", true).
		DoInto(ctx, &convs)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var parts []Participant
	err = cs.c.From("conversation_participants").
		Select("conversation_id,user_id,profiles(*)").
		In("conversation_id", ids).
		DoInto(ctx, &parts)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	byConv := make(map[string][]Participant)
	for _, p := range parts {
		byConv[p.ConversationID] = append(byConv[p.ConversationID], p)
	}

	out := make([]ConversationDetail, 0, len(convs))
	for _, conv := range convs {
		d := ConversationDetail{
			Conversation: conv,
			Participants: byConv[conv.ID],
		}

		var last []Message
		err = cs.c.From("messages").
			Select("*").
			Eq("conversation_id", conv.ID).
			Order("created_at", true).
			Limit(1).
			DoInto(ctx, &last)
		if err == nil && len(last) > 0 {
			d.LastMessage = &last[0]
		}

		var unread []Message
		err = cs.c.From("messages").
			Select("id").
			Eq("conversation_id", conv.ID).
			Eq("is_read", "false").
			Neq("sender_id", cs.selfID).
			DoInto(ctx, &unread)
		if err == nil {
			d.UnreadCount = len(unread)
		}

		out = append(out, d)
	}
	return out, nil
}

// GetOrCreateDirect finds the 1:1 conversation with the given user,
// creating it (plus both participant rows) when none exists.
func (cs *Conversations) GetOrCreateDirect(ctx context.Context, otherID string) (Conversation, error) {
	var mine []Participant
	err := cs.c.From("conversation_participants").
		Select("conversation_id").
		Eq("user_id", cs.selfID).
		DoInto(ctx, &mine)
	if err != nil {
		return Conversation{}, fmt.Errorf("list own memberships: %w", err)
	}

	if len(mine) > 0 {
		ids := make([]string, 0, len(mine))
		for _, m := range mine {
			ids = append(ids, m.ConversationID)
		}

		var shared []Participant
		err = cs.c.From("conversation_participants").
			Select("conversation_id").
			In("conversation_id", ids).
			Eq("user_id", otherID).
			DoInto(ctx, &shared)
		if err != nil {
			return Conversation{}, fmt.Errorf("find shared conversation: %w", err)
		}

		for _, s := range shared {
			var conv Conversation
			err = cs.c.From("conversations").
				Select("*").
				Eq("id", s.ConversationID).
				Eq("is_group", "false").
				Single().
				DoInto(ctx, &conv)
			if err == nil {
				return conv, nil
			}
		}
	}

	return cs.create(ctx, "", false, []string{otherID})
}

// CreateGroup creates a named group conversation with the given members.
func (cs *Conversations) CreateGroup(ctx context.Context, name string, memberIDs []string) (Conversation, error) {
	if name == "" {
		return Conversation{}, fmt.Errorf("group name is required")
	}
	return cs.create(ctx, name, true, memberIDs)
}

func (cs *Conversations) create(ctx context.Context, name string, group bool, memberIDs []string) (Conversation, error) {
	conv := Conversation{
		ID:        uuid.NewString(),
		Name:      name,
		IsGroup:   group,
		CreatedBy: cs.selfID,
	}
	var created []Conversation
	err := cs.c.From("conversations").
		Insert(map[string]any{
			"id":         conv.ID,
			"name":       conv.Name,
			"is_group":   conv.IsGroup,
			"created_by": conv.CreatedBy,
		}).
		DoInto(ctx, &created)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	if len(created) > 0 {
		conv = created[0]
	}

	rows := []map[string]string{{"conversation_id": conv.ID, "user_id": cs.selfID}}
	for _, id := range memberIDs {
		if id == cs.selfID {
			continue
		}
		rows = append(rows, map[string]string{"conversation_id": conv.ID, "user_id": id})
	}
	if err := cs.c.From("conversation_participants").Insert(rows).Do(ctx); err != nil {
		return Conversation{}, fmt.Errorf("add participants: %w", err)
	}
	return conv, nil
}
