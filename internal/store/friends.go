package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tincan-im/tincan/internal/backend"
)

type Friendship struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	FriendID  string    `json:"friend_id"`
	Status    string    `json:"status"` // pending | accepted
	CreatedAt time.Time `json:"created_at"`

	// Embedded profile of the other side when selected with the join.
	Friend *Profile `json:"friend,omitempty"`
}

type Friends struct {
	c      *backend.Client
	selfID string
}

func NewFriends(c *backend.Client, selfID string) *Friends {
	return &Friends{c: c, selfID: selfID}
}

// Request sends a friend request to another user.
func (f *Friends) Request(ctx context.Context, friendID string) error {
	row := map[string]string{
		"id":        uuid.NewString(),
		"user_id":   f.selfID,
		"friend_id": friendID,
		"status":    "pending",
	}
	if err := f.c.From("friendships").Insert(row).Do(ctx); err != nil {
		return fmt.Errorf("friend request: %w", err)
	}
	return nil
}

// Accept marks an incoming request accepted.
func (f *Friends) Accept(ctx context.Context, requestID string) error {
	err := f.c.From("friendships").
		Update(map[string]string{"status": "accepted"}).
		Eq("id", requestID).
		Eq("friend_id", f.selfID). // only the recipient may accept
		Do(ctx)
	if err != nil {
		return fmt.Errorf("accept friend request: %w", err)
	}
	return nil
}

// Remove deletes a friendship (either direction) or declines a request.
func (f *Friends) Remove(ctx context.Context, friendshipID string) error {
	err := f.c.From("friendships").
		Delete().
		Eq("id", friendshipID).
		Or("user_id.eq." + f.selfID + ",friend_id.eq." + f.selfID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("remove friendship: %w", err)
	}
	return nil
}

// List returns accepted friendships involving the local user.
func (f *Friends) List(ctx context.Context) ([]Friendship, error) {
	var rows []Friendship
	err := f.c.From("friendships").
		Select("*").
		Or("user_id.eq."+f.selfID+",friend_id.eq."+f.selfID).
		Eq("status", "accepted").
		Order("created_at", true).
		DoInto(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list friends: %w", err)
	}
	return rows, nil
}

// Pending returns requests addressed to the local user awaiting an answer.
func (f *Friends) Pending(ctx context.Context) ([]Friendship, error) {
	var rows []Friendship
	err := f.c.From("friendships").
		Select("*").
		Eq("friend_id", f.selfID).
		Eq("status", "pending").
		Order("created_at", true).
		DoInto(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	return rows, nil
}

// OtherSide returns the user id of the counterpart in a friendship row.
func (fr Friendship) OtherSide(selfID string) string {
	if fr.UserID == selfID {
		return fr.FriendID
	}
	return fr.UserID
}

// ── blocks ──

type Block struct {
	ID        string    `json:"id"`
	BlockerID string    `json:"blocker_id"`
	BlockedID string    `json:"blocked_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Block hides a user: their messages and calls are dropped client-side
// and the backend row lets the server enforce it too.
func (f *Friends) Block(ctx context.Context, userID string) error {
	row := map[string]string{
		"id":         uuid.NewString(),
		"blocker_id": f.selfID,
		"blocked_id": userID,
	}
	if err := f.c.From("blocked_users").Insert(row).Do(ctx); err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	return nil
}

func (f *Friends) Unblock(ctx context.Context, userID string) error {
	err := f.c.From("blocked_users").
		Delete().
		Eq("blocker_id", f.selfID).
		Eq("blocked_id", userID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("unblock user: %w", err)
	}
	return nil
}

func (f *Friends) Blocked(ctx context.Context) ([]Block, error) {
	var rows []Block
	err := f.c.From("blocked_users").
		Select("*").
		Eq("blocker_id", f.selfID).
		DoInto(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list blocked: %w", err)
	}
	return rows, nil
}
