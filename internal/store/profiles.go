//
// Typed stores over the backend tables. Each store wraps the generic
// client with the queries one entity needs; nothing here caches — the
// sqlite cache in internal/storage is filled by callers that want one.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tincan-im/tincan/internal/backend"
)

type Profile struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	IsOnline    bool      `json:"is_online"`
	LastSeen    time.Time `json:"last_seen"`
	CreatedAt   time.Time `json:"created_at"`
}

type Profiles struct {
	c      *backend.Client
	selfID string
}

func NewProfiles(c *backend.Client, selfID string) *Profiles {
	return &Profiles{c: c, selfID: selfID}
}

// Get looks up one profile by user id.
func (p *Profiles) Get(ctx context.Context, userID string) (Profile, error) {
	var prof Profile
	err := p.c.From("profiles").
		Select("*").
		Eq("id", userID).
		Single().
		DoInto(ctx, &prof)
	if err != nil {
		return Profile{}, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return prof, nil
}

// Search finds profiles whose username contains the query (excluding self).
func (p *Profiles) Search(ctx context.Context, query string, limit int) ([]Profile, error) {
	var rows []Profile
	err := p.c.From("profiles").
		Select("*").
		Ilike("username", "%"+query+"%").
		Neq("id", p.selfID).
		Limit(limit).
		DoInto(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	return rows, nil
}

// ListByIDs fetches a batch of profiles in one query.
func (p *Profiles) ListByIDs(ctx context.Context, ids []string) ([]Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []Profile
	err := p.c.From("profiles").
		Select("*").
		In("id", ids).
		DoInto(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return rows, nil
}

// Self fetches the local user's own profile.
func (p *Profiles) Self(ctx context.Context) (Profile, error) {
	return p.Get(ctx, p.selfID)
}

// SetAvatarURL points the profile at a new avatar image.
func (p *Profiles) SetAvatarURL(ctx context.Context, avatarURL string) error {
	err := p.c.From("profiles").
		Update(map[string]string{"avatar_url": avatarURL}).
		Eq("id", p.selfID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("update avatar: %w", err)
	}
	return nil
}

// SetDisplayName updates the human-readable name.
func (p *Profiles) SetDisplayName(ctx context.Context, name string) error {
	err := p.c.From("profiles").
		Update(map[string]string{"display_name": name}).
		Eq("id", p.selfID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	return nil
}

// SetOnline flips the presence flag and bumps last_seen. Called by the
// presence heartbeat and on shutdown.
func (p *Profiles) SetOnline(ctx context.Context, online bool) error {
	err := p.c.From("profiles").
		Update(map[string]any{
			"is_online": online,
			"last_seen": time.Now().UTC().Format(time.RFC3339),
		}).
		Eq("id", p.selfID).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("set online=%v: %w", online, err)
	}
	return nil
}

// DisplayNameOf resolves a user id to something renderable: display name,
// else username, else a truncated id.
func (p *Profiles) DisplayNameOf(ctx context.Context, userID string) string {
	prof, err := p.Get(ctx, userID)
	if err != nil {
		if len(userID) > 8 {
			return userID[:8]
		}
		return userID
	}
	if prof.DisplayName != "" {
		return prof.DisplayName
	}
	return prof.Username
}
