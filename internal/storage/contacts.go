package storage

import (
	"time"
)

// CachedContact is the persistent record of a contact's last known profile.
// It is refreshed from the profiles change feed and never cleared just
// because the contact goes offline.
type CachedContact struct {
	UserID      string
	Username    string
	DisplayName string
	AvatarURL   string
	IsFriend    bool
	LastSeen    time.Time
}

const sqliteTimeLayout = "2006-01-02 15:04:05"

// UpsertContact stores or fully replaces the cached profile for a user.
func (d *DB) UpsertContact(c CachedContact) error {
	friend := 0
	if c.IsFriend {
		friend = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _contact_cache
			(user_id, username, display_name, avatar_url, is_friend, last_seen)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			username     = excluded.username,
			display_name = excluded.display_name,
			avatar_url   = excluded.avatar_url,
			is_friend    = excluded.is_friend,
			last_seen    = CURRENT_TIMESTAMP`,
		c.UserID, c.Username, c.DisplayName, c.AvatarURL, friend,
	)
	return err
}

// GetContact returns the last known profile for a user, or false if unknown.
func (d *DB) GetContact(userID string) (CachedContact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var c CachedContact
	var friend int
	var lastSeen string
	err := d.db.QueryRow(`
		SELECT user_id, username, display_name, avatar_url, is_friend, last_seen
		FROM _contact_cache WHERE user_id = ?`, userID).
		Scan(&c.UserID, &c.Username, &c.DisplayName, &c.AvatarURL, &friend, &lastSeen)
	if err != nil {
		return CachedContact{}, false
	}
	c.IsFriend = friend != 0
	c.LastSeen, _ = time.Parse(sqliteTimeLayout, lastSeen)
	return c, true
}

// ContactName returns a renderable name for a user id, or "" if unknown.
func (d *DB) ContactName(userID string) string {
	c, ok := d.GetContact(userID)
	if !ok {
		return ""
	}
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Username
}

// ListContacts returns all cached contacts, most recently seen first.
func (d *DB) ListContacts() ([]CachedContact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT user_id, username, display_name, avatar_url, is_friend, last_seen
		FROM _contact_cache ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var contacts []CachedContact
	for rows.Next() {
		var c CachedContact
		var friend int
		var lastSeen string
		if err := rows.Scan(&c.UserID, &c.Username, &c.DisplayName, &c.AvatarURL, &friend, &lastSeen); err != nil {
			return nil, err
		}
		c.IsFriend = friend != 0
		c.LastSeen, _ = time.Parse(sqliteTimeLayout, lastSeen)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// DeleteContact removes a user from the cache entirely (unfriended and
// forgotten, not just offline).
func (d *DB) DeleteContact(userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _contact_cache WHERE user_id = ?`, userID)
	return err
}
