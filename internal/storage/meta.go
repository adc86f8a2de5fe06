package storage

import "database/sql"

// SetMeta stores a small metadata value (sync cursors, last-seen markers).
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// GetMeta returns the value for key, or "" when unset.
func (d *DB) GetMeta(key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
