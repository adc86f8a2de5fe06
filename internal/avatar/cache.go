package avatar

import (
	"os"
	"path/filepath"
	"sync"
)

// Cache stores other users' avatars on disk, keyed by user id + URL hash,
// so contact lists render without refetching every image.
type Cache struct {
	mu  sync.RWMutex
	dir string // {profileDir}/cache/avatars
}

// NewCache creates an avatar cache in {profileDir}/cache/avatars.
func NewCache(profileDir string) *Cache {
	dir := filepath.Join(profileDir, "cache", "avatars")
	_ = os.MkdirAll(dir, 0755)
	return &Cache{dir: dir}
}

func (c *Cache) filePath(userID string) string {
	return filepath.Join(c.dir, userID+".img")
}

func (c *Cache) hashPath(userID string) string {
	return filepath.Join(c.dir, userID+".hash")
}

// Get returns the cached avatar for a user, or nil when not cached or the
// hash no longer matches (the user changed their avatar).
func (c *Cache) Get(userID, hash string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if hash == "" {
		return nil, nil
	}

	stored, err := os.ReadFile(c.hashPath(userID))
	if err != nil || string(stored) != hash {
		return nil, nil
	}

	data, err := os.ReadFile(c.filePath(userID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Put stores a user's avatar and its hash.
func (c *Cache) Put(userID, hash string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.WriteFile(c.filePath(userID), data, 0644); err != nil {
		return err
	}
	return os.WriteFile(c.hashPath(userID), []byte(hash), 0644)
}

// HasHash reports whether the cached hash matches for this user.
func (c *Cache) HasHash(userID, hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stored, err := os.ReadFile(c.hashPath(userID))
	if err != nil {
		return false
	}
	return string(stored) == hash
}
