package avatar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// BucketName is the storage bucket holding custom avatar uploads.
const BucketName = "avatars"

const maxAvatarBytes = 5 << 20

var ErrUnknownStyle = errors.New("unknown avatar style")

type profileWriter interface {
	SetAvatarURL(ctx context.Context, url string) error
}

type blobStore interface {
	Upload(ctx context.Context, bucket, path, contentType string, data io.Reader) error
	PublicURL(bucket, path string) string
}

// Manager applies avatar choices to the profile: picker presets become
// their generated URL, custom uploads land in the avatars bucket, and
// remote avatars are fetched through the local disk cache.
type Manager struct {
	store    *Store
	cache    *Cache
	profiles profileWriter
	blobs    blobStore
	selfID   string
	http     *http.Client
}

func NewManager(store *Store, cache *Cache, profiles profileWriter, blobs blobStore, selfID string) *Manager {
	return &Manager{
		store:    store,
		cache:    cache,
		profiles: profiles,
		blobs:    blobs,
		selfID:   selfID,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Store exposes the local avatar file store.
func (m *Manager) Store() *Store {
	return m.store
}

// ChoosePreset points the profile at a picker catalog URL.
func (m *Manager) ChoosePreset(ctx context.Context, style string, seed int) (string, error) {
	if !ValidStyle(style) {
		return "", ErrUnknownStyle
	}
	if seed < 0 || seed >= SeedsPerStyle {
		return "", fmt.Errorf("avatar seed out of range: %d", seed)
	}
	url := PresetURL(style, seed)
	if err := m.profiles.SetAvatarURL(ctx, url); err != nil {
		return "", err
	}
	return url, nil
}

// UploadCustom stores a custom avatar image locally and in the avatars
// bucket, then points the profile at its public URL. The object path
// carries the content hash so the URL changes with the image.
func (m *Manager) UploadCustom(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("avatar image is empty")
	}
	if len(data) > maxAvatarBytes {
		return "", fmt.Errorf("avatar image too large (%d bytes)", len(data))
	}

	if err := m.store.Write(data); err != nil {
		return "", fmt.Errorf("store avatar: %w", err)
	}

	path := m.selfID + "/avatar-" + HashBytes(data) + extFor(contentType)
	if err := m.blobs.Upload(ctx, BucketName, path, contentType, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("upload avatar: %w", err)
	}

	url := m.blobs.PublicURL(BucketName, path)
	if err := m.profiles.SetAvatarURL(ctx, url); err != nil {
		return "", err
	}
	return url, nil
}

// Clear removes the custom avatar and empties the profile's avatar URL, so
// other clients fall back to initials.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.profiles.SetAvatarURL(ctx, ""); err != nil {
		return err
	}
	return m.store.Delete()
}

// Fetch returns a user's avatar image through the disk cache, fetching the
// URL once per hash. Returns nil when the user has no usable avatar; the
// caller renders initials instead.
func (m *Manager) Fetch(ctx context.Context, userID, url string) ([]byte, error) {
	if url == "" {
		return nil, nil
	}
	hash := HashString(url)
	if data, err := m.cache.Get(userID, hash); err == nil && data != nil {
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch avatar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch avatar: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarBytes))
	if err != nil {
		return nil, err
	}

	if err := m.cache.Put(userID, hash, data); err != nil {
		return data, nil // cache failure is not a fetch failure
	}
	return data, nil
}

func extFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".png"
	}
}
