package avatar

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if s.Hash() != "" {
		t.Fatalf("fresh store has hash %q", s.Hash())
	}
	if data, err := s.Read(); err != nil || data != nil {
		t.Fatalf("fresh read = %v, %v", data, err)
	}

	img := []byte("fake-png-bytes")
	if err := s.Write(img); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(s.Hash()) != 16 {
		t.Fatalf("hash length = %d", len(s.Hash()))
	}
	got, err := s.Read()
	if err != nil || !bytes.Equal(got, img) {
		t.Fatalf("read back = %v, %v", got, err)
	}

	if err := s.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Hash() != "" {
		t.Fatalf("hash survives delete")
	}
}

func TestCacheInvalidatesOnHashChange(t *testing.T) {
	c := NewCache(t.TempDir())

	if err := c.Put("u1", "hash-a", []byte("image-a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if data, _ := c.Get("u1", "hash-a"); string(data) != "image-a" {
		t.Fatalf("get = %q", data)
	}
	// The user changed their avatar; the old bytes must not be served.
	if data, _ := c.Get("u1", "hash-b"); data != nil {
		t.Fatalf("stale avatar served")
	}
	if c.HasHash("u1", "hash-b") {
		t.Fatalf("HasHash matched wrong hash")
	}
}

func TestInitialsSVG(t *testing.T) {
	cases := []struct {
		label string
		want  string
	}{
		{"Alice Smith", ">AS<"},
		{"bob", ">BO<"},
		{"x", ">X<"},
		{"", ">?<"},
	}
	for _, c := range cases {
		svg := string(InitialsSVG(c.label, "user"))
		if !strings.Contains(svg, c.want) {
			t.Errorf("InitialsSVG(%q) missing %q", c.label, c.want)
		}
		if !strings.HasPrefix(svg, "<svg") {
			t.Errorf("not an svg document")
		}
	}
}

func TestInitialsSVGDeterministicColor(t *testing.T) {
	a := InitialsSVG("Alice", "alice")
	b := InitialsSVG("Alice", "alice")
	if !bytes.Equal(a, b) {
		t.Fatalf("same input produced different avatars")
	}
}

func TestCatalog(t *testing.T) {
	if len(Styles) != 10 {
		t.Fatalf("styles = %d", len(Styles))
	}
	for _, style := range Styles {
		urls := Catalog(style)
		if len(urls) != SeedsPerStyle {
			t.Fatalf("catalog(%s) = %d urls", style, len(urls))
		}
		if urls[0] == urls[1] {
			t.Fatalf("seeds collapse to one url")
		}
	}
	if Catalog("no-such-style") != nil {
		t.Fatalf("unknown style produced a catalog")
	}
}

// ─── manager ─────────────────────────────────────────────────────────────────

type fakeProfileWriter struct{ urls []string }

func (f *fakeProfileWriter) SetAvatarURL(_ context.Context, url string) error {
	f.urls = append(f.urls, url)
	return nil
}

type fakeBlobStore struct {
	bucket, path, contentType string
	data                      []byte
}

func (f *fakeBlobStore) Upload(_ context.Context, bucket, path, contentType string, data io.Reader) error {
	f.bucket, f.path, f.contentType = bucket, path, contentType
	f.data, _ = io.ReadAll(data)
	return nil
}

func (f *fakeBlobStore) PublicURL(bucket, path string) string {
	return "https://backend.test/storage/v1/object/public/" + bucket + "/" + path
}

func TestChoosePreset(t *testing.T) {
	profiles := &fakeProfileWriter{}
	m := NewManager(NewStore(t.TempDir()), NewCache(t.TempDir()), profiles, &fakeBlobStore{}, "me")

	url, err := m.ChoosePreset(context.Background(), "bottts", 7)
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if len(profiles.urls) != 1 || profiles.urls[0] != url {
		t.Fatalf("profile urls = %v", profiles.urls)
	}

	if _, err := m.ChoosePreset(context.Background(), "nope", 0); err != ErrUnknownStyle {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.ChoosePreset(context.Background(), "bottts", SeedsPerStyle); err == nil {
		t.Fatalf("out-of-range seed accepted")
	}
}

func TestUploadCustom(t *testing.T) {
	profiles := &fakeProfileWriter{}
	blobs := &fakeBlobStore{}
	store := NewStore(t.TempDir())
	m := NewManager(store, NewCache(t.TempDir()), profiles, blobs, "me")

	img := []byte("custom-image")
	url, err := m.UploadCustom(context.Background(), img, "image/jpeg")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if blobs.bucket != BucketName {
		t.Fatalf("bucket = %s", blobs.bucket)
	}
	if !strings.HasPrefix(blobs.path, "me/avatar-") || !strings.HasSuffix(blobs.path, ".jpg") {
		t.Fatalf("object path = %s", blobs.path)
	}
	if !bytes.Equal(blobs.data, img) {
		t.Fatalf("uploaded bytes differ")
	}
	if !strings.Contains(url, blobs.path) {
		t.Fatalf("profile url %q does not reference the object", url)
	}
	if store.Hash() == "" {
		t.Fatalf("local store not updated")
	}

	if _, err := m.UploadCustom(context.Background(), nil, "image/png"); err == nil {
		t.Fatalf("empty image accepted")
	}
}
