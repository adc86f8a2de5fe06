package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestContactCacheRoundTrip(t *testing.T) {
	db := openTestDB(t)

	c := CachedContact{
		UserID:      "u1",
		Username:    "alice",
		DisplayName: "Alice",
		AvatarURL:   "https://example.test/a.png",
		IsFriend:    true,
	}
	if err := db.UpsertContact(c); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, ok := db.GetContact("u1")
	if !ok {
		t.Fatalf("contact not found")
	}
	if got.Username != "alice" || got.DisplayName != "Alice" || !got.IsFriend {
		t.Fatalf("contact = %+v", got)
	}
	if got.LastSeen.IsZero() {
		t.Fatalf("last_seen not set")
	}

	// Upsert replaces, it does not duplicate.
	c.DisplayName = "Alice Smith"
	if err := db.UpsertContact(c); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	all, err := db.ListContacts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].DisplayName != "Alice Smith" {
		t.Fatalf("contacts = %+v", all)
	}

	if name := db.ContactName("u1"); name != "Alice Smith" {
		t.Fatalf("name = %q", name)
	}
	if name := db.ContactName("unknown"); name != "" {
		t.Fatalf("unknown name = %q", name)
	}

	if err := db.DeleteContact("u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := db.GetContact("u1"); ok {
		t.Fatalf("contact survived delete")
	}
}

func TestCallHistoryMirror(t *testing.T) {
	db := openTestDB(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := db.UpsertCallRecord(CallRecord{
			ID:              string(rune('a' + i)),
			ConversationID:  "conv-1",
			CallerID:        "me",
			CallType:        "voice",
			Status:          "completed",
			DurationSeconds: 30 + i,
			StartedAt:       base.Add(time.Duration(i) * time.Hour),
			EndedAt:         base.Add(time.Duration(i)*time.Hour + time.Minute),
		})
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	recs, err := db.RecentCalls(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("records = %d", len(recs))
	}
	// Most recently ended first.
	if recs[0].DurationSeconds != 32 || recs[2].DurationSeconds != 30 {
		t.Fatalf("order wrong: %+v", recs)
	}

	// Replaying a row (at-least-once feed) updates in place.
	if err := db.UpsertCallRecord(CallRecord{
		ID: "a", ConversationID: "conv-1", CallerID: "me",
		CallType: "voice", Status: "completed", DurationSeconds: 99,
		EndedAt: base.Add(time.Minute),
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	recs, _ = db.RecentCalls(10)
	if len(recs) != 3 {
		t.Fatalf("replay duplicated: %d records", len(recs))
	}
}

func TestCallRecordWithoutStart(t *testing.T) {
	db := openTestDB(t)

	err := db.UpsertCallRecord(CallRecord{
		ID: "x", ConversationID: "conv-1", CallerID: "alice",
		CallType: "video", Status: "missed",
		EndedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	recs, err := db.RecentCalls(1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if !recs[0].StartedAt.IsZero() {
		t.Fatalf("started_at = %v, want zero", recs[0].StartedAt)
	}
}

func TestMetaKV(t *testing.T) {
	db := openTestDB(t)

	if v, err := db.GetMeta("cursor"); err != nil || v != "" {
		t.Fatalf("unset meta = %q, %v", v, err)
	}
	if err := db.SetMeta("cursor", "123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.SetMeta("cursor", "456"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, _ := db.GetMeta("cursor"); v != "456" {
		t.Fatalf("meta = %q", v)
	}
}
