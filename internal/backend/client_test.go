package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestQueryBuilding(t *testing.T) {
	var got *http.Request
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		buf := make([]byte, 4096)
		n, _ := r.Body.Read(buf)
		gotBody = buf[:n]
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon-key", "user-token")

	t.Run("select with filters and order", func(t *testing.T) {
		err := c.From("call_signals").
			Select("*").
			Eq("conversation_id", "conv-1").
			Eq("callee_id", "me").
			Eq("type", "offer").
			Order("created_at", true).
			Limit(1).
			Do(context.Background())
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		if got.URL.Path != "/rest/v1/call_signals" {
			t.Fatalf("path = %q", got.URL.Path)
		}
		q := got.URL.Query()
		if q.Get("conversation_id") != "eq.conv-1" {
			t.Fatalf("conversation filter = %q", q.Get("conversation_id"))
		}
		if q.Get("order") != "created_at.desc" {
			t.Fatalf("order = %q", q.Get("order"))
		}
		if q.Get("limit") != "1" {
			t.Fatalf("limit = %q", q.Get("limit"))
		}
		if got.Header.Get("apikey") != "anon-key" {
			t.Fatalf("apikey header missing")
		}
		if got.Header.Get("Authorization") != "Bearer user-token" {
			t.Fatalf("auth header = %q", got.Header.Get("Authorization"))
		}
	})

	t.Run("insert sends body and prefer", func(t *testing.T) {
		err := c.From("messages").
			Insert(map[string]string{"content": "hi"}).
			Do(context.Background())
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		if got.Method != http.MethodPost {
			t.Fatalf("method = %q", got.Method)
		}
		if !strings.Contains(got.Header.Get("Prefer"), "return=representation") {
			t.Fatalf("prefer = %q", got.Header.Get("Prefer"))
		}
		var m map[string]string
		if err := json.Unmarshal(gotBody, &m); err != nil || m["content"] != "hi" {
			t.Fatalf("body = %q (%v)", gotBody, err)
		}
	})

	t.Run("single sets accept header", func(t *testing.T) {
		_ = c.From("profiles").Select("*").Eq("id", "x").Single().Do(context.Background())
		if !strings.Contains(got.Header.Get("Accept"), "vnd.pgrst.object") {
			t.Fatalf("accept = %q", got.Header.Get("Accept"))
		}
	})

	t.Run("or and in filters", func(t *testing.T) {
		_ = c.From("friendships").
			Select("*").
			Or("user_id.eq.me,friend_id.eq.me").
			In("status", []string{"pending", "accepted"}).
			Do(context.Background())
		q := got.URL.Query()
		if q.Get("or") != "(user_id.eq.me,friend_id.eq.me)" {
			t.Fatalf("or = %q", q.Get("or"))
		}
		if q.Get("status") != "in.(pending,accepted)" {
			t.Fatalf("in = %q", q.Get("status"))
		}
	})
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"duplicate"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "")
	err := c.From("messages").Insert(map[string]string{}).Do(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict {
		t.Fatalf("status = %d", apiErr.Status)
	}
}

func TestDoIntoDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"a"},{"id":"b"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", "")
	var rows []struct {
		ID string `json:"id"`
	}
	if err := c.From("profiles").Select("id").DoInto(context.Background(), &rows); err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(rows) != 2 || rows[1].ID != "b" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestPublicURL(t *testing.T) {
	c := NewClient("https://demo.example.co/", "k", "")
	u := c.PublicURL("avatars", "user-1/avatar.png")
	want := "https://demo.example.co/storage/v1/object/public/avatars/user-1/avatar.png"
	if u != want {
		t.Fatalf("got %q want %q", u, want)
	}
}
