package routes

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlePostRejectsGet(t *testing.T) {
	mux := http.NewServeMux()
	handlePost(mux, "/api/test", func(w http.ResponseWriter, r *http.Request, req struct {
		Name string `json:"name"`
	}) {
		writeJSON(w, map[string]string{"got": req.Name})
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/test", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET: code = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandlePostDecodesBody(t *testing.T) {
	mux := http.NewServeMux()
	handlePost(mux, "/api/test", func(w http.ResponseWriter, r *http.Request, req struct {
		Name string `json:"name"`
	}) {
		writeJSON(w, map[string]string{"got": req.Name})
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/test", strings.NewReader(`{"name":"alice"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"got":"alice"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/test", strings.NewReader("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body: code = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandlePostActionAllowsEmptyBody(t *testing.T) {
	mux := http.NewServeMux()
	called := false
	handlePostAction(mux, "/api/test", func(w http.ResponseWriter, r *http.Request) {
		called = true
		writeJSON(w, map[string]string{"status": "ok"})
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/test", nil))
	if rec.Code != http.StatusOK || !called {
		t.Fatalf("code = %d, called = %v", rec.Code, called)
	}
}

func TestAtoiOrNeg(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", -1},
		{"0", 0},
		{"42", 42},
		{"-5", -1},
		{"12x", -1},
	}
	for _, c := range cases {
		if got := atoiOrNeg(c.in); got != c.want {
			t.Errorf("atoiOrNeg(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestContentTypeForURL(t *testing.T) {
	if got := contentTypeForURL("https://x/avatars/a.svg?seed=1", []byte("<svg/>")); got != "image/svg+xml" {
		t.Errorf("svg: got %q", got)
	}
	if got := contentTypeForURL("https://x/a.png", nil); got != "image/png" {
		t.Errorf("png: got %q", got)
	}
	// no extension falls back to sniffing
	if got := contentTypeForURL("https://x/blob", []byte("\x89PNG\r\n\x1a\n")); got != "image/png" {
		t.Errorf("sniff: got %q", got)
	}
}

func TestSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	sseEvent(rec, "chat", map[string]string{"type": "typing"})
	want := "event: chat\ndata: {\"type\":\"typing\"}\n\n"
	if rec.Body.String() != want {
		t.Fatalf("sse frame = %q, want %q", rec.Body.String(), want)
	}
}
