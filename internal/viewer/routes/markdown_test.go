package routes

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRenderMarkdownEscapesRawHTML(t *testing.T) {
	out, err := renderMarkdown(`hello <script>alert(1)</script>`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "<script>") {
		t.Fatalf("raw HTML not escaped: %s", out)
	}
	if !strings.Contains(out, "&lt;script&gt;") {
		t.Fatalf("expected escaped script tag, got: %s", out)
	}
}

func TestRenderMarkdownGFM(t *testing.T) {
	out, err := renderMarkdown("~~gone~~ and **bold**")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "<del>") || !strings.Contains(out, "<strong>") {
		t.Fatalf("GFM output missing: %s", out)
	}
}

func TestRenderMarkdownHighlightsFences(t *testing.T) {
	out, err := renderMarkdown("```go\nfmt.Println(\"hi\")\n```")
	if err != nil {
		t.Fatal(err)
	}
	// inline-styled spans from the highlighter, not a bare <code> block
	if !strings.Contains(out, "style=") {
		t.Fatalf("expected highlighted code, got: %s", out)
	}
}

func TestMarkdownRoute(t *testing.T) {
	mux := http.NewServeMux()
	registerMarkdownRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/render/markdown",
		strings.NewReader(`{"content":"# hi"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "\\u003ch1\\u003e") && !strings.Contains(rec.Body.String(), "<h1>") {
		t.Fatalf("missing h1 in response: %s", rec.Body.String())
	}
}
