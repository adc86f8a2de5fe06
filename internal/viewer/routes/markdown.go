package routes

import (
	"bytes"
	"net/http"
	"sync"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// md renders message bodies. Raw HTML stays escaped, so the output is safe
// to inject into the page; fenced code blocks get inline-styled highlighting.
var md = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		highlighting.NewHighlighting(
			highlighting.WithStyle("monokai"),
			highlighting.WithFormatOptions(
				chromahtml.WithLineNumbers(false),
			),
		),
	),
	goldmark.WithRendererOptions(
		html.WithHardWraps(),
	),
)

var mdMu sync.Mutex

func renderMarkdown(src string) (string, error) {
	mdMu.Lock()
	defer mdMu.Unlock()
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func registerMarkdownRoutes(mux *http.ServeMux) {
	// POST /api/render/markdown — the page sends message bodies here and
	// injects the returned HTML.
	handlePost(mux, "/api/render/markdown", func(w http.ResponseWriter, r *http.Request, req struct {
		Content string `json:"content"`
	}) {
		out, err := renderMarkdown(req.Content)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"html": out})
	})
}
