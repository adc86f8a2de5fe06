// Package assets embeds the viewer page. JS and CSS are minified once at
// startup and served from memory; minify failures fall back to the original
// bytes so a bad edit never blanks the UI.
package assets

import (
	"embed"
	"io/fs"
	"log"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/js"
)

//go:embed index.html app.css app.js
var rawFS embed.FS

var served map[string][]byte

var contentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
}

var minifyTypes = map[string]string{
	".css": "text/css",
	".js":  "application/javascript",
}

func init() {
	m := minify.New()
	m.AddFunc("application/javascript", js.Minify)
	m.AddFunc("text/css", css.Minify)

	served = make(map[string][]byte)

	_ = fs.WalkDir(rawFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := rawFS.ReadFile(path)
		if err != nil {
			return nil
		}
		mt, ok := minifyTypes[strings.ToLower(filepath.Ext(path))]
		if !ok {
			served[path] = raw
			return nil
		}
		out, err := m.Bytes(mt, raw)
		if err != nil {
			log.Printf("VIEWER: minify warning: %s: %v (using original)", path, err)
			served[path] = raw
			return nil
		}
		served[path] = out
		return nil
	})
}

// Handler serves the embedded page. "/" maps to index.html.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index.html"
		}
		data, ok := served[path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if ct, ok := contentTypes[strings.ToLower(filepath.Ext(path))]; ok {
			w.Header().Set("Content-Type", ct)
		}
		w.Write(data)
	})
}
