package server

import (
	"io/fs"
	"net/http"
	"os"
	"strings"

	"github.com/michaelbrown/runbox/web"
)

// staticHandler serves the browser client, from dir when set and from the
// embedded build otherwise. Paths that don't match a file serve index.html.
func staticHandler(dir string) http.Handler {
	var root fs.FS
	if dir != "" {
		root = os.DirFS(dir)
	} else {
		root, _ = fs.Sub(web.Assets, "dist")
	}
	fileServer := http.FileServer(http.FS(root))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")

		if path != "" {
			if f, err := root.Open(path); err == nil {
				f.Close()
				fileServer.ServeHTTP(w, r)
				return
			}
		}

		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}
