package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/numhive/platform/internal/errors"
)

// handleIcon serves a mirrored service icon. The mirror writes one flat
// directory of slug-named files, so exactly one path segment is accepted
// and anything resembling a traversal is a miss.
func (s *Server) handleIcon(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		writeError(w, errors.NotFound("icon"))
		return
	}
	path := filepath.Join(s.cfg.IconBasePath, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(w, errors.NotFound("icon"))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, path)
}
