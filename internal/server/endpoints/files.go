package endpoints

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/transdesk/transdesk/internal/api"
	"github.com/transdesk/transdesk/internal/svcctx"
)

// FileEndpoint handles GET /uploads/{path...}, serving source images, page
// rasters, and final composites out of the data directory.
type FileEndpoint struct{}

var _ api.Endpoint = (*FileEndpoint)(nil)

func (e *FileEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/uploads/{path...}", e.handler
}

func (e *FileEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	rel := filepath.Clean(r.PathValue("path"))
	if rel == "." || strings.HasPrefix(rel, "..") {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	home := svcctx.HomeFrom(r.Context())
	http.ServeFile(w, r, home.Resolve(filepath.Join("uploads", rel)))
}

func (e *FileEndpoint) Command(_ func() string) *cobra.Command {
	return nil
}
