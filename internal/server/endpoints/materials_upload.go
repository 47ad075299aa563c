package endpoints

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/transdesk/transdesk/internal/api"
	"github.com/transdesk/transdesk/internal/pdfutil"
	"github.com/transdesk/transdesk/internal/svcctx"
)

// uploadMaxMemory bounds the in-memory portion of multipart parsing.
const uploadMaxMemory = 64 << 20

// UploadMaterialsEndpoint handles POST /api/clients/{client_id}/materials/upload
// with multipart file upload. Images become materials in uploaded; PDFs fan
// out into one material per page, all returned immediately.
type UploadMaterialsEndpoint struct{}

var _ api.Endpoint = (*UploadMaterialsEndpoint)(nil)

func (e *UploadMaterialsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/clients/{client_id}/materials/upload", e.handler
}

func (e *UploadMaterialsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMaxMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}

	entityEnabled := r.FormValue("entity_recognition") == "true"
	entityMode := r.FormValue("entity_mode")

	orch := svcctx.OrchestratorFrom(r.Context())
	clientID := r.PathValue("client_id")

	var created []MaterialResponse
	for _, fh := range files {
		src, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to open uploaded file: %v", err))
			return
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read uploaded file: %v", err))
			return
		}

		if pdfutil.IsPDF(fh.Filename) {
			pages, err := orch.IngestPDF(r.Context(), clientID, fh.Filename, data, entityEnabled, entityMode)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			for _, p := range pages {
				created = append(created, materialResponse(p))
			}
			continue
		}

		ext := strings.ToLower(fh.Filename)
		if !strings.HasSuffix(ext, ".jpg") && !strings.HasSuffix(ext, ".jpeg") && !strings.HasSuffix(ext, ".png") {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type: %s", fh.Filename))
			return
		}
		m, err := orch.IngestImage(r.Context(), clientID, fh.Filename, data, entityEnabled, entityMode)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		created = append(created, materialResponse(m))
	}

	writeJSON(w, http.StatusOK, created)
}

func (e *UploadMaterialsEndpoint) Command(_ func() string) *cobra.Command {
	// File upload goes through the web UI or direct HTTP.
	return nil
}

// UploadURLsEndpoint handles POST /api/clients/{client_id}/materials/urls.
// Creates webpage materials and enqueues web capture.
type UploadURLsEndpoint struct{}

var _ api.Endpoint = (*UploadURLsEndpoint)(nil)

func (e *UploadURLsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/clients/{client_id}/materials/urls", e.handler
}

type uploadURLsRequest struct {
	URLs              []string `json:"urls"`
	EntityRecognition bool     `json:"entity_recognition"`
	EntityMode        string   `json:"entity_mode"`
}

func (e *UploadURLsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req uploadURLsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls is required")
		return
	}
	for _, u := range req.URLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid url: %s", u))
			return
		}
	}

	orch := svcctx.OrchestratorFrom(r.Context())
	clientID := r.PathValue("client_id")

	var created []MaterialResponse
	for _, u := range req.URLs {
		m, err := orch.IngestWebpage(r.Context(), clientID, u, req.EntityRecognition, req.EntityMode)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		created = append(created, materialResponse(m))
	}
	writeJSON(w, http.StatusOK, created)
}

func (e *UploadURLsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "materials-add-urls <client-id> <url>...",
		Short: "Create webpage materials from URLs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp []MaterialResponse
			req := uploadURLsRequest{URLs: args[1:]}
			if err := client.Post(cmd.Context(), "/api/clients/"+args[0]+"/materials/urls", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
