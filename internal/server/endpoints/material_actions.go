package endpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/transdesk/transdesk/internal/api"
	"github.com/transdesk/transdesk/internal/svcctx"
)

// RetranslateEndpoint handles POST /api/materials/{id}/retranslate. Wipes
// intermediate results and runs OCR again.
type RetranslateEndpoint struct{}

var _ api.Endpoint = (*RetranslateEndpoint)(nil)

func (e *RetranslateEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/materials/{id}/retranslate", e.handler
}

func (e *RetranslateEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orch := svcctx.OrchestratorFrom(r.Context())
	m, err := orch.Retranslate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, materialResponse(m))
}

func (e *RetranslateEndpoint) Command(getServerURL func() string) *cobra.Command {
	return actionCommand(getServerURL, "retranslate", "Run translation again from scratch", "retranslate")
}

// RotateEndpoint handles POST /api/materials/{id}/rotate. Rotates the source
// image 90 degrees clockwise and resets the material.
type RotateEndpoint struct{}

var _ api.Endpoint = (*RotateEndpoint)(nil)

func (e *RotateEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/materials/{id}/rotate", e.handler
}

func (e *RotateEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orch := svcctx.OrchestratorFrom(r.Context())
	m, err := orch.Rotate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, materialResponse(m))
}

func (e *RotateEndpoint) Command(getServerURL func() string) *cobra.Command {
	return actionCommand(getServerURL, "rotate", "Rotate the source image 90 degrees clockwise", "rotate")
}

// ConfirmEndpoint handles POST /api/materials/{id}/confirm.
type ConfirmEndpoint struct{}

var _ api.Endpoint = (*ConfirmEndpoint)(nil)

func (e *ConfirmEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/materials/{id}/confirm", e.handler
}

type confirmRequest struct {
	TranslationType string `json:"translation_type"`
}

func (e *ConfirmEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
	}
	orch := svcctx.OrchestratorFrom(r.Context())
	m, err := orch.Confirm(r.Context(), r.PathValue("id"), req.TranslationType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, materialResponse(m))
}

func (e *ConfirmEndpoint) Command(getServerURL func() string) *cobra.Command {
	return actionCommand(getServerURL, "confirm", "Confirm a reviewed material", "confirm")
}

// UnconfirmEndpoint handles POST /api/materials/{id}/unconfirm.
type UnconfirmEndpoint struct{}

var _ api.Endpoint = (*UnconfirmEndpoint)(nil)

func (e *UnconfirmEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/materials/{id}/unconfirm", e.handler
}

func (e *UnconfirmEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orch := svcctx.OrchestratorFrom(r.Context())
	m, err := orch.Unconfirm(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, materialResponse(m))
}

func (e *UnconfirmEndpoint) Command(getServerURL func() string) *cobra.Command {
	return actionCommand(getServerURL, "unconfirm", "Reopen a confirmed material for review", "unconfirm")
}

// LLMTranslateEndpoint handles POST /api/materials/{id}/llm-translate.
type LLMTranslateEndpoint struct{}

var _ api.Endpoint = (*LLMTranslateEndpoint)(nil)

func (e *LLMTranslateEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/materials/{id}/llm-translate", e.handler
}

func (e *LLMTranslateEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orch := svcctx.OrchestratorFrom(r.Context())
	m, err := orch.StartLLM(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, materialResponse(m))
}

func (e *LLMTranslateEndpoint) Command(getServerURL func() string) *cobra.Command {
	return actionCommand(getServerURL, "llm-translate", "Refine translations with the LLM", "llm-translate")
}

// SaveRegionsEndpoint handles POST /api/materials/{id}/save-regions. The
// region payload is stored verbatim.
type SaveRegionsEndpoint struct{}

var _ api.Endpoint = (*SaveRegionsEndpoint)(nil)

func (e *SaveRegionsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/materials/{id}/save-regions", e.handler
}

type saveRegionsRequest struct {
	Regions json.RawMessage `json:"regions"`
}

func (e *SaveRegionsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req saveRegionsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if len(req.Regions) == 0 {
		writeError(w, http.StatusBadRequest, "regions is required")
		return
	}
	orch := svcctx.OrchestratorFrom(r.Context())
	m, err := orch.SaveEditedRegions(r.Context(), r.PathValue("id"), req.Regions)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, materialResponse(m))
}

func (e *SaveRegionsEndpoint) Command(_ func() string) *cobra.Command {
	// Region editing is a web UI interaction.
	return nil
}

// SaveFinalImageEndpoint handles POST /api/materials/{id}/save-final-image
// (multipart, field final_image).
type SaveFinalImageEndpoint struct{}

var _ api.Endpoint = (*SaveFinalImageEndpoint)(nil)

func (e *SaveFinalImageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/materials/{id}/save-final-image", e.handler
}

func (e *SaveFinalImageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMaxMemory); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("final_image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "final_image file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read final image: %v", err))
		return
	}

	orch := svcctx.OrchestratorFrom(r.Context())
	m, err := orch.SaveFinalImage(r.Context(), r.PathValue("id"), data)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, materialResponse(m))
}

func (e *SaveFinalImageEndpoint) Command(_ func() string) *cobra.Command {
	// Final composites come from the browser render.
	return nil
}

// actionCommand builds the CLI form shared by single-material POST actions.
func actionCommand(getServerURL func() string, use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <material-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp MaterialResponse
			if err := client.Post(cmd.Context(), "/api/materials/"+args[0]+"/"+action, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
