package endpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/cobra"

	"github.com/transdesk/transdesk/internal/api"
	"github.com/transdesk/transdesk/internal/providers"
	"github.com/transdesk/transdesk/internal/store"
	"github.com/transdesk/transdesk/internal/svcctx"
)

// entityRecognitionResponse reports a recognition trigger outcome. Recoverable
// provider failures set recoverable and canContinue so the UI can move on
// without entities.
type entityRecognitionResponse struct {
	Material    *MaterialResponse `json:"material,omitempty"`
	Recoverable bool              `json:"recoverable,omitempty"`
	CanContinue bool              `json:"canContinue,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// EntityRecognitionEndpoint handles
// POST /api/materials/{id}/entity-recognition/{mode} with mode fast or deep.
// The stage runs synchronously in the request goroutine so recoverable
// outages surface as 503 with a body the UI can act on.
type EntityRecognitionEndpoint struct{}

var _ api.Endpoint = (*EntityRecognitionEndpoint)(nil)

func (e *EntityRecognitionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/materials/{id}/entity-recognition/{mode}", e.handler
}

func (e *EntityRecognitionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	mode := r.PathValue("mode")
	switch mode {
	case "fast", "deep":
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown recognition mode %q", mode))
		return
	}

	orch := svcctx.OrchestratorFrom(r.Context())
	st := svcctx.StoreFrom(r.Context())
	materialID := r.PathValue("id")

	err := orch.RecognizeEntities(r.Context(), materialID, mode)
	if providers.IsRecoverable(err) {
		writeJSON(w, http.StatusServiceUnavailable, entityRecognitionResponse{
			Recoverable: true,
			CanContinue: true,
			Error:       err.Error(),
		})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	m, err := st.GetMaterial(r.Context(), materialID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := materialResponse(m)
	writeJSON(w, http.StatusOK, entityRecognitionResponse{Material: &resp})
}

func (e *EntityRecognitionEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "entity-recognize <material-id> <fast|deep>",
		Short: "Run entity recognition on a translated material",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp entityRecognitionResponse
			if err := client.Post(cmd.Context(), "/api/materials/"+args[0]+"/entity-recognition/"+args[1], nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// SessionEntityRecognitionEndpoint handles
// POST /api/pdf-sessions/{session_id}/entity-recognition/fast. All pages of
// the session feed one recognition call and share the result.
type SessionEntityRecognitionEndpoint struct{}

var _ api.Endpoint = (*SessionEntityRecognitionEndpoint)(nil)

func (e *SessionEntityRecognitionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/pdf-sessions/{session_id}/entity-recognition/fast", e.handler
}

func (e *SessionEntityRecognitionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orch := svcctx.OrchestratorFrom(r.Context())
	err := orch.RecognizeSessionEntities(r.Context(), r.PathValue("session_id"), "fast")
	if providers.IsRecoverable(err) {
		writeJSON(w, http.StatusServiceUnavailable, entityRecognitionResponse{
			Recoverable: true,
			CanContinue: true,
			Error:       err.Error(),
		})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (e *SessionEntityRecognitionEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "session-entity-recognize <session-id>",
		Short: "Run entity recognition across a PDF session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp map[string]any
			if err := client.Post(cmd.Context(), "/api/pdf-sessions/"+args[0]+"/entity-recognition/fast", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// confirmEntitiesSchema validates the confirm-entities body shape before it
// reaches the pipeline.
var confirmEntitiesSchema = jsonschema.MustCompileString("confirm_entities.json", `{
	"type": "object",
	"properties": {
		"entities": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"chinese_name": {"type": "string", "minLength": 1},
					"english_name": {"type": "string"},
					"source": {"type": "string"},
					"confidence": {"type": "string"},
					"type": {"type": "string"}
				},
				"required": ["chinese_name"]
			}
		},
		"translationGuidance": {
			"type": "object",
			"properties": {
				"persons": {"type": "array", "items": {"type": "string"}},
				"locations": {"type": "array", "items": {"type": "string"}},
				"organizations": {"type": "array", "items": {"type": "string"}},
				"terms": {"type": "array", "items": {"type": "string"}}
			}
		}
	},
	"required": ["entities"]
}`)

// ConfirmEntitiesEndpoint handles POST /api/materials/{id}/confirm-entities.
// Releases the entity gate and auto-chains LLM refinement; for PDF pages the
// confirmation covers the whole session.
type ConfirmEntitiesEndpoint struct{}

var _ api.Endpoint = (*ConfirmEntitiesEndpoint)(nil)

func (e *ConfirmEntitiesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/materials/{id}/confirm-entities", e.handler
}

// ConfirmEntitiesResponse reports the confirmed material and the materials
// whose LLM refinement was chained.
type ConfirmEntitiesResponse struct {
	Material MaterialResponse `json:"material"`
	Chained  []string         `json:"chained,omitempty"`
}

func (e *ConfirmEntitiesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if err := confirmEntitiesSchema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid confirm-entities payload: %v", err))
		return
	}
	var edits store.EntityEdits
	if err := json.Unmarshal(body, &edits); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	orch := svcctx.OrchestratorFrom(r.Context())
	m, chained, err := orch.ConfirmEntities(r.Context(), r.PathValue("id"), &edits)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmEntitiesResponse{Material: materialResponse(m), Chained: chained})
}

func (e *ConfirmEntitiesEndpoint) Command(_ func() string) *cobra.Command {
	// Entity confirmation is a web UI interaction.
	return nil
}

// SkipEntitiesEndpoint handles POST /api/materials/{id}/entity/skip. The
// material returns to translated without entities.
type SkipEntitiesEndpoint struct{}

var _ api.Endpoint = (*SkipEntitiesEndpoint)(nil)

func (e *SkipEntitiesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/materials/{id}/entity/skip", e.handler
}

func (e *SkipEntitiesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orch := svcctx.OrchestratorFrom(r.Context())
	m, err := orch.SkipEntities(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, materialResponse(m))
}

func (e *SkipEntitiesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return actionCommand(getServerURL, "entity-skip", "Skip the entity confirmation gate", "entity/skip")
}
