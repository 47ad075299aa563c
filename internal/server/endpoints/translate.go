package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/transdesk/transdesk/internal/api"
	"github.com/transdesk/transdesk/internal/svcctx"
)

// StartTranslationEndpoint handles POST /api/clients/{client_id}/materials/translate.
// Returns as soon as the eligible materials are queued; progress arrives over
// the event stream.
type StartTranslationEndpoint struct{}

var _ api.Endpoint = (*StartTranslationEndpoint)(nil)

func (e *StartTranslationEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/clients/{client_id}/materials/translate", e.handler
}

type startTranslationRequest struct {
	MaterialIDs []string `json:"material_ids"`
}

// StartTranslationResponse acknowledges a translation request.
type StartTranslationResponse struct {
	Started []string `json:"started"`
	Count   int      `json:"count"`
}

func (e *StartTranslationEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req startTranslationRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
			return
		}
	}

	orch := svcctx.OrchestratorFrom(r.Context())
	started, err := orch.StartTranslation(r.Context(), r.PathValue("client_id"), req.MaterialIDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StartTranslationResponse{Started: started, Count: len(started)})
}

func (e *StartTranslationEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "translate <client-id> [material-id]...",
		Short: "Start translation for a client's materials",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StartTranslationResponse
			req := startTranslationRequest{MaterialIDs: args[1:]}
			if err := client.Post(cmd.Context(), "/api/clients/"+args[0]+"/materials/translate", req, &resp); err != nil {
				return err
			}
			fmt.Printf("Started %d materials\n", resp.Count)
			return nil
		},
	}
}
