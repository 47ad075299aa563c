package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/transdesk/transdesk/internal/api"
	"github.com/transdesk/transdesk/internal/svcctx"
)

// ListMaterialsEndpoint handles GET /api/clients/{client_id}/materials.
// Served from the store's list cache when warm.
type ListMaterialsEndpoint struct{}

var _ api.Endpoint = (*ListMaterialsEndpoint)(nil)

func (e *ListMaterialsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/clients/{client_id}/materials", e.handler
}

func (e *ListMaterialsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	clientID := r.PathValue("client_id")
	if _, err := st.GetClient(r.Context(), clientID); err != nil {
		writeDomainError(w, err)
		return
	}
	materials, err := st.ListMaterials(r.Context(), clientID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, materialResponses(materials))
}

func (e *ListMaterialsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "materials-list <client-id>",
		Short: "List a client's materials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp []MaterialResponse
			if err := client.Get(cmd.Context(), "/api/clients/"+args[0]+"/materials", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetMaterialEndpoint handles GET /api/materials/{id}.
type GetMaterialEndpoint struct{}

var _ api.Endpoint = (*GetMaterialEndpoint)(nil)

func (e *GetMaterialEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/materials/{id}", e.handler
}

func (e *GetMaterialEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	m, err := st.GetMaterial(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, materialResponse(m))
}

func (e *GetMaterialEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "materials-get <material-id>",
		Short: "Get a material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp MaterialResponse
			if err := client.Get(cmd.Context(), "/api/materials/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// DeleteMaterialEndpoint handles DELETE /api/materials/{id}. Removes the row
// and its files.
type DeleteMaterialEndpoint struct{}

var _ api.Endpoint = (*DeleteMaterialEndpoint)(nil)

func (e *DeleteMaterialEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/materials/{id}", e.handler
}

func (e *DeleteMaterialEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	orch := svcctx.OrchestratorFrom(r.Context())
	if err := orch.DeleteMaterial(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (e *DeleteMaterialEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "materials-delete <material-id>",
		Short: "Delete a material",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Delete(cmd.Context(), "/api/materials/"+args[0])
		},
	}
}
