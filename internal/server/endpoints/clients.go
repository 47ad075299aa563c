package endpoints

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/transdesk/transdesk/internal/api"
	"github.com/transdesk/transdesk/internal/store"
	"github.com/transdesk/transdesk/internal/svcctx"
)

// CreateClientEndpoint handles POST /api/clients.
type CreateClientEndpoint struct{}

var _ api.Endpoint = (*CreateClientEndpoint)(nil)

func (e *CreateClientEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/clients", e.handler
}

type createClientRequest struct {
	Name string `json:"name"`
}

func (e *CreateClientEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	st := svcctx.StoreFrom(r.Context())
	c := &store.Client{ID: uuid.NewString(), Name: req.Name}
	if err := st.InsertClient(r.Context(), c); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (e *CreateClientEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "clients-create <name>",
		Short: "Create a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp store.Client
			if err := client.Post(cmd.Context(), "/api/clients", createClientRequest{Name: args[0]}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ListClientsEndpoint handles GET /api/clients.
type ListClientsEndpoint struct{}

var _ api.Endpoint = (*ListClientsEndpoint)(nil)

func (e *ListClientsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/clients", e.handler
}

func (e *ListClientsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	st := svcctx.StoreFrom(r.Context())
	clients, err := st.ListClients(r.Context(), includeArchived)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

func (e *ListClientsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var includeArchived bool
	cmd := &cobra.Command{
		Use:   "clients-list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			path := "/api/clients"
			if includeArchived {
				path += "?include_archived=true"
			}
			var resp []store.Client
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().BoolVar(&includeArchived, "archived", false, "include archived clients")
	return cmd
}

// GetClientEndpoint handles GET /api/clients/{client_id}.
type GetClientEndpoint struct{}

var _ api.Endpoint = (*GetClientEndpoint)(nil)

func (e *GetClientEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/clients/{client_id}", e.handler
}

func (e *GetClientEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	c, err := st.GetClient(r.Context(), r.PathValue("client_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (e *GetClientEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "clients-get <client-id>",
		Short: "Get a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp store.Client
			if err := client.Get(cmd.Context(), "/api/clients/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// DeleteClientEndpoint handles DELETE /api/clients/{client_id}. Materials
// cascade in the store.
type DeleteClientEndpoint struct{}

var _ api.Endpoint = (*DeleteClientEndpoint)(nil)

func (e *DeleteClientEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/clients/{client_id}", e.handler
}

func (e *DeleteClientEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	if err := st.DeleteClient(r.Context(), r.PathValue("client_id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (e *DeleteClientEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "clients-delete <client-id>",
		Short: "Delete a client and its materials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Delete(cmd.Context(), "/api/clients/"+args[0])
		},
	}
}
