package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/transdesk/transdesk/internal/api"
	"github.com/transdesk/transdesk/internal/svcctx"
)

// HealthResponse is the response for the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

var _ api.Endpoint = (*HealthEndpoint)(nil)

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok"}

	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		resp.Status = "degraded"
		resp.Database = "not_initialized"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if err := st.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Database = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			fmt.Printf("Status:   %s\n", resp.Status)
			fmt.Printf("Database: %s\n", resp.Database)
			return nil
		},
	}
}
