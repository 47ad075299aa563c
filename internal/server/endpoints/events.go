package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/transdesk/transdesk/internal/api"
	"github.com/transdesk/transdesk/internal/svcctx"
)

// EventsEndpoint handles GET /api/events. Upgrades to a websocket and streams
// material progress events.
type EventsEndpoint struct{}

var _ api.Endpoint = (*EventsEndpoint)(nil)

func (e *EventsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/events", e.handler
}

func (e *EventsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	hub := svcctx.HubFrom(r.Context())
	hub.Handler()(w, r)
}

func (e *EventsEndpoint) Command(_ func() string) *cobra.Command {
	// Event streaming is consumed by the web UI over websocket.
	return nil
}
