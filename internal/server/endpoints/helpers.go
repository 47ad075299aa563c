package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/transdesk/transdesk/internal/pipeline"
	"github.com/transdesk/transdesk/internal/statemachine"
	"github.com/transdesk/transdesk/internal/store"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeDomainError maps domain errors to their HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrMaterialBusy):
		return http.StatusConflict
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrInvalidTransition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// MaterialResponse is a material record plus the actions valid from its
// current step.
type MaterialResponse struct {
	*store.Material
	AvailableActions []statemachine.Action `json:"availableActions"`
}

func materialResponse(m *store.Material) MaterialResponse {
	return MaterialResponse{
		Material:         m,
		AvailableActions: statemachine.AvailableActions(m.ProcessingStep),
	}
}

func materialResponses(ms []store.Material) []MaterialResponse {
	out := make([]MaterialResponse, len(ms))
	for i := range ms {
		out[i] = materialResponse(&ms[i])
	}
	return out
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
