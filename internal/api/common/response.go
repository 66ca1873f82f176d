// Package common provides the response and parameter helpers of the status API.
package common

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stacklok/kbsync/internal/targets"
)

// ErrorResponse is the body of every error answer
type ErrorResponse struct {
	Error string `json:"error"`
	// Reason is set when no target is available (e.g. "all_unreachable")
	Reason string `json:"reason,omitempty"`
}

// WriteJSON writes v as the JSON body with status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// WriteError writes err as an ErrorResponse with status
func WriteError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var nte *targets.NoTargetsError
	if errors.As(err, &nte) {
		resp.Reason = string(nte.Reason)
	}
	WriteJSON(w, status, resp)
}
