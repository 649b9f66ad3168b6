package httpapi

import (
	"encoding/json"
	"net/http"

	"convscope/internal/infer"
	"convscope/internal/manager"
	"convscope/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// writeError maps well-known service errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case manager.IsValidation(err), infer.IsDecode(err):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case manager.IsNotFound(err):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case manager.IsQueueFull(err):
		backpressureTotal.Inc()
		writeJSONError(w, http.StatusTooManyRequests, err.Error())
	default:
		if he, ok := err.(HTTPError); ok {
			writeJSONError(w, he.StatusCode(), he.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
