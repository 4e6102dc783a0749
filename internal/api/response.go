package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/TFMV/clipbatch/internal/types"
)

// ErrorResponse is the JSON body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HTTPStatusFromError maps pipeline errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, types.ErrValidation) {
		return http.StatusBadRequest
	}
	if errors.Is(err, types.ErrBatchNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, types.ErrQueue) || errors.Is(err, types.ErrStorage) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorCode returns the machine-readable code for err.
func errorCode(err error) string {
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	switch HTTPStatusFromError(err) {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// RespondWithJSON writes payload as JSON with the given status code.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal","message":"failed to marshal JSON response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// RespondWithError writes err using its mapped status. Internal errors are not echoed.
func RespondWithError(w http.ResponseWriter, err error) {
	code := HTTPStatusFromError(err)
	message := err.Error()
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		message = verr.Message
	} else if code >= http.StatusInternalServerError {
		message = http.StatusText(code)
	}
	RespondWithJSON(w, code, ErrorResponse{Error: errorCode(err), Message: message})
}
