package agent

import (
	"encoding/json"
	stdErrors "errors"
	"net/http"

	"github.com/c0deZ3R0/go-offline-kit/errors"
)

var errUnknownState = stdErrors.New("state must be all or failed")

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error code onto an HTTP status.
func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeValidation, errors.ErrCodeStaleWrite:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidTransition, errors.ErrCodeSyncConflict:
		return http.StatusConflict
	case errors.ErrCodeStorageQuota:
		return http.StatusInsufficientStorage
	case errors.ErrCodeConnectivityRequired:
		return http.StatusServiceUnavailable
	case errors.ErrCodeTransientNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	respondJSON(w, status, errorBody{Code: string(code), Message: err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
