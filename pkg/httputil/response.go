package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/reelapps/authsync/pkg/session"
)

// ErrorResponse is the JSON body of every error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteTooManyRequests writes a rate limit error (429)
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusTooManyRequests, message)
}

// WriteServiceUnavailable writes a service unavailable error (503)
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusServiceUnavailable, message)
}

// StatusFor maps the session error taxonomy to an HTTP status and a
// stable error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrIdentityProviderUnavailable):
		return http.StatusServiceUnavailable, "identity_provider_unavailable"
	case errors.Is(err, session.ErrSSOValidation):
		return http.StatusUnauthorized, "sso_validation"
	case errors.Is(err, session.ErrNoSession):
		return http.StatusUnauthorized, "no_session"
	case errors.Is(err, session.ErrRefreshFailure):
		return http.StatusBadGateway, "refresh_failure"
	case errors.Is(err, session.ErrRestoreCorruption):
		return http.StatusInternalServerError, "restore_corruption"
	case errors.Is(err, session.ErrBroadcastUnavailable):
		return http.StatusServiceUnavailable, "broadcast_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// WriteError writes err with the status StatusFor assigns. Internal
// errors are not echoed to the client.
func WriteError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	message := err.Error()
	if code == "internal" {
		message = "internal server error"
	}
	_ = WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}
