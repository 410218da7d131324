package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/smukkama/aqi-server/internal/logging"
)

// Error codes returned in the error envelope
const (
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal_error"
	CodeUnavailable  = "unavailable"
)

// APIError is the body of every non-2xx response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("failed to write JSON response")
	}
}

// respondError writes the error envelope. err is logged, never returned to
// the client.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, err error) {
	if err != nil {
		logging.Error().
			Err(err).
			Str("code", code).
			Str("path", r.URL.Path).
			Str("request_id", requestID(r)).
			Msg("request failed")
	}
	respondJSON(w, status, errorResponse{Error: APIError{Code: code, Message: message}})
}

func respondUnauthorized(w http.ResponseWriter, r *http.Request) {
	respondError(w, r, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid credentials", nil)
}

func respondInternal(w http.ResponseWriter, r *http.Request, err error) {
	respondError(w, r, http.StatusInternalServerError, CodeInternal, "internal server error", err)
}
