// Package api carries the HTTP plumbing shared by every handler: the
// single JSON error shape, status-specific writers, and the per-IP
// request limiter that fronts the mux.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// ErrorBody is the one error shape the API speaks. Rate-limited responses
// also carry RetryAfter so clients can back off without parsing headers.
type ErrorBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// WriteJSON writes v with the given status. An encode failure here is
// unrecoverable: the status line is already on the wire.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an error body with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "malformed request"
	}
	WriteError(w, http.StatusBadRequest, msg)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "authentication required"
	}
	WriteError(w, http.StatusUnauthorized, msg)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "permission denied"
	}
	WriteError(w, http.StatusForbidden, msg)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "not found"
	}
	WriteError(w, http.StatusNotFound, msg)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, msg string) {
	WriteError(w, http.StatusConflict, msg)
}

// WriteRateLimited writes a 429 with both the Retry-After header and the
// retryAfter body field.
func WriteRateLimited(w http.ResponseWriter, retryAfterSecs int) {
	if retryAfterSecs < 1 {
		retryAfterSecs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteJSON(w, http.StatusTooManyRequests, ErrorBody{
		Error:      "rate limit exceeded",
		RetryAfter: retryAfterSecs,
	})
}

// WriteServiceUnavailable writes a 503 error response (queue saturation,
// server draining).
func WriteServiceUnavailable(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "service unavailable"
	}
	WriteError(w, http.StatusServiceUnavailable, msg)
}

// WriteInternal writes a 500 error response. The cause is logged but
// never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "internal error")
}
