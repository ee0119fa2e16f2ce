// Package httpx holds the JSON request/response conventions shared by the
// trust service's admin surface. Every response body carries a request_id so
// server log lines and client-side reports can be joined.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// maxBodyBytes caps admin request bodies; nothing on this surface is large.
const maxBodyBytes = 1 << 20

// NewRequestID mints a trust-layer request identifier.
func NewRequestID() string { return "trq_" + uuid.NewString() }

// ErrorDetail is the machine-readable block nested in every error response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorResponse struct {
	RequestID string      `json:"request_id"`
	Error     ErrorDetail `json:"error"`
}

// WriteJSON writes v as-is. Handlers that want the request_id envelope use
// Reply instead.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Reply writes a success envelope: the given fields plus a fresh request_id.
func Reply(w http.ResponseWriter, status int, fields map[string]any) {
	body := map[string]any{"request_id": NewRequestID()}
	for k, v := range fields {
		body[k] = v
	}
	WriteJSON(w, status, body)
}

// ReadJSON decodes the request body into dst, rejecting unknown fields and
// bodies over maxBodyBytes.
func ReadJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	WriteJSON(w, status, errorResponse{
		RequestID: NewRequestID(),
		Error:     ErrorDetail{Code: code, Message: message, Details: details},
	})
}
