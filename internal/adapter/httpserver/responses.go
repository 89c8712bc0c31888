// Package httpserver contains the HTTP handlers and middleware chain.
//
// Every JSON response under the API prefix is shaped into the
// {status, message, data, requestId} envelope. Handlers return plain
// payloads; the envelope middleware normalizes them on the way out.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"forexcopilot/internal/domain"
)

// Envelope is the wire shape of every API JSON response.
type Envelope struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	RequestID string `json:"requestId"`
}

// normalizeData shapes an arbitrary payload into an envelope data object.
// Objects pass through, lists become {items}, scalars become {value}.
func normalizeData(v any) any {
	switch v.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case []any:
		return map[string]any{"items": v}
	default:
		return map[string]any{"value": v}
	}
}

// asEnvelope reports whether a decoded JSON object already carries the
// envelope keys.
func asEnvelope(obj map[string]any) (Envelope, bool) {
	status, okS := obj["status"].(string)
	message, okM := obj["message"].(string)
	if !okS || !okM {
		return Envelope{}, false
	}
	if _, ok := obj["data"]; !ok {
		return Envelope{}, false
	}
	env := Envelope{Status: status, Message: message, Data: obj["data"]}
	if rid, ok := obj["requestId"].(string); ok {
		env.RequestID = rid
	}
	return env, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeSuccess emits a success envelope directly, bypassing the wrap
// middleware's re-shaping (it recognizes the envelope and only fills
// the request id).
func writeSuccess(w http.ResponseWriter, r *http.Request, message string, data any) {
	writeJSON(w, http.StatusOK, Envelope{
		Status:    "success",
		Message:   message,
		Data:      normalizeData(data),
		RequestID: RequestIDFrom(r.Context()),
	})
}

// statusFor maps sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnavailablePair):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// messageFor strips wrapping detail down to a stable human message.
func messageFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return "Invalid request"
	case errors.Is(err, domain.ErrUnauthorized):
		return "Authentication required"
	case errors.Is(err, domain.ErrForbidden):
		return "Forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "Not found"
	case errors.Is(err, domain.ErrUnavailablePair):
		return "Unknown currency pair"
	case errors.Is(err, domain.ErrRateLimited):
		return "Too many requests"
	case errors.Is(err, domain.ErrQueueFull):
		return "Task queue is full"
	default:
		return "Internal server error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, detail any) {
	var data any
	if detail != nil {
		data = map[string]any{"detail": detail}
	}
	writeJSON(w, statusFor(err), Envelope{
		Status:    "error",
		Message:   messageFor(err),
		Data:      data,
		RequestID: RequestIDFrom(r.Context()),
	})
}
