package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forexcopilot/internal/domain"
)

func TestNormalizeData(t *testing.T) {
	assert.Nil(t, normalizeData(nil))

	obj := map[string]any{"a": 1}
	assert.Equal(t, obj, normalizeData(obj))

	list := []any{"x", "y"}
	assert.Equal(t, map[string]any{"items": list}, normalizeData(list))

	assert.Equal(t, map[string]any{"value": 42}, normalizeData(42))
	assert.Equal(t, map[string]any{"value": "ok"}, normalizeData("ok"))
}

func TestAsEnvelopeRecognizesShape(t *testing.T) {
	env, ok := asEnvelope(map[string]any{
		"status":  "success",
		"message": "OK",
		"data":    map[string]any{"k": "v"},
	})
	require.True(t, ok)
	assert.Equal(t, "success", env.Status)
	assert.Empty(t, env.RequestID)

	_, ok = asEnvelope(map[string]any{"status": "success", "data": nil})
	assert.False(t, ok)

	_, ok = asEnvelope(map[string]any{"status": "success", "message": "OK"})
	assert.False(t, ok, "missing data key")
}

func TestStatusForMapping(t *testing.T) {
	cases := map[error]int{
		domain.ErrInvalidArgument: http.StatusBadRequest,
		domain.ErrUnauthorized:    http.StatusUnauthorized,
		domain.ErrForbidden:       http.StatusForbidden,
		domain.ErrNotFound:        http.StatusNotFound,
		domain.ErrUnavailablePair: http.StatusNotFound,
		domain.ErrRateLimited:     http.StatusTooManyRequests,
		domain.ErrQueueFull:       http.StatusServiceUnavailable,
		domain.ErrInternal:        http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/x", nil)
	writeError(rec, req, domain.ErrNotFound, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "Not found", env.Message)
	assert.Nil(t, env.Data)
}
