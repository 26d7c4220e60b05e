package httputil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/logger"
	"github.com/utafrali/BackplaneGo/pkg/validator"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// decode unmarshals the recorded body into the standard envelope.
func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

// rawBody unmarshals the recorded body into a raw key map to check which
// JSON keys were emitted at all.
func rawBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&raw))
	return raw
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, Response{Data: map[string]string{"key": "value"}})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotNil(t, decode(t, rec).Data)
}

func TestEnvelopeOmitsEmptySides(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusOK, Response{Data: "ok"})
	raw := rawBody(t, rec)
	assert.Contains(t, raw, "data")
	assert.NotContains(t, raw, "error")

	rec = httptest.NewRecorder()
	WriteJSON(rec, http.StatusBadRequest, Response{Error: &ErrorResponse{Code: "ERR", Message: "msg"}})
	raw = rawBody(t, rec)
	assert.Contains(t, raw, "error")
	assert.NotContains(t, raw, "data")
}

func TestWriteErrorSentinels(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", apperrors.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"already exists", apperrors.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
		{"invalid input", apperrors.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
		{"wrapped not found", fmt.Errorf("lookup: %w", apperrors.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"unknown", fmt.Errorf("something unexpected"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/things/1", nil)

			WriteError(rec, req, tt.err, quietLogger())

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decode(t, rec)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestWriteErrorUnknownDoesNotLeak(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/things", nil)

	WriteError(rec, req, fmt.Errorf("pg: password authentication failed"), quietLogger())

	resp := decode(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "an internal error occurred", resp.Error.Message)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestWriteErrorAppError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/things/abc", nil)

	WriteError(rec, req, apperrors.NotFound("route", "abc-123"), quietLogger())

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestWriteErrorCorrelationID(t *testing.T) {
	ctx := logger.WithCorrelationID(context.Background(), "corr-123")
	req := httptest.NewRequest(http.MethodGet, "/things", nil).WithContext(ctx)

	rec := httptest.NewRecorder()
	WriteError(rec, req, apperrors.ErrNotFound, quietLogger())
	assert.Equal(t, "corr-123", decode(t, rec).Error.RequestID)

	rec = httptest.NewRecorder()
	WriteError(rec, req, apperrors.NotFound("route", "x"), quietLogger())
	assert.Equal(t, "corr-123", decode(t, rec).Error.RequestID)

	// Without a correlation id the key is absent entirely.
	rec = httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodGet, "/things", nil), apperrors.ErrNotFound, quietLogger())
	var errObj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rawBody(t, rec)["error"], &errObj))
	assert.NotContains(t, errObj, "request_id")
}

func TestWriteValidationError(t *testing.T) {
	type form struct {
		Name string `json:"name" validate:"required"`
	}
	err := validator.Validate(&form{})
	require.Error(t, err)

	rec := httptest.NewRecorder()
	WriteValidationError(rec, err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	assert.Contains(t, resp.Error.Fields, "name")
}

func TestWriteValidationErrorPlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteValidationError(rec, fmt.Errorf("body is not JSON"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode(t, rec)
	assert.Equal(t, "INVALID_INPUT", resp.Error.Code)
	assert.Equal(t, "body is not JSON", resp.Error.Message)
}

func TestNewPaginatedResponse(t *testing.T) {
	tests := []struct {
		name           string
		total, page    int
		perPage        int
		wantTotalPages int
		wantHasNext    bool
	}{
		{"partial last page", 25, 1, 10, 3, true},
		{"on last page", 21, 3, 10, 3, false},
		{"exact division", 30, 2, 10, 3, true},
		{"empty", 0, 1, 20, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := NewPaginatedResponse([]string{"row"}, tt.total, tt.page, tt.perPage)
			assert.Equal(t, tt.wantTotalPages, resp.TotalPages)
			assert.Equal(t, tt.wantHasNext, resp.HasNext)
		})
	}
}

func TestNewPaginatedResponseNilData(t *testing.T) {
	resp := NewPaginatedResponse[string](nil, 0, 1, 20)
	require.NotNil(t, resp.Data)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"data":[]`, "nil slice must serialize as an empty array")
}

func TestParseUUID(t *testing.T) {
	rec := httptest.NewRecorder()
	id, ok := ParseUUID(rec, "550E8400-E29B-41D4-A716-446655440000")
	require.True(t, ok)
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", id.String())
	assert.Empty(t, rec.Body.String(), "valid input must not write a response")

	for _, bad := range []string{"", "abc123", "not-a-uuid"} {
		rec := httptest.NewRecorder()
		_, ok := ParseUUID(rec, bad)
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_PARAMETER", decode(t, rec).Error.Code)
	}
}
