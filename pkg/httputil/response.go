package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/logger"
	"github.com/utafrali/BackplaneGo/pkg/validator"
)

// Response is the JSON envelope every endpoint answers with. A reply carries
// either Data or Error, never both.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse carries a machine-readable code plus a human message, and
// field-level detail for validation failures.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes v as JSON with the given status. Encoding failures are
// unrecoverable once the header has gone out, so they are dropped.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorEnvelope(w http.ResponseWriter, status int, code, message, requestID string) {
	WriteJSON(w, status, Response{
		Error: &ErrorResponse{Code: code, Message: message, RequestID: requestID},
	})
}

// classify maps a sentinel error to its response code, message and status.
// Unknown errors are reported as internal without leaking their text.
func classify(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "resource not found"
	case errors.Is(err, apperrors.ErrAlreadyExists):
		return http.StatusConflict, "ALREADY_EXISTS", "resource already exists"
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT", err.Error()
	default:
		return apperrors.HTTPStatus(err), "INTERNAL_ERROR", "an internal error occurred"
	}
}

// WriteError renders err in the standard envelope. AppError values carry
// their own code, message and status; sentinel errors map through classify.
// Internal errors are logged with the request-scoped logger when the
// RequestLogger middleware has been mounted, else with fallback.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	requestID := logger.CorrelationIDFromContext(r.Context())

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		writeErrorEnvelope(w, appErr.Status, appErr.Code, appErr.Message, requestID)
		return
	}

	status, code, message := classify(err)
	if status == http.StatusInternalServerError {
		l := logger.FromContext(r.Context())
		if l == slog.Default() {
			l = fallback
		}
		l.ErrorContext(r.Context(), "internal error",
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	}

	writeErrorEnvelope(w, status, code, message, requestID)
}

// WriteValidationError renders a validator.ValidationError with per-field
// detail; any other error becomes a plain INVALID_INPUT reply.
func WriteValidationError(w http.ResponseWriter, err error) {
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		WriteJSON(w, http.StatusBadRequest, Response{
			Error: &ErrorResponse{
				Code:    "VALIDATION_ERROR",
				Message: "request validation failed",
				Fields:  valErr.Fields(),
			},
		})
		return
	}
	writeErrorEnvelope(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), "")
}

// ParseUUID parses a path or query parameter as a UUID. On failure it writes
// a 400 with code INVALID_PARAMETER and returns false so the handler can
// return early.
func ParseUUID(w http.ResponseWriter, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(param)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "INVALID_PARAMETER", "invalid UUID: "+param, "")
		return uuid.Nil, false
	}
	return id, true
}

// PaginatedResponse is the envelope for paginated list endpoints.
type PaginatedResponse[T any] struct {
	Data       []T  `json:"data"`
	TotalCount int  `json:"total_count"`
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
}

// NewPaginatedResponse builds a PaginatedResponse, deriving TotalPages and
// HasNext. A nil slice serializes as an empty array rather than null.
func NewPaginatedResponse[T any](data []T, totalCount, page, perPage int) PaginatedResponse[T] {
	if data == nil {
		data = []T{}
	}
	totalPages := (totalCount + perPage - 1) / perPage
	return PaginatedResponse[T]{
		Data:       data,
		TotalCount: totalCount,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}
