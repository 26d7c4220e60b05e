package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/utafrali/BackplaneGo/pkg/errors"
	"github.com/utafrali/BackplaneGo/pkg/httputil"
	"github.com/utafrali/BackplaneGo/pkg/outbox"
)

// DeadLetterStore is the slice of the outbox store the admin API needs.
type DeadLetterStore interface {
	DeadLetters(ctx context.Context, limit int, eventType string) ([]*outbox.DeadLetterEvent, error)
	RetryDeadLetter(ctx context.Context, dlqID string) (bool, error)
	Stats(ctx context.Context) (*outbox.Stats, error)
}

// AdminHandler serves the dead-letter inspection and outbox stats endpoints.
type AdminHandler struct {
	store  DeadLetterStore
	logger *slog.Logger
}

// NewAdminHandler creates the admin surface over the outbox store.
func NewAdminHandler(store DeadLetterStore, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{store: store, logger: logger}
}

// Routes registers the admin endpoints on a router.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/dead-letters", h.ListDeadLetters)
	r.Post("/dead-letters/{id}/retry", h.RetryDeadLetter)
	r.Get("/outbox/stats", h.OutboxStats)
}

type deadLetterView struct {
	ID              string          `json:"id"`
	OriginalEventID string          `json:"original_event_id"`
	EventType       string          `json:"event_type"`
	EventData       json.RawMessage `json:"event_data"`
	FailureReason   string          `json:"failure_reason"`
	FailedAt        time.Time       `json:"failed_at"`
	AttemptsMade    int             `json:"attempts_made"`
	CanRetry        bool            `json:"can_retry"`
}

func newDeadLetterView(d *outbox.DeadLetterEvent) deadLetterView {
	return deadLetterView{
		ID:              d.ID,
		OriginalEventID: d.OriginalEventID,
		EventType:       d.EventType,
		EventData:       json.RawMessage(d.EventData),
		FailureReason:   d.FailureReason,
		FailedAt:        d.FailedAt,
		AttemptsMade:    d.AttemptsMade,
		CanRetry:        d.CanRetry,
	}
}

// ListDeadLetters handles GET /dead-letters, newest first. Query parameters:
// limit (default 50, capped at 500) and event_type.
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.WriteError(w, r, apperrors.InvalidInput("limit must be a positive integer"), h.logger)
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	letters, err := h.store.DeadLetters(r.Context(), limit, r.URL.Query().Get("event_type"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	views := make([]deadLetterView, 0, len(letters))
	for _, d := range letters {
		views = append(views, newDeadLetterView(d))
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: views})
}

// RetryDeadLetter handles POST /dead-letters/{id}/retry. The row returns to
// the outbox as PENDING with a fresh attempt budget; the pump picks it up on
// its next poll.
func (h *AdminHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	requeued, err := h.store.RetryDeadLetter(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if !requeued {
		httputil.WriteError(w, r, apperrors.NotFound("dead letter", id), h.logger)
		return
	}

	h.logger.Info("dead letter requeued", slog.String("dlq_id", id))
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: map[string]any{"id": id, "requeued": true},
	})
}

// OutboxStats handles GET /outbox/stats with row counts per status.
func (h *AdminHandler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: stats})
}
