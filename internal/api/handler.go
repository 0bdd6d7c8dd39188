package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/felipemaragno/boardhooks/internal/domain"
	"github.com/felipemaragno/boardhooks/internal/observability"
	"github.com/felipemaragno/boardhooks/internal/producer"
)

// maxBodyBytes bounds a request to POST /webhooks.
const maxBodyBytes = 1 << 20

// Enqueuer is satisfied by *producer.Producer.
type Enqueuer interface {
	Enqueue(ctx context.Context, params producer.Params) (*domain.Record, error)
}

// Publisher hands a request to the Kafka ingest topic instead of the queue.
type Publisher interface {
	Publish(ctx context.Context, params producer.Params) (string, error)
}

// RecordReader looks up records for inspection.
type RecordReader interface {
	Get(ctx context.Context, id string) (*domain.Record, error)
}

type Handler struct {
	enqueuer  Enqueuer
	records   RecordReader
	publisher Publisher
	logger    *slog.Logger
}

func NewHandler(enqueuer Enqueuer, records RecordReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		enqueuer: enqueuer,
		records:  records,
		logger:   logger,
	}
}

// WithPublisher routes POST /webhooks through Kafka. Validation still runs
// here so bad requests are rejected synchronously.
func (h *Handler) WithPublisher(p Publisher) *Handler {
	h.publisher = p
	return h
}

type CreateWebhookRequest = producer.Params

type CreateWebhookResponse struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	MaxAttempts   int        `json:"max_attempts,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req CreateWebhookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if h.publisher != nil {
		h.publish(w, r, req)
		return
	}

	rec, err := h.enqueuer.Enqueue(r.Context(), req)
	if err != nil {
		h.respondEnqueueError(w, r, err, req.ID)
		return
	}

	h.respondJSON(w, http.StatusAccepted, CreateWebhookResponse{
		ID:            rec.ID,
		Status:        string(rec.Status),
		MaxAttempts:   rec.MaxAttempts,
		NextAttemptAt: &rec.NextAttemptAt,
	})
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request, req CreateWebhookRequest) {
	if err := producer.Validate(req); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.publisher.Publish(r.Context(), req)
	if err != nil {
		h.log(r).Error("failed to publish webhook", "error", err, "event_id", req.ID)
		h.respondError(w, http.StatusServiceUnavailable, "failed to accept webhook")
		return
	}

	h.respondJSON(w, http.StatusAccepted, CreateWebhookResponse{
		ID:     id,
		Status: "accepted",
	})
}

func (h *Handler) respondEnqueueError(w http.ResponseWriter, r *http.Request, err error, id string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		h.respondError(w, http.StatusConflict, "webhook already exists")
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.log(r).Error("queue store unavailable", "error", err, "event_id", id)
		h.respondError(w, http.StatusServiceUnavailable, "queue store unavailable")
	default:
		h.log(r).Error("failed to enqueue webhook", "error", err, "event_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to enqueue webhook")
	}
}

func (h *Handler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "webhook id is required")
		return
	}

	rec, err := h.records.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "webhook not found")
		return
	}
	if errors.Is(err, domain.ErrStoreUnavailable) {
		h.respondError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	if err != nil {
		h.log(r).Error("failed to get webhook", "error", err, "event_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get webhook")
		return
	}

	h.respondJSON(w, http.StatusOK, rec)
}

// log returns the request-scoped logger set by the logging middleware.
func (h *Handler) log(r *http.Request) *slog.Logger {
	return observability.LoggerFromContext(r.Context(), h.logger)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
