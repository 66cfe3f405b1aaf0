package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"stockflow/internal/orders"
	"stockflow/internal/outbox"
	"stockflow/internal/saga"
	"stockflow/internal/worker"
)

const defaultDeadLetterLimit = 100

// OrderService is the order surface the handler needs.
type OrderService interface {
	Create(ctx context.Context, req orders.CreateRequest) (orders.Order, error)
	Get(ctx context.Context, id string) (orders.Order, error)
	Cancel(ctx context.Context, id, reason string) error
}

// SagaReader returns the saga read model for an order.
type SagaReader interface {
	Describe(ctx context.Context, correlationID string) (saga.View, error)
}

// OutboxDrainer runs the outbox poller on demand.
type OutboxDrainer interface {
	RunOnce(ctx context.Context) (worker.Report, error)
	DeadLetters(ctx context.Context, limit int) ([]outbox.Event, error)
}

// Handler serves the order and outbox HTTP API.
type Handler struct {
	orders OrderService
	sagas  SagaReader
	outbox OutboxDrainer
	logger *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(orderSvc OrderService, sagas SagaReader, drainer OutboxDrainer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orders: orderSvc, sagas: sagas, outbox: drainer, logger: logger}
}

// OrderResponse is an order together with its saga, when one exists.
type OrderResponse struct {
	orders.Order
	Saga *saga.View `json:"saga"`
}

// CancelRequest is the optional body of a cancel call.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// CreateOrder validates and stores a pending order; its saga starts once the
// outbox is drained.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	order, err := h.orders.Create(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, OrderResponse{Order: order})
}

// GetOrder returns the order and its saga progress.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, err := h.orders.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := OrderResponse{Order: order}
	view, err := h.sagas.Describe(r.Context(), id)
	switch {
	case err == nil:
		resp.Saga = &view
	case errors.Is(err, saga.ErrSagaNotFound):
	default:
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelOrder stages a cancellation for the order's saga.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := h.orders.Cancel(r.Context(), id, req.Reason); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": id, "status": "cancellation_requested"})
}

// DrainOutbox processes one outbox batch.
func (h *Handler) DrainOutbox(w http.ResponseWriter, r *http.Request) {
	report, err := h.outbox.RunOnce(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// DeadLetters lists events that exhausted their retries.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := h.outbox.DeadLetters(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if events == nil {
		events = []outbox.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, orders.ErrInvalidOrder):
		return http.StatusBadRequest, "invalid_order"
	case errors.Is(err, orders.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found"
	case errors.Is(err, saga.ErrSagaNotFound):
		return http.StatusNotFound, "saga_not_found"
	case errors.Is(err, orders.ErrDuplicateOrder):
		return http.StatusConflict, "duplicate_order"
	case errors.Is(err, orders.ErrNotCancellable):
		return http.StatusConflict, "not_cancellable"
	case errors.Is(err, saga.ErrSagaBusy):
		return http.StatusConflict, "saga_busy"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
