package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/app"
	"github.com/aradsms/messaging_dispatcher/internal/platform/messagebroker"
	"github.com/aradsms/messaging_dispatcher/internal/public_api_service/middleware"
)

// RetryScope is the token scope needed to retry messages.
const RetryScope = "messages:retry"

// MessageService is the part of the dispatch controller exposed over HTTP.
type MessageService interface {
	CreateMessage(ctx context.Context, req app.CreateMessageRequest) (*core_domain.Message, error)
	Get(ctx context.Context, id int64) (*core_domain.Message, error)
	Retry(ctx context.Context, id int64) (*core_domain.Message, error)
}

type MessageHandler struct {
	service    MessageService
	publisher  messagebroker.Publisher
	jobSubject string
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewMessageHandler creates a new MessageHandler. publisher may be nil, which disables
// POST /messages/queue.
func NewMessageHandler(
	service MessageService,
	publisher messagebroker.Publisher,
	jobSubject string,
	validate *validator.Validate,
	logger *slog.Logger,
) *MessageHandler {
	return &MessageHandler{
		service:    service,
		publisher:  publisher,
		jobSubject: jobSubject,
		validate:   validate,
		logger:     logger.With("handler", "message"),
	}
}

// RegisterRoutes registers message routes with the given router.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleCreateMessage)
	r.Post("/messages/queue", h.handleQueueMessage)
	r.Get("/messages/{messageID}", h.handleGetMessage)
	r.With(middleware.RequireScope(RetryScope, h.logger)).Post("/messages/{messageID}/retry", h.handleRetryMessage)
}

func (h *MessageHandler) requestLogger(r *http.Request) *slog.Logger {
	logger := h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
	if client, ok := middleware.ClientFromContext(r.Context()); ok {
		logger = logger.With("client_id", client.ID)
	}
	return logger
}

func (h *MessageHandler) decodeSendRequest(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (SendMessageRequest, bool) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.WarnContext(r.Context(), "Failed to decode send message request", "error", err)
		h.jsonError(w, r, logger, GenericErrorResponse{Error: "Invalid request payload", Details: err.Error()}, http.StatusBadRequest)
		return req, false
	}
	if err := h.validate.StructCtx(r.Context(), req); err != nil {
		resp := GenericErrorResponse{Error: "Validation failed", Details: err.Error()}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			resp.Field = verrs[0].Field()
		}
		h.jsonError(w, r, logger, resp, http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (h *MessageHandler) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	req, ok := h.decodeSendRequest(w, r, logger)
	if !ok {
		return
	}

	msg, err := h.service.CreateMessage(ctx, req.toCreateRequest())
	if err != nil {
		h.serviceError(w, r, logger, err)
		return
	}
	logger.InfoContext(ctx, "Message created", "message_id", msg.ID, "state", msg.State, "backend", msg.BackendName)
	h.jsonResponse(w, http.StatusCreated, toMessageResponse(msg))
}

// handleQueueMessage hands the request to the dispatch workers and returns immediately.
func (h *MessageHandler) handleQueueMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	if h.publisher == nil {
		h.jsonError(w, r, logger, GenericErrorResponse{Error: "Queueing is not enabled"}, http.StatusNotImplemented)
		return
	}
	req, ok := h.decodeSendRequest(w, r, logger)
	if !ok {
		return
	}

	payload, err := json.Marshal(req.toCreateRequest())
	if err != nil {
		logger.ErrorContext(ctx, "Failed to marshal send job", "error", err)
		h.jsonError(w, r, logger, GenericErrorResponse{Error: "Failed to prepare message for sending queue"}, http.StatusInternalServerError)
		return
	}
	if err := h.publisher.Publish(ctx, h.jobSubject, payload); err != nil {
		logger.ErrorContext(ctx, "Failed to publish send job to NATS", "error", err, "subject", h.jobSubject)
		h.jsonError(w, r, logger, GenericErrorResponse{Error: "Failed to send message to processing queue"}, http.StatusServiceUnavailable)
		return
	}
	logger.InfoContext(ctx, "Send job published to NATS", "subject", h.jobSubject, "channel", req.Channel)
	h.jsonResponse(w, http.StatusAccepted, QueuedResponse{Status: "queued", Subject: h.jobSubject})
}

func (h *MessageHandler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	id, ok := h.messageID(w, r, logger)
	if !ok {
		return
	}
	msg, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.serviceError(w, r, logger, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, toMessageResponse(msg))
}

func (h *MessageHandler) handleRetryMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)
	id, ok := h.messageID(w, r, logger)
	if !ok {
		return
	}
	msg, err := h.service.Retry(ctx, id)
	if err != nil {
		h.serviceError(w, r, logger, err)
		return
	}
	logger.InfoContext(ctx, "Message retried", "message_id", id, "retry_message_id", msg.ID, "state", msg.State)
	h.jsonResponse(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *MessageHandler) messageID(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (int64, bool) {
	raw := chi.URLParam(r, "messageID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.jsonError(w, r, logger, GenericErrorResponse{Error: "Invalid message ID format"}, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *MessageHandler) serviceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var verr *core_domain.ValidationError
	switch {
	case errors.As(err, &verr):
		h.jsonError(w, r, logger, GenericErrorResponse{Error: "Validation failed", Field: verr.Field, Details: verr.Reason}, http.StatusBadRequest)
	case errors.Is(err, core_domain.ErrTemplateNotFound):
		h.jsonError(w, r, logger, GenericErrorResponse{Error: "Template not found"}, http.StatusUnprocessableEntity)
	case errors.Is(err, core_domain.ErrNoBackend):
		h.jsonError(w, r, logger, GenericErrorResponse{Error: "No backend configured for message"}, http.StatusUnprocessableEntity)
	case errors.Is(err, core_domain.ErrMessageNotFound):
		h.jsonError(w, r, logger, GenericErrorResponse{Error: "Message not found"}, http.StatusNotFound)
	case errors.Is(err, app.ErrNotRetryable):
		h.jsonError(w, r, logger, GenericErrorResponse{Error: "Message cannot be retried", Details: err.Error()}, http.StatusConflict)
	default:
		logger.ErrorContext(r.Context(), "Message request failed", "error", err)
		h.jsonError(w, r, logger, GenericErrorResponse{Error: "Internal server error"}, http.StatusInternalServerError)
	}
}

func (h *MessageHandler) jsonResponse(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *MessageHandler) jsonError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, resp GenericErrorResponse, statusCode int) {
	logger.WarnContext(r.Context(), "API Error Response", "status_code", statusCode, "message", resp.Error)
	h.jsonResponse(w, statusCode, resp)
}
