package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"

	"github.com/aradsms/messaging_dispatcher/internal/delivery_retrieval_service/domain"
	"github.com/aradsms/messaging_dispatcher/internal/platform/messagebroker"
)

var backendNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var errNoEvents = errors.New("no events in callback")

// CallbackHandler forwards provider webhooks to the delivery service without interpreting them.
type CallbackHandler struct {
	publisher messagebroker.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewCallbackHandler creates a new CallbackHandler.
func NewCallbackHandler(publisher messagebroker.Publisher, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		publisher: publisher,
		logger:    logger.With("handler", "callback"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes registers callback routes with the given router.
func (h *CallbackHandler) RegisterRoutes(r chi.Router) {
	r.Head("/callbacks/{backend}", h.handleURLCheck)
	r.Post("/callbacks/{backend}", h.handleCallback)
}

// handleURLCheck answers the HEAD request Mandrill sends when a webhook URL is registered.
func (h *CallbackHandler) handleURLCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *CallbackHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	backend := chi.URLParam(r, "backend")
	if !backendNamePattern.MatchString(backend) {
		logger.WarnContext(ctx, "Invalid backend name in callback URL", "backend", backend)
		http.Error(w, "Invalid backend name", http.StatusBadRequest)
		return
	}
	logger = logger.With("backend", backend)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBodyBytes))
	if err != nil {
		logger.WarnContext(ctx, "Failed to read callback body", "error", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	events, err := callbackEvents(r.Header.Get("Content-Type"), body)
	if err != nil {
		logger.WarnContext(ctx, "Malformed callback", "error", err)
		http.Error(w, "Malformed callback: "+err.Error(), http.StatusBadRequest)
		return
	}

	// Mandrill checks a new webhook URL with an empty batch.
	if len(events) == 0 {
		logger.InfoContext(ctx, "Empty callback batch acknowledged")
		writeAccepted(w, 0)
		return
	}

	payload, err := json.Marshal(domain.CallbackBatch{Backend: backend, Events: events, ReceivedAt: h.now()})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to marshal callback batch", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	subject := domain.CallbackSubject(backend)
	if err := h.publisher.Publish(ctx, subject, payload); err != nil {
		logger.ErrorContext(ctx, "Failed to publish callback to NATS", "error", err, "subject", subject)
		http.Error(w, "Failed to queue callback for processing", http.StatusServiceUnavailable)
		return
	}
	logger.InfoContext(ctx, "Callback forwarded", "subject", subject, "events", len(events))

	writeAccepted(w, len(events))
}

func writeAccepted(w http.ResponseWriter, events int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(CallbackAcceptedResponse{Status: "accepted", Events: events})
}

// callbackEvents extracts the raw events of a webhook body. Form posts carry a JSON array in
// the mandrill_events field; JSON bodies are either an array of events or a single event.
func callbackEvents(contentType string, body []byte) ([]json.RawMessage, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parsing form: %w", err)
		}
		body = []byte(form.Get(MandrillEventsField))
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errNoEvents
	}
	if trimmed[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("decoding event list: %w", err)
		}
		return events, nil
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("body is not JSON")
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, nil
}
