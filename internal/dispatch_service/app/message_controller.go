package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/content"
	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/provider"
)

// ErrNotRetryable is returned by Retry for messages that are neither sent nor failed.
var ErrNotRetryable = errors.New("message is not in a retryable state")

// BackendSelector chooses a backend name for a message.
type BackendSelector interface {
	SelectBackend(channel core_domain.Channel, recipient string, isVoice bool) (string, error)
}

// BackendProvider hands out backend instances by name.
type BackendProvider interface {
	Get(channel core_domain.Channel, name string) (provider.Backend, error)
}

// CorrelationCache remembers which message a provider id belongs to.
type CorrelationCache interface {
	StoreSent(ctx context.Context, backendName, providerMessageID string, messageID int64) error
}

// CreateMessageRequest is a logical send request.
type CreateMessageRequest struct {
	Channel        core_domain.Channel         `json:"channel"`
	Recipient      string                      `json:"recipient"`
	Content        string                      `json:"content,omitempty"`
	Subject        string                      `json:"subject,omitempty"`
	Sender         *string                     `json:"sender,omitempty"`
	IsVoiceMessage *bool                       `json:"is_voice_message,omitempty"`
	Template       *core_domain.TemplateKey    `json:"template,omitempty"`
	TemplateData   map[string]string           `json:"template_data,omitempty"`
	Tag            string                      `json:"tag,omitempty"`
	RelatedObjects []core_domain.RelatedObject `json:"related_objects,omitempty"`
}

// ControllerSettings holds the message creation options.
type ControllerSettings struct {
	// UseAccent keeps diacritics in SMS content.
	UseAccent bool
	// DefaultSMSSender is used when neither the request nor the template names a sender.
	DefaultSMSSender string
}

// Controller creates messages and drives them through sending.
type Controller struct {
	messages  core_domain.MessageRepository
	templates core_domain.TemplateRepository
	router    BackendSelector
	backends  BackendProvider
	cache     CorrelationCache
	validate  *validator.Validate
	settings  ControllerSettings
	logger    *slog.Logger
}

// NewController creates a new Controller. cache may be nil.
func NewController(
	messages core_domain.MessageRepository,
	templates core_domain.TemplateRepository,
	router BackendSelector,
	backends BackendProvider,
	cache CorrelationCache,
	settings ControllerSettings,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		messages:  messages,
		templates: templates,
		router:    router,
		backends:  backends,
		cache:     cache,
		validate:  validator.New(),
		settings:  settings,
		logger:    logger.With("component", "message_controller"),
	}
}

// CreateMessage renders, validates, routes and stores a message, then sends it. Provider
// failures do not produce an error: the returned message is in the error state instead.
func (c *Controller) CreateMessage(ctx context.Context, req CreateMessageRequest) (*core_domain.Message, error) {
	msg, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}

	backendName, err := c.router.SelectBackend(msg.Kind.Channel(), msg.Recipient, msg.IsVoiceMessage())
	if err != nil {
		return nil, err
	}
	msg.BackendName = backendName

	created, err := c.messages.Create(ctx, msg)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to store message", "error", err, "recipient", msg.Recipient)
		return nil, fmt.Errorf("storing message: %w", err)
	}
	messagesCreatedCounter.WithLabelValues(string(created.Kind), created.BackendName).Inc()
	c.logger.InfoContext(ctx, "Message created", "message_id", created.ID, "kind", created.Kind, "backend", created.BackendName)

	return c.Send(ctx, created)
}

// build turns a request into an unsaved waiting message.
func (c *Controller) build(ctx context.Context, req CreateMessageRequest) (*core_domain.Message, error) {
	body := req.Content
	subject := req.Subject
	sender := ""
	isVoice := false
	templateSlug := ""

	if req.Template != nil {
		tmpl, err := c.templates.GetByKey(ctx, *req.Template)
		if err != nil {
			return nil, err
		}
		templateSlug = tmpl.Key.Slug
		body = tmpl.Body
		sender = tmpl.Sender
		isVoice = tmpl.IsVoiceMessage
		if subject == "" {
			subject = tmpl.Subject
		}
	}
	if req.Sender != nil {
		sender = *req.Sender
	}
	if req.IsVoiceMessage != nil {
		isVoice = *req.IsVoiceMessage
	}
	if len(req.TemplateData) > 0 || req.Template != nil {
		body = content.Render(body, req.TemplateData)
	}

	kind, err := c.kindFor(req.Channel, isVoice)
	if err != nil {
		return nil, err
	}
	recipient := strings.TrimSpace(req.Recipient)
	if err := c.validateRecipient(kind, recipient); err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, &core_domain.ValidationError{Field: "content", Reason: "must not be empty"}
	}

	if kind == core_domain.KindSMS && !c.settings.UseAccent {
		body = content.Fold(body)
	}
	if sender == "" && kind != core_domain.KindEmail {
		sender = c.settings.DefaultSMSSender
	}

	return &core_domain.Message{
		Kind:           kind,
		Recipient:      recipient,
		Sender:         sender,
		Subject:        subject,
		Content:        body,
		Tag:            req.Tag,
		TemplateSlug:   templateSlug,
		RelatedObjects: req.RelatedObjects,
		State:          core_domain.StateWaiting,
	}, nil
}

func (c *Controller) kindFor(channel core_domain.Channel, isVoice bool) (core_domain.MessageKind, error) {
	switch channel {
	case core_domain.ChannelSMS:
		if isVoice {
			return core_domain.KindVoice, nil
		}
		return core_domain.KindSMS, nil
	case core_domain.ChannelEmail:
		if isVoice {
			return "", &core_domain.ValidationError{Field: "is_voice_message", Reason: "email cannot be a voice message"}
		}
		return core_domain.KindEmail, nil
	default:
		return "", &core_domain.ValidationError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", channel)}
	}
}

func (c *Controller) validateRecipient(kind core_domain.MessageKind, recipient string) error {
	tag, reason := "required,e164", "must be an E.164 phone number"
	if kind == core_domain.KindEmail {
		tag, reason = "required,email", "must be an e-mail address"
	}
	if err := c.validate.Var(recipient, tag); err != nil {
		return &core_domain.ValidationError{Field: "recipient", Reason: reason}
	}
	return nil
}

// Send claims a waiting message and publishes it. A message someone else already claimed is
// returned unchanged.
func (c *Controller) Send(ctx context.Context, msg *core_domain.Message) (*core_domain.Message, error) {
	claimed, err := c.messages.Claim(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming message %d: %w", msg.ID, err)
	}
	if !claimed {
		claimConflictsCounter.Inc()
		c.logger.InfoContext(ctx, "Message already claimed, skipping send", "message_id", msg.ID, "state", msg.State)
		return msg, nil
	}
	msg.State = core_domain.StateSending

	backend, err := c.backends.Get(msg.Kind.Channel(), msg.BackendName)
	if err != nil {
		return msg, c.failUnsendable(ctx, msg, err)
	}

	timer := prometheus.NewTimer(sendDurationHist.WithLabelValues(msg.BackendName))
	err = backend.Publish(ctx, msg)
	timer.ObserveDuration()
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to record send outcome", "message_id", msg.ID, "backend", msg.BackendName, "error", err)
		return nil, err
	}
	c.rememberSent(ctx, msg)
	return msg, nil
}

// SendWaiting claims waiting messages created before olderThan and publishes them in
// per-backend batches. It returns how many messages it claimed.
func (c *Controller) SendWaiting(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	waiting, err := c.messages.ListWaiting(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("listing waiting messages: %w", err)
	}

	type batchKey struct {
		channel core_domain.Channel
		backend string
	}
	batches := make(map[batchKey][]*core_domain.Message)
	var order []batchKey
	claimed := 0
	for _, msg := range waiting {
		ok, err := c.messages.Claim(ctx, msg.ID)
		if err != nil {
			c.logger.ErrorContext(ctx, "Failed to claim waiting message", "message_id", msg.ID, "error", err)
			continue
		}
		if !ok {
			claimConflictsCounter.Inc()
			continue
		}
		claimed++
		msg.State = core_domain.StateSending
		key := batchKey{msg.Kind.Channel(), msg.BackendName}
		if _, seen := batches[key]; !seen {
			order = append(order, key)
		}
		batches[key] = append(batches[key], msg)
	}
	sweptMessagesCounter.Add(float64(claimed))

	var errs []error
	for _, key := range order {
		msgs := batches[key]
		backend, err := c.backends.Get(key.channel, key.backend)
		if err != nil {
			for _, msg := range msgs {
				if ferr := c.failUnsendable(ctx, msg, err); ferr != nil {
					errs = append(errs, ferr)
				}
			}
			continue
		}
		if err := backend.PublishBatch(ctx, msgs); err != nil {
			errs = append(errs, err)
		}
		for _, msg := range msgs {
			c.rememberSent(ctx, msg)
		}
	}
	if claimed > 0 {
		c.logger.InfoContext(ctx, "Waiting messages swept", "claimed", claimed, "batches", len(order))
	}
	return claimed, errors.Join(errs...)
}

// Retry marks a sent or failed message for retry and sends a new attempt linked to it. The mark
// and the new attempt are stored together, so a failed retry leaves the original retryable.
func (c *Controller) Retry(ctx context.Context, id int64) (*core_domain.Message, error) {
	orig, err := c.messages.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.State != core_domain.StateSent && orig.State != core_domain.StateError {
		return nil, fmt.Errorf("%w: message %d is %s", ErrNotRetryable, id, orig.State)
	}

	backendName, err := c.router.SelectBackend(orig.Kind.Channel(), orig.Recipient, orig.IsVoiceMessage())
	if err != nil {
		return nil, err
	}
	attempt := &core_domain.Message{
		Kind:           orig.Kind,
		Recipient:      orig.Recipient,
		Sender:         orig.Sender,
		Subject:        orig.Subject,
		Content:        orig.Content,
		Tag:            orig.Tag,
		TemplateSlug:   orig.TemplateSlug,
		RelatedObjects: orig.RelatedObjects,
		State:          core_domain.StateWaiting,
		BackendName:    backendName,
		RetryOf:        &orig.ID,
	}
	created, marked, err := c.messages.CreateRetry(ctx, attempt)
	if err != nil {
		return nil, fmt.Errorf("storing retry of message %d: %w", id, err)
	}
	// Lost the race to another retry or a state change.
	if !marked {
		return nil, fmt.Errorf("%w: message %d is no longer %s", ErrNotRetryable, id, orig.State)
	}
	retriesCounter.WithLabelValues(created.BackendName).Inc()
	c.logger.InfoContext(ctx, "Retrying message", "message_id", id, "retry_message_id", created.ID, "backend", created.BackendName)
	return c.Send(ctx, created)
}

// Get returns a stored message.
func (c *Controller) Get(ctx context.Context, id int64) (*core_domain.Message, error) {
	return c.messages.GetByID(ctx, id)
}

// failUnsendable records an error on a claimed message that cannot reach any backend.
func (c *Controller) failUnsendable(ctx context.Context, msg *core_domain.Message, cause error) error {
	reason := cause.Error()
	c.logger.ErrorContext(ctx, "Backend unavailable for message", "message_id", msg.ID, "backend", msg.BackendName, "error", reason)
	updated, err := c.messages.MarkError(ctx, msg.ID, reason)
	if err != nil {
		return fmt.Errorf("recording error for message %d: %w", msg.ID, err)
	}
	if updated {
		msg.State = core_domain.StateError
		msg.Error = &reason
	}
	return nil
}

func (c *Controller) rememberSent(ctx context.Context, msg *core_domain.Message) {
	if c.cache == nil || msg.State != core_domain.StateSent || msg.ProviderMessageID == nil || *msg.ProviderMessageID == "" {
		return
	}
	if err := c.cache.StoreSent(ctx, msg.BackendName, *msg.ProviderMessageID, msg.ID); err != nil {
		c.logger.WarnContext(ctx, "Failed to cache provider id", "message_id", msg.ID, "provider_message_id", *msg.ProviderMessageID, "error", err)
	}
}
