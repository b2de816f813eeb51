package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
)

// Backend is a transport adapter. Publish and PublishBatch record the outcome of every message
// in the store; they return an error only when recording the outcome itself failed.
type Backend interface {
	Name() string
	Channel() core_domain.Channel
	Publish(ctx context.Context, msg *core_domain.Message) error
	PublishBatch(ctx context.Context, msgs []*core_domain.Message) error
	// UpdateStates asks the provider for the delivery status of already sent messages.
	UpdateStates(ctx context.Context, msgs []*core_domain.Message) ([]core_domain.DeliveryReport, error)
}

// baseBackend carries what every adapter shares: identity, the store and the one place where
// provider failures become message errors.
type baseBackend struct {
	name    string
	channel core_domain.Channel
	store   core_domain.MessageStateStore
	logger  *slog.Logger
	now     func() time.Time
}

func newBaseBackend(name string, channel core_domain.Channel, store core_domain.MessageStateStore, logger *slog.Logger) baseBackend {
	return baseBackend{
		name:    name,
		channel: channel,
		store:   store,
		logger:  logger.With("provider", name),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (b *baseBackend) Name() string { return b.name }

func (b *baseBackend) Channel() core_domain.Channel { return b.channel }

// finish records the outcome of one send attempt. Any sendErr is treated as a transport error
// and stored verbatim on the message.
func (b *baseBackend) finish(ctx context.Context, msg *core_domain.Message, providerMessageID string, sendErr error) error {
	if sendErr != nil {
		var te *core_domain.TransportError
		if !errors.As(sendErr, &te) {
			te = &core_domain.TransportError{Backend: b.name, Err: sendErr}
		}
		cause := te.Error()
		updated, err := b.store.MarkError(ctx, msg.ID, cause)
		if err != nil {
			return fmt.Errorf("recording send error for message %d: %w", msg.ID, err)
		}
		providerSendTotal.WithLabelValues(b.name, "error").Inc()
		b.logger.WarnContext(ctx, "Message send failed", "message_id", msg.ID, "error", cause, "state_updated", updated)
		if updated {
			msg.State = core_domain.StateError
			msg.Error = &cause
		}
		return nil
	}

	sentAt := b.now()
	updated, err := b.store.MarkSent(ctx, msg.ID, providerMessageID, sentAt)
	if err != nil {
		return fmt.Errorf("recording sent state for message %d: %w", msg.ID, err)
	}
	providerSendTotal.WithLabelValues(b.name, "sent").Inc()
	b.logger.InfoContext(ctx, "Message sent", "message_id", msg.ID, "provider_message_id", providerMessageID, "state_updated", updated)
	if updated {
		pid := providerMessageID
		msg.State = core_domain.StateSent
		msg.ProviderMessageID = &pid
		msg.SentAt = &sentAt
	}
	return nil
}

// publishEach is the PublishBatch of adapters without a native batch endpoint.
func publishEach(ctx context.Context, b Backend, msgs []*core_domain.Message) error {
	var errs []error
	for _, msg := range msgs {
		if err := b.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
