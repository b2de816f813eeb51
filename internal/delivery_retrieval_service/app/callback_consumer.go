package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aradsms/messaging_dispatcher/internal/delivery_retrieval_service/domain"
	"github.com/aradsms/messaging_dispatcher/internal/platform/messagebroker"
)

// CallbackHandler processes one batch of provider callback events.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, batch domain.CallbackBatch) (int, error)
}

// CallbackConsumer consumes provider callback batches from NATS.
type CallbackConsumer struct {
	subscriber messagebroker.QueueSubscriber
	handler    CallbackHandler
	timeout    time.Duration
	logger     *slog.Logger
}

// NewCallbackConsumer creates a new CallbackConsumer.
func NewCallbackConsumer(subscriber messagebroker.QueueSubscriber, handler CallbackHandler, timeout time.Duration, logger *slog.Logger) *CallbackConsumer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CallbackConsumer{
		subscriber: subscriber,
		handler:    handler,
		timeout:    timeout,
		logger:     logger.With("component", "callback_consumer"),
	}
}

// StartConsuming subscribes to the given NATS subject for callback batches.
// This method is blocking and designed to be run in a goroutine.
// It respects context cancellation for graceful shutdown.
func (c *CallbackConsumer) StartConsuming(ctx context.Context, subject, queueGroup string) error {
	c.logger.InfoContext(ctx, "Starting NATS callback subscription", "subject", subject, "queue_group", queueGroup)
	err := c.subscriber.SubscribeToSubjectWithQueue(ctx, subject, queueGroup, func(msg *nats.Msg) {
		natsMessagesReceivedCounter.WithLabelValues(subject).Inc()
		c.handle(ctx, msg)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "NATS callback subscription failed", "error", err, "subject", subject)
		return err
	}
	c.logger.InfoContext(ctx, "NATS callback subscription ended", "subject", subject)
	return nil
}

func (c *CallbackConsumer) handle(ctx context.Context, msg *nats.Msg) {
	c.logger.DebugContext(ctx, "Received NATS callback message", "subject", msg.Subject, "data_len", len(msg.Data))

	backendName := backendFromSubject(msg.Subject)
	if backendName == "" {
		c.logger.ErrorContext(ctx, "Could not determine backend from callback subject", "subject", msg.Subject)
		return
	}

	var batch domain.CallbackBatch
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		c.logger.ErrorContext(ctx, "Failed to deserialize callback batch", "error", err, "subject", msg.Subject)
		return
	}
	if batch.Backend != "" && batch.Backend != backendName {
		c.logger.WarnContext(ctx, "Callback batch backend differs from subject, using subject",
			"subject", msg.Subject, "batch_backend", batch.Backend)
	}
	batch.Backend = backendName

	handleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	if _, err := c.handler.HandleCallback(handleCtx, batch); err != nil {
		c.logger.ErrorContext(ctx, "Failed to handle callback batch", "error", err, "backend", backendName, "events", len(batch.Events))
	}
}

// backendFromSubject extracts <backend> from dispatch.callback.<backend>.
func backendFromSubject(subject string) string {
	name, ok := strings.CutPrefix(subject, domain.CallbackSubjectPrefix+".")
	if !ok || name == "" || name == "*" || name == ">" || strings.Contains(name, ".") {
		return ""
	}
	return name
}
