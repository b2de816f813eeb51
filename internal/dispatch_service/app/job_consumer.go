package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
	"github.com/aradsms/messaging_dispatcher/internal/platform/messagebroker"
)

// MessageCreator accepts send requests.
type MessageCreator interface {
	CreateMessage(ctx context.Context, req CreateMessageRequest) (*core_domain.Message, error)
}

// JobConsumer turns NATS send jobs into messages.
type JobConsumer struct {
	subscriber messagebroker.QueueSubscriber
	creator    MessageCreator
	jobTimeout time.Duration
	logger     *slog.Logger
}

// NewJobConsumer creates a new JobConsumer. A zero jobTimeout means 60 seconds.
func NewJobConsumer(subscriber messagebroker.QueueSubscriber, creator MessageCreator, jobTimeout time.Duration, logger *slog.Logger) *JobConsumer {
	if jobTimeout <= 0 {
		jobTimeout = 60 * time.Second
	}
	return &JobConsumer{
		subscriber: subscriber,
		creator:    creator,
		jobTimeout: jobTimeout,
		logger:     logger.With("component", "job_consumer"),
	}
}

// StartConsuming subscribes to the job subject and blocks until ctx is cancelled.
func (c *JobConsumer) StartConsuming(ctx context.Context, subject, queueGroup string) error {
	c.logger.InfoContext(ctx, "Starting NATS job consumer", "subject", subject, "queue_group", queueGroup)
	return c.subscriber.SubscribeToSubjectWithQueue(ctx, subject, queueGroup, func(msg *nats.Msg) {
		c.handle(ctx, msg)
	})
}

func (c *JobConsumer) handle(ctx context.Context, msg *nats.Msg) {
	natsJobsReceivedCounter.WithLabelValues(msg.Subject).Inc()
	c.logger.InfoContext(ctx, "Received NATS job", "subject", msg.Subject, "data_len", len(msg.Data))

	var req CreateMessageRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		jobsProcessedCounter.WithLabelValues("error_decode").Inc()
		c.logger.ErrorContext(ctx, "Failed to unmarshal NATS job payload", "error", err, "data", string(msg.Data))
		return
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.jobTimeout)
	defer cancel()

	created, err := c.creator.CreateMessage(jobCtx, req)
	if err != nil {
		var verr *core_domain.ValidationError
		if errors.As(err, &verr) || errors.Is(err, core_domain.ErrTemplateNotFound) {
			jobsProcessedCounter.WithLabelValues("error_validation").Inc()
		} else {
			jobsProcessedCounter.WithLabelValues("error_internal").Inc()
		}
		c.logger.ErrorContext(ctx, "Failed to process send job", "error", err, "recipient", req.Recipient)
		return
	}
	jobsProcessedCounter.WithLabelValues("success").Inc()
	c.logger.InfoContext(ctx, "Send job processed", "message_id", created.ID, "state", created.State, "backend", created.BackendName)
}
