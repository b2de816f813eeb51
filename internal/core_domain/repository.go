package core_domain

import (
	"context"
	"time"
)

// MessageStateStore persists lifecycle transitions. Every method is a conditional update, so
// applying the same transition twice is a no-op; the bool result reports whether a row changed.
type MessageStateStore interface {
	// Claim moves a message from waiting to sending. Only one caller can win the claim.
	Claim(ctx context.Context, id int64) (bool, error)
	MarkSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) (bool, error)
	MarkError(ctx context.Context, id int64, cause string) (bool, error)
	ApplyDeliveryStatus(ctx context.Context, report DeliveryReport) (bool, error)
	// RecordProviderStatus keeps the raw status of a report that does not resolve delivery.
	RecordProviderStatus(ctx context.Context, id int64, providerStatus string) error
}

// MessageRepository is the full storage contract for messages.
type MessageRepository interface {
	MessageStateStore
	Create(ctx context.Context, msg *Message) (*Message, error)
	GetByID(ctx context.Context, id int64) (*Message, error)
	GetByProviderMessageID(ctx context.Context, backendName, providerMessageID string) (*Message, error)
	// CreateRetry moves the sent or failed message attempt.RetryOf to error_retry and stores
	// attempt atomically. The bool is false, and nothing is stored, when the original cannot be retried.
	CreateRetry(ctx context.Context, attempt *Message) (*Message, bool, error)
	ListWaiting(ctx context.Context, olderThan time.Time, limit int) ([]*Message, error)
	ListAwaitingDelivery(ctx context.Context, sentAfter time.Time, limit int) ([]*Message, error)
}

// TemplateRepository resolves templates by key.
type TemplateRepository interface {
	GetByKey(ctx context.Context, key TemplateKey) (*Template, error)
}
