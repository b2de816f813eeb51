package domain

import (
	"time"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
)

// DeliveryResolvedSubject is where resolved deliveries are announced.
const DeliveryResolvedSubject = "dispatch.delivery.resolved"

// DeliveryResolvedEvent is published once per message when its delivery status becomes final.
type DeliveryResolvedEvent struct {
	MessageID          int64                      `json:"message_id"`
	BackendName        string                     `json:"backend_name"`
	ProviderMessageID  string                     `json:"provider_message_id"`
	Status             core_domain.DeliveryStatus `json:"status"`
	ProviderStatus     string                     `json:"provider_status,omitempty"`
	ReportedAt         time.Time                  `json:"reported_at"`
	ProcessedTimestamp time.Time                  `json:"processed_timestamp"`
}
