package core_domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Channel is the backend type a message travels through. Voice messages use SMS backends.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// MessageKind is fixed when a message is created.
type MessageKind string

const (
	KindSMS   MessageKind = "sms"
	KindVoice MessageKind = "voice"
	KindEmail MessageKind = "email"
)

// Channel returns the backend channel serving this kind.
func (k MessageKind) Channel() Channel {
	if k == KindEmail {
		return ChannelEmail
	}
	return ChannelSMS
}

// MessageState is the send-side lifecycle of a message.
type MessageState string

const (
	StateWaiting    MessageState = "waiting"
	StateSending    MessageState = "sending"
	StateSent       MessageState = "sent"
	StateError      MessageState = "error"
	StateErrorRetry MessageState = "error_retry"
)

// Value implements the driver.Valuer interface for MessageState.
func (s MessageState) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements the sql.Scanner interface for MessageState.
func (s *MessageState) Scan(value interface{}) error {
	var strVal string
	switch v := value.(type) {
	case string:
		strVal = v
	case []byte:
		strVal = string(v)
	default:
		return fmt.Errorf("failed to scan MessageState: value is not string or []byte, it is %T", value)
	}
	switch MessageState(strVal) {
	case StateWaiting, StateSending, StateSent, StateError, StateErrorRetry:
		*s = MessageState(strVal)
		return nil
	default:
		return fmt.Errorf("unknown MessageState value: %s", strVal)
	}
}

// DeliveryStatus is the delivery axis, resolved at most once by the reconciler.
// The zero value means the delivery outcome is not known yet.
type DeliveryStatus string

const (
	DeliveryUnresolved   DeliveryStatus = ""
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryNotDelivered DeliveryStatus = "not_delivered"
)

// Final reports whether the status resolves the delivery axis.
func (s DeliveryStatus) Final() bool {
	return s == DeliveryDelivered || s == DeliveryNotDelivered
}

// RelatedObject points at an application object the message was sent about.
type RelatedObject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Message is one send attempt to one recipient.
type Message struct {
	ID                int64           `json:"id"`
	Kind              MessageKind     `json:"kind"`
	Recipient         string          `json:"recipient"`
	Sender            string          `json:"sender,omitempty"`
	Subject           string          `json:"subject,omitempty"`
	Content           string          `json:"content"`
	Tag               string          `json:"tag,omitempty"`
	TemplateSlug      string          `json:"template_slug,omitempty"`
	RelatedObjects    []RelatedObject `json:"related_objects,omitempty"`
	State             MessageState    `json:"state"`
	DeliveryStatus    DeliveryStatus  `json:"delivery_status,omitempty"`
	ProviderStatus    string          `json:"provider_status,omitempty"`
	BackendName       string          `json:"backend_name"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	SentAt            *time.Time      `json:"sent_at,omitempty"`
	Error             *string         `json:"error,omitempty"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty"`
	RetryOf           *int64          `json:"retry_of,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsVoiceMessage is derived from the kind and never changes.
func (m *Message) IsVoiceMessage() bool {
	return m.Kind == KindVoice
}

// Failed reports whether the last send attempt ended in an error.
func (m *Message) Failed() bool {
	return m.State == StateError || m.State == StateErrorRetry
}

// TemplateKey identifies a template variant.
type TemplateKey struct {
	Slug    string `json:"slug"`
	Locale  string `json:"locale"`
	Variant string `json:"variant"`
}

// Template supplies defaults and the body for message creation. Read-only to the dispatcher.
type Template struct {
	Key            TemplateKey
	Sender         string
	Subject        string
	Body           string
	IsVoiceMessage bool
}

// DeliveryReport is an authoritative delivery status for one message, as obtained from a
// provider response, poll or callback.
type DeliveryReport struct {
	MessageID         int64
	ProviderMessageID string
	Status            DeliveryStatus
	ProviderStatus    string
	ReportedAt        time.Time
}
