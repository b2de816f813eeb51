package http

import (
	"time"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/app"
)

// SendMessageRequest is the body of POST /messages and POST /messages/queue.
type SendMessageRequest struct {
	Channel        string                      `json:"channel" validate:"required,oneof=sms email"`
	Recipient      string                      `json:"recipient" validate:"required,max=254"`
	Content        string                      `json:"content,omitempty"`
	Subject        string                      `json:"subject,omitempty" validate:"max=998"`
	Sender         *string                     `json:"sender,omitempty"`
	IsVoiceMessage *bool                       `json:"is_voice_message,omitempty"`
	Template       *TemplateKeyRequest         `json:"template,omitempty"`
	TemplateData   map[string]string           `json:"template_data,omitempty"`
	Tag            string                      `json:"tag,omitempty" validate:"max=64"`
	RelatedObjects []core_domain.RelatedObject `json:"related_objects,omitempty" validate:"dive"`
}

// TemplateKeyRequest names a template variant.
type TemplateKeyRequest struct {
	Slug    string `json:"slug" validate:"required"`
	Locale  string `json:"locale,omitempty"`
	Variant string `json:"variant,omitempty"`
}

func (r SendMessageRequest) toCreateRequest() app.CreateMessageRequest {
	req := app.CreateMessageRequest{
		Channel:        core_domain.Channel(r.Channel),
		Recipient:      r.Recipient,
		Content:        r.Content,
		Subject:        r.Subject,
		Sender:         r.Sender,
		IsVoiceMessage: r.IsVoiceMessage,
		TemplateData:   r.TemplateData,
		Tag:            r.Tag,
		RelatedObjects: r.RelatedObjects,
	}
	if r.Template != nil {
		req.Template = &core_domain.TemplateKey{Slug: r.Template.Slug, Locale: r.Template.Locale, Variant: r.Template.Variant}
	}
	return req
}

// MessageResponse is the public view of a stored message.
type MessageResponse struct {
	ID                int64                      `json:"id"`
	Kind              core_domain.MessageKind    `json:"kind"`
	Recipient         string                     `json:"recipient"`
	Sender            string                     `json:"sender,omitempty"`
	Subject           string                     `json:"subject,omitempty"`
	Tag               string                     `json:"tag,omitempty"`
	State             core_domain.MessageState   `json:"state"`
	DeliveryStatus    core_domain.DeliveryStatus `json:"delivery_status,omitempty"`
	ProviderStatus    string                     `json:"provider_status,omitempty"`
	BackendName       string                     `json:"backend_name"`
	ProviderMessageID *string                    `json:"provider_message_id,omitempty"`
	Error             *string                    `json:"error,omitempty"`
	Failed            bool                       `json:"failed"`
	SentAt            *time.Time                 `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time                 `json:"delivered_at,omitempty"`
	RetryOf           *int64                     `json:"retry_of,omitempty"`
	CreatedAt         time.Time                  `json:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

func toMessageResponse(m *core_domain.Message) MessageResponse {
	return MessageResponse{
		ID:                m.ID,
		Kind:              m.Kind,
		Recipient:         m.Recipient,
		Sender:            m.Sender,
		Subject:           m.Subject,
		Tag:               m.Tag,
		State:             m.State,
		DeliveryStatus:    m.DeliveryStatus,
		ProviderStatus:    m.ProviderStatus,
		BackendName:       m.BackendName,
		ProviderMessageID: m.ProviderMessageID,
		Error:             m.Error,
		Failed:            m.Failed(),
		SentAt:            m.SentAt,
		DeliveredAt:       m.DeliveredAt,
		RetryOf:           m.RetryOf,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

// QueuedResponse acknowledges a request accepted for asynchronous processing.
type QueuedResponse struct {
	Status  string `json:"status"`
	Subject string `json:"subject,omitempty"`
}

// GenericErrorResponse for API errors
type GenericErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}
