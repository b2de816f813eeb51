package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
)

const defaultMandrillURL = "https://mandrillapp.com/api/1.0"

// MandrillConfig configures the Mandrill email backend.
type MandrillConfig struct {
	APIKey    string
	URL       string
	FromEmail string
	FromName  string
	Timeout   time.Duration
}

// CallbackEvent is what a backend understood from one webhook event.
type CallbackEvent struct {
	ProviderMessageID string
	// Report is set when the event itself carries a final status.
	Report *core_domain.DeliveryReport
	// RequirePullInfo asks the reconciler to fetch the status through UpdateStates.
	RequirePullInfo bool
}

// CallbackParser is implemented by backends that receive webhooks.
type CallbackParser interface {
	ParseCallback(event []byte) (CallbackEvent, error)
}

type mandrillRecipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type"`
}

type mandrillMessage struct {
	Text      string              `json:"text"`
	Subject   string              `json:"subject"`
	FromEmail string              `json:"from_email"`
	FromName  string              `json:"from_name,omitempty"`
	To        []mandrillRecipient `json:"to"`
	Tags      []string            `json:"tags,omitempty"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
}

type mandrillSendRequest struct {
	Key     string          `json:"key"`
	Message mandrillMessage `json:"message"`
}

type mandrillSendResult struct {
	Email        string `json:"email"`
	Status       string `json:"status"`
	ID           string `json:"_id"`
	RejectReason string `json:"reject_reason"`
}

type mandrillInfoRequest struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

type mandrillInfoResponse struct {
	ID    string `json:"_id"`
	State string `json:"state"`
}

type mandrillErrorResponse struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

type mandrillWebhookEvent struct {
	Event string `json:"event"`
	ID    string `json:"_id"`
}

// MandrillProvider sends email through the Mandrill API.
type MandrillProvider struct {
	baseBackend
	cfg        MandrillConfig
	httpClient *http.Client
}

func NewMandrillProvider(name string, cfg MandrillConfig, store core_domain.MessageStateStore, logger *slog.Logger, httpClient *http.Client) *MandrillProvider {
	if cfg.URL == "" {
		cfg.URL = defaultMandrillURL
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &MandrillProvider{
		baseBackend: newBaseBackend(name, core_domain.ChannelEmail, store, logger),
		cfg:         cfg,
		httpClient:  httpClient,
	}
}

func (p *MandrillProvider) Publish(ctx context.Context, msg *core_domain.Message) error {
	providerID, err := p.send(ctx, msg)
	return p.finish(ctx, msg, providerID, err)
}

func (p *MandrillProvider) send(ctx context.Context, msg *core_domain.Message) (string, error) {
	fromEmail, fromName := p.cfg.FromEmail, p.cfg.FromName
	if sender := strings.TrimSpace(msg.Sender); sender != "" {
		if addr, err := mail.ParseAddress(sender); err == nil {
			fromEmail, fromName = addr.Address, addr.Name
		} else {
			fromName = sender
		}
	}
	req := mandrillSendRequest{
		Key: p.cfg.APIKey,
		Message: mandrillMessage{
			Text:      msg.Content,
			Subject:   msg.Subject,
			FromEmail: fromEmail,
			FromName:  fromName,
			To:        []mandrillRecipient{{Email: msg.Recipient, Type: "to"}},
			Metadata:  map[string]string{"message_id": fmt.Sprint(msg.ID)},
		},
	}
	if msg.Tag != "" {
		req.Message.Tags = []string{msg.Tag}
	}

	var results []mandrillSendResult
	if err := p.call(ctx, "messages/send.json", req, &results); err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", errors.New("mandrill returned no recipient result")
	}
	result := results[0]
	switch result.Status {
	case "sent", "queued", "scheduled":
		return result.ID, nil
	default:
		reason := result.RejectReason
		if reason == "" {
			reason = "no reason given"
		}
		return "", fmt.Errorf("mandrill %s message to %s: %s", result.Status, result.Email, reason)
	}
}

func (p *MandrillProvider) PublishBatch(ctx context.Context, msgs []*core_domain.Message) error {
	return publishEach(ctx, p, msgs)
}

// UpdateStates looks up each message through messages/info.json.
func (p *MandrillProvider) UpdateStates(ctx context.Context, msgs []*core_domain.Message) ([]core_domain.DeliveryReport, error) {
	var (
		reports []core_domain.DeliveryReport
		errs    []error
	)
	for _, msg := range msgs {
		if msg.ProviderMessageID == nil || *msg.ProviderMessageID == "" {
			continue
		}
		var info mandrillInfoResponse
		err := p.call(ctx, "messages/info.json", mandrillInfoRequest{Key: p.cfg.APIKey, ID: *msg.ProviderMessageID}, &info)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %d: %w", msg.ID, err))
			continue
		}
		reports = append(reports, core_domain.DeliveryReport{
			MessageID:         msg.ID,
			ProviderMessageID: *msg.ProviderMessageID,
			Status:            mandrillDeliveryStatus(info.State),
			ProviderStatus:    info.State,
			ReportedAt:        p.now(),
		})
	}
	return reports, errors.Join(errs...)
}

func mandrillDeliveryStatus(state string) core_domain.DeliveryStatus {
	switch state {
	case "sent":
		return core_domain.DeliveryDelivered
	case "bounced", "soft-bounced", "rejected", "spam", "unsub", "invalid":
		return core_domain.DeliveryNotDelivered
	default:
		return core_domain.DeliveryUnresolved
	}
}

// ParseCallback reads one webhook event. Mandrill events only tell us to look the message up.
func (p *MandrillProvider) ParseCallback(event []byte) (CallbackEvent, error) {
	var ev mandrillWebhookEvent
	if err := json.Unmarshal(event, &ev); err != nil {
		return CallbackEvent{}, fmt.Errorf("decoding mandrill event: %w", err)
	}
	if ev.ID == "" {
		return CallbackEvent{}, fmt.Errorf("mandrill %q event without _id", ev.Event)
	}
	return CallbackEvent{ProviderMessageID: ev.ID, RequirePullInfo: true}, nil
}

func (p *MandrillProvider) call(ctx context.Context, path string, payload, out any) error {
	timer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.name, path))
	defer timer.ObserveDuration()

	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling request for %s: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL+"/"+path, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return &core_domain.TransportError{Backend: p.name, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &core_domain.TransportError{Backend: p.name, Err: fmt.Errorf("reading %s response: %w", path, err)}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var apiErr mandrillErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return &core_domain.TransportError{Backend: p.name, Err: fmt.Errorf("mandrill %s: %s", apiErr.Name, apiErr.Message)}
		}
		return &core_domain.TransportError{Backend: p.name, Err: fmt.Errorf("mandrill responded with status %d", httpResp.StatusCode)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
