package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
)

// OperatorConfig configures the XML operator gateway.
type OperatorConfig struct {
	Username   string
	Password   string
	UniqPrefix string
	SMSURL     string
	VoiceURL   string
	Timeout    time.Duration
}

// OperatorProvider sends SMS and voice messages through the operator XML gateway.
type OperatorProvider struct {
	baseBackend
	codec      OperatorCodec
	smsURL     string
	voiceURL   string
	httpClient *http.Client
}

func NewOperatorProvider(name string, cfg OperatorConfig, store core_domain.MessageStateStore, logger *slog.Logger, httpClient *http.Client) *OperatorProvider {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &OperatorProvider{
		baseBackend: newBaseBackend(name, core_domain.ChannelSMS, store, logger),
		codec:       OperatorCodec{Username: cfg.Username, Password: cfg.Password, Prefix: cfg.UniqPrefix},
		smsURL:      cfg.SMSURL,
		voiceURL:    cfg.VoiceURL,
		httpClient:  httpClient,
	}
}

func (p *OperatorProvider) Publish(ctx context.Context, msg *core_domain.Message) error {
	return p.PublishBatch(ctx, []*core_domain.Message{msg})
}

// PublishBatch sends voice messages first, then SMS, one request per kind.
func (p *OperatorProvider) PublishBatch(ctx context.Context, msgs []*core_domain.Message) error {
	voice, sms := splitVoice(msgs)
	var errs []error
	if len(voice) > 0 {
		errs = append(errs, p.send(ctx, RequestVoice, voice))
	}
	if len(sms) > 0 {
		errs = append(errs, p.send(ctx, RequestSMS, sms))
	}
	return errors.Join(errs...)
}

func (p *OperatorProvider) send(ctx context.Context, reqType RequestType, msgs []*core_domain.Message) error {
	results, reqErr := p.exchange(ctx, reqType, msgs)

	var errs []error
	for _, msg := range msgs {
		var sendErr error
		status, ok := results[msg.ID]
		switch {
		// Items parsed before a broken response still count
		case reqErr != nil && !ok:
			sendErr = reqErr
		case !ok:
			sendErr = fmt.Errorf("operator returned no status for %s", p.codec.CorrelationID(msg.ID))
		case status.State != OperatorDelivered:
			sendErr = fmt.Errorf("operator rejected %s with status %d", p.codec.CorrelationID(msg.ID), status.Code)
		}
		if err := p.finish(ctx, msg, p.codec.CorrelationID(msg.ID), sendErr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateStates requests delivery statuses, voice messages first. Reports parsed before a
// failure are returned together with the error.
func (p *OperatorProvider) UpdateStates(ctx context.Context, msgs []*core_domain.Message) ([]core_domain.DeliveryReport, error) {
	voice, sms := splitVoice(msgs)
	var (
		reports []core_domain.DeliveryReport
		errs    []error
	)
	for _, group := range []struct {
		reqType RequestType
		msgs    []*core_domain.Message
	}{{RequestVoiceDelivery, voice}, {RequestSMSDelivery, sms}} {
		if len(group.msgs) == 0 {
			continue
		}
		results, err := p.exchange(ctx, group.reqType, group.msgs)
		if err != nil {
			errs = append(errs, err)
		}
		now := p.now()
		for _, msg := range group.msgs {
			status, ok := results[msg.ID]
			if !ok {
				continue // asked again on the next poll
			}
			reports = append(reports, core_domain.DeliveryReport{
				MessageID:         msg.ID,
				ProviderMessageID: p.codec.CorrelationID(msg.ID),
				Status:            status.DeliveryStatus(),
				ProviderStatus:    strconv.Itoa(status.Code),
				ReportedAt:        now,
			})
		}
	}
	return reports, errors.Join(errs...)
}

// exchange posts one document and parses the answer. A non-nil result map may accompany a
// *core_domain.ParseError.
func (p *OperatorProvider) exchange(ctx context.Context, reqType RequestType, msgs []*core_domain.Message) (map[int64]OperatorStatus, error) {
	timer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.name, reqType.String()))
	defer timer.ObserveDuration()

	body, err := p.codec.Serialize(reqType, msgs)
	if err != nil {
		return nil, err
	}
	url := p.smsURL
	if reqType.isVoice() {
		url = p.voiceURL
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &core_domain.TransportError{Backend: p.name, Err: fmt.Errorf("creating request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "text/xml; charset=utf-8")

	p.logger.DebugContext(ctx, "Sending operator request", "url", url, "data_type", reqType.String(), "items", len(msgs))
	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &core_domain.TransportError{Backend: p.name, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &core_domain.TransportError{Backend: p.name, Err: fmt.Errorf("reading response (status %d): %w", httpResp.StatusCode, err)}
	}
	// Body is drained before the status check
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &core_domain.TransportError{Backend: p.name, Err: fmt.Errorf("operator responded with status %d", httpResp.StatusCode)}
	}

	results, err := p.codec.ParseResponse(respBody)
	if err != nil {
		p.logger.WarnContext(ctx, "Operator response partially parsed", "data_type", reqType.String(), "parsed_items", len(results), "error", err)
	}
	return results, err
}

func splitVoice(msgs []*core_domain.Message) (voice, sms []*core_domain.Message) {
	for _, msg := range msgs {
		if msg.IsVoiceMessage() {
			voice = append(voice, msg)
		} else {
			sms = append(sms, msg)
		}
	}
	return voice, sms
}
