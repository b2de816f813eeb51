package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
)

// DummyProvider accepts every message without contacting anyone. Useful for development
// routes and tests.
type DummyProvider struct {
	baseBackend
	FailSend       bool          // Control whether Publish should simulate failure
	SimulatedDelay time.Duration // To simulate network latency
	// Delivered controls the status UpdateStates reports.
	Delivered bool
}

func NewDummyProvider(name string, channel core_domain.Channel, store core_domain.MessageStateStore, logger *slog.Logger) *DummyProvider {
	return &DummyProvider{
		baseBackend: newBaseBackend(name, channel, store, logger),
		Delivered:   true,
	}
}

func (p *DummyProvider) Publish(ctx context.Context, msg *core_domain.Message) error {
	timer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.name, "publish"))
	defer timer.ObserveDuration()

	p.logger.InfoContext(ctx, "DummyProvider: Publish called",
		"message_id", msg.ID,
		"recipient", msg.Recipient,
		"content_length", len(msg.Content))

	if p.SimulatedDelay > 0 {
		select {
		case <-time.After(p.SimulatedDelay):
		case <-ctx.Done():
			return p.finish(ctx, msg, "", ctx.Err())
		}
	}
	if p.FailSend {
		return p.finish(ctx, msg, "", errors.New("dummy provider simulated send failure"))
	}
	return p.finish(ctx, msg, "dummy-"+uuid.NewString(), nil)
}

func (p *DummyProvider) PublishBatch(ctx context.Context, msgs []*core_domain.Message) error {
	return publishEach(ctx, p, msgs)
}

func (p *DummyProvider) UpdateStates(_ context.Context, msgs []*core_domain.Message) ([]core_domain.DeliveryReport, error) {
	status, raw := core_domain.DeliveryDelivered, "delivered"
	if !p.Delivered {
		status, raw = core_domain.DeliveryNotDelivered, "not_delivered"
	}
	reports := make([]core_domain.DeliveryReport, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ProviderMessageID == nil {
			continue
		}
		reports = append(reports, core_domain.DeliveryReport{
			MessageID:         msg.ID,
			ProviderMessageID: *msg.ProviderMessageID,
			Status:            status,
			ProviderStatus:    raw,
			ReportedAt:        p.now(),
		})
	}
	return reports, nil
}

type dummyCallback struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ParseCallback accepts {"id": ..., "status": "delivered"|"not_delivered"|...}.
func (p *DummyProvider) ParseCallback(event []byte) (CallbackEvent, error) {
	var cb dummyCallback
	if err := json.Unmarshal(event, &cb); err != nil {
		return CallbackEvent{}, fmt.Errorf("decoding dummy callback: %w", err)
	}
	if cb.ID == "" {
		return CallbackEvent{}, errors.New("dummy callback without id")
	}
	status := core_domain.DeliveryStatus(cb.Status)
	if !status.Final() {
		status = core_domain.DeliveryUnresolved
	}
	return CallbackEvent{
		ProviderMessageID: cb.ID,
		Report: &core_domain.DeliveryReport{
			ProviderMessageID: cb.ID,
			Status:            status,
			ProviderStatus:    cb.Status,
			ReportedAt:        p.now(),
		},
	}, nil
}
