package provider

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
)

type MockStateStore struct {
	mock.Mock
}

func (m *MockStateStore) Claim(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockStateStore) MarkSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) (bool, error) {
	args := m.Called(ctx, id, providerMessageID, sentAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockStateStore) MarkError(ctx context.Context, id int64, cause string) (bool, error) {
	args := m.Called(ctx, id, cause)
	return args.Bool(0), args.Error(1)
}

func (m *MockStateStore) ApplyDeliveryStatus(ctx context.Context, report core_domain.DeliveryReport) (bool, error) {
	args := m.Called(ctx, report)
	return args.Bool(0), args.Error(1)
}

func (m *MockStateStore) RecordProviderStatus(ctx context.Context, id int64, providerStatus string) error {
	args := m.Called(ctx, id, providerStatus)
	return args.Error(0)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func smsMessage(id int64, voice bool) *core_domain.Message {
	kind := core_domain.KindSMS
	if voice {
		kind = core_domain.KindVoice
	}
	return &core_domain.Message{
		ID:        id,
		Kind:      kind,
		Recipient: "+420111111111",
		Content:   "content",
		State:     core_domain.StateSending,
	}
}
