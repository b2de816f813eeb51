package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
	"github.com/aradsms/messaging_dispatcher/internal/delivery_retrieval_service/domain"
	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/provider"
)

// --- Mocks ---

type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) Claim(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepository) MarkSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) (bool, error) {
	args := m.Called(ctx, id, providerMessageID, sentAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepository) MarkError(ctx context.Context, id int64, cause string) (bool, error) {
	args := m.Called(ctx, id, cause)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepository) ApplyDeliveryStatus(ctx context.Context, report core_domain.DeliveryReport) (bool, error) {
	args := m.Called(ctx, report)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageRepository) RecordProviderStatus(ctx context.Context, id int64, providerStatus string) error {
	return m.Called(ctx, id, providerStatus).Error(0)
}

func (m *MockMessageRepository) Create(ctx context.Context, msg *core_domain.Message) (*core_domain.Message, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core_domain.Message), args.Error(1)
}

func (m *MockMessageRepository) GetByID(ctx context.Context, id int64) (*core_domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core_domain.Message), args.Error(1)
}

func (m *MockMessageRepository) GetByProviderMessageID(ctx context.Context, backendName, providerMessageID string) (*core_domain.Message, error) {
	args := m.Called(ctx, backendName, providerMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*core_domain.Message), args.Error(1)
}

func (m *MockMessageRepository) CreateRetry(ctx context.Context, attempt *core_domain.Message) (*core_domain.Message, bool, error) {
	args := m.Called(ctx, attempt)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*core_domain.Message), args.Bool(1), args.Error(2)
}

func (m *MockMessageRepository) ListWaiting(ctx context.Context, olderThan time.Time, limit int) ([]*core_domain.Message, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*core_domain.Message), args.Error(1)
}

func (m *MockMessageRepository) ListAwaitingDelivery(ctx context.Context, sentAfter time.Time, limit int) ([]*core_domain.Message, error) {
	args := m.Called(ctx, sentAfter, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*core_domain.Message), args.Error(1)
}

type MockCorrelationCache struct {
	mock.Mock
}

func (m *MockCorrelationCache) LookupSent(ctx context.Context, backendName, providerMessageID string) (int64, bool, error) {
	args := m.Called(ctx, backendName, providerMessageID)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *MockCorrelationCache) MarkSeen(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockCorrelationCache) Forget(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	return m.Called(ctx, subject, data).Error(0)
}

// MockPullBackend is a backend whose callbacks only name a message.
type MockPullBackend struct {
	mock.Mock
}

func (m *MockPullBackend) Name() string                 { return "mail" }
func (m *MockPullBackend) Channel() core_domain.Channel { return core_domain.ChannelEmail }

func (m *MockPullBackend) Publish(ctx context.Context, msg *core_domain.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockPullBackend) PublishBatch(ctx context.Context, msgs []*core_domain.Message) error {
	return m.Called(ctx, msgs).Error(0)
}

func (m *MockPullBackend) UpdateStates(ctx context.Context, msgs []*core_domain.Message) ([]core_domain.DeliveryReport, error) {
	args := m.Called(ctx, msgs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]core_domain.DeliveryReport), args.Error(1)
}

func (m *MockPullBackend) ParseCallback(event []byte) (provider.CallbackEvent, error) {
	var ev struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(event, &ev); err != nil {
		return provider.CallbackEvent{}, err
	}
	return provider.CallbackEvent{ProviderMessageID: ev.ID, RequirePullInfo: true}, nil
}

// staticBackends satisfies BackendLookup over a fixed set of backends.
type staticBackends map[string]provider.Backend

func (s staticBackends) Get(_ core_domain.Channel, name string) (provider.Backend, error) {
	return s.Lookup(name)
}

func (s staticBackends) Lookup(name string) (provider.Backend, error) {
	if b, ok := s[name]; ok {
		return b, nil
	}
	return nil, core_domain.ErrUnknownBackend
}

// --- Test Setup ---

type reconcilerTestComponents struct {
	reconciler *Reconciler
	repo       *MockMessageRepository
	cache      *MockCorrelationCache
	publisher  *MockPublisher
	dummy      *provider.DummyProvider
	pull       *MockPullBackend
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupReconcilerTest(t *testing.T) reconcilerTestComponents {
	t.Helper()
	repo := new(MockMessageRepository)
	cache := new(MockCorrelationCache)
	publisher := new(MockPublisher)
	dummy := provider.NewDummyProvider("dummy", core_domain.ChannelSMS, repo, discardLogger())
	pull := new(MockPullBackend)

	r := NewReconciler(repo, staticBackends{"dummy": dummy, "mail": pull}, cache, publisher, discardLogger())
	return reconcilerTestComponents{reconciler: r, repo: repo, cache: cache, publisher: publisher, dummy: dummy, pull: pull}
}

// --- Tests ---

func TestReconciler_ApplyReports_DeliveredTwiceIsIdempotent(t *testing.T) {
	comps := setupReconcilerTest(t)
	ctx := context.Background()
	report := core_domain.DeliveryReport{
		MessageID:         7,
		ProviderMessageID: "pref-7",
		Status:            core_domain.DeliveryDelivered,
		ProviderStatus:    "1",
		ReportedAt:        time.Now(),
	}
	comps.repo.On("ApplyDeliveryStatus", ctx, report).Return(true, nil).Once()
	comps.repo.On("ApplyDeliveryStatus", ctx, report).Return(false, nil).Once()
	comps.publisher.On("Publish", ctx, domain.DeliveryResolvedSubject, mock.MatchedBy(func(data []byte) bool {
		var ev domain.DeliveryResolvedEvent
		return json.Unmarshal(data, &ev) == nil && ev.MessageID == 7 && ev.Status == core_domain.DeliveryDelivered
	})).Return(nil).Once()

	applied, err := comps.reconciler.ApplyReports(ctx, "operator", []core_domain.DeliveryReport{report, report})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	comps.repo.AssertExpectations(t)
	comps.publisher.AssertExpectations(t)
}

func TestReconciler_ApplyReports_UnresolvedStatusOnlyRecordsRawStatus(t *testing.T) {
	comps := setupReconcilerTest(t)
	ctx := context.Background()
	comps.repo.On("RecordProviderStatus", ctx, int64(8), "-1").Return(nil).Once()

	applied, err := comps.reconciler.ApplyReports(ctx, "operator", []core_domain.DeliveryReport{
		{MessageID: 8, ProviderMessageID: "pref-8", Status: core_domain.DeliveryUnresolved, ProviderStatus: "-1"},
		{MessageID: 9, ProviderMessageID: "pref-9", Status: core_domain.DeliveryUnresolved},
	})
	require.NoError(t, err)
	assert.Zero(t, applied)
	comps.repo.AssertNotCalled(t, "ApplyDeliveryStatus", mock.Anything, mock.Anything)
	comps.repo.AssertExpectations(t)
}

func TestReconciler_ApplyReports_CorrelatesByProviderID(t *testing.T) {
	comps := setupReconcilerTest(t)
	ctx := context.Background()
	comps.publisher.On("Publish", ctx, domain.DeliveryResolvedSubject, mock.Anything).Return(nil)

	// Cache hit.
	comps.cache.On("LookupSent", ctx, "sns", "cached").Return(int64(11), true, nil).Once()
	comps.repo.On("ApplyDeliveryStatus", ctx, mock.MatchedBy(func(r core_domain.DeliveryReport) bool {
		return r.MessageID == 11
	})).Return(true, nil).Once()
	// Cache miss, database hit.
	comps.cache.On("LookupSent", ctx, "sns", "stored").Return(int64(0), false, nil).Once()
	comps.repo.On("GetByProviderMessageID", ctx, "sns", "stored").Return(&core_domain.Message{ID: 12}, nil).Once()
	comps.repo.On("ApplyDeliveryStatus", ctx, mock.MatchedBy(func(r core_domain.DeliveryReport) bool {
		return r.MessageID == 12
	})).Return(true, nil).Once()
	// Unknown everywhere: skipped without error.
	comps.cache.On("LookupSent", ctx, "sns", "ghost").Return(int64(0), false, errors.New("redis down")).Once()
	comps.repo.On("GetByProviderMessageID", ctx, "sns", "ghost").Return(nil, core_domain.ErrMessageNotFound).Once()

	applied, err := comps.reconciler.ApplyReports(ctx, "sns", []core_domain.DeliveryReport{
		{ProviderMessageID: "cached", Status: core_domain.DeliveryDelivered},
		{ProviderMessageID: "stored", Status: core_domain.DeliveryNotDelivered},
		{ProviderMessageID: "ghost", Status: core_domain.DeliveryDelivered},
		{Status: core_domain.DeliveryDelivered},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	comps.repo.AssertExpectations(t)
	comps.cache.AssertExpectations(t)
}

func TestReconciler_ApplyReports_StorageErrorIsReturned(t *testing.T) {
	comps := setupReconcilerTest(t)
	ctx := context.Background()
	dbErr := errors.New("connection reset")
	comps.repo.On("ApplyDeliveryStatus", ctx, mock.Anything).Return(false, dbErr).Once()

	_, err := comps.reconciler.ApplyReports(ctx, "operator", []core_domain.DeliveryReport{
		{MessageID: 1, ProviderMessageID: "p", Status: core_domain.DeliveryDelivered},
	})
	assert.ErrorIs(t, err, dbErr)
	comps.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_HandleCallback_InlineReports(t *testing.T) {
	comps := setupReconcilerTest(t)
	ctx := context.Background()
	delivered := json.RawMessage(`{"id":"dummy-1","status":"delivered"}`)
	duplicate := json.RawMessage(`{"id":"dummy-1","status":"delivered"}`)
	broken := json.RawMessage(`{"status":"delivered"}`)

	comps.cache.On("MarkSeen", ctx, eventKey("dummy", delivered)).Return(true, nil).Once()
	comps.cache.On("MarkSeen", ctx, eventKey("dummy", duplicate)).Return(false, nil).Once()
	comps.cache.On("LookupSent", ctx, "dummy", "dummy-1").Return(int64(21), true, nil).Once()
	comps.repo.On("ApplyDeliveryStatus", ctx, mock.MatchedBy(func(r core_domain.DeliveryReport) bool {
		return r.MessageID == 21 && r.Status == core_domain.DeliveryDelivered && r.ProviderMessageID == "dummy-1"
	})).Return(true, nil).Once()
	comps.publisher.On("Publish", ctx, domain.DeliveryResolvedSubject, mock.Anything).Return(nil).Once()

	applied, err := comps.reconciler.HandleCallback(ctx, domain.CallbackBatch{
		Backend: "dummy",
		Events:  []json.RawMessage{delivered, duplicate, broken},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	comps.repo.AssertExpectations(t)
	comps.cache.AssertExpectations(t)
}

func TestReconciler_HandleCallback_PullInfo(t *testing.T) {
	comps := setupReconcilerTest(t)
	ctx := context.Background()
	event := json.RawMessage(`{"event":"send","_id":"abc123"}`)
	pid := "abc123"
	msg := &core_domain.Message{ID: 31, Kind: core_domain.KindEmail, BackendName: "mail", ProviderMessageID: &pid, State: core_domain.StateSent}
	report := core_domain.DeliveryReport{MessageID: 31, ProviderMessageID: pid, Status: core_domain.DeliveryDelivered, ProviderStatus: "sent"}

	comps.cache.On("MarkSeen", ctx, eventKey("mail", event)).Return(true, nil).Once()
	comps.repo.On("GetByProviderMessageID", ctx, "mail", pid).Return(msg, nil).Once()
	comps.pull.On("UpdateStates", ctx, []*core_domain.Message{msg}).Return([]core_domain.DeliveryReport{report}, nil).Once()
	comps.repo.On("ApplyDeliveryStatus", ctx, report).Return(true, nil).Once()
	comps.publisher.On("Publish", ctx, domain.DeliveryResolvedSubject, mock.Anything).Return(errors.New("nats down")).Once()

	applied, err := comps.reconciler.HandleCallback(ctx, domain.CallbackBatch{Backend: "mail", Events: []json.RawMessage{event}})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	comps.pull.AssertExpectations(t)
}

func TestReconciler_HandleCallback_FailedEventCanBeRetried(t *testing.T) {
	comps := setupReconcilerTest(t)
	ctx := context.Background()
	event := json.RawMessage(`{"_id":"abc"}`)
	key := eventKey("mail", event)

	comps.cache.On("MarkSeen", ctx, key).Return(true, nil).Once()
	comps.repo.On("GetByProviderMessageID", ctx, "mail", "abc").Return(nil, errors.New("db down")).Once()
	comps.cache.On("Forget", ctx, key).Return(nil).Once()

	applied, err := comps.reconciler.HandleCallback(ctx, domain.CallbackBatch{Backend: "mail", Events: []json.RawMessage{event}})
	require.NoError(t, err)
	assert.Zero(t, applied)
	comps.cache.AssertExpectations(t)
}

func TestReconciler_HandleCallback_UnknownBackend(t *testing.T) {
	comps := setupReconcilerTest(t)
	_, err := comps.reconciler.HandleCallback(context.Background(), domain.CallbackBatch{Backend: "nope"})
	assert.ErrorIs(t, err, core_domain.ErrUnknownBackend)
}

func TestReconciler_PollPending(t *testing.T) {
	comps := setupReconcilerTest(t)
	ctx := context.Background()
	since := time.Now().Add(-time.Hour)
	p1, p2 := "dummy-1", "dummy-2"
	pending := []*core_domain.Message{
		{ID: 41, Kind: core_domain.KindSMS, BackendName: "dummy", ProviderMessageID: &p1, State: core_domain.StateSent},
		{ID: 42, Kind: core_domain.KindVoice, BackendName: "dummy", ProviderMessageID: &p2, State: core_domain.StateSent},
		{ID: 43, Kind: core_domain.KindSMS, BackendName: "retired", State: core_domain.StateSent},
	}
	comps.repo.On("ListAwaitingDelivery", ctx, since, 100).Return(pending, nil).Once()
	comps.repo.On("ApplyDeliveryStatus", ctx, mock.MatchedBy(func(r core_domain.DeliveryReport) bool {
		return r.MessageID == 41 && r.Status == core_domain.DeliveryDelivered
	})).Return(true, nil).Once()
	comps.repo.On("ApplyDeliveryStatus", ctx, mock.MatchedBy(func(r core_domain.DeliveryReport) bool {
		return r.MessageID == 42
	})).Return(false, nil).Once()
	comps.publisher.On("Publish", ctx, domain.DeliveryResolvedSubject, mock.Anything).Return(nil).Once()

	applied, err := comps.reconciler.PollPending(ctx, since, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	comps.repo.AssertExpectations(t)
}

func TestReconciler_PollPending_ListError(t *testing.T) {
	comps := setupReconcilerTest(t)
	comps.repo.On("ListAwaitingDelivery", mock.Anything, mock.Anything, 10).Return(nil, errors.New("db down")).Once()

	_, err := comps.reconciler.PollPending(context.Background(), time.Now(), 10)
	assert.Error(t, err)
}
