package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
	"github.com/aradsms/messaging_dispatcher/internal/delivery_retrieval_service/domain"
	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/provider"
	"github.com/aradsms/messaging_dispatcher/internal/platform/messagebroker"
)

// BackendLookup resolves backends by name.
type BackendLookup interface {
	Get(channel core_domain.Channel, name string) (provider.Backend, error)
	Lookup(name string) (provider.Backend, error)
}

// CorrelationCache speeds up provider id lookups and drops duplicate callback events.
type CorrelationCache interface {
	LookupSent(ctx context.Context, backendName, providerMessageID string) (int64, bool, error)
	MarkSeen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Reconciler applies delivery reports to stored messages. Reports may arrive more than once
// and in any order; each message's delivery status is resolved at most once.
type Reconciler struct {
	messages  core_domain.MessageRepository
	backends  BackendLookup
	cache     CorrelationCache
	publisher messagebroker.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler creates a new Reconciler. cache and publisher may be nil.
func NewReconciler(
	messages core_domain.MessageRepository,
	backends BackendLookup,
	cache CorrelationCache,
	publisher messagebroker.Publisher,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		messages:  messages,
		backends:  backends,
		cache:     cache,
		publisher: publisher,
		logger:    logger.With("component", "reconciler"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ApplyReports stores the reports of one backend and returns how many resolved a delivery.
// Reports without a message id are correlated by provider message id; reports that match no
// message are logged and skipped. Only storage failures are returned.
func (r *Reconciler) ApplyReports(ctx context.Context, backendName string, reports []core_domain.DeliveryReport) (int, error) {
	if len(reports) == 0 {
		return 0, nil
	}

	applied := 0
	var errs []error
	for _, report := range reports {
		if report.MessageID == 0 {
			id, err := r.correlate(ctx, backendName, report.ProviderMessageID)
			if err != nil {
				var cerr *core_domain.CorrelationError
				if errors.As(err, &cerr) {
					deliveryReportsCounter.WithLabelValues(backendName, "uncorrelated").Inc()
					r.logger.WarnContext(ctx, "Delivery report for unknown message", "backend", backendName, "provider_message_id", report.ProviderMessageID)
					continue
				}
				errs = append(errs, err)
				continue
			}
			report.MessageID = id
		}

		if !report.Status.Final() {
			deliveryReportsCounter.WithLabelValues(backendName, "pending").Inc()
			if report.ProviderStatus == "" {
				continue
			}
			if err := r.messages.RecordProviderStatus(ctx, report.MessageID, report.ProviderStatus); err != nil {
				errs = append(errs, fmt.Errorf("recording provider status of message %d: %w", report.MessageID, err))
			}
			continue
		}

		ok, err := r.messages.ApplyDeliveryStatus(ctx, report)
		if err != nil {
			deliveryReportsCounter.WithLabelValues(backendName, "error").Inc()
			r.logger.ErrorContext(ctx, "Failed to apply delivery status", "error", err, "message_id", report.MessageID, "status", report.Status)
			errs = append(errs, err)
			continue
		}
		if !ok {
			deliveryReportsCounter.WithLabelValues(backendName, "duplicate").Inc()
			r.logger.DebugContext(ctx, "Delivery status already resolved or not applicable", "message_id", report.MessageID, "provider_message_id", report.ProviderMessageID)
			continue
		}
		applied++
		deliveryReportsCounter.WithLabelValues(backendName, "applied").Inc()
		r.logger.InfoContext(ctx, "Delivery status applied",
			"message_id", report.MessageID,
			"provider_message_id", report.ProviderMessageID,
			"status", report.Status,
			"provider_status", report.ProviderStatus,
		)
		r.announce(ctx, backendName, report)
	}
	return applied, errors.Join(errs...)
}

// HandleCallback processes the raw webhook events of one backend. Events that cannot be
// parsed or correlated are logged and skipped; an error is returned only when the backend is
// unknown or does not accept callbacks.
func (r *Reconciler) HandleCallback(ctx context.Context, batch domain.CallbackBatch) (int, error) {
	backend, err := r.backends.Lookup(batch.Backend)
	if err != nil {
		return 0, err
	}
	parser, ok := backend.(provider.CallbackParser)
	if !ok {
		return 0, fmt.Errorf("backend %s does not accept callbacks", batch.Backend)
	}

	timer := prometheus.NewTimer(callbackProcessingDurationHist.WithLabelValues(batch.Backend))
	defer timer.ObserveDuration()

	applied := 0
	for _, raw := range batch.Events {
		n, err := r.handleEvent(ctx, backend, parser, raw)
		if err != nil {
			callbackEventsCounter.WithLabelValues(batch.Backend, "error").Inc()
			r.logger.ErrorContext(ctx, "Failed to handle callback event", "backend", batch.Backend, "error", err, "event", string(raw))
			continue
		}
		callbackEventsCounter.WithLabelValues(batch.Backend, "success").Inc()
		applied += n
	}
	r.logger.InfoContext(ctx, "Callback batch handled", "backend", batch.Backend, "events", len(batch.Events), "applied", applied)
	return applied, nil
}

func (r *Reconciler) handleEvent(ctx context.Context, backend provider.Backend, parser provider.CallbackParser, raw json.RawMessage) (int, error) {
	ev, err := parser.ParseCallback(raw)
	if err != nil {
		return 0, err
	}

	key := eventKey(backend.Name(), raw)
	if r.cache != nil {
		first, err := r.cache.MarkSeen(ctx, key)
		if err != nil {
			r.logger.WarnContext(ctx, "Callback dedupe unavailable", "error", err)
		} else if !first {
			callbackEventsCounter.WithLabelValues(backend.Name(), "duplicate").Inc()
			return 0, nil
		}
	}

	n, err := r.resolveEvent(ctx, backend, ev)
	if err != nil && r.cache != nil {
		if ferr := r.cache.Forget(ctx, key); ferr != nil {
			r.logger.WarnContext(ctx, "Failed to clear callback marker", "error", ferr)
		}
	}
	return n, err
}

func (r *Reconciler) resolveEvent(ctx context.Context, backend provider.Backend, ev provider.CallbackEvent) (int, error) {
	if ev.Report != nil {
		return r.ApplyReports(ctx, backend.Name(), []core_domain.DeliveryReport{*ev.Report})
	}
	if !ev.RequirePullInfo {
		return 0, nil
	}

	msg, err := r.messages.GetByProviderMessageID(ctx, backend.Name(), ev.ProviderMessageID)
	if err != nil {
		if errors.Is(err, core_domain.ErrMessageNotFound) {
			deliveryReportsCounter.WithLabelValues(backend.Name(), "uncorrelated").Inc()
			r.logger.WarnContext(ctx, "Callback for unknown message", "backend", backend.Name(), "provider_message_id", ev.ProviderMessageID)
			return 0, nil
		}
		return 0, err
	}
	reports, err := backend.UpdateStates(ctx, []*core_domain.Message{msg})
	if err != nil {
		return 0, err
	}
	return r.ApplyReports(ctx, backend.Name(), reports)
}

// PollPending asks the backends for the delivery status of sent messages that are still
// unresolved, then applies the answers.
func (r *Reconciler) PollPending(ctx context.Context, sentAfter time.Time, limit int) (int, error) {
	msgs, err := r.messages.ListAwaitingDelivery(ctx, sentAfter, limit)
	if err != nil {
		return 0, fmt.Errorf("listing messages awaiting delivery: %w", err)
	}

	type groupKey struct {
		channel core_domain.Channel
		backend string
	}
	groups := make(map[groupKey][]*core_domain.Message)
	var order []groupKey
	for _, msg := range msgs {
		key := groupKey{msg.Kind.Channel(), msg.BackendName}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], msg)
	}

	applied := 0
	var errs []error
	for _, key := range order {
		backend, err := r.backends.Get(key.channel, key.backend)
		if err != nil {
			r.logger.WarnContext(ctx, "Skipping messages of unknown backend", "backend", key.backend, "count", len(groups[key]))
			continue
		}
		timer := prometheus.NewTimer(pollDurationHist.WithLabelValues(key.backend))
		reports, err := backend.UpdateStates(ctx, groups[key])
		timer.ObserveDuration()
		if err != nil {
			r.logger.ErrorContext(ctx, "Delivery status request failed", "backend", key.backend, "error", err)
			continue
		}
		n, err := r.ApplyReports(ctx, key.backend, reports)
		applied += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(msgs) > 0 {
		r.logger.InfoContext(ctx, "Polled pending deliveries", "messages", len(msgs), "applied", applied)
	}
	return applied, errors.Join(errs...)
}

func (r *Reconciler) correlate(ctx context.Context, backendName, providerMessageID string) (int64, error) {
	if providerMessageID == "" {
		return 0, &core_domain.CorrelationError{Backend: backendName}
	}
	if r.cache != nil {
		id, ok, err := r.cache.LookupSent(ctx, backendName, providerMessageID)
		if err != nil {
			r.logger.WarnContext(ctx, "Correlation cache unavailable", "error", err)
		} else if ok {
			return id, nil
		}
	}
	msg, err := r.messages.GetByProviderMessageID(ctx, backendName, providerMessageID)
	if errors.Is(err, core_domain.ErrMessageNotFound) {
		return 0, &core_domain.CorrelationError{Backend: backendName, ProviderMessageID: providerMessageID}
	}
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func (r *Reconciler) announce(ctx context.Context, backendName string, report core_domain.DeliveryReport) {
	if r.publisher == nil {
		return
	}
	payload, err := json.Marshal(domain.DeliveryResolvedEvent{
		MessageID:          report.MessageID,
		BackendName:        backendName,
		ProviderMessageID:  report.ProviderMessageID,
		Status:             report.Status,
		ProviderStatus:     report.ProviderStatus,
		ReportedAt:         report.ReportedAt,
		ProcessedTimestamp: r.now(),
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to marshal delivery event", "error", err, "message_id", report.MessageID)
		return
	}
	if err := r.publisher.Publish(ctx, domain.DeliveryResolvedSubject, payload); err != nil {
		r.logger.ErrorContext(ctx, "Failed to publish delivery event", "error", err, "message_id", report.MessageID)
	}
}

func eventKey(backendName string, raw []byte) string {
	sum := sha256.Sum256(raw)
	return backendName + ":" + hex.EncodeToString(sum[:])
}
