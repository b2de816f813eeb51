package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
	"github.com/aradsms/messaging_dispatcher/internal/platform/database"
)

const messageColumns = `id, kind, recipient, sender, subject, content, tag, template_slug, related_objects,
	state, delivery_status, provider_status, backend_name, provider_message_id, sent_at, error,
	delivered_at, retry_of, created_at, updated_at`

// PgMessageRepository stores messages. Every state change is a conditional UPDATE guarded by
// the state it leaves, which makes the transitions compare-and-swap operations.
type PgMessageRepository struct {
	db  database.DBTX
	now func() time.Time
}

// NewPgMessageRepository creates a new instance for PostgreSQL.
func NewPgMessageRepository(db database.DBTX) *PgMessageRepository {
	return &PgMessageRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

var _ core_domain.MessageRepository = (*PgMessageRepository)(nil)

func (r *PgMessageRepository) Create(ctx context.Context, msg *core_domain.Message) (*core_domain.Message, error) {
	related, err := json.Marshal(relatedOrEmpty(msg.RelatedObjects))
	if err != nil {
		return nil, fmt.Errorf("encoding related objects: %w", err)
	}
	now := r.now()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.State == "" {
		msg.State = core_domain.StateWaiting
	}

	query := `
		INSERT INTO messages (
			kind, recipient, sender, subject, content, tag, template_slug, related_objects,
			state, delivery_status, provider_status, backend_name, retry_of, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`
	err = r.db.QueryRow(ctx, query,
		string(msg.Kind), msg.Recipient, msg.Sender, msg.Subject, msg.Content, msg.Tag, msg.TemplateSlug, related,
		string(msg.State), string(msg.DeliveryStatus), msg.ProviderStatus, msg.BackendName, msg.RetryOf, now, now,
	).Scan(&msg.ID)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return msg, nil
}

func (r *PgMessageRepository) GetByID(ctx context.Context, id int64) (*core_domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	msg, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("getting message %d: %w", id, err)
	}
	return msg, nil
}

func (r *PgMessageRepository) GetByProviderMessageID(ctx context.Context, backendName, providerMessageID string) (*core_domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE backend_name = $1 AND provider_message_id = $2`
	msg, err := scanMessage(r.db.QueryRow(ctx, query, backendName, providerMessageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core_domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("getting message by provider id %s/%s: %w", backendName, providerMessageID, err)
	}
	return msg, nil
}

func (r *PgMessageRepository) Claim(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE messages SET state = $2, updated_at = $3 WHERE id = $1 AND state = $4`
	return r.execCAS(ctx, "claiming", id, query, id, string(core_domain.StateSending), r.now(), string(core_domain.StateWaiting))
}

func (r *PgMessageRepository) MarkSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) (bool, error) {
	query := `
		UPDATE messages
		SET state = $2, provider_message_id = NULLIF($3, ''), sent_at = $4, updated_at = $4
		WHERE id = $1 AND state = $5`
	return r.execCAS(ctx, "marking sent", id, query, id, string(core_domain.StateSent), providerMessageID, sentAt, string(core_domain.StateSending))
}

func (r *PgMessageRepository) MarkError(ctx context.Context, id int64, cause string) (bool, error) {
	query := `UPDATE messages SET state = $2, error = $3, updated_at = $4 WHERE id = $1 AND state = $5`
	return r.execCAS(ctx, "marking error", id, query, id, string(core_domain.StateError), cause, r.now(), string(core_domain.StateSending))
}

// CreateRetry moves the message named by attempt.RetryOf from sent or error to error_retry and
// stores attempt, in one transaction. Nothing is stored when the original is not retryable.
func (r *PgMessageRepository) CreateRetry(ctx context.Context, attempt *core_domain.Message) (*core_domain.Message, bool, error) {
	if attempt.RetryOf == nil {
		return nil, false, errors.New("retry attempt does not name the original message")
	}
	origID := *attempt.RetryOf
	var (
		created *core_domain.Message
		marked  bool
	)
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		txRepo := &PgMessageRepository{db: tx, now: r.now}
		query := `UPDATE messages SET state = $2, updated_at = $3 WHERE id = $1 AND state IN ($4, $5)`
		ok, err := txRepo.execCAS(ctx, "marking for retry", origID, query, origID, string(core_domain.StateErrorRetry), r.now(),
			string(core_domain.StateSent), string(core_domain.StateError))
		if err != nil || !ok {
			return err
		}
		created, err = txRepo.Create(ctx, attempt)
		if err != nil {
			return err
		}
		marked = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("retrying message %d: %w", origID, err)
	}
	return created, marked, nil
}

// ApplyDeliveryStatus resolves the delivery axis once. Reports for unsent or already resolved
// messages, or for a different provider id, change nothing. A sent message marked for retry
// still accepts its report.
func (r *PgMessageRepository) ApplyDeliveryStatus(ctx context.Context, report core_domain.DeliveryReport) (bool, error) {
	if !report.Status.Final() {
		return false, fmt.Errorf("delivery status %q does not resolve message %d", report.Status, report.MessageID)
	}
	at := report.ReportedAt
	if at.IsZero() {
		at = r.now()
	}
	query := `
		UPDATE messages
		SET delivery_status = $2, provider_status = $3, delivered_at = $4, updated_at = $4
		WHERE id = $1 AND state IN ($5, $7) AND delivery_status = '' AND provider_message_id = $6`
	return r.execCAS(ctx, "applying delivery status", report.MessageID, query,
		report.MessageID, string(report.Status), report.ProviderStatus, at, string(core_domain.StateSent), report.ProviderMessageID,
		string(core_domain.StateErrorRetry))
}

func (r *PgMessageRepository) RecordProviderStatus(ctx context.Context, id int64, providerStatus string) error {
	query := `UPDATE messages SET provider_status = $2, updated_at = $3 WHERE id = $1 AND delivery_status = ''`
	if _, err := r.db.Exec(ctx, query, id, providerStatus, r.now()); err != nil {
		return fmt.Errorf("recording provider status for message %d: %w", id, err)
	}
	return nil
}

func (r *PgMessageRepository) ListWaiting(ctx context.Context, olderThan time.Time, limit int) ([]*core_domain.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE state = $1 AND created_at < $2
		ORDER BY id ASC
		LIMIT $3`
	return r.list(ctx, "listing waiting messages", query, string(core_domain.StateWaiting), olderThan, limit)
}

func (r *PgMessageRepository) ListAwaitingDelivery(ctx context.Context, sentAfter time.Time, limit int) ([]*core_domain.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE state IN ($1, $4) AND delivery_status = '' AND sent_at >= $2
		ORDER BY sent_at ASC
		LIMIT $3`
	// Retried messages were sent once and may still report.
	return r.list(ctx, "listing messages awaiting delivery", query, string(core_domain.StateSent), sentAfter, limit,
		string(core_domain.StateErrorRetry))
}

func (r *PgMessageRepository) execCAS(ctx context.Context, op string, id int64, query string, args ...any) (bool, error) {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s message %d: %w", op, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgMessageRepository) list(ctx context.Context, op, query string, args ...any) ([]*core_domain.Message, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var messages []*core_domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return messages, nil
}

func scanMessage(row pgx.Row) (*core_domain.Message, error) {
	var (
		msg                   core_domain.Message
		kind, state, delivery string
		related               []byte
	)
	err := row.Scan(
		&msg.ID, &kind, &msg.Recipient, &msg.Sender, &msg.Subject, &msg.Content, &msg.Tag, &msg.TemplateSlug, &related,
		&state, &delivery, &msg.ProviderStatus, &msg.BackendName, &msg.ProviderMessageID, &msg.SentAt, &msg.Error,
		&msg.DeliveredAt, &msg.RetryOf, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.Kind = core_domain.MessageKind(kind)
	if err := msg.State.Scan(state); err != nil {
		return nil, err
	}
	msg.DeliveryStatus = core_domain.DeliveryStatus(delivery)
	if len(related) > 0 {
		if err := json.Unmarshal(related, &msg.RelatedObjects); err != nil {
			return nil, fmt.Errorf("decoding related objects of message %d: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

func relatedOrEmpty(objs []core_domain.RelatedObject) []core_domain.RelatedObject {
	if objs == nil {
		return []core_domain.RelatedObject{}
	}
	return objs
}
