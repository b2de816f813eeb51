package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
)

var messageColumnNames = []string{
	"id", "kind", "recipient", "sender", "subject", "content", "tag", "template_slug", "related_objects",
	"state", "delivery_status", "provider_status", "backend_name", "provider_message_id", "sent_at", "error",
	"delivered_at", "retry_of", "created_at", "updated_at",
}

func newMockRepo(t *testing.T) (*PgMessageRepository, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := NewPgMessageRepository(mockPool)
	repo.now = func() time.Time { return now }
	return repo, mockPool, now
}

func TestPgMessageRepository_Create(t *testing.T) {
	repo, mockPool, now := newMockRepo(t)

	msg := &core_domain.Message{
		Kind:           core_domain.KindSMS,
		Recipient:      "+420111111111",
		Content:        "hello",
		BackendName:    "operator",
		RelatedObjects: []core_domain.RelatedObject{{Type: "order", ID: "17"}},
	}
	mockPool.ExpectQuery(`INSERT INTO messages`).
		WithArgs("sms", "+420111111111", "", "", "hello", "", "", []byte(`[{"type":"order","id":"17"}]`),
			"waiting", "", "", "operator", (*int64)(nil), now, now).
		WillReturnRows(mockPool.NewRows([]string{"id"}).AddRow(int64(41)))

	created, err := repo.Create(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, int64(41), created.ID)
	assert.Equal(t, core_domain.StateWaiting, created.State)
	assert.Equal(t, now, created.CreatedAt)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_GetByID(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		repo, mockPool, now := newMockRepo(t)
		pid := "pref-5"
		rows := mockPool.NewRows(messageColumnNames).AddRow(
			int64(5), "voice", "+420111111111", "Caller", "", "hi", "otp", "login", []byte(`[]`),
			"sent", "", "", "operator", &pid, &now, (*string)(nil),
			(*time.Time)(nil), (*int64)(nil), now, now,
		)
		mockPool.ExpectQuery(`SELECT .* FROM messages WHERE id = \$1`).WithArgs(int64(5)).WillReturnRows(rows)

		msg, err := repo.GetByID(context.Background(), 5)
		require.NoError(t, err)
		assert.Equal(t, core_domain.KindVoice, msg.Kind)
		assert.True(t, msg.IsVoiceMessage())
		assert.Equal(t, core_domain.StateSent, msg.State)
		assert.Equal(t, core_domain.DeliveryUnresolved, msg.DeliveryStatus)
		require.NotNil(t, msg.ProviderMessageID)
		assert.Equal(t, "pref-5", *msg.ProviderMessageID)
		assert.Nil(t, msg.Error)
		assert.Empty(t, msg.RelatedObjects)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		repo, mockPool, _ := newMockRepo(t)
		mockPool.ExpectQuery(`SELECT .* FROM messages WHERE id = \$1`).WithArgs(int64(6)).WillReturnError(pgx.ErrNoRows)

		_, err := repo.GetByID(context.Background(), 6)
		assert.ErrorIs(t, err, core_domain.ErrMessageNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgMessageRepository_Claim(t *testing.T) {
	repo, mockPool, now := newMockRepo(t)

	mockPool.ExpectExec(`UPDATE messages SET state = \$2, updated_at = \$3 WHERE id = \$1 AND state = \$4`).
		WithArgs(int64(1), "sending", now, "waiting").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockPool.ExpectExec(`UPDATE messages SET state = \$2, updated_at = \$3 WHERE id = \$1 AND state = \$4`).
		WithArgs(int64(1), "sending", now, "waiting").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	claimed, err := repo.Claim(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.Claim(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_MarkSentAndError(t *testing.T) {
	repo, mockPool, now := newMockRepo(t)
	sentAt := now.Add(time.Second)

	mockPool.ExpectExec(`UPDATE messages\s+SET state = \$2, provider_message_id = NULLIF\(\$3, ''\), sent_at = \$4`).
		WithArgs(int64(2), "sent", "pref-2", sentAt, "sending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockPool.ExpectExec(`UPDATE messages SET state = \$2, error = \$3`).
		WithArgs(int64(2), "error", "timeout", now, "sending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.MarkSent(context.Background(), 2, "pref-2", sentAt)
	require.NoError(t, err)
	assert.True(t, ok)

	// Already sent: the error is not recorded.
	ok, err = repo.MarkError(context.Background(), 2, "timeout")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_CreateRetry(t *testing.T) {
	markQuery := `UPDATE messages SET state = \$2, updated_at = \$3 WHERE id = \$1 AND state IN \(\$4, \$5\)`
	newAttempt := func() *core_domain.Message {
		orig := int64(3)
		return &core_domain.Message{Kind: core_domain.KindSMS, Recipient: "+1", Content: "hi", BackendName: "sns", RetryOf: &orig}
	}

	t.Run("Marks and stores in one transaction", func(t *testing.T) {
		repo, mockPool, now := newMockRepo(t)
		mockPool.ExpectBegin()
		mockPool.ExpectExec(markQuery).
			WithArgs(int64(3), "error_retry", now, "sent", "error").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectQuery(`INSERT INTO messages`).
			WithArgs("sms", "+1", "", "", "hi", "", "", []byte(`[]`), "waiting", "", "", "sns", pgxmock.AnyArg(), now, now).
			WillReturnRows(mockPool.NewRows([]string{"id"}).AddRow(int64(12)))
		mockPool.ExpectCommit()

		created, marked, err := repo.CreateRetry(context.Background(), newAttempt())
		require.NoError(t, err)
		assert.True(t, marked)
		assert.Equal(t, int64(12), created.ID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Original not retryable", func(t *testing.T) {
		repo, mockPool, now := newMockRepo(t)
		mockPool.ExpectBegin()
		mockPool.ExpectExec(markQuery).
			WithArgs(int64(3), "error_retry", now, "sent", "error").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mockPool.ExpectCommit()

		created, marked, err := repo.CreateRetry(context.Background(), newAttempt())
		require.NoError(t, err)
		assert.False(t, marked)
		assert.Nil(t, created)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Insert failure rolls back the mark", func(t *testing.T) {
		repo, mockPool, now := newMockRepo(t)
		mockPool.ExpectBegin()
		mockPool.ExpectExec(markQuery).
			WithArgs(int64(3), "error_retry", now, "sent", "error").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectQuery(`INSERT INTO messages`).WillReturnError(errors.New("disk full"))
		mockPool.ExpectRollback()

		created, marked, err := repo.CreateRetry(context.Background(), newAttempt())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retrying message 3")
		assert.False(t, marked)
		assert.Nil(t, created)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("Attempt without original", func(t *testing.T) {
		repo, mockPool, _ := newMockRepo(t)
		_, _, err := repo.CreateRetry(context.Background(), &core_domain.Message{Kind: core_domain.KindSMS})
		assert.Error(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgMessageRepository_ListAwaitingDelivery(t *testing.T) {
	repo, mockPool, now := newMockRepo(t)
	sentAt := now.Add(-time.Hour)
	rows := mockPool.NewRows(messageColumnNames).
		AddRow(int64(20), "sms", "+1", "", "", "a", "", "", []byte(nil), "sent", "", "", "operator",
			strPtr("op-20"), &sentAt, (*string)(nil), (*time.Time)(nil), (*int64)(nil), now, now).
		AddRow(int64(21), "sms", "+2", "", "", "b", "", "", []byte(nil), "error_retry", "", "", "operator",
			strPtr("op-21"), &sentAt, (*string)(nil), (*time.Time)(nil), (*int64)(nil), now, now)
	mockPool.ExpectQuery(`FROM messages\s+WHERE state IN \(\$1, \$4\) AND delivery_status = '' AND sent_at >= \$2`).
		WithArgs("sent", now.Add(-24*time.Hour), 100, "error_retry").
		WillReturnRows(rows)

	msgs, err := repo.ListAwaitingDelivery(context.Background(), now.Add(-24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, core_domain.StateErrorRetry, msgs[1].State)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_ApplyDeliveryStatus(t *testing.T) {
	repo, mockPool, now := newMockRepo(t)
	report := core_domain.DeliveryReport{
		MessageID:         4,
		ProviderMessageID: "pref-4",
		Status:            core_domain.DeliveryDelivered,
		ProviderStatus:    "0",
		ReportedAt:        now,
	}
	query := `UPDATE messages\s+SET delivery_status = \$2, provider_status = \$3, delivered_at = \$4, updated_at = \$4\s+WHERE id = \$1 AND state IN \(\$5, \$7\) AND delivery_status = '' AND provider_message_id = \$6`
	mockPool.ExpectExec(query).
		WithArgs(int64(4), "delivered", "0", now, "sent", "pref-4", "error_retry").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockPool.ExpectExec(query).
		WithArgs(int64(4), "delivered", "0", now, "sent", "pref-4", "error_retry").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	applied, err := repo.ApplyDeliveryStatus(context.Background(), report)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.ApplyDeliveryStatus(context.Background(), report)
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = repo.ApplyDeliveryStatus(context.Background(), core_domain.DeliveryReport{MessageID: 4})
	assert.Error(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_ListWaiting(t *testing.T) {
	repo, mockPool, now := newMockRepo(t)
	rows := mockPool.NewRows(messageColumnNames).
		AddRow(int64(7), "sms", "+1", "", "", "a", "", "", []byte(nil), "waiting", "", "", "sns",
			(*string)(nil), (*time.Time)(nil), (*string)(nil), (*time.Time)(nil), (*int64)(nil), now, now).
		AddRow(int64(8), "email", "a@b.c", "", "Subj", "b", "", "", []byte(`[{"type":"user","id":"1"}]`), "waiting", "", "", "mandrill",
			(*string)(nil), (*time.Time)(nil), (*string)(nil), (*time.Time)(nil), (*int64)(nil), now, now)
	mockPool.ExpectQuery(`FROM messages\s+WHERE state = \$1 AND created_at < \$2`).
		WithArgs("waiting", now, 50).
		WillReturnRows(rows)

	msgs, err := repo.ListWaiting(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, core_domain.ChannelEmail, msgs[1].Kind.Channel())
	assert.Equal(t, []core_domain.RelatedObject{{Type: "user", ID: "1"}}, msgs[1].RelatedObjects)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPgMessageRepository_ExecErrorIsWrapped(t *testing.T) {
	repo, mockPool, now := newMockRepo(t)
	dbErr := errors.New("connection reset")
	mockPool.ExpectExec(`UPDATE messages`).WithArgs(int64(9), "sending", now, "waiting").WillReturnError(dbErr)

	_, err := repo.Claim(context.Background(), 9)
	assert.ErrorIs(t, err, dbErr)
}

func strPtr(s string) *string { return &s }
