package postgres

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
)

func TestPgTemplateRepository_GetByKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	key := core_domain.TemplateKey{Slug: "otp", Locale: "en", Variant: "default"}

	t.Run("Found", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgTemplateRepository(mockPool, logger)

		rows := mockPool.NewRows([]string{"sender", "subject", "body", "is_voice_message"}).
			AddRow("Skip Pay OTP", "", "Your code is {{code}}", true)
		mockPool.ExpectQuery(`SELECT sender, subject, body, is_voice_message\s+FROM templates\s+WHERE slug = \$1 AND locale = \$2 AND variant = \$3`).
			WithArgs("otp", "en", "default").
			WillReturnRows(rows)

		tmpl, err := repo.GetByKey(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, key, tmpl.Key)
		assert.Equal(t, "Skip Pay OTP", tmpl.Sender)
		assert.True(t, tmpl.IsVoiceMessage)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgTemplateRepository(mockPool, logger)

		mockPool.ExpectQuery(`FROM templates`).WithArgs("otp", "en", "default").WillReturnError(pgx.ErrNoRows)

		_, err = repo.GetByKey(context.Background(), key)
		assert.ErrorIs(t, err, core_domain.ErrTemplateNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgRouteRepository_GetActiveRoutesOrderedByPriority(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()
	repo := NewPgRouteRepository(mockPool, logger)

	now := time.Now()
	rows := mockPool.NewRows([]string{"id", "name", "priority", "criteria_json", "backend_name", "is_active", "created_at", "updated_at"}).
		AddRow(uuid.New(), "czech-voice", 1, `{"channel":"sms","country_code":"420","voice":true}`, "operator", true, now, now).
		AddRow(uuid.New(), "broken", 2, `{not json`, "sns", true, now, now).
		AddRow(uuid.New(), "fallback", 3, `{}`, "sns", true, now, now)
	mockPool.ExpectQuery(`FROM routes\s+WHERE is_active = TRUE\s+ORDER BY priority ASC, name ASC`).WillReturnRows(rows)

	routes, err := repo.GetActiveRoutesOrderedByPriority(context.Background())
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "czech-voice", routes[0].Name)
	assert.Equal(t, core_domain.ChannelSMS, routes[0].Criteria.Channel)
	require.NotNil(t, routes[0].Criteria.Voice)
	assert.True(t, *routes[0].Criteria.Voice)
	assert.Equal(t, "fallback", routes[1].Name)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
