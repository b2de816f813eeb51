package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
	"github.com/aradsms/messaging_dispatcher/internal/platform/database"
)

type PgTemplateRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

func NewPgTemplateRepository(db database.DBTX, logger *slog.Logger) *PgTemplateRepository {
	return &PgTemplateRepository{db: db, logger: logger.With("component", "template_repository_pg")}
}

var _ core_domain.TemplateRepository = (*PgTemplateRepository)(nil)

// GetByKey looks up the exact (slug, locale, variant) template.
func (r *PgTemplateRepository) GetByKey(ctx context.Context, key core_domain.TemplateKey) (*core_domain.Template, error) {
	query := `
		SELECT sender, subject, body, is_voice_message
		FROM templates
		WHERE slug = $1 AND locale = $2 AND variant = $3`
	r.logger.DebugContext(ctx, "Fetching template", "slug", key.Slug, "locale", key.Locale, "variant", key.Variant)

	tmpl := &core_domain.Template{Key: key}
	err := r.db.QueryRow(ctx, query, key.Slug, key.Locale, key.Variant).
		Scan(&tmpl.Sender, &tmpl.Subject, &tmpl.Body, &tmpl.IsVoiceMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s/%s", core_domain.ErrTemplateNotFound, key.Slug, key.Locale, key.Variant)
		}
		return nil, fmt.Errorf("querying template %s: %w", key.Slug, err)
	}
	return tmpl, nil
}
