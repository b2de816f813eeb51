package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/domain"
	"github.com/aradsms/messaging_dispatcher/internal/platform/database"
)

type PgRouteRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

// NewPgRouteRepository creates a new PostgreSQL route repository.
func NewPgRouteRepository(db database.DBTX, logger *slog.Logger) domain.RouteRepository {
	return &PgRouteRepository{db: db, logger: logger.With("component", "route_repository_pg")}
}

func (r *PgRouteRepository) GetActiveRoutesOrderedByPriority(ctx context.Context) ([]*domain.Route, error) {
	query := `
		SELECT id, name, priority, criteria_json, backend_name, is_active, created_at, updated_at
		FROM routes
		WHERE is_active = TRUE
		ORDER BY priority ASC, name ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error querying active routes", "error", err)
		return nil, fmt.Errorf("querying active routes: %w", err)
	}
	defer rows.Close()

	var routes []*domain.Route
	for rows.Next() {
		var route domain.Route
		if err := rows.Scan(
			&route.ID, &route.Name, &route.Priority, &route.CriteriaJSON, &route.BackendName,
			&route.IsActive, &route.CreatedAt, &route.UpdatedAt,
		); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning route row", "error", err)
			continue
		}
		if route.CriteriaJSON != "" && route.CriteriaJSON != "{}" {
			if err := json.Unmarshal([]byte(route.CriteriaJSON), &route.Criteria); err != nil {
				// A route with unreadable criteria would match too much.
				r.logger.ErrorContext(ctx, "Error unmarshalling route criteria_json", "route_id", route.ID, "json_string", route.CriteriaJSON, "error", err)
				continue
			}
		}
		routes = append(routes, &route)
	}

	if err = rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error after iterating route rows", "error", err)
		return nil, fmt.Errorf("iterating route rows: %w", err)
	}

	r.logger.InfoContext(ctx, "Fetched active routes", "count", len(routes))
	return routes, nil
}
