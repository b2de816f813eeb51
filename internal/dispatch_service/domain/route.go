package domain // dispatch_service/domain

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
)

// RouteCriteria defines the conditions for a route to be matched.
// All fields are optional; an empty criteria matches every message of any channel.
type RouteCriteria struct {
	Channel        core_domain.Channel `json:"channel,omitempty" mapstructure:"channel"`
	CountryCode    *string             `json:"country_code,omitempty" mapstructure:"country_code"`       // e.g., "420", "98"
	OperatorPrefix *string             `json:"operator_prefix,omitempty" mapstructure:"operator_prefix"` // digits after the country code, e.g., "602"
	Voice          *bool               `json:"voice,omitempty" mapstructure:"voice"`
}

// Route sends matching messages to a named backend.
type Route struct {
	ID           uuid.UUID     `json:"id"`
	Name         string        `json:"name"`
	Priority     int           `json:"priority"` // Lower number means higher priority
	Criteria     RouteCriteria `json:"criteria"`
	CriteriaJSON string        `json:"criteria_json"` // Raw JSON string of criteria from DB
	BackendName  string        `json:"backend_name"`
	IsActive     bool          `json:"is_active"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// RouteRepository defines the interface for fetching route data.
type RouteRepository interface {
	// GetActiveRoutesOrderedByPriority fetches all active routes,
	// ordered by priority (ascending, so lower number is higher priority).
	GetActiveRoutesOrderedByPriority(ctx context.Context) ([]*Route, error)
}

// StaticRoutes serves routes defined in configuration.
type StaticRoutes []*Route

func (s StaticRoutes) GetActiveRoutesOrderedByPriority(context.Context) ([]*Route, error) {
	active := make([]*Route, 0, len(s))
	for _, r := range s {
		if r.IsActive {
			active = append(active, r)
		}
	}
	return active, nil
}
