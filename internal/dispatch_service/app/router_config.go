package app

import (
	"github.com/google/uuid"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/domain"
	"github.com/aradsms/messaging_dispatcher/internal/platform/config"
)

// staticRouteNamespace derives stable ids for routes defined in configuration.
var staticRouteNamespace = uuid.MustParse("6f1c2a52-7f0e-4a0b-9a57-2f5d1f3c8e11")

// RoutesFromConfig turns configured rules into a route source.
func RoutesFromConfig(rules []config.RouteConfig) domain.StaticRoutes {
	routes := make(domain.StaticRoutes, 0, len(rules))
	for _, rule := range rules {
		routes = append(routes, &domain.Route{
			ID:       uuid.NewSHA1(staticRouteNamespace, []byte(rule.Name)),
			Name:     rule.Name,
			Priority: rule.Priority,
			Criteria: domain.RouteCriteria{
				Channel:        core_domain.Channel(rule.Channel),
				CountryCode:    rule.CountryCode,
				OperatorPrefix: rule.OperatorPrefix,
				Voice:          rule.Voice,
			},
			BackendName: rule.BackendName,
			IsActive:    true,
		})
	}
	return routes
}

// DefaultsFromConfig maps configured channel names to channels.
func DefaultsFromConfig(defaults map[string]string) map[core_domain.Channel]string {
	out := make(map[core_domain.Channel]string, len(defaults))
	for channel, name := range defaults {
		out[core_domain.Channel(channel)] = name
	}
	return out
}

// RouteSource picks the configured route source.
func RouteSource(cfg *config.Config, table domain.RouteRepository) domain.RouteRepository {
	if cfg.Dispatch.RouteSource == "config" {
		return RoutesFromConfig(cfg.Routes)
	}
	return table
}
