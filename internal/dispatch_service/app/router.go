package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
	"github.com/aradsms/messaging_dispatcher/internal/dispatch_service/domain"
)

// routeTable is one immutable routing configuration.
type routeTable struct {
	epoch    uint64
	routes   []*domain.Route
	defaults map[core_domain.Channel]string
}

// Router picks the backend for a message from the active route rules.
type Router struct {
	logger *slog.Logger

	mu       sync.Mutex // serializes reloads
	source   domain.RouteRepository
	defaults map[core_domain.Channel]string

	table atomic.Pointer[routeTable]
}

// NewRouter creates a Router with an empty rule set. Call Reload to load rules.
func NewRouter(source domain.RouteRepository, defaults map[core_domain.Channel]string, logger *slog.Logger) *Router {
	r := &Router{
		logger:   logger.With("component", "router"),
		source:   source,
		defaults: copyDefaults(defaults),
	}
	r.table.Store(&routeTable{defaults: r.defaults})
	return r
}

// Reload reads the rules from the route source and swaps them in atomically.
// Selections running during the swap see either the old or the new rule set.
func (r *Router) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reloadLocked(ctx)
}

// Reconfigure replaces the route source and channel defaults, then reloads.
func (r *Router) Reconfigure(ctx context.Context, source domain.RouteRepository, defaults map[core_domain.Channel]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = source
	r.defaults = copyDefaults(defaults)
	return r.reloadLocked(ctx)
}

func (r *Router) reloadLocked(ctx context.Context) error {
	routes, err := r.source.GetActiveRoutesOrderedByPriority(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to load routes", "error", err)
		return fmt.Errorf("failed to get active routes: %w", err)
	}
	sorted := make([]*domain.Route, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].Name < sorted[j].Name
	})

	next := &routeTable{
		epoch:    r.table.Load().epoch + 1,
		routes:   sorted,
		defaults: r.defaults,
	}
	r.table.Store(next)
	r.logger.InfoContext(ctx, "Routes loaded", "count", len(sorted), "epoch", next.epoch)
	return nil
}

// Epoch identifies the routing configuration currently in use.
func (r *Router) Epoch() uint64 {
	return r.table.Load().epoch
}

// SelectBackend returns the backend name for a message. The first matching rule wins; without
// a match the channel default is used.
func (r *Router) SelectBackend(channel core_domain.Channel, recipient string, isVoice bool) (string, error) {
	table := r.table.Load()
	for _, route := range table.routes {
		if r.matches(route.Criteria, channel, recipient, isVoice) {
			r.logger.Debug("Route matched", "route_name", route.Name, "backend", route.BackendName, "recipient", recipient)
			return route.BackendName, nil
		}
	}
	if name, ok := table.defaults[channel]; ok && name != "" {
		return name, nil
	}
	r.logger.Warn("No backend for message", "channel", channel, "recipient", recipient, "is_voice", isVoice)
	return "", fmt.Errorf("%w: channel %s", core_domain.ErrNoBackend, channel)
}

// matches checks if the message attributes satisfy every criterion set on the route.
func (r *Router) matches(criteria domain.RouteCriteria, channel core_domain.Channel, recipient string, isVoice bool) bool {
	if criteria.Channel != "" && criteria.Channel != channel {
		return false
	}
	if criteria.Voice != nil && *criteria.Voice != isVoice {
		return false
	}

	number := strings.TrimPrefix(recipient, "+")
	if criteria.CountryCode != nil && *criteria.CountryCode != "" {
		if !strings.HasPrefix(number, *criteria.CountryCode) {
			return false
		}
	}

	if criteria.OperatorPrefix != nil && *criteria.OperatorPrefix != "" {
		// The prefix is compared after the country code when the rule names one.
		national := number
		if criteria.CountryCode != nil && *criteria.CountryCode != "" {
			national = strings.TrimPrefix(number, *criteria.CountryCode)
		}
		if !strings.HasPrefix(national, *criteria.OperatorPrefix) {
			return false
		}
	}
	return true
}

func copyDefaults(defaults map[core_domain.Channel]string) map[core_domain.Channel]string {
	out := make(map[core_domain.Channel]string, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	return out
}
