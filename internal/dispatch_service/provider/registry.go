package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/aradsms/messaging_dispatcher/internal/core_domain"
)

// Variant names an adapter implementation.
type Variant string

const (
	VariantOperator Variant = "operator"
	VariantSNS      Variant = "sns"
	VariantMandrill Variant = "mandrill"
	VariantDummy    Variant = "dummy"
)

// BackendSpec declares one named backend.
type BackendSpec struct {
	Name    string
	Channel core_domain.Channel
	Variant Variant
}

// Settings is everything the registry needs to build backends.
type Settings struct {
	Backends []BackendSpec
	Operator OperatorConfig
	SNS      SNSConfig
	Mandrill MandrillConfig
}

type registryKey struct {
	channel core_domain.Channel
	name    string
}

// Registry builds backends on first use and caches them per (channel, name).
type Registry struct {
	store      core_domain.MessageStateStore
	logger     *slog.Logger
	httpClient *http.Client
	snsOpts    []SNSOption

	mu        sync.Mutex
	settings  Settings
	instances map[registryKey]Backend
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithHTTPClient shares one HTTP client between the HTTP based adapters.
func WithHTTPClient(c *http.Client) RegistryOption {
	return func(r *Registry) { r.httpClient = c }
}

// WithSNSOptions passes options to every SNS backend the registry builds.
func WithSNSOptions(opts ...SNSOption) RegistryOption {
	return func(r *Registry) { r.snsOpts = append(r.snsOpts, opts...) }
}

func NewRegistry(settings Settings, store core_domain.MessageStateStore, logger *slog.Logger, opts ...RegistryOption) (*Registry, error) {
	if err := validateSettings(settings); err != nil {
		return nil, err
	}
	r := &Registry{
		store:     store,
		logger:    logger.With("component", "backend_registry"),
		settings:  settings,
		instances: make(map[registryKey]Backend),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func validateSettings(settings Settings) error {
	seen := make(map[registryKey]bool)
	for _, spec := range settings.Backends {
		switch spec.Variant {
		case VariantOperator, VariantSNS:
			if spec.Channel != core_domain.ChannelSMS {
				return fmt.Errorf("backend %q: variant %s only serves the sms channel", spec.Name, spec.Variant)
			}
		case VariantMandrill:
			if spec.Channel != core_domain.ChannelEmail {
				return fmt.Errorf("backend %q: variant %s only serves the email channel", spec.Name, spec.Variant)
			}
		case VariantDummy:
		default:
			return fmt.Errorf("backend %q: unknown variant %q", spec.Name, spec.Variant)
		}
		key := registryKey{spec.Channel, spec.Name}
		if seen[key] {
			return fmt.Errorf("backend %q declared twice for channel %s", spec.Name, spec.Channel)
		}
		seen[key] = true
	}
	return nil
}

// Get returns the cached backend, building it on first use.
func (r *Registry) Get(channel core_domain.Channel, name string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{channel, name}
	if b, ok := r.instances[key]; ok {
		return b, nil
	}
	for _, spec := range r.settings.Backends {
		if spec.Channel == channel && spec.Name == name {
			b := r.build(spec)
			r.instances[key] = b
			r.logger.Info("Backend created", "backend", name, "channel", channel, "variant", spec.Variant)
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", core_domain.ErrUnknownBackend, channel, name)
}

// Lookup returns the backend declared under name on any channel. Callback endpoints only know
// the backend name.
func (r *Registry) Lookup(name string) (Backend, error) {
	r.mu.Lock()
	var channel core_domain.Channel
	for _, spec := range r.settings.Backends {
		if spec.Name == name {
			channel = spec.Channel
			break
		}
	}
	r.mu.Unlock()
	if channel == "" {
		return nil, fmt.Errorf("%w: %s", core_domain.ErrUnknownBackend, name)
	}
	return r.Get(channel, name)
}

// Names lists the configured backends of a channel.
func (r *Registry) Names(channel core_domain.Channel) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, spec := range r.settings.Backends {
		if spec.Channel == channel {
			names = append(names, spec.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Reset installs new settings and drops every cached backend, so rotated credentials are
// picked up by the next Get.
func (r *Registry) Reset(settings Settings) error {
	if err := validateSettings(settings); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = settings
	r.instances = make(map[registryKey]Backend)
	r.logger.Info("Backend registry reset", "backends", len(settings.Backends))
	return nil
}

func (r *Registry) build(spec BackendSpec) Backend {
	switch spec.Variant {
	case VariantOperator:
		return NewOperatorProvider(spec.Name, r.settings.Operator, r.store, r.logger, r.httpClient)
	case VariantSNS:
		return NewSNSProvider(spec.Name, r.settings.SNS, r.store, r.logger, r.snsOpts...)
	case VariantMandrill:
		return NewMandrillProvider(spec.Name, r.settings.Mandrill, r.store, r.logger, r.httpClient)
	default:
		return NewDummyProvider(spec.Name, spec.Channel, r.store, r.logger)
	}
}
