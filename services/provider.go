package services

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/LovationAdmin/bank-aggregator/config"
	"github.com/LovationAdmin/bank-aggregator/middleware"
	"github.com/LovationAdmin/bank-aggregator/models"
)

// Provider is the read-only contract every bank data adapter implements.
// It has no method that moves money or changes state at the provider.
type Provider interface {
	Name() string
	ConfigSchema() []config.Field
	ValidateConfig(cfg config.ProviderConfig) error
	ListAccounts(ctx context.Context, cfg config.ProviderConfig) ([]models.Account, error)
	ListTransactions(ctx context.Context, cfg config.ProviderConfig, accountID string, filter *models.Filter) ([]models.Transaction, error)
	GetBalance(ctx context.Context, cfg config.ProviderConfig, accountID string) ([]models.Balance, error)
}

// AdapterOptions carries the pieces shared by every adapter.
type AdapterOptions struct {
	// HTTPClient replaces the default client (tests, custom transports).
	// Teller ignores it unless a base URL override is configured, since it
	// needs its own mTLS transport.
	HTTPClient *http.Client
	Retry      RetryPolicy
	// RequestsPerMinute throttles outbound calls per adapter; 0 disables it.
	RequestsPerMinute int
}

func (o AdapterOptions) httpClient() *http.Client {
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if o.RequestsPerMinute <= 0 {
		return client
	}
	throttled := *client
	throttled.Transport = middleware.NewThrottle(o.RequestsPerMinute, time.Minute, client.Transport)
	return &throttled
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry maps provider names to adapters.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// DefaultRegistry wires every adapter this module ships.
func DefaultRegistry(opts AdapterOptions) *Registry {
	return NewRegistry(
		NewPlaidProvider(opts),
		NewEnableBankingProvider(opts),
		NewTinkProvider(opts),
		NewTellerProvider(opts),
		NewGoCardlessProvider(opts),
		NewMockProvider(),
	)
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names lists the registered providers in alphabetical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// wrongConfig is returned when an adapter receives another provider's config.
func wrongConfig(provider string, cfg config.ProviderConfig) error {
	got := "nil"
	if cfg != nil {
		got = cfg.ProviderName()
	}
	return &models.ConfigError{Provider: provider, Reason: "expected " + provider + " config, got " + got}
}

// validateAgainst runs the generic required-field check for an adapter.
func validateAgainst(provider string, schema []config.Field, cfg config.ProviderConfig) error {
	if cfg == nil || cfg.ProviderName() != provider {
		return wrongConfig(provider, cfg)
	}
	return config.Validate(provider, schema, cfg.Values())
}
