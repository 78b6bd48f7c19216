package provider

import (
	"fmt"
	"sort"

	"cellar/internal/config"
	"cellar/internal/port"
)

// Factory creates an LLMProvider from a provider config.
type Factory func(cfg *config.ProviderConfig) (port.LLMProvider, error)

// registry of provider factories, populated at startup via RegisterProvider.
var providers = map[string]Factory{}

// RegisterProvider registers a provider factory by name.
func RegisterProvider(name string, factory Factory) {
	providers[name] = factory
}

// Registered lists the registered provider names.
func Registered() []string {
	names := make([]string, 0, len(providers))
	for n := range providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewProvider creates an LLMProvider from a provider config using the registered factory.
func NewProvider(cfg *config.ProviderConfig) (port.LLMProvider, error) {
	factory, ok := providers[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	return factory(cfg)
}

// NewTierProvider builds the provider for one tier: the primary alone, or a
// FallbackProvider when a fallback is configured.
func NewTierProvider(tier *config.TierConfig) (port.LLMProvider, error) {
	primary, err := NewProvider(&tier.Primary)
	if err != nil {
		return nil, fmt.Errorf("primary provider: %w", err)
	}
	if !tier.Fallback.Configured() {
		return primary, nil
	}
	fallback, err := NewProvider(&tier.Fallback)
	if err != nil {
		return nil, fmt.Errorf("fallback provider: %w", err)
	}
	return NewFallbackProvider([]port.LLMProvider{primary, fallback}, nil), nil
}
