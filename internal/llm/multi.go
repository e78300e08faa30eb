package llm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// MultiClient routes requests to the appropriate provider based on model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client            // default client for unknown models
}

// NewMultiClient creates a client that routes to multiple providers.
// fallback may be nil, in which case unknown models are not served.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Serves reports whether a configured provider can handle model. A model
// mapped to a provider that was never registered (for example, one
// skipped for lack of credentials) is not served, even with a fallback.
func (m *MultiClient) Serves(model string) bool {
	if provider, ok := m.models[model]; ok {
		_, ok := m.clients[provider]
		return ok
	}
	return m.fallback != nil
}

// clientFor returns the appropriate client for a model.
func (m *MultiClient) clientFor(model string) Client {
	if provider, ok := m.models[model]; ok {
		return m.clients[provider]
	}
	return m.fallback
}

// Chat sends a request to the appropriate provider for the model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Chat(ctx, model, messages, tools)
}

// ChatStream sends a streaming request to the appropriate provider.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.ChatStream(ctx, model, messages, tools, callback)
}

// Ping checks every registered provider and the fallback, each once.
// The error names each provider that failed.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil && len(m.clients) == 0 {
		return fmt.Errorf("no provider configured")
	}
	names := slices.Sorted(maps.Keys(m.clients))
	seen := make(map[Client]bool, len(names)+1)
	var errs []error
	check := func(name string, c Client) {
		if seen[c] {
			return
		}
		seen[c] = true
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for _, name := range names {
		check(name, m.clients[name])
	}
	if m.fallback != nil {
		check("fallback", m.fallback)
	}
	return errors.Join(errs...)
}
