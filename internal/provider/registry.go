package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chat-relay/internal/models"
)

// ErrUnknownProvider indicates the requested provider is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrDuplicateProvider indicates an attempt to register the same provider twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// ErrMissingAPIKey indicates the provider has no upstream credential configured.
var ErrMissingAPIKey = errors.New("provider api key is not configured")

// Provider defines the behaviour required to serve canonical chat requests.
type Provider interface {
	Name() string
	// Configured reports whether upstream credentials are present.
	Configured() bool
	Complete(ctx context.Context, req models.ChatRequest) (*models.Completion, error)
	Stream(ctx context.Context, req models.ChatRequest) (models.EventStream, error)
}

// Registry maintains a mapping of provider names to providers.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Provider),
	}
}

// Register adds the provider to the registry.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
	}
	r.byName[p.Name()] = p
	return nil
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}
