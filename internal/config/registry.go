package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/tonecoach/pkg/provider/llm"
	"github.com/MrWong99/tonecoach/pkg/provider/scoring"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	llm     map[string]func(ProviderEntry) (llm.Provider, error)
	scoring map[string]func(ProviderEntry) (scoring.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:     make(map[string]func(ProviderEntry) (llm.Provider, error)),
		scoring: make(map[string]func(ProviderEntry) (scoring.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterScoring registers a scoring provider factory under name.
func (r *Registry) RegisterScoring(name string, factory func(ProviderEntry) (scoring.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scoring[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateScoring instantiates a scoring provider using the factory registered under entry.Name.
func (r *Registry) CreateScoring(entry ProviderEntry) (scoring.Provider, error) {
	r.mu.RLock()
	factory, ok := r.scoring[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: scoring/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// LLMNames returns the registered LLM provider names in no particular order.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.llm))
	for name := range r.llm {
		out = append(out, name)
	}
	return out
}
