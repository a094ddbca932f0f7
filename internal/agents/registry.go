package agents

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hochfrequenz/agent-queue/internal/config"
	"github.com/hochfrequenz/agent-queue/internal/domain"
)

// Registry maps agent ids to adapters
type Registry struct {
	mu           sync.RWMutex
	adapters     map[string]Adapter
	defaultAgent string
}

// NewRegistry creates an empty registry whose default is defaultAgent
func NewRegistry(defaultAgent string) *Registry {
	return &Registry{
		adapters:     make(map[string]Adapter),
		defaultAgent: defaultAgent,
	}
}

// NewRegistryFromConfig registers the built-in adapters with their configured overrides
func NewRegistryFromConfig(cfg *config.Config) *Registry {
	r := NewRegistry(cfg.Execution.DefaultAgent)
	r.Register(NewClaude(cfg.Agent(ClaudeID)))
	r.Register(NewOpenCode(cfg.Agent(OpenCodeID)))
	return r
}

// Register adds or replaces an adapter
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for id
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Has reports whether id is registered
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// DefaultID returns the id used for tasks without an explicit agent
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultAgent
}

// SetDefault changes the default agent
func (r *Registry) SetDefault(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultAgent = id
}

// Resolve returns the adapter for id, or the default adapter when id is empty
func (r *Registry) Resolve(id string) (Adapter, error) {
	if id == "" {
		id = r.DefaultID()
	}
	a, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, domain.ErrUnknownAgent)
	}
	return a, nil
}

// IDs returns the registered ids, sorted
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
