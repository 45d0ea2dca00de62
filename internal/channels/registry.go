package channels

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps channel ids to factories. Ids are unique, case-sensitive
// and immutable once registered. The registry is an explicit dependency
// injected into the manager and the gateway, not package-global state.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]*Factory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]*Factory)}
}

// Register adds a factory. Registering a duplicate id fails.
func (r *Registry) Register(f *Factory) error {
	if f == nil || f.ID == "" {
		return fmt.Errorf("channels: factory must have an id")
	}
	if f.Create == nil {
		return fmt.Errorf("channels: factory %s has no create function", f.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[f.ID]; exists {
		return fmt.Errorf("channels: factory %s already registered", f.ID)
	}
	r.factories[f.ID] = f
	return nil
}

// Get returns the factory for an id.
func (r *Registry) Get(id string) (*Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[id]
	return f, ok
}

// List returns all factories ordered by id.
func (r *Registry) List() []*Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Factory, 0, len(r.factories))
	for _, f := range r.factories {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
