package plugin

import (
	"sort"
	"sync"
)

// Registry holds all registered plugins and provides lookup by name plus
// deterministic ordering. Populated once at startup; reload replaces the
// whole set.
type Registry struct {
	plugins map[string]*Plugin
	ordered []*Plugin // Ordered by role, then name
	mu      sync.RWMutex
	reorder bool // Flag to indicate ordering needs refresh
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
		ordered: make([]*Plugin, 0),
	}
}

// Register adds a plugin to the registry.
// If a plugin with the same name already exists, it will be replaced.
func (r *Registry) Register(p *Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plugins[p.Name] = p
	r.reorder = true
}

// RegisterAll registers every plugin in the slice.
func (r *Registry) RegisterAll(plugins []*Plugin) {
	for _, p := range plugins {
		r.Register(p)
	}
}

// Get returns a plugin by name, or nil if not found.
func (r *Registry) Get(name string) *Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.plugins[name]
}

// Has returns true if a plugin with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.plugins[name]
	return exists
}

// List returns all plugins ordered by role (foundational first), then name.
func (r *Registry) List() []*Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reorder {
		r.refreshOrder()
		r.reorder = false
	}

	// Return a copy to prevent external modification
	result := make([]*Plugin, len(r.ordered))
	copy(result, r.ordered)
	return result
}

// refreshOrder rebuilds the ordered slice.
// Must be called with lock held.
func (r *Registry) refreshOrder() {
	r.ordered = make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		r.ordered = append(r.ordered, p)
	}

	sort.Slice(r.ordered, func(i, j int) bool {
		if r.ordered[i].Role.SortOrder() != r.ordered[j].Role.SortOrder() {
			return r.ordered[i].Role.SortOrder() < r.ordered[j].Role.SortOrder()
		}
		return r.ordered[i].Name < r.ordered[j].Name
	})
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.plugins)
}

// Names returns all registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDependencies returns the plugins the given plugin hard-depends on.
// Unknown dependency names are skipped; the resolver reports those.
func (r *Registry) GetDependencies(name string) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p := r.plugins[name]
	if p == nil {
		return nil
	}

	deps := make([]*Plugin, 0, len(p.Dependencies))
	for _, depName := range p.Dependencies {
		if dep := r.plugins[depName]; dep != nil {
			deps = append(deps, dep)
		}
	}
	return deps
}

// GetDependents returns the plugins that hard-depend on the given plugin.
func (r *Registry) GetDependents(name string) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dependents := make([]*Plugin, 0)
	for _, p := range r.plugins {
		for _, depName := range p.Dependencies {
			if depName == name {
				dependents = append(dependents, p)
				break
			}
		}
	}

	sort.Slice(dependents, func(i, j int) bool {
		return dependents[i].Name < dependents[j].Name
	})
	return dependents
}
