package plugin

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// CycleError reports a dependency cycle. Remaining holds every plugin that
// could not be ordered; nothing is silently dropped.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected among plugins: %s", strings.Join(e.Remaining, ", "))
}

// UnknownPluginError reports a reference to a plugin that is not registered.
type UnknownPluginError struct {
	Name       string
	RequiredBy string // Empty when the unknown plugin was requested directly
}

func (e *UnknownPluginError) Error() string {
	if e.RequiredBy != "" {
		return fmt.Sprintf("unknown plugin %q (required by %q)", e.Name, e.RequiredBy)
	}
	return fmt.Sprintf("unknown plugin %q", e.Name)
}

// DataStore is the slice of the analytical store the resolver needs to verify
// that a dependency has actually produced data.
type DataStore interface {
	TableExists(name string) (bool, error)
	LatestDate(table, dateColumn string) (*string, error)
}

// DependencyCheck reports whether a plugin's hard dependencies are runnable.
type DependencyCheck struct {
	Plugin         string   `json:"plugin"`
	Satisfied      bool     `json:"satisfied"`
	MissingPlugins []string `json:"missing_plugins"`
	MissingDataFor []string `json:"missing_data_for"`
}

// Resolver orders plugin execution so dependencies come before dependents.
type Resolver struct {
	registry *Registry
	store    DataStore
	log      zerolog.Logger
}

// NewResolver creates a new dependency resolver.
func NewResolver(registry *Registry, store DataStore, log zerolog.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		store:    store,
		log:      log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve expands the requested plugin set with its dependency closure and
// returns a valid execution order (dependencies first) via Kahn's algorithm.
// Ties among ready plugins break by role (BASIC < PRIMARY < DERIVED <
// AUXILIARY), then name, so the output is deterministic.
//
// Hard dependencies always join the closure; optional dependencies join only
// when includeOptional is set and the dependency is registered. An unknown
// hard dependency fails the whole resolution - never a partial order.
func (r *Resolver) Resolve(requested []string, includeOptional bool) ([]string, error) {
	closure := make(map[string]*Plugin)

	pending := append([]string(nil), requested...)
	for len(pending) > 0 {
		name := pending[0]
		pending = pending[1:]

		if _, seen := closure[name]; seen {
			continue
		}

		p := r.registry.Get(name)
		if p == nil {
			return nil, &UnknownPluginError{Name: name}
		}
		closure[name] = p

		for _, dep := range p.Dependencies {
			if !r.registry.Has(dep) {
				return nil, &UnknownPluginError{Name: dep, RequiredBy: name}
			}
			pending = append(pending, dep)
		}
		if includeOptional {
			for _, dep := range p.OptionalDependencies {
				// Absent optional dependencies never block
				if r.registry.Has(dep) {
					pending = append(pending, dep)
				}
			}
		}
	}

	// Kahn's algorithm over the closure. In-degree counts unresolved
	// dependencies; a zero in-degree plugin is ready to run.
	inDegree := make(map[string]int, len(closure))
	dependents := make(map[string][]string, len(closure))
	for name := range closure {
		inDegree[name] = 0
	}
	for name, p := range closure {
		for _, dep := range r.effectiveDeps(p, includeOptional) {
			if _, ok := closure[dep]; !ok {
				continue
			}
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0, len(closure))
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(closure))
	for len(ready) > 0 {
		r.sortReady(ready, closure)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) < len(closure) {
		remaining := make([]string, 0, len(closure)-len(order))
		for name, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Remaining: remaining}
	}

	return order, nil
}

// effectiveDeps returns the dependency edges used for ordering.
func (r *Resolver) effectiveDeps(p *Plugin, includeOptional bool) []string {
	if !includeOptional || len(p.OptionalDependencies) == 0 {
		return p.Dependencies
	}

	deps := append([]string(nil), p.Dependencies...)
	for _, dep := range p.OptionalDependencies {
		if r.registry.Has(dep) {
			deps = append(deps, dep)
		}
	}
	return deps
}

// sortReady orders the ready set by role, then name.
func (r *Resolver) sortReady(ready []string, closure map[string]*Plugin) {
	sort.Slice(ready, func(i, j int) bool {
		pi, pj := closure[ready[i]], closure[ready[j]]
		if pi.Role.SortOrder() != pj.Role.SortOrder() {
			return pi.Role.SortOrder() < pj.Role.SortOrder()
		}
		return pi.Name < pj.Name
	})
}

// CheckDependencies verifies that every hard dependency of a plugin exists
// and has produced data. Informational for batch triggers, a hard
// precondition for single-plugin manual triggers.
func (r *Resolver) CheckDependencies(name string) (*DependencyCheck, error) {
	p := r.registry.Get(name)
	if p == nil {
		return nil, &UnknownPluginError{Name: name}
	}

	check := &DependencyCheck{
		Plugin:         name,
		MissingPlugins: make([]string, 0),
		MissingDataFor: make([]string, 0),
	}

	for _, depName := range p.Dependencies {
		dep := r.registry.Get(depName)
		if dep == nil {
			check.MissingPlugins = append(check.MissingPlugins, depName)
			continue
		}

		hasData, err := r.hasProducedData(dep)
		if err != nil {
			return nil, fmt.Errorf("failed to check data for dependency %s: %w", depName, err)
		}
		if !hasData {
			check.MissingDataFor = append(check.MissingDataFor, depName)
		}
	}

	check.Satisfied = len(check.MissingPlugins) == 0 && len(check.MissingDataFor) == 0
	return check, nil
}

// hasProducedData checks whether a plugin's target table exists and holds at
// least one dated row.
func (r *Resolver) hasProducedData(p *Plugin) (bool, error) {
	if p.Schema == nil {
		return true, nil
	}
	schema := p.Schema()

	exists, err := r.store.TableExists(schema.TableName)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	if schema.DateColumn == "" {
		return true, nil
	}

	latest, err := r.store.LatestDate(schema.TableName, schema.DateColumn)
	if err != nil {
		return false, err
	}
	return latest != nil, nil
}
