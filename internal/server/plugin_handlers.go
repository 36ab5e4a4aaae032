package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/collector/internal/plugin"
)

type pluginDTO struct {
	Name                 string   `json:"name"`
	Category             string   `json:"category"`
	Role                 string   `json:"role"`
	Dependencies         []string `json:"dependencies"`
	OptionalDependencies []string `json:"optional_dependencies"`
	RateLimit            int      `json:"rate_limit"`
	Frequency            string   `json:"frequency,omitempty"`
	HasTable             bool     `json:"has_table"`
}

func toPluginDTO(p *plugin.Plugin) pluginDTO {
	return pluginDTO{
		Name:                 p.Name,
		Category:             string(p.Category),
		Role:                 string(p.Role),
		Dependencies:         append([]string{}, p.Dependencies...),
		OptionalDependencies: append([]string{}, p.OptionalDependencies...),
		RateLimit:            p.RateLimit,
		Frequency:            string(p.Schedule.Frequency),
		HasTable:             p.Schema != nil,
	}
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	plugins := s.registry.List()
	out := make([]pluginDTO, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, toPluginDTO(p))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plugins": out, "total": len(out)})
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p := s.registry.Get(name)
	if p == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("plugin %q not found", name))
		return
	}
	s.writeJSON(w, http.StatusOK, toPluginDTO(p))
}

func (s *Server) handlePluginDependencies(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.registry.Has(name) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("plugin %q not found", name))
		return
	}

	deps := s.registry.GetDependencies(name)
	out := make([]pluginDTO, 0, len(deps))
	for _, p := range deps {
		out = append(out, toPluginDTO(p))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plugin": name, "dependencies": out})
}

func (s *Server) handlePluginDependents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.registry.Has(name) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("plugin %q not found", name))
		return
	}

	dependents := s.registry.GetDependents(name)
	out := make([]pluginDTO, 0, len(dependents))
	for _, p := range dependents {
		out = append(out, toPluginDTO(p))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plugin": name, "dependents": out})
}

// handleDependencyGraph returns the whole graph: forward and reverse edges
// for every registered plugin.
func (s *Server) handleDependencyGraph(w http.ResponseWriter, r *http.Request) {
	type node struct {
		Dependencies         []string `json:"dependencies"`
		OptionalDependencies []string `json:"optional_dependencies"`
		Dependents           []string `json:"dependents"`
	}

	graph := make(map[string]node)
	for _, p := range s.registry.List() {
		dependents := s.registry.GetDependents(p.Name)
		names := make([]string, 0, len(dependents))
		for _, d := range dependents {
			names = append(names, d.Name)
		}
		graph[p.Name] = node{
			Dependencies:         append([]string{}, p.Dependencies...),
			OptionalDependencies: append([]string{}, p.OptionalDependencies...),
			Dependents:           names,
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"graph": graph})
}

func (s *Server) handleCheckDependencies(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	check, err := s.resolver.CheckDependencies(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, check)
}
