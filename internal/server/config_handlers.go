package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/collector/internal/schedule"
	"github.com/aristath/collector/internal/task"
)

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.schedule.GetConfig()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

// handleUpdateSchedule persists a new schedule document and rebuilds the cron
// entries so the change takes effect immediately.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	// Merge over the current document so a partial body keeps other fields
	cfg, err := s.schedule.GetConfig()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.schedule.SetConfig(cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.scheduler != nil {
		if err := s.scheduler.Reschedule(); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleGetPluginSchedules(w http.ResponseWriter, r *http.Request) {
	overrides, err := s.schedule.GetPluginConfigs()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	// Report the effective config for every registered plugin
	effective := make(map[string]schedule.PluginConfig, s.registry.Count())
	for _, name := range s.registry.Names() {
		cfg, ok := overrides[name]
		if !ok {
			cfg = schedule.DefaultPluginConfig
		}
		effective[name] = cfg
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plugins": effective})
}

func (s *Server) handleUpdatePluginSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.registry.Has(name) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("plugin %q not found", name))
		return
	}

	var cfg schedule.PluginConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.schedule.SetPluginConfig(name, cfg); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plugin": name, "config": cfg})
}

func (s *Server) handleGetConcurrency(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Concurrency())
}

// handleUpdateConcurrency validates, persists, and applies new worker-pool
// bounds. Out-of-range values are rejected, never clamped.
func (s *Server) handleUpdateConcurrency(w http.ResponseWriter, r *http.Request) {
	var cfg task.ConcurrencyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.schedule.SetConcurrency(cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.manager.SetConcurrency(cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}
