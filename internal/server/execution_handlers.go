package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/collector/internal/plugin"
)

type triggerRequest struct {
	GroupName   string   `json:"group_name,omitempty"`
	PluginNames []string `json:"plugin_names,omitempty"`
}

// handleTrigger starts a manual batch run. With a group name and plugin list
// it becomes a group trigger over exactly those plugins.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	var cycle *plugin.CycleError
	var unknown *plugin.UnknownPluginError

	if req.GroupName != "" {
		record, err := s.execution.TriggerGroup(req.GroupName, req.PluginNames)
		switch {
		case errors.As(err, &cycle), errors.As(err, &unknown):
			s.writeError(w, http.StatusUnprocessableEntity, err)
			return
		case err != nil:
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, record)
		return
	}

	record, err := s.execution.TriggerNow(true)
	switch {
	case errors.As(err, &cycle), errors.As(err, &unknown):
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleExecutionHistory(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r.URL.Query().Get("days"), 7)
	records, err := s.execution.History(days)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": records, "days": days})
}

func (s *Server) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	detail, err := s.execution.Detail(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if detail == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("execution record %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStopExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := s.execution.Stop(id)
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRetryExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := s.execution.Retry(id)
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

type partialRetryRequest struct {
	TaskIDs []string `json:"task_ids,omitempty"`
}

func (s *Server) handlePartialRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req partialRetryRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	record, err := s.execution.PartialRetry(id, req.TaskIDs)
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}
