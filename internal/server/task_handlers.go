package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/collector/internal/plugin"
	"github.com/aristath/collector/internal/task"
)

type createTasksRequest struct {
	PluginName  string   `json:"plugin_name,omitempty"`
	PluginNames []string `json:"plugin_names,omitempty"`
	TaskType    string   `json:"task_type"`
	TradeDates  []string `json:"trade_dates,omitempty"`
	UserID      string   `json:"user_id,omitempty"`
}

// handleCreateTasks creates one task, or a batch over several plugins.
// A single-plugin create requires the plugin's hard dependencies to be
// satisfied; batch creates only report dependency state, they do not gate.
func (s *Server) handleCreateTasks(w http.ResponseWriter, r *http.Request) {
	var req createTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	names := req.PluginNames
	single := false
	if req.PluginName != "" {
		if len(names) > 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("use plugin_name or plugin_names, not both"))
			return
		}
		names = []string{req.PluginName}
		single = true
	}
	if len(names) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("plugin_name or plugin_names is required"))
		return
	}

	if single {
		check, err := s.resolver.CheckDependencies(names[0])
		if err != nil {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		if !check.Satisfied {
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error": "dependencies not satisfied",
				"check": check,
			})
			return
		}
	}

	created := make([]*task.Task, 0, len(names))
	for _, name := range names {
		t, err := s.manager.CreateTask(name, task.Type(strings.ToUpper(req.TaskType)), req.TradeDates, req.UserID)
		if err != nil {
			// A batch is all-or-nothing: cancel whatever was already created
			for _, prev := range created {
				if _, cancelErr := s.manager.CancelTask(prev.ID); cancelErr != nil {
					s.log.Error().Err(cancelErr).Str("task_id", prev.ID).Msg("Failed to cancel task while unwinding batch")
				}
			}
			status := http.StatusBadRequest
			var unknown *plugin.UnknownPluginError
			if errors.As(err, &unknown) {
				status = http.StatusNotFound
			}
			s.writeError(w, status, err)
			return
		}
		created = append(created, t)
	}

	if single {
		s.writeJSON(w, http.StatusCreated, created[0])
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"tasks": created, "total": len(created)})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.ListFilter{
		Status:     task.Status(strings.ToUpper(q.Get("status"))),
		PluginName: q.Get("plugin"),
		UserID:     q.Get("user"),
		Limit:      queryInt(q.Get("limit"), 50),
		Offset:     queryInt(q.Get("offset"), 0),
	}

	tasks, total, err := s.manager.ListTasks(filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  tasks,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.manager.GetTask(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if t == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.manager.CancelTask(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, fmt.Errorf("task %s is not pending", id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "task_id": id})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.manager.RetryTask(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if t == nil {
		s.writeError(w, http.StatusConflict, fmt.Errorf("task %s is not in a retryable state", id))
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.manager.DeleteTask(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, fmt.Errorf("task %s is running or already gone", id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "task_id": id})
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
