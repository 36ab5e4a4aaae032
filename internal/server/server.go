// Package server provides the HTTP API over the orchestration services:
// plugins, tasks, execution records, configuration and the live event feed.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/collector/internal/database"
	"github.com/aristath/collector/internal/events"
	"github.com/aristath/collector/internal/execution"
	"github.com/aristath/collector/internal/plugin"
	"github.com/aristath/collector/internal/schedule"
	"github.com/aristath/collector/internal/scheduler"
	"github.com/aristath/collector/internal/task"
)

// Config wires the server to its collaborators.
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	DataDir   string
	Registry  *plugin.Registry
	Resolver  *plugin.Resolver
	Manager   *task.Manager
	Execution *execution.Service
	Schedule  *schedule.Service
	Scheduler *scheduler.Scheduler
	Bus       *events.Bus
	Databases map[string]*database.DB
}

// Server is the HTTP front of the collector.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	dataDir   string
	registry  *plugin.Registry
	resolver  *plugin.Resolver
	manager   *task.Manager
	execution *execution.Service
	schedule  *schedule.Service
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	databases map[string]*database.DB
	started   time.Time
}

// New creates the HTTP server and mounts all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		dataDir:   cfg.DataDir,
		registry:  cfg.Registry,
		resolver:  cfg.Resolver,
		manager:   cfg.Manager,
		execution: cfg.Execution,
		schedule:  cfg.Schedule,
		scheduler: cfg.Scheduler,
		bus:       cfg.Bus,
		databases: cfg.Databases,
		started:   time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Websocket feed outside the timeout middleware scope
		r.Get("/events", s.handleEvents)

		r.Route("/plugins", func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/", s.handleListPlugins)
			r.Get("/graph", s.handleDependencyGraph)
			r.Get("/{name}", s.handleGetPlugin)
			r.Get("/{name}/dependencies", s.handlePluginDependencies)
			r.Get("/{name}/dependents", s.handlePluginDependents)
			r.Get("/{name}/check", s.handleCheckDependencies)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Post("/", s.handleCreateTasks)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Post("/{id}/cancel", s.handleCancelTask)
			r.Post("/{id}/retry", s.handleRetryTask)
			r.Delete("/{id}", s.handleDeleteTask)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Post("/trigger", s.handleTrigger)
			r.Get("/", s.handleExecutionHistory)
			r.Get("/{id}", s.handleExecutionDetail)
			r.Post("/{id}/stop", s.handleStopExecution)
			r.Post("/{id}/retry", s.handleRetryExecution)
			r.Post("/{id}/partial-retry", s.handlePartialRetry)
		})

		r.Route("/config", func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/schedule", s.handleGetSchedule)
			r.Put("/schedule", s.handleUpdateSchedule)
			r.Get("/plugins", s.handleGetPluginSchedules)
			r.Put("/plugins/{name}", s.handleUpdatePluginSchedule)
			r.Get("/concurrency", s.handleGetConcurrency)
			r.Put("/concurrency", s.handleUpdateConcurrency)
		})

		r.Route("/system", func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/health", s.handleSystemHealth)
			r.Get("/sync-report", s.handleLastSyncReport)
			r.Get("/missing-data", s.handleMissingData)
		})
	})
}

// Start starts the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request handled")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "collector",
		"uptime":  time.Since(s.started).String(),
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a structured error response.
func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}
