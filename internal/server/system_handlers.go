package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type databaseHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// handleSystemHealth reports host resources, per-database integrity and the
// worker pool's current load.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":     "healthy",
		"uptime":     time.Since(s.started).String(),
		"goroutines": runtime.NumGoroutine(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		health["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		health["memory"] = map[string]any{
			"total_mb":     vm.Total / 1024 / 1024,
			"used_mb":      vm.Used / 1024 / 1024,
			"used_percent": vm.UsedPercent,
		}
	}
	if du, err := disk.Usage(s.dataDir); err == nil {
		health["disk"] = map[string]any{
			"total_gb":     du.Total / 1024 / 1024 / 1024,
			"free_gb":      du.Free / 1024 / 1024 / 1024,
			"used_percent": du.UsedPercent,
		}
	}

	databases := make([]databaseHealth, 0, len(s.databases))
	degraded := false
	for name, db := range s.databases {
		entry := databaseHealth{Name: name, Healthy: true}
		if err := db.QuickCheck(r.Context()); err != nil {
			entry.Healthy = false
			entry.Error = err.Error()
			degraded = true
		}
		databases = append(databases, entry)
	}
	health["databases"] = databases
	if degraded {
		health["status"] = "degraded"
	}

	health["running_tasks"] = s.manager.RunningPlugins()
	health["concurrency"] = s.manager.Concurrency()

	status := http.StatusOK
	if degraded {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) handleLastSyncReport(w http.ResponseWriter, r *http.Request) {
	report := s.scheduler.LastSyncReport()
	if report == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"report": nil, "message": "no sync has run yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

// handleMissingData runs the gap computation on demand.
func (s *Server) handleMissingData(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.CheckMissingData())
}
