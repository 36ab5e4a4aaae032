// Package main is the entry point for the collector, a plugin-based market
// data ingestion service. It wires the databases, the plugin registry, the
// task worker pool, the execution scheduler and the HTTP API, then runs until
// a shutdown signal arrives.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/collector/internal/calendar"
	"github.com/aristath/collector/internal/config"
	"github.com/aristath/collector/internal/database"
	"github.com/aristath/collector/internal/events"
	"github.com/aristath/collector/internal/execution"
	"github.com/aristath/collector/internal/plugin"
	"github.com/aristath/collector/internal/provider"
	"github.com/aristath/collector/internal/reliability"
	"github.com/aristath/collector/internal/schedule"
	"github.com/aristath/collector/internal/scheduler"
	"github.com/aristath/collector/internal/server"
	"github.com/aristath/collector/internal/settings"
	"github.com/aristath/collector/internal/storage"
	"github.com/aristath/collector/internal/task"
	"github.com/aristath/collector/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)
	boot := logger.Component(log, "main")

	boot.Info().
		Str("data_dir", cfg.DataDir).
		Int("port", cfg.Port).
		Strs("markets", cfg.WatchedMarkets).
		Msg("Starting collector")

	databases := openDatabases(cfg, boot)
	defer closeDatabases(databases, boot)

	queueDB := databases["queue"]
	historyDB := databases["history"]
	configDB := databases["config"]
	marketDB := databases["market"]

	settingsRepo := settings.NewRepository(configDB.Conn(), log)
	scheduleCfg := schedule.NewService(settingsRepo, log)

	client := provider.New(cfg.ProviderBaseURL, cfg.ProviderToken, log)
	registry := plugin.NewRegistry()
	registry.RegisterAll(plugin.Catalog(client))
	boot.Info().Int("plugins", registry.Count()).Msg("Plugin registry initialized")

	marketStore := storage.NewStore(marketDB, log)
	resolver := plugin.NewResolver(registry, marketStore, log)
	days := calendar.NewService(marketDB, log)

	taskStore := task.NewStore(queueDB, log)
	taskHistory := task.NewHistory(historyDB, log)
	bus := events.NewBus(log)

	manager := task.NewManager(registry, taskStore, taskHistory, marketStore, bus, log)
	if concurrency, err := scheduleCfg.GetConcurrency(); err != nil {
		boot.Warn().Err(err).Msg("Failed to load persisted concurrency, using defaults")
	} else if err := manager.SetConcurrency(concurrency); err != nil {
		boot.Warn().Err(err).Msg("Persisted concurrency is out of bounds, using defaults")
	}

	records := execution.NewStore(historyDB, log)
	exec := execution.NewService(records, manager, registry, resolver, scheduleCfg, days,
		marketStore, bus, cfg.WatchedMarkets, log)

	// Crash recovery runs before any new work is admitted: tasks first so
	// the record-level pass sees them in their final state.
	if n, err := taskStore.RecoverInterrupted(); err != nil {
		boot.Error().Err(err).Msg("Task crash recovery failed")
	} else if n > 0 {
		boot.Warn().Int64("tasks", n).Msg("Marked tasks interrupted by previous shutdown as failed")
	}
	if err := exec.RecoverOnStartup(); err != nil {
		boot.Error().Err(err).Msg("Execution record recovery failed")
	}

	var backup scheduler.Backupper
	if cfg.Backup.Enabled {
		s3, err := reliability.NewS3Client(context.Background(), cfg.Backup, log)
		if err != nil {
			boot.Error().Err(err).Msg("Failed to initialize backup storage, backups disabled")
		} else {
			backup = reliability.NewBackupService(databases, s3, cfg.DataDir, cfg.Backup.RetainDays, log)
			boot.Info().Str("bucket", cfg.Backup.Bucket).Msg("Nightly backups enabled")
		}
	}

	sched := scheduler.New(exec, manager, scheduleCfg, registry, marketStore, days,
		taskHistory, backup, cfg.WatchedMarkets, log)
	if err := sched.Start(); err != nil {
		boot.Fatal().Err(err).Msg("Failed to start scheduler")
	}
	defer sched.Stop()

	manager.Start()
	defer manager.Stop()

	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		DataDir:   cfg.DataDir,
		Registry:  registry,
		Resolver:  resolver,
		Manager:   manager,
		Execution: exec,
		Schedule:  scheduleCfg,
		Scheduler: sched,
		Bus:       bus,
		Databases: databases,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		boot.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		boot.Error().Err(err).Msg("HTTP server stopped unexpectedly")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		boot.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// Deferred stops follow: the manager waits for in-flight tasks before
	// the databases close.
	boot.Info().Msg("Collector stopped")
}

// openDatabases opens and migrates the four databases. The task queue is the
// single source of truth, so refusing to start without it beats running with
// amnesia; every other database is equally load-bearing for its service.
func openDatabases(cfg *config.Config, log zerolog.Logger) map[string]*database.DB {
	specs := []struct {
		name    string
		profile database.DatabaseProfile
	}{
		{"queue", database.ProfileStandard},
		{"history", database.ProfileLedger},
		{"config", database.ProfileStandard},
		{"market", database.ProfileStandard},
	}

	databases := make(map[string]*database.DB, len(specs))
	for _, spec := range specs {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, spec.name+".db"),
			Profile: spec.profile,
			Name:    spec.name,
		})
		if err != nil {
			log.Fatal().Err(err).Str("database", spec.name).Msg("Failed to open database")
		}
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", spec.name).Msg("Failed to migrate database")
		}
		databases[spec.name] = db
	}
	return databases
}

func closeDatabases(databases map[string]*database.DB, log zerolog.Logger) {
	for name, db := range databases {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Str("database", name).Msg("Failed to close database")
		}
	}
}
