// Package scheduler drives the recurring jobs: the daily sync, the
// missing-data check, history pruning and the nightly backup. Entries are
// computed from the persisted schedule configuration and rebuilt whenever it
// changes.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/collector/internal/calendar"
	"github.com/aristath/collector/internal/execution"
	"github.com/aristath/collector/internal/plugin"
	"github.com/aristath/collector/internal/schedule"
	"github.com/aristath/collector/internal/task"
)

const (
	// reportPollInterval is how often the sync job polls its tasks.
	reportPollInterval = 5 * time.Second

	// reportTimeout bounds the poll-wait; tasks still unterminated after it
	// are classified as timeouts in the report, never blocked on.
	reportTimeout = 45 * time.Minute

	// historyRetention is how long archived tasks are kept.
	historyRetention = 7 * 24 * time.Hour
)

// Backupper runs a full backup cycle. Satisfied by reliability.BackupService.
type Backupper interface {
	Run(ctx context.Context) error
}

// Scheduler owns the cron entries and the jobs they fire.
type Scheduler struct {
	cron      *cron.Cron
	execution *execution.Service
	manager   *task.Manager
	config    *schedule.Service
	registry  *plugin.Registry
	store     plugin.DataStore
	days      calendar.Oracle
	history   *task.History
	backup    Backupper // Nil when backups are disabled
	log       zerolog.Logger
	markets   []string

	mu       sync.Mutex
	entries  []cron.EntryID
	started  bool
	lastSync *SyncReport
}

// New creates the scheduler. The backup job is registered only when a
// backupper is provided.
func New(
	execution *execution.Service,
	manager *task.Manager,
	config *schedule.Service,
	registry *plugin.Registry,
	store plugin.DataStore,
	days calendar.Oracle,
	history *task.History,
	backup Backupper,
	markets []string,
	log zerolog.Logger,
) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		execution: execution,
		manager:   manager,
		config:    config,
		registry:  registry,
		store:     store,
		days:      days,
		history:   history,
		backup:    backup,
		markets:   markets,
		log:       log.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers all entries from the current configuration and starts the
// cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.log.Warn().Msg("Scheduler already started, ignoring")
		return nil
	}

	if err := s.registerEntries(); err != nil {
		return err
	}
	s.cron.Start()
	s.started = true
	s.log.Info().Int("entries", len(s.entries)).Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for any running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// Reschedule rebuilds all entries from the persisted configuration. Called
// after a schedule-config update so new times take effect without a restart.
func (s *Scheduler) Reschedule() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]
	if err := s.registerEntries(); err != nil {
		return err
	}
	s.log.Info().Int("entries", len(s.entries)).Msg("Scheduler entries rebuilt")
	return nil
}

// registerEntries adds the sync, missing-check, prune and backup entries.
// Caller holds s.mu.
func (s *Scheduler) registerEntries() error {
	cfg, err := s.config.GetConfig()
	if err != nil {
		return err
	}

	syncSpec, err := syncCronSpec(cfg)
	if err != nil {
		return err
	}
	missingSpec, err := dailyCronSpec(cfg.MissingCheckTime)
	if err != nil {
		return err
	}

	if cfg.Enabled {
		id, err := s.cron.AddFunc(syncSpec, s.runDailySync)
		if err != nil {
			return fmt.Errorf("failed to register sync entry %q: %w", syncSpec, err)
		}
		s.entries = append(s.entries, id)
	} else {
		s.log.Info().Msg("Daily sync disabled by configuration")
	}

	// The missing-data check runs every day regardless of the trading-day
	// gate: backfill candidates accumulate on non-trading days too.
	id, err := s.cron.AddFunc(missingSpec, s.runMissingCheck)
	if err != nil {
		return fmt.Errorf("failed to register missing-check entry %q: %w", missingSpec, err)
	}
	s.entries = append(s.entries, id)

	id, err = s.cron.AddFunc("30 3 * * *", s.runHistoryPrune)
	if err != nil {
		return fmt.Errorf("failed to register prune entry: %w", err)
	}
	s.entries = append(s.entries, id)

	if s.backup != nil {
		id, err = s.cron.AddFunc("0 3 * * *", s.runBackup)
		if err != nil {
			return fmt.Errorf("failed to register backup entry: %w", err)
		}
		s.entries = append(s.entries, id)
	}

	return nil
}

// syncCronSpec builds the daily-sync cron expression from the configured
// execute time and frequency.
func syncCronSpec(cfg schedule.Config) (string, error) {
	hour, minute, err := schedule.ParseClock(cfg.ExecuteTime)
	if err != nil {
		return "", err
	}
	if cfg.Frequency == schedule.FrequencyWeekday {
		return fmt.Sprintf("%d %d * * MON-FRI", minute, hour), nil
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

func dailyCronSpec(clock string) (string, error) {
	hour, minute, err := schedule.ParseClock(clock)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d %d * * *", minute, hour), nil
}

// runDailySync fires the scheduled batch run and waits for it, bounded by
// reportTimeout, to produce a structured report.
func (s *Scheduler) runDailySync() {
	s.log.Info().Msg("Daily sync firing")

	record, err := s.execution.TriggerNow(false)
	if err != nil {
		s.log.Error().Err(err).Msg("Daily sync trigger failed")
		return
	}

	report := s.waitForReport(record)
	s.mu.Lock()
	s.lastSync = report
	s.mu.Unlock()

	if err := s.config.MarkRun(time.Now()); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist last-run time")
	}

	evt := s.log.Info()
	if report.FailedPlugins > 0 || report.TimedOutTasks > 0 {
		evt = s.log.Warn()
	}
	evt.
		Str("execution_id", report.ExecutionID).
		Str("status", report.Status).
		Int("completed", report.CompletedPlugins).
		Int("failed", report.FailedPlugins).
		Int("timed_out", report.TimedOutTasks).
		Dur("duration", report.Duration).
		Msg("Daily sync finished")
}

// LastSyncReport returns the most recent daily-sync report, or nil before the
// first firing.
func (s *Scheduler) LastSyncReport() *SyncReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// runMissingCheck computes per-plugin ingestion gaps against the latest
// trading day. It reports, it never creates backfill tasks itself; closing
// the gap is either smart backfill inside the next sync or operator action.
func (s *Scheduler) runMissingCheck() {
	report := s.CheckMissingData()
	if len(report.NeedsAttention) == 0 {
		s.log.Info().Int("plugins_checked", report.PluginsChecked).Msg("Missing-data check clean")
		return
	}

	for _, gap := range report.NeedsAttention {
		s.log.Warn().
			Str("plugin", gap.PluginName).
			Str("latest_ingested", gap.LatestIngested).
			Str("latest_trading_day", gap.LatestTradingDay).
			Int("missing_days", gap.MissingDays).
			Msg("Plugin needs attention")
	}
}

// runHistoryPrune drops archived tasks beyond the retention window.
func (s *Scheduler) runHistoryPrune() {
	if _, err := s.history.Prune(historyRetention); err != nil {
		s.log.Error().Err(err).Msg("History prune failed")
	}
}

func (s *Scheduler) runBackup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := s.backup.Run(ctx); err != nil {
		s.log.Error().Err(err).Msg("Nightly backup failed")
	}
}
