package execution

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/collector/internal/calendar"
	"github.com/aristath/collector/internal/events"
	"github.com/aristath/collector/internal/plugin"
	"github.com/aristath/collector/internal/schedule"
	"github.com/aristath/collector/internal/task"
)

// Service orchestrates batch runs: it resolves the enabled-plugin set into
// dependency order, creates one task per plugin, and tracks the batch as an
// execution record through to a terminal state.
type Service struct {
	records  *Store
	manager  *task.Manager
	registry *plugin.Registry
	resolver *plugin.Resolver
	config   *schedule.Service
	days     calendar.Oracle
	store    plugin.DataStore
	bus      *events.Bus
	log      zerolog.Logger
	markets  []string

	// Serializes trigger, stop, retry and reconcile so aggregate counts are
	// never computed from a half-mutated record.
	mu sync.Mutex
}

// NewService creates the batch orchestrator.
func NewService(
	records *Store,
	manager *task.Manager,
	registry *plugin.Registry,
	resolver *plugin.Resolver,
	config *schedule.Service,
	days calendar.Oracle,
	store plugin.DataStore,
	bus *events.Bus,
	markets []string,
	log zerolog.Logger,
) *Service {
	return &Service{
		records:  records,
		manager:  manager,
		registry: registry,
		resolver: resolver,
		config:   config,
		days:     days,
		store:    store,
		bus:      bus,
		markets:  markets,
		log:      log.With().Str("component", "execution").Logger(),
	}
}

// TriggerNow starts a batch run over every schedule-enabled plugin.
//
// Scheduled (non-manual) triggers honor skip_non_trading_days: when today is
// not a trading day in any watched market, a terminal SKIPPED record is
// created and no tasks are enqueued. Dependency errors (cycle, unknown
// plugin) fail the whole batch; a partial batch is never created.
func (s *Service) TriggerNow(isManual bool) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trigger := TriggerScheduled
	if isManual {
		trigger = TriggerManual
	}

	cfg, err := s.config.GetConfig()
	if err != nil {
		return nil, err
	}

	if !isManual && cfg.SkipNonTradingDays {
		open, err := s.days.IsTradingDayAny(time.Now(), s.markets)
		if err != nil {
			return nil, err
		}
		if !open {
			reason := fmt.Sprintf("not a trading day in any watched market (%s)", strings.Join(s.markets, ", "))
			return s.insertSkipped(trigger, "", reason)
		}
	}

	enabled, err := s.enabledPlugins()
	if err != nil {
		return nil, err
	}
	if len(enabled) == 0 {
		return s.insertSkipped(trigger, "", "no plugins enabled for sync")
	}

	return s.runBatch(trigger, "", enabled, cfg)
}

// TriggerGroup starts a batch run over an explicit plugin set, recorded
// under the given group name.
func (s *Service) TriggerGroup(groupName string, pluginNames []string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(pluginNames) == 0 {
		return nil, fmt.Errorf("group %q names no plugins", groupName)
	}

	cfg, err := s.config.GetConfig()
	if err != nil {
		return nil, err
	}
	return s.runBatch(TriggerGroup, groupName, pluginNames, cfg)
}

// enabledPlugins returns the names of plugins whose schedule is enabled.
func (s *Service) enabledPlugins() ([]string, error) {
	overrides, err := s.config.GetPluginConfigs()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, s.registry.Count())
	for _, p := range s.registry.List() {
		cfg, ok := overrides[p.Name]
		if !ok {
			cfg = schedule.DefaultPluginConfig
		}
		if cfg.ScheduleEnabled {
			names = append(names, p.Name)
		}
	}
	return names, nil
}

// runBatch resolves the plugin set, creates one task per plugin in
// dependency order, and records the batch. Caller holds s.mu.
func (s *Service) runBatch(trigger TriggerType, groupName string, names []string, cfg schedule.Config) (*Record, error) {
	ordered, err := s.resolver.Resolve(names, cfg.IncludeOptionalDeps)
	if err != nil {
		return nil, err
	}

	overrides, err := s.config.GetPluginConfigs()
	if err != nil {
		return nil, err
	}

	taskIDs := make([]string, 0, len(ordered))
	for _, name := range ordered {
		taskType, dates := s.taskTypeFor(name, overrides, cfg)

		t, err := s.manager.CreateTask(name, taskType, dates, "")
		if err != nil {
			// Never leave a partial batch behind
			for _, id := range taskIDs {
				if _, cancelErr := s.manager.CancelTask(id); cancelErr != nil {
					s.log.Error().Err(cancelErr).Str("task_id", id).Msg("Failed to cancel task while unwinding batch")
				}
			}
			return nil, fmt.Errorf("failed to create task for %s: %w", name, err)
		}
		taskIDs = append(taskIDs, t.ID)
	}

	record := &Record{
		ID:           uuid.New().String(),
		TriggerType:  trigger,
		Status:       StatusRunning,
		StartedAt:    time.Now(),
		TotalPlugins: len(taskIDs),
		TaskIDs:      taskIDs,
		GroupName:    groupName,
	}
	if err := s.records.Insert(record); err != nil {
		return nil, err
	}

	s.bus.Emit("execution", &events.ExecutionStartedData{
		ExecutionID:  record.ID,
		TriggerType:  string(trigger),
		TotalPlugins: record.TotalPlugins,
	})
	s.log.Info().
		Str("execution_id", record.ID).
		Str("trigger", string(trigger)).
		Int("plugins", record.TotalPlugins).
		Msg("Batch run started")

	return record, nil
}

// taskTypeFor picks the task type for one plugin in a batch: FULL when the
// plugin's full-scan override is set, a targeted BACKFILL when smart backfill
// finds a small recent gap, otherwise INCREMENTAL.
func (s *Service) taskTypeFor(name string, overrides map[string]schedule.PluginConfig, cfg schedule.Config) (task.Type, []string) {
	pluginCfg, ok := overrides[name]
	if !ok {
		pluginCfg = schedule.DefaultPluginConfig
	}
	if pluginCfg.FullScanEnabled {
		return task.TypeFull, nil
	}

	if cfg.SmartBackfill {
		if dates := s.backfillGap(name, cfg.AutoBackfillMaxDays); len(dates) > 0 {
			s.log.Info().Str("plugin", name).Int("dates", len(dates)).Msg("Smart backfill closing gap")
			return task.TypeBackfill, dates
		}
	}
	return task.TypeIncremental, nil
}

// backfillGap returns the trading dates a plugin is missing, when the gap is
// between 1 and maxDays. Larger gaps, empty tables and schema-less plugins
// fall back to incremental sync.
func (s *Service) backfillGap(name string, maxDays int) []string {
	p := s.registry.Get(name)
	if p == nil || p.Schema == nil {
		return nil
	}
	schema := p.Schema()
	market := p.Category.Market()

	latest, err := s.store.LatestDate(schema.TableName, schema.DateColumn)
	if err != nil || latest == nil {
		return nil
	}

	target, err := s.days.LatestTradingDay(market, time.Now())
	if err != nil || target == "" || target <= *latest {
		return nil
	}

	missing, err := s.days.TradingDaysBetween(market, *latest, target)
	if err != nil || len(missing) == 0 || len(missing) > maxDays {
		return nil
	}
	return missing
}

func (s *Service) insertSkipped(trigger TriggerType, groupName, reason string) (*Record, error) {
	now := time.Now()
	record := &Record{
		ID:          uuid.New().String(),
		TriggerType: trigger,
		Status:      StatusSkipped,
		StartedAt:   now,
		CompletedAt: &now,
		SkipReason:  reason,
		GroupName:   groupName,
	}
	if err := s.records.Insert(record); err != nil {
		return nil, err
	}
	s.log.Info().Str("execution_id", record.ID).Str("reason", reason).Msg("Batch run skipped")
	return record, nil
}

// Get returns a record by id, or nil when unknown.
func (s *Service) Get(id string) (*Record, error) {
	return s.records.Get(id)
}

// History returns records started within the last N days, newest first.
// Records whose tasks have all finished are finalized on the way out, so the
// listing never shows a long-done batch as RUNNING.
func (s *Service) History(days int) ([]*Record, error) {
	records, err := s.records.List(days)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, record := range records {
		if record.Status.Terminal() {
			continue
		}
		reconciled, err := s.reconcile(record)
		if err != nil {
			return nil, err
		}
		records[i] = reconciled
	}
	return records, nil
}

// Detail returns a record with the live state of each referenced task and a
// concatenated error summary for failed ones.
func (s *Service) Detail(id string) (*Detail, error) {
	record, err := s.records.Get(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	if !record.Status.Terminal() {
		if record, err = s.Reconcile(id); err != nil {
			return nil, err
		}
	}

	summaries := make([]TaskSummary, 0, len(record.TaskIDs))
	var failures []string
	for _, taskID := range record.TaskIDs {
		t, err := s.manager.GetTask(taskID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			summaries = append(summaries, TaskSummary{TaskID: taskID, Status: "UNKNOWN"})
			continue
		}
		summaries = append(summaries, TaskSummary{
			TaskID:           t.ID,
			PluginName:       t.PluginName,
			TaskType:         string(t.Type),
			Status:           string(t.Status),
			Progress:         t.Progress,
			RecordsProcessed: t.RecordsProcessed,
			ErrorMessage:     t.ErrorMessage,
		})
		if t.Status == task.StatusFailed && t.ErrorMessage != "" {
			failures = append(failures, fmt.Sprintf("%s: %s", t.PluginName, t.ErrorMessage))
		}
	}

	return &Detail{
		Record:       record,
		Tasks:        summaries,
		ErrorSummary: strings.Join(failures, "; "),
	}, nil
}

// Stop cancels every still-pending task in a record, moves it to STOPPING,
// and reconciles immediately. Running tasks finish on their own.
func (s *Service) Stop(id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.records.Get(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("execution record %s not found", id)
	}
	if record.Status.Terminal() {
		return nil, fmt.Errorf("execution record %s is already %s", id, record.Status)
	}

	for _, taskID := range record.TaskIDs {
		// Cancel succeeds only for PENDING tasks; everything else is left alone
		if _, err := s.manager.CancelTask(taskID); err != nil {
			s.log.Error().Err(err).Str("task_id", taskID).Msg("Failed to cancel task during stop")
		}
	}

	record.Status = StatusStopping
	if err := s.records.Update(record); err != nil {
		return nil, err
	}
	s.log.Info().Str("execution_id", id).Msg("Batch run stopping")

	return s.reconcile(record)
}

// Retry creates a brand-new batch run for a FAILED or INTERRUPTED record.
func (s *Service) Retry(id string) (*Record, error) {
	record, err := s.records.Get(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("execution record %s not found", id)
	}
	if !record.Status.Retryable() {
		return nil, fmt.Errorf("execution record %s is %s, only FAILED or INTERRUPTED records can be retried", id, record.Status)
	}
	return s.TriggerNow(true)
}

// PartialRetry replaces the record's failed tasks in place: each gets a new
// task with the same plugin, type and dates, substituted at the same position
// in the id list. The record returns to RUNNING with its failure count
// reduced accordingly. Errors when the record holds no failed tasks.
func (s *Service) PartialRetry(id string, onlyTaskIDs []string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.records.Get(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("execution record %s not found", id)
	}

	var filter map[string]bool
	if len(onlyTaskIDs) > 0 {
		filter = make(map[string]bool, len(onlyTaskIDs))
		for _, taskID := range onlyTaskIDs {
			filter[taskID] = true
		}
	}

	retried := 0
	for i, taskID := range record.TaskIDs {
		if filter != nil && !filter[taskID] {
			continue
		}
		t, err := s.manager.GetTask(taskID)
		if err != nil {
			return nil, err
		}
		if t == nil || t.Status != task.StatusFailed {
			continue
		}

		replacement, err := s.manager.RetryTask(taskID)
		if err != nil {
			return nil, fmt.Errorf("failed to retry task %s: %w", taskID, err)
		}
		if replacement == nil {
			continue
		}
		record.TaskIDs[i] = replacement.ID
		retried++
	}

	if retried == 0 {
		return nil, fmt.Errorf("execution record %s has no failed tasks to retry", id)
	}

	record.FailedPlugins -= retried
	if record.FailedPlugins < 0 {
		record.FailedPlugins = 0
	}
	record.Status = StatusRunning
	record.CompletedAt = nil
	if err := s.records.Update(record); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("execution_id", id).
		Int("retried", retried).
		Msg("Batch run partially retried")
	return record, nil
}

// Reconcile recomputes a record's aggregate counts from live task state and
// finalizes it once every task is terminal.
func (s *Service) Reconcile(id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.records.Get(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("execution record %s not found", id)
	}
	return s.reconcile(record)
}

// reconcile does the aggregate computation. Caller holds s.mu.
func (s *Service) reconcile(record *Record) (*Record, error) {
	if record.Status.Terminal() {
		return record, nil
	}

	completed, failed, pending, err := s.tally(record.TaskIDs)
	if err != nil {
		return nil, err
	}

	record.CompletedPlugins = completed
	record.FailedPlugins = failed

	if pending == 0 {
		now := time.Now()
		record.CompletedAt = &now
		switch {
		case record.Status == StatusStopping:
			record.Status = StatusStopped
		case failed > 0:
			record.Status = StatusFailed
		default:
			record.Status = StatusCompleted
		}
	}

	if err := s.records.Update(record); err != nil {
		return nil, err
	}

	if record.Status.Terminal() {
		s.bus.Emit("execution", &events.ExecutionCompletedData{
			ExecutionID:      record.ID,
			Status:           string(record.Status),
			CompletedPlugins: record.CompletedPlugins,
			FailedPlugins:    record.FailedPlugins,
		})
		s.log.Info().
			Str("execution_id", record.ID).
			Str("status", string(record.Status)).
			Int("completed", completed).
			Int("failed", failed).
			Msg("Batch run finished")
	}
	return record, nil
}

// tally counts task outcomes. Cancelled tasks count as neither completed nor
// failed, which keeps completed+failed <= total. An id unknown to both the
// queue and history counts as failed; its state is unrecoverable.
func (s *Service) tally(taskIDs []string) (completed, failed, pending int, err error) {
	for _, taskID := range taskIDs {
		t, err := s.manager.GetTask(taskID)
		if err != nil {
			return 0, 0, 0, err
		}
		switch {
		case t == nil:
			failed++
		case t.Status == task.StatusCompleted:
			completed++
		case t.Status == task.StatusFailed:
			failed++
		case !t.Status.Terminal():
			pending++
		}
	}
	return completed, failed, pending, nil
}

// RecoverOnStartup reconciles every record left RUNNING or STOPPING by an
// unclean shutdown. Records with tasks still pending are marked INTERRUPTED
// and those tasks are cancelled, so the worker pool cannot pick up work its
// record already declared dead; the manual retry the skip reason prescribes
// is the only way that work runs. Records whose tasks all reached a terminal
// state get their final status computed normally. Idempotent: a second call
// finds no active records.
func (s *Service) RecoverOnStartup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.records.ListActive()
	if err != nil {
		return err
	}

	for _, record := range active {
		completed, failed, pending, err := s.tally(record.TaskIDs)
		if err != nil {
			return err
		}

		now := time.Now()
		record.CompletedPlugins = completed
		record.FailedPlugins = failed
		record.CompletedAt = &now

		if pending > 0 {
			for _, taskID := range record.TaskIDs {
				// Succeeds only for PENDING tasks, the rest are terminal
				if _, err := s.manager.CancelTask(taskID); err != nil {
					s.log.Error().Err(err).Str("task_id", taskID).Msg("Failed to cancel task during crash recovery")
				}
			}
			record.Status = StatusInterrupted
			record.SkipReason = fmt.Sprintf("process restarted with %d task(s) unfinished, retry manually", pending)
		} else if record.Status == StatusStopping {
			record.Status = StatusStopped
		} else if failed > 0 {
			record.Status = StatusFailed
		} else {
			record.Status = StatusCompleted
		}

		if err := s.records.Update(record); err != nil {
			return err
		}
		s.log.Warn().
			Str("execution_id", record.ID).
			Str("status", string(record.Status)).
			Msg("Recovered execution record after restart")
	}

	if len(active) > 0 {
		s.log.Info().Int("records", len(active)).Msg("Crash recovery complete")
	}
	return nil
}
