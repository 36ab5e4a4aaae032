package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/collector/internal/events"
	"github.com/aristath/collector/internal/plugin"
)

const (
	// pollInterval is the worker-loop sleep when no admissible task exists.
	pollInterval = 500 * time.Millisecond

	// taskTimeout bounds a single task execution.
	taskTimeout = 30 * time.Minute

	// maxDateErrors caps how many per-date errors are kept in the message.
	maxDateErrors = 3
)

// RowSink persists extracted rows into the analytical store.
type RowSink interface {
	InsertRows(schema plugin.TableSchema, rows []plugin.Row) (int, error)
}

// Manager accepts task-creation requests and drives the worker pool.
//
// Admission happens under a single mutex: a pending task starts only when the
// global running count is below MaxConcurrentTasks and no other running task
// targets the same plugin. Tasks for one plugin therefore execute strictly
// serially; there is never a second concurrent writer to one target table.
type Manager struct {
	registry *plugin.Registry
	store    *Store
	history  *History
	sink     RowSink
	bus      *events.Bus
	log      zerolog.Logger

	mu      sync.Mutex
	cfg     ConcurrencyConfig
	running map[string]string // plugin name -> running task id

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewManager creates a new task manager.
func NewManager(registry *plugin.Registry, store *Store, history *History, sink RowSink, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		registry: registry,
		store:    store,
		history:  history,
		sink:     sink,
		bus:      bus,
		log:      log.With().Str("component", "task_manager").Logger(),
		cfg:      DefaultConcurrency,
		running:  make(map[string]string),
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the worker loop.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started && !m.stopped {
		m.log.Warn().Msg("Task manager already started, ignoring")
		return
	}
	if m.stopped {
		m.stop = make(chan struct{})
		m.stopped = false
	}
	m.started = true

	m.wg.Add(1)
	go m.run()
	m.log.Info().
		Int("max_concurrent", m.cfg.MaxConcurrentTasks).
		Int("max_date_threads", m.cfg.MaxDateThreads).
		Msg("Task manager started")
}

// Stop stops the worker loop and waits for in-flight tasks to finish.
// Running tasks are never forcibly killed; each is bounded by its own
// execution timeout.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	close(m.stop)
	m.stopped = true
	m.started = false
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info().Msg("Task manager stopped")
}

// Trigger wakes up the worker loop to check for admissible work.
// Non-blocking; safe from any goroutine.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-m.trigger:
			m.admitPending()
		case <-ticker.C:
			m.admitPending()
		}
	}
}

// admitPending scans the pending queue and starts every task the admission
// rule allows right now.
func (m *Manager) admitPending() {
	pending, err := m.store.ListPending()
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to scan pending queue")
		return
	}

	for _, t := range pending {
		if !m.claim(t) {
			continue
		}

		// The guarded update loses the race against a concurrent cancel.
		ok, err := m.store.MarkRunning(t.ID)
		if err != nil || !ok {
			if err != nil {
				m.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to mark task running")
			}
			m.release(t.PluginName)
			continue
		}

		m.wg.Add(1)
		go m.execute(t)
	}
}

// claim reserves a worker slot and the plugin's exclusive lane.
func (m *Manager) claim(t *Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.running) >= m.cfg.MaxConcurrentTasks {
		return false
	}
	if _, busy := m.running[t.PluginName]; busy {
		return false
	}
	m.running[t.PluginName] = t.ID
	return true
}

func (m *Manager) release(pluginName string) {
	m.mu.Lock()
	delete(m.running, pluginName)
	m.mu.Unlock()
}

// execute runs one admitted task to a terminal state and persists the
// outcome. Extraction errors are caught here and recorded on the task; they
// never propagate out of the worker.
func (m *Manager) execute(t *Task) {
	defer m.wg.Done()
	defer func() {
		m.release(t.PluginName)
		m.Trigger()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	m.emitStatus(t.ID, t.PluginName, t.Type, StatusRunning, "")

	status, errMsg, records, progress := m.runTask(ctx, t)

	ok, err := m.store.MarkTerminal(t.ID, status, errMsg, records, progress)
	if err != nil {
		m.log.Error().Err(err).Str("task_id", t.ID).Msg("Failed to persist terminal state")
		return
	}
	if !ok {
		m.log.Warn().Str("task_id", t.ID).Msg("Task was no longer running at finalization")
		return
	}

	final, err := m.store.Get(t.ID)
	if err == nil && final != nil {
		if archiveErr := m.history.Archive(final); archiveErr != nil {
			m.log.Error().Err(archiveErr).Str("task_id", t.ID).Msg("Failed to archive task")
		}
	}

	m.emitStatus(t.ID, t.PluginName, t.Type, status, errMsg)
	m.log.Info().
		Str("task_id", t.ID).
		Str("plugin", t.PluginName).
		Str("status", string(status)).
		Int64("records", records).
		Msg("Task finished")
}

// runTask dispatches by task type and returns the terminal outcome.
func (m *Manager) runTask(ctx context.Context, t *Task) (Status, string, int64, int) {
	p := m.registry.Get(t.PluginName)
	if p == nil {
		return StatusFailed, fmt.Sprintf("plugin %q is not registered", t.PluginName), 0, 0
	}

	if t.Type == TypeBackfill {
		return m.runBackfill(ctx, t, p)
	}

	rows, err := p.Extract(ctx, plugin.ExtractParams{Full: t.Type == TypeFull})
	if err != nil {
		return StatusFailed, err.Error(), 0, 0
	}

	n, err := m.persist(p, rows)
	if err != nil {
		return StatusFailed, err.Error(), 0, 0
	}

	return StatusCompleted, "", int64(n), 100
}

// persist writes extracted rows through the sink. Plugins without a declared
// schema persist nothing and report the raw row count.
func (m *Manager) persist(p *plugin.Plugin, rows []plugin.Row) (int, error) {
	if p.Schema == nil {
		return len(rows), nil
	}
	return m.sink.InsertRows(p.Schema(), rows)
}

// runBackfill fans trade dates out over min(MaxDateThreads, len(dates))
// workers sharing one rate gate, so the aggregate request rate honors the
// plugin's declared limit. A failing date is counted, never aborts siblings.
func (m *Manager) runBackfill(ctx context.Context, t *Task, p *plugin.Plugin) (Status, string, int64, int) {
	dates := t.TradeDates
	total := len(dates)
	if total == 0 {
		return StatusFailed, "backfill task has no trade dates", 0, 0
	}

	workers := m.dateThreads()
	if workers > total {
		workers = total
	}

	gate := newRateGate(p.RateLimit)
	jobs := make(chan string)

	var mu sync.Mutex
	var completed, failed int
	var records int64
	var dateErrors []string

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for date := range jobs {
				n, err := m.extractDate(ctx, p, date, gate)

				mu.Lock()
				if err != nil {
					failed++
					if len(dateErrors) < maxDateErrors {
						dateErrors = append(dateErrors, fmt.Sprintf("%s: %v", date, err))
					}
				} else {
					completed++
					records += int64(n)
				}
				done := completed + failed
				progress := done * 100 / total
				snapshot := records
				mu.Unlock()

				if updateErr := m.store.UpdateProgress(t.ID, progress, snapshot); updateErr != nil {
					m.log.Warn().Err(updateErr).Str("task_id", t.ID).Msg("Failed to update progress")
				}
				m.bus.Emit("task_manager", &events.TaskProgressData{
					TaskID:           t.ID,
					PluginName:       t.PluginName,
					Progress:         progress,
					RecordsProcessed: snapshot,
					Message:          fmt.Sprintf("%d/%d dates", done, total),
				})
			}
		}()
	}

	for _, date := range dates {
		jobs <- date
	}
	close(jobs)
	wg.Wait()

	if completed == 0 && failed > 0 {
		msg := fmt.Sprintf("all %d dates failed (%s)", total, strings.Join(dateErrors, "; "))
		return StatusFailed, msg, records, 100
	}
	if failed > 0 {
		msg := fmt.Sprintf("%d of %d dates failed (%s)", failed, total, strings.Join(dateErrors, "; "))
		return StatusCompleted, msg, records, 100
	}
	return StatusCompleted, "", records, 100
}

func (m *Manager) extractDate(ctx context.Context, p *plugin.Plugin, date string, gate *rateGate) (int, error) {
	if err := gate.wait(ctx); err != nil {
		return 0, err
	}
	rows, err := p.Extract(ctx, plugin.ExtractParams{TradeDate: date})
	if err != nil {
		return 0, err
	}
	return m.persist(p, rows)
}

// CreateTask validates and enqueues a new task.
func (m *Manager) CreateTask(pluginName string, taskType Type, tradeDates []string, userID string) (*Task, error) {
	if !taskType.Valid() {
		return nil, fmt.Errorf("invalid task type %q", taskType)
	}
	if !m.registry.Has(pluginName) {
		return nil, &plugin.UnknownPluginError{Name: pluginName}
	}
	if taskType == TypeBackfill && len(tradeDates) == 0 {
		return nil, fmt.Errorf("backfill task requires at least one trade date")
	}
	if taskType != TypeBackfill && len(tradeDates) > 0 {
		return nil, fmt.Errorf("trade dates are only valid for backfill tasks")
	}

	t := &Task{
		ID:         uuid.New().String(),
		PluginName: pluginName,
		Type:       taskType,
		Status:     StatusPending,
		TradeDates: tradeDates,
		UserID:     userID,
		CreatedAt:  time.Now(),
	}

	if err := m.store.Insert(t); err != nil {
		return nil, err
	}

	m.bus.Emit("task_manager", &events.TaskCreatedData{
		TaskID:     t.ID,
		PluginName: t.PluginName,
		TaskType:   string(t.Type),
	})
	m.Trigger()

	return t, nil
}

// GetTask returns a task from the live queue, falling back to history for
// evicted tasks. Returns nil when the id is unknown everywhere.
func (m *Manager) GetTask(id string) (*Task, error) {
	t, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if t != nil {
		return t, nil
	}
	return m.history.Get(id)
}

// ListTasks returns live tasks matching the filter plus the total count.
func (m *Manager) ListTasks(filter ListFilter) ([]*Task, int, error) {
	return m.store.List(filter)
}

// CancelTask cancels a task. Succeeds only while the task is still PENDING;
// running tasks are allowed to finish.
func (m *Manager) CancelTask(id string) (bool, error) {
	ok, err := m.store.MarkCancelled(id)
	if err != nil || !ok {
		return false, err
	}

	t, err := m.store.Get(id)
	if err == nil && t != nil {
		if archiveErr := m.history.Archive(t); archiveErr != nil {
			m.log.Error().Err(archiveErr).Str("task_id", id).Msg("Failed to archive cancelled task")
		}
		m.emitStatus(t.ID, t.PluginName, t.Type, StatusCancelled, "")
	}
	return true, nil
}

// DeleteTask removes a task from the live queue. Fails for running tasks.
func (m *Manager) DeleteTask(id string) (bool, error) {
	return m.store.Delete(id)
}

// RetryTask creates a replacement task for a FAILED or CANCELLED one, with
// identical plugin, type and trade dates but a new id. Returns nil (no error)
// when the task is not in a retryable state.
func (m *Manager) RetryTask(id string) (*Task, error) {
	t, err := m.GetTask(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if !t.Status.Retryable() {
		return nil, nil
	}
	return m.CreateTask(t.PluginName, t.Type, t.TradeDates, t.UserID)
}

// Concurrency returns the current concurrency configuration.
func (m *Manager) Concurrency() ConcurrencyConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetConcurrency applies new concurrency bounds after validation. The change
// takes effect for newly admitted work; running tasks are not disturbed.
func (m *Manager) SetConcurrency(cfg ConcurrencyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	m.log.Info().
		Int("max_concurrent", cfg.MaxConcurrentTasks).
		Int("max_date_threads", cfg.MaxDateThreads).
		Msg("Concurrency configuration updated")
	m.Trigger()
	return nil
}

// RunningPlugins returns a snapshot of plugins with a task in flight.
func (m *Manager) RunningPlugins() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]string, len(m.running))
	for k, v := range m.running {
		snapshot[k] = v
	}
	return snapshot
}

func (m *Manager) dateThreads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.MaxDateThreads
}

func (m *Manager) emitStatus(id, pluginName string, taskType Type, status Status, errMsg string) {
	m.bus.Emit("task_manager", &events.TaskStatusData{
		TaskID:     id,
		PluginName: pluginName,
		TaskType:   string(taskType),
		Status:     string(status),
		Error:      errMsg,
	})
}

// rateGate spaces external calls so the aggregate rate across all date
// workers of one task stays within the plugin's declared requests/minute.
// The shared timestamp is reserved under the lock; the wait happens outside.
type rateGate struct {
	mu       sync.Mutex
	last     time.Time
	interval time.Duration
}

func newRateGate(perMinute int) *rateGate {
	if perMinute <= 0 {
		return &rateGate{}
	}
	return &rateGate{interval: time.Minute / time.Duration(perMinute)}
}

func (g *rateGate) wait(ctx context.Context) error {
	if g.interval == 0 {
		return nil
	}

	g.mu.Lock()
	now := time.Now()
	next := g.last.Add(g.interval)
	if next.Before(now) {
		next = now
	}
	g.last = next
	g.mu.Unlock()

	delay := time.Until(next)
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
