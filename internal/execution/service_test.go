package execution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/collector/internal/calendar"
	"github.com/aristath/collector/internal/database"
	"github.com/aristath/collector/internal/events"
	"github.com/aristath/collector/internal/plugin"
	"github.com/aristath/collector/internal/schedule"
	"github.com/aristath/collector/internal/settings"
	"github.com/aristath/collector/internal/task"
)

// fakeData satisfies both plugin.DataStore and task.RowSink so one fixture
// serves the resolver, manager and smart backfill.
type fakeData struct {
	latest map[string]string // table -> latest date ("" = exists but empty)
}

func (f *fakeData) TableExists(name string) (bool, error) {
	_, ok := f.latest[name]
	return ok, nil
}

func (f *fakeData) LatestDate(table, dateColumn string) (*string, error) {
	date, ok := f.latest[table]
	if !ok || date == "" {
		return nil, nil
	}
	return &date, nil
}

func (f *fakeData) InsertRows(schema plugin.TableSchema, rows []plugin.Row) (int, error) {
	return len(rows), nil
}

type fixture struct {
	service  *Service
	manager  *task.Manager
	records  *Store
	config   *schedule.Service
	registry *plugin.Registry
	marketDB *database.DB
	data     *fakeData
}

func openDB(t *testing.T, dir, name string, profile database.DatabaseProfile) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func newFixture(t *testing.T, plugins ...*plugin.Plugin) *fixture {
	t.Helper()

	dir := t.TempDir()
	queueDB := openDB(t, dir, "queue", database.ProfileStandard)
	historyDB := openDB(t, dir, "history", database.ProfileLedger)
	configDB := openDB(t, dir, "config", database.ProfileStandard)
	marketDB := openDB(t, dir, "market", database.ProfileStandard)

	registry := plugin.NewRegistry()
	registry.RegisterAll(plugins)

	data := &fakeData{latest: make(map[string]string)}
	resolver := plugin.NewResolver(registry, data, zerolog.Nop())

	taskStore := task.NewStore(queueDB, zerolog.Nop())
	taskHistory := task.NewHistory(historyDB, zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	manager := task.NewManager(registry, taskStore, taskHistory, data, bus, zerolog.Nop())
	t.Cleanup(manager.Stop)

	scheduleCfg := schedule.NewService(settings.NewRepository(configDB.Conn(), zerolog.Nop()), zerolog.Nop())
	days := calendar.NewService(marketDB, zerolog.Nop())
	records := NewStore(historyDB, zerolog.Nop())

	service := NewService(records, manager, registry, resolver, scheduleCfg, days, data, bus,
		[]string{"CN", "HK"}, zerolog.Nop())

	return &fixture{
		service:  service,
		manager:  manager,
		records:  records,
		config:   scheduleCfg,
		registry: registry,
		marketDB: marketDB,
		data:     data,
	}
}

func stubPlugin(name string, extract plugin.ExtractFunc, deps ...string) *plugin.Plugin {
	return &plugin.Plugin{
		Name:         name,
		Category:     plugin.CategoryCNStock,
		Role:         plugin.RolePrimary,
		Dependencies: deps,
		Extract:      extract,
		Schema: func() plugin.TableSchema {
			return plugin.TableSchema{
				TableName:  name,
				DateColumn: "trade_date",
				Columns:    []plugin.Column{{Name: "trade_date", Type: "TEXT"}},
			}
		},
	}
}

func okExtract(ctx context.Context, params plugin.ExtractParams) ([]plugin.Row, error) {
	return []plugin.Row{{"trade_date": "2026-08-28"}}, nil
}

func closeToday(t *testing.T, f *fixture, markets ...string) {
	t.Helper()
	today := time.Now().Format(calendar.DateLayout)
	for _, market := range markets {
		_, err := f.marketDB.Exec(
			"INSERT INTO trade_calendar (cal_date, market, is_open) VALUES (?, ?, 0)",
			today, market,
		)
		require.NoError(t, err)
	}
}

func TestService_TriggerNowOrdersByDependency(t *testing.T) {
	f := newFixture(t,
		stubPlugin("cn_stock_daily", okExtract, "stock_basic"),
		stubPlugin("stock_basic", okExtract),
	)

	record, err := f.service.TriggerNow(true)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, TriggerManual, record.TriggerType)
	assert.Equal(t, StatusRunning, record.Status)
	assert.Equal(t, 2, record.TotalPlugins)
	require.Len(t, record.TaskIDs, 2)

	// Tasks were created in dependency order
	first, err := f.manager.GetTask(record.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "stock_basic", first.PluginName)
	second, err := f.manager.GetTask(record.TaskIDs[1])
	require.NoError(t, err)
	assert.Equal(t, "cn_stock_daily", second.PluginName)
	assert.Equal(t, task.TypeIncremental, second.Type)
}

func TestService_ScheduledSkipsNonTradingDay(t *testing.T) {
	f := newFixture(t, stubPlugin("stock_basic", okExtract))
	closeToday(t, f, "CN", "HK")

	record, err := f.service.TriggerNow(false)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, record.Status)
	assert.Empty(t, record.TaskIDs)
	assert.Contains(t, record.SkipReason, "not a trading day")
	require.NotNil(t, record.CompletedAt)

	// Manual triggers ignore the gate
	manual, err := f.service.TriggerNow(true)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, manual.Status)
	assert.Len(t, manual.TaskIDs, 1)
}

func TestService_OneOpenMarketIsEnough(t *testing.T) {
	f := newFixture(t, stubPlugin("stock_basic", okExtract))
	// CN closed, HK falls back to weekday rules; a weekday run proceeds.
	// Close HK too only when today is a weekend would make this flaky, so
	// seed HK explicitly open.
	closeToday(t, f, "CN")
	today := time.Now().Format(calendar.DateLayout)
	_, err := f.marketDB.Exec(
		"INSERT INTO trade_calendar (cal_date, market, is_open) VALUES (?, 'HK', 1)", today)
	require.NoError(t, err)

	record, err := f.service.TriggerNow(false)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, record.Status)
}

func TestService_DisabledPluginsExcluded(t *testing.T) {
	f := newFixture(t,
		stubPlugin("stock_basic", okExtract),
		stubPlugin("index_daily", okExtract),
	)
	require.NoError(t, f.config.SetPluginConfig("index_daily", schedule.PluginConfig{
		ScheduleEnabled: false,
	}))

	record, err := f.service.TriggerNow(true)
	require.NoError(t, err)
	require.Len(t, record.TaskIDs, 1)

	only, err := f.manager.GetTask(record.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "stock_basic", only.PluginName)
}

func TestService_FullScanOverride(t *testing.T) {
	f := newFixture(t, stubPlugin("stock_basic", okExtract))
	require.NoError(t, f.config.SetPluginConfig("stock_basic", schedule.PluginConfig{
		ScheduleEnabled: true,
		FullScanEnabled: true,
	}))

	record, err := f.service.TriggerNow(true)
	require.NoError(t, err)
	got, err := f.manager.GetTask(record.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, task.TypeFull, got.Type)
}

func TestService_SmartBackfillClosesGap(t *testing.T) {
	f := newFixture(t, stubPlugin("cn_stock_daily", okExtract))

	// Latest ingested date lags the latest trading day; weekday fallback
	// makes Monday..Friday trading days.
	latestTrading := previousWeekday(time.Now())
	lagged := previousWeekday(latestTrading.AddDate(0, 0, -1))
	f.data.latest["cn_stock_daily"] = lagged.Format(calendar.DateLayout)

	record, err := f.service.TriggerNow(true)
	require.NoError(t, err)
	got, err := f.manager.GetTask(record.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, task.TypeBackfill, got.Type)
	require.NotEmpty(t, got.TradeDates)
	assert.Contains(t, got.TradeDates, latestTrading.Format(calendar.DateLayout))
}

func TestService_SmartBackfillRespectsMaxDays(t *testing.T) {
	f := newFixture(t, stubPlugin("cn_stock_daily", okExtract))

	cfg, err := f.config.GetConfig()
	require.NoError(t, err)
	cfg.AutoBackfillMaxDays = 5
	require.NoError(t, f.config.SetConfig(cfg))

	// A gap far larger than the cap falls back to incremental
	f.data.latest["cn_stock_daily"] = time.Now().AddDate(0, -3, 0).Format(calendar.DateLayout)

	record, err := f.service.TriggerNow(true)
	require.NoError(t, err)
	got, err := f.manager.GetTask(record.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, task.TypeIncremental, got.Type)
}

func TestService_TriggerGroup(t *testing.T) {
	f := newFixture(t,
		stubPlugin("stock_basic", okExtract),
		stubPlugin("index_daily", okExtract),
	)

	record, err := f.service.TriggerGroup("indexes", []string{"index_daily"})
	require.NoError(t, err)
	assert.Equal(t, TriggerGroup, record.TriggerType)
	assert.Equal(t, "indexes", record.GroupName)
	assert.Len(t, record.TaskIDs, 1)

	_, err = f.service.TriggerGroup("empty", nil)
	assert.Error(t, err)
}

func TestService_DependencyErrorFailsWholeBatch(t *testing.T) {
	f := newFixture(t,
		stubPlugin("a", okExtract, "b"),
		stubPlugin("b", okExtract, "a"),
	)

	_, err := f.service.TriggerNow(true)
	var cycle *plugin.CycleError
	require.ErrorAs(t, err, &cycle)

	// No partial batch: nothing was enqueued
	tasks, total, err := f.manager.ListTasks(task.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, tasks)
}

func TestService_StopCancelsPendingAndFinalizes(t *testing.T) {
	// Manager never started: every task stays PENDING
	f := newFixture(t, stubPlugin("stock_basic", okExtract), stubPlugin("index_daily", okExtract))

	record, err := f.service.TriggerNow(true)
	require.NoError(t, err)

	stopped, err := f.service.Stop(record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stopped.Status)
	require.NotNil(t, stopped.CompletedAt)
	assert.Zero(t, stopped.CompletedPlugins)
	assert.Zero(t, stopped.FailedPlugins)

	for _, taskID := range record.TaskIDs {
		got, err := f.manager.GetTask(taskID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCancelled, got.Status)
	}

	_, err = f.service.Stop(record.ID)
	assert.Error(t, err, "terminal records cannot be stopped again")
}

func waitForRecordStatus(t *testing.T, f *fixture, id string, want Status) *Record {
	t.Helper()

	var got *Record
	require.Eventually(t, func() bool {
		record, err := f.service.Reconcile(id)
		if err != nil {
			return false
		}
		got = record
		return record.Status == want
	}, 5*time.Second, 20*time.Millisecond, "record %s never reached %s", id, want)
	return got
}

func TestService_ReconcileAndPartialRetry(t *testing.T) {
	f := newFixture(t,
		stubPlugin("stock_basic", okExtract),
		stubPlugin("cn_stock_daily", func(ctx context.Context, params plugin.ExtractParams) ([]plugin.Row, error) {
			return nil, errors.New("upstream 502")
		}),
	)
	f.manager.Start()

	record, err := f.service.TriggerNow(true)
	require.NoError(t, err)

	failed := waitForRecordStatus(t, f, record.ID, StatusFailed)
	assert.Equal(t, 1, failed.CompletedPlugins)
	assert.Equal(t, 1, failed.FailedPlugins)

	detail, err := f.service.Detail(record.ID)
	require.NoError(t, err)
	assert.Contains(t, detail.ErrorSummary, "cn_stock_daily: upstream 502")
	f.manager.Stop()

	retried, err := f.service.PartialRetry(record.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, retried.Status)
	assert.Zero(t, retried.FailedPlugins)
	assert.Nil(t, retried.CompletedAt)
	require.Len(t, retried.TaskIDs, 2)
	// The completed task keeps its id; the failed one was replaced in place
	assert.Equal(t, record.TaskIDs[0], retried.TaskIDs[0])
	assert.NotEqual(t, record.TaskIDs[1], retried.TaskIDs[1])

	replacement, err := f.manager.GetTask(retried.TaskIDs[1])
	require.NoError(t, err)
	assert.Equal(t, "cn_stock_daily", replacement.PluginName)
	assert.Equal(t, task.StatusPending, replacement.Status)
}

func TestService_PartialRetryRequiresFailures(t *testing.T) {
	f := newFixture(t, stubPlugin("stock_basic", okExtract))
	f.manager.Start()

	record, err := f.service.TriggerNow(true)
	require.NoError(t, err)
	waitForRecordStatus(t, f, record.ID, StatusCompleted)

	_, err = f.service.PartialRetry(record.ID, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no failed tasks")
}

func TestService_RetryOnlyFromFailedOrInterrupted(t *testing.T) {
	f := newFixture(t, stubPlugin("stock_basic", okExtract))
	f.manager.Start()

	record, err := f.service.TriggerNow(true)
	require.NoError(t, err)
	waitForRecordStatus(t, f, record.ID, StatusCompleted)

	_, err = f.service.Retry(record.ID)
	assert.Error(t, err)
}

func TestService_RecoverOnStartup(t *testing.T) {
	f := newFixture(t, stubPlugin("stock_basic", okExtract))

	// A batch whose task is still pending: interrupted by the "restart"
	pending, err := f.service.TriggerNow(true)
	require.NoError(t, err)

	// A batch whose tasks all finished but whose record was never finalized
	doneTask, err := f.manager.CreateTask("stock_basic", task.TypeIncremental, nil, "")
	require.NoError(t, err)
	finished := &Record{
		ID:           uuid.New().String(),
		TriggerType:  TriggerManual,
		Status:       StatusRunning,
		StartedAt:    time.Now(),
		TotalPlugins: 1,
		TaskIDs:      []string{doneTask.ID},
	}
	require.NoError(t, f.records.Insert(finished))
	ok, err := f.service.manager.CancelTask(doneTask.ID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.service.RecoverOnStartup())

	got, err := f.records.Get(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, got.Status)
	assert.Contains(t, got.SkipReason, "restarted")
	require.NotNil(t, got.CompletedAt)

	got, err = f.records.Get(finished.ID)
	require.NoError(t, err)
	// All tasks terminal with zero failures (cancelled counts as neither)
	assert.Equal(t, StatusCompleted, got.Status)

	// Idempotent: nothing active remains
	require.NoError(t, f.service.RecoverOnStartup())
	got, err = f.records.Get(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, got.Status)
}

func TestService_HistoryFinalizesFinishedRecords(t *testing.T) {
	f := newFixture(t, stubPlugin("stock_basic", okExtract))
	f.manager.Start()

	record, err := f.service.TriggerNow(true)
	require.NoError(t, err)

	// The listing alone must surface the terminal state, without anyone
	// opening the record's detail first.
	require.Eventually(t, func() bool {
		records, err := f.service.History(7)
		if err != nil || len(records) != 1 {
			return false
		}
		return records[0].ID == record.ID && records[0].Status == StatusCompleted
	}, 5*time.Second, 50*time.Millisecond)
}

func TestService_InterruptedWorkNeverRuns(t *testing.T) {
	f := newFixture(t, stubPlugin("stock_basic", okExtract))

	record, err := f.service.TriggerNow(true)
	require.NoError(t, err)
	require.NoError(t, f.service.RecoverOnStartup())

	got, err := f.records.Get(record.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInterrupted, got.Status)
	require.Len(t, got.TaskIDs, 1)
	taskID := got.TaskIDs[0]

	// The worker pool coming up after recovery must not pick the batch up;
	// only the manual retry the skip reason prescribes may run it.
	f.manager.Start()
	require.Never(t, func() bool {
		tk, err := f.manager.GetTask(taskID)
		if err != nil || tk == nil {
			return false
		}
		return tk.Status == task.StatusRunning || tk.Status == task.StatusCompleted
	}, 1200*time.Millisecond, 100*time.Millisecond)

	tk, err := f.manager.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, tk.Status)
}

func TestStore_RollingWindow(t *testing.T) {
	f := newFixture(t)

	base := time.Now().Add(-time.Duration(windowSize+10) * time.Minute)
	ids := make([]string, 0, windowSize+5)
	for i := 0; i < windowSize+5; i++ {
		r := &Record{
			ID:          uuid.New().String(),
			TriggerType: TriggerManual,
			Status:      StatusCompleted,
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, f.records.Insert(r))
		ids = append(ids, r.ID)
	}

	// The oldest overflowed out of the window
	got, err := f.records.Get(ids[0])
	require.NoError(t, err)
	assert.Nil(t, got)

	newest, err := f.records.Get(ids[len(ids)-1])
	require.NoError(t, err)
	require.NotNil(t, newest)

	recent, err := f.records.List(1)
	require.NoError(t, err)
	assert.Len(t, recent, windowSize)
}

func previousWeekday(from time.Time) time.Time {
	d := from.AddDate(0, 0, -1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
