package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/collector/internal/events"
	"github.com/aristath/collector/internal/plugin"
)

type fakeSink struct {
	mu       sync.Mutex
	inserted map[string]int
}

func (f *fakeSink) InsertRows(schema plugin.TableSchema, rows []plugin.Row) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inserted == nil {
		f.inserted = make(map[string]int)
	}
	f.inserted[schema.TableName] += len(rows)
	return len(rows), nil
}

func (f *fakeSink) total(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserted[table]
}

func fakePlugin(name string, extract plugin.ExtractFunc) *plugin.Plugin {
	return &plugin.Plugin{
		Name:     name,
		Category: plugin.CategoryCNStock,
		Role:     plugin.RolePrimary,
		Extract:  extract,
		Schema: func() plugin.TableSchema {
			return plugin.TableSchema{
				TableName:  name,
				DateColumn: "trade_date",
				Columns:    []plugin.Column{{Name: "trade_date", Type: "TEXT"}},
			}
		},
	}
}

func testManager(t *testing.T, plugins ...*plugin.Plugin) (*Manager, *fakeSink, *History) {
	t.Helper()

	reg := plugin.NewRegistry()
	reg.RegisterAll(plugins)

	sink := &fakeSink{}
	history := testHistory(t)
	m := NewManager(reg, testStore(t), history, sink, events.NewBus(zerolog.Nop()), zerolog.Nop())
	t.Cleanup(m.Stop)
	return m, sink, history
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) *Task {
	t.Helper()

	var got *Task
	require.Eventually(t, func() bool {
		tk, err := m.GetTask(id)
		if err != nil || tk == nil {
			return false
		}
		got = tk
		return tk.Status == want
	}, 5*time.Second, 20*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func TestManager_RunsTaskToCompletion(t *testing.T) {
	p := fakePlugin("cn_stock_daily", func(ctx context.Context, params plugin.ExtractParams) ([]plugin.Row, error) {
		return []plugin.Row{
			{"trade_date": "2026-08-27"},
			{"trade_date": "2026-08-28"},
		}, nil
	})
	m, sink, history := testManager(t, p)
	m.Start()

	tk, err := m.CreateTask("cn_stock_daily", TypeIncremental, nil, "")
	require.NoError(t, err)

	done := waitForStatus(t, m, tk.ID, StatusCompleted)
	assert.Equal(t, int64(2), done.RecordsProcessed)
	assert.Equal(t, 100, done.Progress)
	assert.Empty(t, done.ErrorMessage)
	assert.Equal(t, 2, sink.total("cn_stock_daily"))

	archived, err := history.Get(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Equal(t, StatusCompleted, archived.Status)
}

func TestManager_ExtractionFailureMarksFailed(t *testing.T) {
	p := fakePlugin("cn_stock_daily", func(ctx context.Context, params plugin.ExtractParams) ([]plugin.Row, error) {
		return nil, errors.New("upstream returned 502")
	})
	m, _, _ := testManager(t, p)
	m.Start()

	tk, err := m.CreateTask("cn_stock_daily", TypeFull, nil, "")
	require.NoError(t, err)

	done := waitForStatus(t, m, tk.ID, StatusFailed)
	assert.Contains(t, done.ErrorMessage, "upstream returned 502")
}

func TestManager_ConcurrencyLimit(t *testing.T) {
	var started atomic.Int32
	release := make(chan struct{})
	block := func(ctx context.Context, params plugin.ExtractParams) ([]plugin.Row, error) {
		started.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil
	}

	m, _, _ := testManager(t,
		fakePlugin("stock_basic", block),
		fakePlugin("cn_stock_daily", block),
		fakePlugin("index_daily", block),
	)
	require.NoError(t, m.SetConcurrency(ConcurrencyConfig{MaxConcurrentTasks: 2, MaxDateThreads: 1}))
	m.Start()

	ids := make([]string, 0, 3)
	for _, name := range []string{"stock_basic", "cn_stock_daily", "index_daily"} {
		tk, err := m.CreateTask(name, TypeIncremental, nil, "")
		require.NoError(t, err)
		ids = append(ids, tk.ID)
	}

	require.Eventually(t, func() bool {
		return started.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)

	// The third stays queued while both slots are held
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), started.Load())
	assert.Len(t, m.RunningPlugins(), 2)

	close(release)
	for _, id := range ids {
		waitForStatus(t, m, id, StatusCompleted)
	}
}

func TestManager_PerPluginMutualExclusion(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	extract := func(ctx context.Context, params plugin.ExtractParams) ([]plugin.Row, error) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}

	m, _, _ := testManager(t, fakePlugin("cn_stock_daily", extract))
	require.NoError(t, m.SetConcurrency(ConcurrencyConfig{MaxConcurrentTasks: 5, MaxDateThreads: 1}))
	m.Start()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		tk, err := m.CreateTask("cn_stock_daily", TypeIncremental, nil, "")
		require.NoError(t, err)
		ids = append(ids, tk.ID)
	}

	for _, id := range ids {
		waitForStatus(t, m, id, StatusCompleted)
	}
	assert.Equal(t, int32(1), maxInFlight.Load(), "same plugin must never run twice at once")
}

func TestManager_BackfillPartialFailure(t *testing.T) {
	p := fakePlugin("cn_stock_daily", func(ctx context.Context, params plugin.ExtractParams) ([]plugin.Row, error) {
		if params.TradeDate == "2026-08-27" {
			return nil, errors.New("rate limited")
		}
		return []plugin.Row{{"trade_date": params.TradeDate}}, nil
	})
	m, sink, _ := testManager(t, p)
	m.Start()

	tk, err := m.CreateTask("cn_stock_daily", TypeBackfill,
		[]string{"2026-08-26", "2026-08-27", "2026-08-28"}, "")
	require.NoError(t, err)

	// One bad date is reported but never fails the whole backfill
	done := waitForStatus(t, m, tk.ID, StatusCompleted)
	assert.Equal(t, int64(2), done.RecordsProcessed)
	assert.Contains(t, done.ErrorMessage, "1 of 3 dates failed")
	assert.Contains(t, done.ErrorMessage, "rate limited")
	assert.Equal(t, 2, sink.total("cn_stock_daily"))
}

func TestManager_BackfillAllDatesFailed(t *testing.T) {
	p := fakePlugin("cn_stock_daily", func(ctx context.Context, params plugin.ExtractParams) ([]plugin.Row, error) {
		return nil, errors.New("no data")
	})
	m, _, _ := testManager(t, p)
	m.Start()

	tk, err := m.CreateTask("cn_stock_daily", TypeBackfill, []string{"2026-08-26", "2026-08-27"}, "")
	require.NoError(t, err)

	done := waitForStatus(t, m, tk.ID, StatusFailed)
	assert.Contains(t, done.ErrorMessage, "all 2 dates failed")
}

func TestManager_BackfillRateGate(t *testing.T) {
	var calls atomic.Int32
	p := fakePlugin("cn_stock_daily", func(ctx context.Context, params plugin.ExtractParams) ([]plugin.Row, error) {
		calls.Add(1)
		return nil, nil
	})
	p.RateLimit = 600 // 100ms between calls
	m, _, _ := testManager(t, p)
	require.NoError(t, m.SetConcurrency(ConcurrencyConfig{MaxConcurrentTasks: 1, MaxDateThreads: 4}))
	m.Start()

	start := time.Now()
	tk, err := m.CreateTask("cn_stock_daily", TypeBackfill,
		[]string{"2026-08-24", "2026-08-25", "2026-08-26", "2026-08-27"}, "")
	require.NoError(t, err)

	waitForStatus(t, m, tk.ID, StatusCompleted)
	assert.Equal(t, int32(4), calls.Load())
	// 4 calls spaced 100ms apart need at least 300ms total despite 4 workers
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestManager_CreateTaskValidation(t *testing.T) {
	m, _, _ := testManager(t, fakePlugin("cn_stock_daily", nil))

	_, err := m.CreateTask("nope", TypeFull, nil, "")
	var unknown *plugin.UnknownPluginError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Name)

	_, err = m.CreateTask("cn_stock_daily", Type("WEIRD"), nil, "")
	assert.Error(t, err)

	_, err = m.CreateTask("cn_stock_daily", TypeBackfill, nil, "")
	assert.Error(t, err)

	_, err = m.CreateTask("cn_stock_daily", TypeIncremental, []string{"2026-08-27"}, "")
	assert.Error(t, err)
}

func TestManager_CancelPendingTask(t *testing.T) {
	// Manager not started: the task stays pending and can be cancelled
	m, _, history := testManager(t, fakePlugin("cn_stock_daily", nil))

	tk, err := m.CreateTask("cn_stock_daily", TypeIncremental, nil, "alice")
	require.NoError(t, err)

	ok, err := m.CancelTask(tk.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	archived, err := history.Get(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, archived)

	ok, err = m.CancelTask(tk.ID)
	require.NoError(t, err)
	assert.False(t, ok, "cancel is not idempotent once terminal")
}

func TestManager_RetryAllocatesNewTask(t *testing.T) {
	p := fakePlugin("cn_stock_daily", func(ctx context.Context, params plugin.ExtractParams) ([]plugin.Row, error) {
		return nil, errors.New("boom")
	})
	m, _, _ := testManager(t, p)
	m.Start()

	tk, err := m.CreateTask("cn_stock_daily", TypeBackfill, []string{"2026-08-27"}, "alice")
	require.NoError(t, err)
	waitForStatus(t, m, tk.ID, StatusFailed)
	m.Stop()

	retried, err := m.RetryTask(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.NotEqual(t, tk.ID, retried.ID)
	assert.Equal(t, tk.PluginName, retried.PluginName)
	assert.Equal(t, tk.Type, retried.Type)
	assert.Equal(t, tk.TradeDates, retried.TradeDates)
	assert.Equal(t, "alice", retried.UserID)
	assert.Equal(t, StatusPending, retried.Status)

	// The original stays failed; retry never revives it
	original, err := m.GetTask(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, original.Status)
}

func TestManager_RetryRequiresRetryableState(t *testing.T) {
	p := fakePlugin("cn_stock_daily", func(ctx context.Context, params plugin.ExtractParams) ([]plugin.Row, error) {
		return nil, nil
	})
	m, _, _ := testManager(t, p)
	m.Start()

	tk, err := m.CreateTask("cn_stock_daily", TypeIncremental, nil, "")
	require.NoError(t, err)
	waitForStatus(t, m, tk.ID, StatusCompleted)
	m.Stop()

	retried, err := m.RetryTask(tk.ID)
	require.NoError(t, err)
	assert.Nil(t, retried)

	_, err = m.RetryTask("no-such-task")
	assert.Error(t, err)
}

func TestManager_SetConcurrencyBounds(t *testing.T) {
	m, _, _ := testManager(t)

	assert.Error(t, m.SetConcurrency(ConcurrencyConfig{MaxConcurrentTasks: 0, MaxDateThreads: 4}))
	assert.Error(t, m.SetConcurrency(ConcurrencyConfig{MaxConcurrentTasks: 11, MaxDateThreads: 4}))
	assert.Error(t, m.SetConcurrency(ConcurrencyConfig{MaxConcurrentTasks: 3, MaxDateThreads: 0}))
	assert.Error(t, m.SetConcurrency(ConcurrencyConfig{MaxConcurrentTasks: 3, MaxDateThreads: 21}))

	require.NoError(t, m.SetConcurrency(ConcurrencyConfig{MaxConcurrentTasks: 10, MaxDateThreads: 20}))
	assert.Equal(t, 10, m.Concurrency().MaxConcurrentTasks)
}
