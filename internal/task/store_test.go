package task

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/collector/internal/database"
)

func testDB(t *testing.T, name string, profile database.DatabaseProfile) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(testDB(t, "queue", database.ProfileStandard), zerolog.Nop())
}

func testHistory(t *testing.T) *History {
	t.Helper()
	return NewHistory(testDB(t, "history", database.ProfileLedger), zerolog.Nop())
}

func newTask(pluginName string, taskType Type, dates ...string) *Task {
	return &Task{
		ID:         uuid.New().String(),
		PluginName: pluginName,
		Type:       taskType,
		Status:     StatusPending,
		TradeDates: dates,
		CreatedAt:  time.Now(),
	}
}

func TestStore_InsertAndGet(t *testing.T) {
	s := testStore(t)

	created := newTask("cn_stock_daily", TypeBackfill, "2026-08-26", "2026-08-27")
	require.NoError(t, s.Insert(created))

	got, err := s.Get(created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.PluginName, got.PluginName)
	assert.Equal(t, TypeBackfill, got.Type)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, []string{"2026-08-26", "2026-08-27"}, got.TradeDates)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	missing, err := s.Get("no-such-id")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_ListPendingOrder(t *testing.T) {
	s := testStore(t)

	first := newTask("stock_basic", TypeIncremental)
	first.CreatedAt = time.Now().Add(-2 * time.Minute)
	second := newTask("cn_stock_daily", TypeIncremental)
	second.CreatedAt = time.Now().Add(-1 * time.Minute)

	require.NoError(t, s.Insert(second))
	require.NoError(t, s.Insert(first))

	pending, err := s.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
}

func TestStore_Lifecycle(t *testing.T) {
	s := testStore(t)

	tk := newTask("cn_stock_daily", TypeIncremental)
	require.NoError(t, s.Insert(tk))

	ok, err := s.MarkRunning(tk.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Already running, the guarded update must not fire twice
	ok, err = s.MarkRunning(tk.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpdateProgress(tk.ID, 40, 1200))

	ok, err = s.MarkTerminal(tk.ID, StatusCompleted, "", 3000, 100)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, int64(3000), got.RecordsProcessed)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	// Terminal states are sticky
	ok, err = s.MarkTerminal(tk.ID, StatusFailed, "late failure", 0, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_MarkTerminalRejectsNonTerminalTarget(t *testing.T) {
	s := testStore(t)

	tk := newTask("cn_stock_daily", TypeIncremental)
	require.NoError(t, s.Insert(tk))
	_, err := s.MarkRunning(tk.ID)
	require.NoError(t, err)

	_, err = s.MarkTerminal(tk.ID, StatusPending, "", 0, 0)
	assert.Error(t, err)
}

func TestStore_CancelOnlyPending(t *testing.T) {
	s := testStore(t)

	pending := newTask("stock_basic", TypeFull)
	require.NoError(t, s.Insert(pending))

	running := newTask("cn_stock_daily", TypeFull)
	require.NoError(t, s.Insert(running))
	_, err := s.MarkRunning(running.ID)
	require.NoError(t, err)

	ok, err := s.MarkCancelled(pending.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkCancelled(running.ID)
	require.NoError(t, err)
	assert.False(t, ok, "running tasks finish on their own terms")

	got, err := s.Get(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestStore_DeleteRefusesRunning(t *testing.T) {
	s := testStore(t)

	tk := newTask("cn_stock_daily", TypeIncremental)
	require.NoError(t, s.Insert(tk))
	_, err := s.MarkRunning(tk.ID)
	require.NoError(t, err)

	ok, err := s.Delete(tk.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.MarkTerminal(tk.ID, StatusFailed, "boom", 0, 0)
	require.NoError(t, err)

	ok, err = s.Delete(tk.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(tk.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_ListFilters(t *testing.T) {
	s := testStore(t)

	a := newTask("stock_basic", TypeFull)
	a.UserID = "alice"
	b := newTask("cn_stock_daily", TypeIncremental)
	b.UserID = "bob"
	c := newTask("cn_stock_daily", TypeIncremental)
	c.UserID = "alice"

	for _, tk := range []*Task{a, b, c} {
		require.NoError(t, s.Insert(tk))
	}
	_, err := s.MarkRunning(b.ID)
	require.NoError(t, err)

	t.Run("by status", func(t *testing.T) {
		tasks, total, err := s.List(ListFilter{Status: StatusPending})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, tasks, 2)
	})

	t.Run("by plugin", func(t *testing.T) {
		tasks, total, err := s.List(ListFilter{PluginName: "cn_stock_daily"})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, tasks, 2)
	})

	t.Run("by user", func(t *testing.T) {
		_, total, err := s.List(ListFilter{UserID: "alice"})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
	})

	t.Run("pagination keeps total", func(t *testing.T) {
		tasks, total, err := s.List(ListFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, tasks, 1)
	})
}

func TestHistory_ArchiveAndFetch(t *testing.T) {
	h := testHistory(t)

	tk := newTask("cn_stock_daily", TypeBackfill, "2026-08-26")
	tk.Status = StatusPending
	require.Error(t, h.Archive(tk), "non-terminal tasks must not be archived")

	now := time.Now()
	tk.Status = StatusCompleted
	tk.Progress = 100
	tk.RecordsProcessed = 500
	tk.StartedAt = &now
	tk.CompletedAt = &now
	require.NoError(t, h.Archive(tk))

	got, err := h.Get(tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(500), got.RecordsProcessed)

	// Re-archiving the same id is an upsert, not a duplicate
	tk.ErrorMessage = "amended"
	require.NoError(t, h.Archive(tk))
	got, err = h.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "amended", got.ErrorMessage)
}

func TestHistory_LatestForPlugin(t *testing.T) {
	h := testHistory(t)

	older := newTask("cn_stock_daily", TypeIncremental)
	older.Status = StatusFailed
	older.ErrorMessage = "upstream timeout"
	require.NoError(t, h.Archive(older))

	time.Sleep(1100 * time.Millisecond) // archived_at has second resolution

	newer := newTask("cn_stock_daily", TypeIncremental)
	newer.Status = StatusCompleted
	require.NoError(t, h.Archive(newer))

	got, err := h.LatestForPlugin("cn_stock_daily")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)

	none, err := h.LatestForPlugin("index_daily")
	require.NoError(t, err)
	assert.Nil(t, none)
}
