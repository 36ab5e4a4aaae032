package task

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/collector/internal/database"
)

// History is the append-only task archive in history.db. Completed tasks are
// copied here when they reach a terminal state so audit lookups survive queue
// eviction. Rows older than the retention window are pruned.
type History struct {
	db  *database.DB
	log zerolog.Logger
}

// NewHistory creates a new task history store.
func NewHistory(db *database.DB, log zerolog.Logger) *History {
	return &History{
		db:  db,
		log: log.With().Str("repository", "task_history").Logger(),
	}
}

// Archive copies a terminal task into history. Idempotent: re-archiving the
// same task id overwrites the previous copy with the final state.
func (h *History) Archive(t *Task) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("refusing to archive non-terminal task %s (%s)", t.ID, t.Status)
	}

	dates, err := encodeDates(t.TradeDates)
	if err != nil {
		return err
	}

	var startedAt, completedAt any
	if t.StartedAt != nil {
		startedAt = t.StartedAt.Unix()
	}
	if t.CompletedAt != nil {
		completedAt = t.CompletedAt.Unix()
	}

	_, err = h.db.Exec(`
		INSERT INTO task_history (task_id, plugin_name, task_type, status, progress,
			records_processed, trade_dates, error_message, user_id,
			created_at, started_at, completed_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			records_processed = excluded.records_processed,
			error_message = excluded.error_message,
			completed_at = excluded.completed_at,
			archived_at = excluded.archived_at`,
		t.ID, t.PluginName, string(t.Type), string(t.Status), t.Progress,
		t.RecordsProcessed, dates, nullable(t.ErrorMessage), nullable(t.UserID),
		t.CreatedAt.Unix(), startedAt, completedAt, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive task %s: %w", t.ID, err)
	}
	return nil
}

// Get returns an archived task by id, or nil when history has no copy.
func (h *History) Get(id string) (*Task, error) {
	row := h.db.QueryRow(`
		SELECT task_id, plugin_name, task_type, status, progress,
			records_processed, trade_dates, error_message, user_id,
			created_at, started_at, completed_at
		FROM task_history WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived task %s: %w", id, err)
	}
	return t, nil
}

// LatestForPlugin returns the most recently archived task for a plugin, or
// nil when the plugin has never run to a terminal state.
func (h *History) LatestForPlugin(pluginName string) (*Task, error) {
	row := h.db.QueryRow(`
		SELECT task_id, plugin_name, task_type, status, progress,
			records_processed, trade_dates, error_message, user_id,
			created_at, started_at, completed_at
		FROM task_history WHERE plugin_name = ?
		ORDER BY archived_at DESC LIMIT 1`, pluginName)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest task for %s: %w", pluginName, err)
	}
	return t, nil
}

// Prune deletes archived tasks older than the retention window.
// Returns the number of rows removed.
func (h *History) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := h.db.Exec("DELETE FROM task_history WHERE archived_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune task history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		h.log.Info().Int64("removed", n).Msg("Pruned task history")
	}
	return n, nil
}
