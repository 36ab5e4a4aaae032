package task

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/collector/internal/database"
)

// taskColumns is the column list for the tasks table.
// Used to avoid SELECT * which can break when schema changes.
const taskColumns = `task_id, plugin_name, task_type, status, progress,
records_processed, trade_dates, error_message, user_id,
created_at, started_at, completed_at`

// Store is the durable task queue over queue.db. It is the single source of
// truth for live task status; every status change goes through a guarded
// UPDATE so transitions stay monotonic even under concurrent writers.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a new task queue store.
func NewStore(db *database.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("repository", "task_queue").Logger(),
	}
}

// Insert persists a new task. Tasks always enter the queue as PENDING.
func (s *Store) Insert(t *Task) error {
	dates, err := encodeDates(t.TradeDates)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (task_id, plugin_name, task_type, status, progress,
			records_processed, trade_dates, error_message, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PluginName, string(t.Type), string(t.Status), t.Progress,
		t.RecordsProcessed, dates, nullable(t.ErrorMessage), nullable(t.UserID),
		t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// Get returns a task by id, or nil when the queue no longer holds it.
func (s *Store) Get(id string) (*Task, error) {
	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE task_id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// ListPending returns all pending tasks in creation order.
func (s *Store) ListPending() ([]*Task, error) {
	rows, err := s.db.Query(
		"SELECT "+taskColumns+" FROM tasks WHERE status = ? ORDER BY created_at ASC, task_id ASC",
		string(StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// List returns tasks matching the filter, newest first, plus the total count
// before pagination.
func (s *Store) List(filter ListFilter) ([]*Task, int, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.PluginName != "" {
		where = append(where, "plugin_name = ?")
		args = append(args, filter.PluginName)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tasks"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	query := "SELECT " + taskColumns + " FROM tasks" + clause + " ORDER BY created_at DESC, task_id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// MarkRunning transitions PENDING -> RUNNING. Returns false when the task was
// not pending (already claimed, cancelled, or gone).
func (s *Store) MarkRunning(id string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE tasks SET status = ?, started_at = ? WHERE task_id = ? AND status = ?",
		string(StatusRunning), time.Now().Unix(), id, string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s running: %w", id, err)
	}
	return affected(res), nil
}

// MarkCancelled transitions PENDING -> CANCELLED. Running tasks are never
// forcibly cancelled.
func (s *Store) MarkCancelled(id string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE tasks SET status = ?, completed_at = ? WHERE task_id = ? AND status = ?",
		string(StatusCancelled), time.Now().Unix(), id, string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task %s: %w", id, err)
	}
	return affected(res), nil
}

// MarkTerminal transitions RUNNING -> COMPLETED/FAILED with the final counts.
func (s *Store) MarkTerminal(id string, status Status, errMsg string, records int64, progress int) (bool, error) {
	if status != StatusCompleted && status != StatusFailed {
		return false, fmt.Errorf("invalid terminal status %s for task %s", status, id)
	}

	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, error_message = ?, records_processed = ?,
			progress = ?, completed_at = ?
		WHERE task_id = ? AND status = ?`,
		string(status), nullable(errMsg), records, progress, time.Now().Unix(),
		id, string(StatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize task %s: %w", id, err)
	}
	return affected(res), nil
}

// UpdateProgress records in-flight progress. Only running tasks accept it.
func (s *Store) UpdateProgress(id string, progress int, records int64) error {
	_, err := s.db.Exec(
		"UPDATE tasks SET progress = ?, records_processed = ? WHERE task_id = ? AND status = ?",
		progress, records, id, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to update progress for task %s: %w", id, err)
	}
	return nil
}

// Delete removes a task from the queue. Running tasks cannot be deleted.
// History retains archived copies regardless.
func (s *Store) Delete(id string) (bool, error) {
	res, err := s.db.Exec(
		"DELETE FROM tasks WHERE task_id = ? AND status != ?",
		id, string(StatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return affected(res), nil
}

// RecoverInterrupted fails every task left RUNNING by an unclean shutdown.
// The worker that owned it is gone; the row would otherwise stay RUNNING
// forever. Pending tasks are untouched and re-admitted normally.
func (s *Store) RecoverInterrupted() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, error_message = ?, completed_at = ?
		WHERE status = ?`,
		string(StatusFailed), "interrupted by process restart", time.Now().Unix(),
		string(StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn().Int64("tasks", n).Msg("Failed tasks left running by previous process")
	}
	return n, nil
}

// CountByStatus returns how many tasks currently hold the given status.
func (s *Store) CountByStatus(status Status) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM tasks WHERE status = ?", string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s tasks: %w", status, err)
	}
	return count, nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var taskType, status string
	var dates []byte
	var errMsg, userID sql.NullString
	var createdAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(&t.ID, &t.PluginName, &taskType, &status, &t.Progress,
		&t.RecordsProcessed, &dates, &errMsg, &userID,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Type = Type(taskType)
	t.Status = Status(status)
	t.ErrorMessage = errMsg.String
	t.UserID = userID.String
	t.CreatedAt = time.Unix(createdAt, 0)
	if startedAt.Valid {
		ts := time.Unix(startedAt.Int64, 0)
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		t.CompletedAt = &ts
	}

	if len(dates) > 0 {
		if err := msgpack.Unmarshal(dates, &t.TradeDates); err != nil {
			return nil, fmt.Errorf("failed to decode trade dates for task %s: %w", t.ID, err)
		}
	}

	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	tasks := make([]*Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func encodeDates(dates []string) ([]byte, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	blob, err := msgpack.Marshal(dates)
	if err != nil {
		return nil, fmt.Errorf("failed to encode trade dates: %w", err)
	}
	return blob, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}
