package execution

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/collector/internal/database"
)

// windowSize is how many records the rolling history keeps. Older records
// are evicted on insert.
const windowSize = 100

const recordColumns = `execution_id, trigger_type, status, started_at, completed_at,
total_plugins, completed_plugins, failed_plugins, task_ids, skip_reason, group_name`

// Store persists execution records in history.db as a bounded rolling window.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a new execution record store.
func NewStore(db *database.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("repository", "execution_records").Logger(),
	}
}

// Insert persists a new record and evicts entries beyond the rolling window.
func (s *Store) Insert(r *Record) error {
	taskIDs, err := encodeTaskIDs(r.TaskIDs)
	if err != nil {
		return err
	}

	var completedAt any
	if r.CompletedAt != nil {
		completedAt = r.CompletedAt.Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO execution_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.TriggerType), string(r.Status), r.StartedAt.Unix(), completedAt,
		r.TotalPlugins, r.CompletedPlugins, r.FailedPlugins, taskIDs,
		nullable(r.SkipReason), nullable(r.GroupName),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution record %s: %w", r.ID, err)
	}

	return s.evict()
}

// evict keeps only the most recent windowSize records.
func (s *Store) evict() error {
	res, err := s.db.Exec(`
		DELETE FROM execution_records WHERE execution_id NOT IN (
			SELECT execution_id FROM execution_records
			ORDER BY started_at DESC, execution_id DESC LIMIT ?
		)`, windowSize)
	if err != nil {
		return fmt.Errorf("failed to evict old execution records: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug().Int64("evicted", n).Msg("Rolled execution record window")
	}
	return nil
}

// Get returns a record by id, or nil when unknown.
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow("SELECT "+recordColumns+" FROM execution_records WHERE execution_id = ?", id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution record %s: %w", id, err)
	}
	return r, nil
}

// Update rewrites a record's mutable fields: status, aggregate counts,
// task ids, completion time and skip reason.
func (s *Store) Update(r *Record) error {
	taskIDs, err := encodeTaskIDs(r.TaskIDs)
	if err != nil {
		return err
	}

	var completedAt any
	if r.CompletedAt != nil {
		completedAt = r.CompletedAt.Unix()
	}

	res, err := s.db.Exec(`
		UPDATE execution_records
		SET status = ?, completed_at = ?, total_plugins = ?, completed_plugins = ?,
			failed_plugins = ?, task_ids = ?, skip_reason = ?
		WHERE execution_id = ?`,
		string(r.Status), completedAt, r.TotalPlugins, r.CompletedPlugins,
		r.FailedPlugins, taskIDs, nullable(r.SkipReason), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution record %s: %w", r.ID, err)
	}
	if !affected(res) {
		return fmt.Errorf("execution record %s not found", r.ID)
	}
	return nil
}

// List returns records started within the last N days, newest first.
func (s *Store) List(days int) ([]*Record, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().AddDate(0, 0, -days).Unix()

	rows, err := s.db.Query(
		"SELECT "+recordColumns+" FROM execution_records WHERE started_at >= ? ORDER BY started_at DESC, execution_id DESC",
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// ListActive returns records in RUNNING or STOPPING status, oldest first.
// Used by crash recovery and reconciliation sweeps.
func (s *Store) ListActive() ([]*Record, error) {
	rows, err := s.db.Query(
		"SELECT "+recordColumns+" FROM execution_records WHERE status IN (?, ?) ORDER BY started_at ASC",
		string(StatusRunning), string(StatusStopping),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active execution records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	var triggerType, status string
	var startedAt int64
	var completedAt sql.NullInt64
	var taskIDs []byte
	var skipReason, groupName sql.NullString

	err := row.Scan(&r.ID, &triggerType, &status, &startedAt, &completedAt,
		&r.TotalPlugins, &r.CompletedPlugins, &r.FailedPlugins,
		&taskIDs, &skipReason, &groupName)
	if err != nil {
		return nil, err
	}

	r.TriggerType = TriggerType(triggerType)
	r.Status = Status(status)
	r.StartedAt = time.Unix(startedAt, 0)
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		r.CompletedAt = &ts
	}
	r.SkipReason = skipReason.String
	r.GroupName = groupName.String

	if len(taskIDs) > 0 {
		if err := msgpack.Unmarshal(taskIDs, &r.TaskIDs); err != nil {
			return nil, fmt.Errorf("failed to decode task ids for record %s: %w", r.ID, err)
		}
	}

	return &r, nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	records := make([]*Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func encodeTaskIDs(ids []string) ([]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	blob, err := msgpack.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task ids: %w", err)
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
