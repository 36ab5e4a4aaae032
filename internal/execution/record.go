// Package execution groups tasks triggered together into auditable batch
// runs: execution records with aggregate progress, stop/retry semantics, and
// crash recovery for records interrupted by an unclean shutdown.
package execution

import "time"

// TriggerType records how a batch run was started.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerGroup     TriggerType = "group"
)

// Status is an execution record's lifecycle state.
//
// RUNNING -> {COMPLETED, FAILED}, or RUNNING -> STOPPING -> STOPPED.
// SKIPPED records are born terminal (trading-day gate). INTERRUPTED is set
// only by crash recovery and requires a manual retry.
type Status string

const (
	StatusRunning     Status = "RUNNING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusSkipped     Status = "SKIPPED"
	StatusStopping    Status = "STOPPING"
	StatusStopped     Status = "STOPPED"
	StatusInterrupted Status = "INTERRUPTED"
)

// Terminal reports whether the record's status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusStopped, StatusInterrupted:
		return true
	}
	return false
}

// Retryable reports whether a whole-record retry is allowed.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusInterrupted
}

// Record is one auditable batch run.
//
// Invariant: CompletedPlugins + FailedPlugins <= TotalPlugins. The final
// status is computed only once every referenced task is terminal, or the
// record is explicitly stopped or interrupted.
type Record struct {
	ID               string      `json:"execution_id"`
	TriggerType      TriggerType `json:"trigger_type"`
	Status           Status      `json:"status"`
	StartedAt        time.Time   `json:"started_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	TotalPlugins     int         `json:"total_plugins"`
	CompletedPlugins int         `json:"completed_plugins"`
	FailedPlugins    int         `json:"failed_plugins"`
	TaskIDs          []string    `json:"task_ids"`
	SkipReason       string      `json:"skip_reason,omitempty"`
	GroupName        string      `json:"group_name,omitempty"`
}

// TaskSummary is one task's contribution to a record detail view.
type TaskSummary struct {
	TaskID           string `json:"task_id"`
	PluginName       string `json:"plugin_name"`
	TaskType         string `json:"task_type"`
	Status           string `json:"status"`
	Progress         int    `json:"progress"`
	RecordsProcessed int64  `json:"records_processed"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

// Detail is a record plus the live state of its tasks.
type Detail struct {
	Record       *Record       `json:"record"`
	Tasks        []TaskSummary `json:"tasks"`
	ErrorSummary string        `json:"error_summary,omitempty"`
}
