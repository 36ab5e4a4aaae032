// Package task owns the unit of ingestion work: its model, its durable queue
// store, the append-only history store, and the bounded-concurrency manager
// that executes tasks against registered plugins.
package task

import (
	"fmt"
	"time"
)

// Type is the kind of ingestion a task performs.
type Type string

const (
	TypeFull        Type = "FULL"
	TypeIncremental Type = "INCREMENTAL"
	TypeBackfill    Type = "BACKFILL"
)

// Valid reports whether the task type is one of the known kinds.
func (t Type) Valid() bool {
	switch t {
	case TypeFull, TypeIncremental, TypeBackfill:
		return true
	}
	return false
}

// Status is a task's lifecycle state. Transitions are monotonic:
// PENDING -> RUNNING -> {COMPLETED, FAILED}, or PENDING -> CANCELLED.
// Terminal states are sticky; a retry always allocates a new task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Retryable reports whether a task in this status may be retried
// (by creating a new task, never by reviving this one).
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusCancelled
}

// Task is one schedulable unit of ingestion work for one plugin.
type Task struct {
	ID               string     `json:"task_id"`
	PluginName       string     `json:"plugin_name"`
	Type             Type       `json:"task_type"`
	Status           Status     `json:"status"`
	Progress         int        `json:"progress"`
	RecordsProcessed int64      `json:"records_processed"`
	TradeDates       []string   `json:"trade_dates,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	UserID           string     `json:"user_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ConcurrencyConfig bounds the worker pool.
type ConcurrencyConfig struct {
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	MaxDateThreads     int `json:"max_date_threads"`
}

// DefaultConcurrency is applied when nothing is persisted yet.
var DefaultConcurrency = ConcurrencyConfig{
	MaxConcurrentTasks: 3,
	MaxDateThreads:     4,
}

// Validate rejects out-of-bounds concurrency settings. Values are never
// silently clamped; the caller is told why the update was refused.
func (c ConcurrencyConfig) Validate() error {
	if c.MaxConcurrentTasks < 1 || c.MaxConcurrentTasks > 10 {
		return fmt.Errorf("max_concurrent_tasks must be between 1 and 10, got %d", c.MaxConcurrentTasks)
	}
	if c.MaxDateThreads < 1 || c.MaxDateThreads > 20 {
		return fmt.Errorf("max_date_threads must be between 1 and 20, got %d", c.MaxDateThreads)
	}
	return nil
}

// ListFilter narrows ListTasks results.
type ListFilter struct {
	Status     Status
	PluginName string
	UserID     string
	Limit      int
	Offset     int
}
