package scheduler

import (
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/collector/internal/execution"
	"github.com/aristath/collector/internal/task"
)

// ErrorCategory buckets task failures by message pattern. Informational only,
// for operator-facing reports; it never alters control flow.
type ErrorCategory string

const (
	ErrorRateLimit  ErrorCategory = "rate_limit"
	ErrorTimeout    ErrorCategory = "timeout"
	ErrorConnection ErrorCategory = "connection"
	ErrorAuth       ErrorCategory = "auth"
	ErrorNotFound   ErrorCategory = "not_found"
	ErrorResource   ErrorCategory = "resource"
	ErrorOther      ErrorCategory = "other"
)

// ClassifyError buckets an error message.
func ClassifyError(message string) ErrorCategory {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return ErrorRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return ErrorTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused") || strings.Contains(msg, "reset by peer") || strings.Contains(msg, "no such host"):
		return ErrorConnection
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "invalid token") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return ErrorAuth
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		return ErrorNotFound
	case strings.Contains(msg, "out of memory") || strings.Contains(msg, "disk") || strings.Contains(msg, "quota") || strings.Contains(msg, "no space"):
		return ErrorResource
	default:
		return ErrorOther
	}
}

// TaskError is one classified failure in a sync report.
type TaskError struct {
	TaskID     string        `json:"task_id"`
	PluginName string        `json:"plugin_name"`
	Category   ErrorCategory `json:"category"`
	Message    string        `json:"message"`
}

// DurationStats summarizes task runtimes within a sync.
type DurationStats struct {
	Count  int     `json:"count"`
	MeanMS float64 `json:"mean_ms"`
	StdMS  float64 `json:"std_ms"`
	MinMS  float64 `json:"min_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// SyncReport is the structured outcome of one daily-sync firing.
type SyncReport struct {
	ExecutionID      string         `json:"execution_id"`
	Status           string         `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Duration         time.Duration  `json:"duration"`
	TotalPlugins     int            `json:"total_plugins"`
	CompletedPlugins int            `json:"completed_plugins"`
	FailedPlugins    int            `json:"failed_plugins"`
	TimedOutTasks    int            `json:"timed_out_tasks"`
	RecordsProcessed int64          `json:"records_processed"`
	Errors           []TaskError    `json:"errors,omitempty"`
	Durations        *DurationStats `json:"durations,omitempty"`
}

// waitForReport polls the record's tasks until terminal or reportTimeout.
// Still-unterminated tasks are reported as timeouts, the caller is never
// blocked past the bound.
func (s *Scheduler) waitForReport(record *execution.Record) *SyncReport {
	start := time.Now()
	deadline := start.Add(reportTimeout)

	current := record
	for !current.Status.Terminal() && time.Now().Before(deadline) {
		time.Sleep(reportPollInterval)

		updated, err := s.execution.Reconcile(record.ID)
		if err != nil {
			s.log.Error().Err(err).Str("execution_id", record.ID).Msg("Reconcile failed during poll")
			continue
		}
		current = updated
	}

	return s.buildReport(current, start)
}

func (s *Scheduler) buildReport(record *execution.Record, start time.Time) *SyncReport {
	report := &SyncReport{
		ExecutionID:      record.ID,
		Status:           string(record.Status),
		StartedAt:        record.StartedAt,
		FinishedAt:       time.Now(),
		TotalPlugins:     record.TotalPlugins,
		CompletedPlugins: record.CompletedPlugins,
		FailedPlugins:    record.FailedPlugins,
	}
	report.Duration = report.FinishedAt.Sub(start)

	durations := make([]float64, 0, len(record.TaskIDs))
	for _, taskID := range record.TaskIDs {
		t, err := s.manager.GetTask(taskID)
		if err != nil || t == nil {
			continue
		}

		if !t.Status.Terminal() {
			report.TimedOutTasks++
			report.Errors = append(report.Errors, TaskError{
				TaskID:     t.ID,
				PluginName: t.PluginName,
				Category:   ErrorTimeout,
				Message:    "still unterminated when the report deadline expired",
			})
			continue
		}

		report.RecordsProcessed += t.RecordsProcessed
		if t.Status == task.StatusFailed {
			report.Errors = append(report.Errors, TaskError{
				TaskID:     t.ID,
				PluginName: t.PluginName,
				Category:   ClassifyError(t.ErrorMessage),
				Message:    t.ErrorMessage,
			})
		}
		if t.StartedAt != nil && t.CompletedAt != nil {
			durations = append(durations, float64(t.CompletedAt.Sub(*t.StartedAt).Milliseconds()))
		}
	}

	if len(durations) > 0 {
		report.Durations = &DurationStats{
			Count:  len(durations),
			MeanMS: stat.Mean(durations, nil),
			StdMS:  stat.StdDev(durations, nil),
			MinMS:  floats.Min(durations),
			MaxMS:  floats.Max(durations),
		}
	}
	return report
}

// PluginGap is one plugin lagging behind the trading calendar.
type PluginGap struct {
	PluginName       string   `json:"plugin_name"`
	LatestIngested   string   `json:"latest_ingested"`
	LatestTradingDay string   `json:"latest_trading_day"`
	MissingDays      int      `json:"missing_days"`
	MissingDates     []string `json:"missing_dates"`
}

// MissingReport is the outcome of one missing-data check.
type MissingReport struct {
	CheckedAt      time.Time   `json:"checked_at"`
	PluginsChecked int         `json:"plugins_checked"`
	NeedsAttention []PluginGap `json:"needs_attention,omitempty"`
}

// CheckMissingData computes, per plugin with a declared table, the gap
// between its latest ingested date and the most recent trading day in its
// market. Plugins that never produced data are skipped; an empty table is an
// onboarding concern, not a gap.
func (s *Scheduler) CheckMissingData() *MissingReport {
	now := time.Now()
	report := &MissingReport{CheckedAt: now}

	for _, p := range s.registry.List() {
		if p.Schema == nil {
			continue
		}
		schema := p.Schema()
		report.PluginsChecked++

		latest, err := s.store.LatestDate(schema.TableName, schema.DateColumn)
		if err != nil || latest == nil {
			continue
		}

		market := p.Category.Market()
		target, err := s.days.LatestTradingDay(market, now)
		if err != nil || target == "" || target <= *latest {
			continue
		}

		missing, err := s.days.TradingDaysBetween(market, *latest, target)
		if err != nil || len(missing) == 0 {
			continue
		}

		report.NeedsAttention = append(report.NeedsAttention, PluginGap{
			PluginName:       p.Name,
			LatestIngested:   *latest,
			LatestTradingDay: target,
			MissingDays:      len(missing),
			MissingDates:     missing,
		})
	}
	return report
}
