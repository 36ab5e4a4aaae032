// Package calendar answers trading-day questions from the ingested
// trade_calendar table, with a weekday fallback so scheduling still works
// before the calendar has been ingested for a market.
package calendar

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/collector/internal/database"
)

// DateLayout is the canonical date format used across the system.
const DateLayout = "2006-01-02"

// Oracle is the day-classification interface consumed by the orchestrator
// and the cron scheduler.
type Oracle interface {
	IsTradingDay(date time.Time, market string) (bool, error)
	IsTradingDayAny(date time.Time, markets []string) (bool, error)
	LatestTradingDay(market string, before time.Time) (string, error)
	TradingDaysBetween(market string, afterExclusive, untilInclusive string) ([]string, error)
}

// Service implements Oracle over market.db.
type Service struct {
	db  *database.DB
	log zerolog.Logger
}

// NewService creates a new calendar service.
func NewService(db *database.DB, log zerolog.Logger) *Service {
	return &Service{
		db:  db,
		log: log.With().Str("component", "calendar").Logger(),
	}
}

// IsTradingDay reports whether the given date is a trading day in a market.
// Falls back to Monday-Friday when the market has no calendar rows yet.
func (s *Service) IsTradingDay(date time.Time, market string) (bool, error) {
	hasRows, err := s.hasCalendar(market)
	if err != nil {
		return false, err
	}
	if !hasRows {
		return isWeekday(date), nil
	}

	var isOpen int
	err = s.db.QueryRow(
		"SELECT is_open FROM trade_calendar WHERE market = ? AND cal_date = ?",
		market, date.Format(DateLayout),
	).Scan(&isOpen)
	if err == sql.ErrNoRows {
		// Date beyond the ingested calendar range
		return isWeekday(date), nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query trade calendar: %w", err)
	}
	return isOpen == 1, nil
}

// IsTradingDayAny reports whether the date is a trading day in any of the
// given markets. A market-specific plugin must not be starved because a
// different market happens to be closed.
func (s *Service) IsTradingDayAny(date time.Time, markets []string) (bool, error) {
	for _, market := range markets {
		open, err := s.IsTradingDay(date, market)
		if err != nil {
			return false, err
		}
		if open {
			return true, nil
		}
	}
	return false, nil
}

// LatestTradingDay returns the most recent trading day on or before the
// given time.
func (s *Service) LatestTradingDay(market string, before time.Time) (string, error) {
	hasRows, err := s.hasCalendar(market)
	if err != nil {
		return "", err
	}
	if !hasRows {
		d := before
		for !isWeekday(d) {
			d = d.AddDate(0, 0, -1)
		}
		return d.Format(DateLayout), nil
	}

	var date sql.NullString
	err = s.db.QueryRow(
		"SELECT MAX(cal_date) FROM trade_calendar WHERE market = ? AND is_open = 1 AND cal_date <= ?",
		market, before.Format(DateLayout),
	).Scan(&date)
	if err != nil {
		return "", fmt.Errorf("failed to query latest trading day: %w", err)
	}
	return date.String, nil
}

// TradingDaysBetween returns every trading day after afterExclusive up to and
// including untilInclusive, in ascending order. Used to build backfill lists.
func (s *Service) TradingDaysBetween(market string, afterExclusive, untilInclusive string) ([]string, error) {
	hasRows, err := s.hasCalendar(market)
	if err != nil {
		return nil, err
	}
	if !hasRows {
		return weekdaysBetween(afterExclusive, untilInclusive)
	}

	rows, err := s.db.Query(
		`SELECT cal_date FROM trade_calendar
		 WHERE market = ? AND is_open = 1 AND cal_date > ? AND cal_date <= ?
		 ORDER BY cal_date ASC`,
		market, afterExclusive, untilInclusive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query trading days: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan trading day: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

func (s *Service) hasCalendar(market string) (bool, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM trade_calendar WHERE market = ?", market).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count calendar rows: %w", err)
	}
	return count > 0, nil
}

func isWeekday(date time.Time) bool {
	wd := date.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

func weekdaysBetween(afterExclusive, untilInclusive string) ([]string, error) {
	from, err := time.Parse(DateLayout, afterExclusive)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", afterExclusive, err)
	}
	until, err := time.Parse(DateLayout, untilInclusive)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", untilInclusive, err)
	}

	var dates []string
	for d := from.AddDate(0, 0, 1); !d.After(until); d = d.AddDate(0, 0, 1) {
		if isWeekday(d) {
			dates = append(dates, d.Format(DateLayout))
		}
	}
	return dates, nil
}
