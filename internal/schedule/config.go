// Package schedule owns the persisted scheduling configuration: the global
// sync schedule, per-plugin overrides, and worker-pool concurrency bounds.
// Documents live as JSON values in the settings store and are merged over
// defaults on every read, so new fields never break old persisted documents.
package schedule

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/collector/internal/settings"
	"github.com/aristath/collector/internal/task"
)

const (
	keyScheduleConfig    = "schedule_config"
	keyPluginSchedules   = "plugin_schedule_config"
	keyConcurrencyConfig = "concurrency_config"
)

// Frequency is how often the daily sync fires.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"   // Every day
	FrequencyWeekday Frequency = "weekday" // Monday through Friday
)

// Config is the global sync schedule document.
type Config struct {
	Enabled             bool      `json:"enabled"`
	ExecuteTime         string    `json:"execute_time"`       // "HH:MM"
	Frequency           Frequency `json:"frequency"`          // daily | weekday
	IncludeOptionalDeps bool      `json:"include_optional_deps"`
	SkipNonTradingDays  bool      `json:"skip_non_trading_days"`
	MissingCheckTime    string    `json:"missing_check_time"` // "HH:MM"
	SmartBackfill       bool      `json:"smart_backfill_enabled"`
	AutoBackfillMaxDays int       `json:"auto_backfill_max_days"`
	LastRunAt           *int64    `json:"last_run_at,omitempty"`
	NextRunAt           *int64    `json:"next_run_at,omitempty"`
}

// DefaultConfig is the document used before anything is persisted.
var DefaultConfig = Config{
	Enabled:             true,
	ExecuteTime:         "17:30",
	Frequency:           FrequencyWeekday,
	IncludeOptionalDeps: true,
	SkipNonTradingDays:  true,
	MissingCheckTime:    "09:00",
	SmartBackfill:       true,
	AutoBackfillMaxDays: 10,
}

// Validate rejects malformed schedule documents synchronously.
func (c Config) Validate() error {
	if _, _, err := ParseClock(c.ExecuteTime); err != nil {
		return fmt.Errorf("invalid execute_time: %w", err)
	}
	if _, _, err := ParseClock(c.MissingCheckTime); err != nil {
		return fmt.Errorf("invalid missing_check_time: %w", err)
	}
	if c.Frequency != FrequencyDaily && c.Frequency != FrequencyWeekday {
		return fmt.Errorf("invalid frequency %q", c.Frequency)
	}
	if c.AutoBackfillMaxDays < 1 || c.AutoBackfillMaxDays > 365 {
		return fmt.Errorf("auto_backfill_max_days must be between 1 and 365, got %d", c.AutoBackfillMaxDays)
	}
	return nil
}

// PluginConfig is the per-plugin schedule override.
type PluginConfig struct {
	ScheduleEnabled bool `json:"schedule_enabled"`
	FullScanEnabled bool `json:"full_scan_enabled"`
}

// DefaultPluginConfig applies to plugins with no persisted override:
// scheduled, incremental.
var DefaultPluginConfig = PluginConfig{
	ScheduleEnabled: true,
	FullScanEnabled: false,
}

// ParseClock parses an "HH:MM" string.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour(), t.Minute(), nil
}

// NextRun computes the next daily-sync fire time strictly after now.
func (c Config) NextRun(now time.Time) (time.Time, error) {
	hour, minute, err := ParseClock(c.ExecuteTime)
	if err != nil {
		return time.Time{}, err
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	for !next.After(now) || (c.Frequency == FrequencyWeekday && isWeekend(next)) {
		next = next.AddDate(0, 0, 1)
		next = time.Date(next.Year(), next.Month(), next.Day(), hour, minute, 0, 0, now.Location())
	}
	return next, nil
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Service persists schedule and concurrency documents through the settings
// repository.
type Service struct {
	settings *settings.Repository
	log      zerolog.Logger
}

// NewService creates a schedule configuration service.
func NewService(repo *settings.Repository, log zerolog.Logger) *Service {
	return &Service{
		settings: repo,
		log:      log.With().Str("component", "schedule_config").Logger(),
	}
}

// GetConfig returns the global schedule document, merging persisted fields
// over defaults.
func (s *Service) GetConfig() (Config, error) {
	cfg := DefaultConfig
	if err := s.load(keyScheduleConfig, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetConfig validates and persists the whole document. Partial updates are
// the caller's job: read, modify, write back.
func (s *Service) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.save(keyScheduleConfig, cfg, "Global sync schedule"); err != nil {
		return err
	}
	s.log.Info().
		Str("execute_time", cfg.ExecuteTime).
		Str("frequency", string(cfg.Frequency)).
		Bool("enabled", cfg.Enabled).
		Msg("Schedule configuration updated")
	return nil
}

// MarkRun records the completed fire time and the computed next one.
func (s *Service) MarkRun(ranAt time.Time) error {
	cfg, err := s.GetConfig()
	if err != nil {
		return err
	}

	last := ranAt.Unix()
	cfg.LastRunAt = &last
	if next, err := cfg.NextRun(ranAt); err == nil {
		n := next.Unix()
		cfg.NextRunAt = &n
	}
	return s.save(keyScheduleConfig, cfg, "Global sync schedule")
}

// GetPluginConfigs returns the per-plugin override map. Plugins absent from
// the map use DefaultPluginConfig.
func (s *Service) GetPluginConfigs() (map[string]PluginConfig, error) {
	configs := make(map[string]PluginConfig)
	if err := s.load(keyPluginSchedules, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// GetPluginConfig returns one plugin's effective schedule settings.
func (s *Service) GetPluginConfig(pluginName string) (PluginConfig, error) {
	configs, err := s.GetPluginConfigs()
	if err != nil {
		return PluginConfig{}, err
	}
	if cfg, ok := configs[pluginName]; ok {
		return cfg, nil
	}
	return DefaultPluginConfig, nil
}

// SetPluginConfig upserts one plugin's override.
func (s *Service) SetPluginConfig(pluginName string, cfg PluginConfig) error {
	configs, err := s.GetPluginConfigs()
	if err != nil {
		return err
	}
	configs[pluginName] = cfg
	return s.save(keyPluginSchedules, configs, "Per-plugin schedule overrides")
}

// GetConcurrency returns the persisted worker-pool bounds, or the defaults.
func (s *Service) GetConcurrency() (task.ConcurrencyConfig, error) {
	cfg := task.DefaultConcurrency
	if err := s.load(keyConcurrencyConfig, &cfg); err != nil {
		return task.ConcurrencyConfig{}, err
	}
	return cfg, nil
}

// SetConcurrency validates and persists worker-pool bounds.
func (s *Service) SetConcurrency(cfg task.ConcurrencyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.save(keyConcurrencyConfig, cfg, "Worker pool concurrency bounds")
}

func (s *Service) load(key string, dst any) error {
	raw, err := s.settings.Get(key)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", key, err)
	}
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(*raw), dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *Service) save(key string, doc any, description string) error {
	blob, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.settings.Set(key, string(blob), &description); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	return nil
}
