// Package plugin defines the data-source plugin registry and the dependency
// resolver that orders plugin execution. Each plugin is a named adapter around
// one upstream data API, with a declared category, role, dependency set, rate
// limit and schedule preference. Registration happens once at startup; the
// registry is read-only afterwards.
package plugin

import (
	"context"
)

// Category classifies the data domain a plugin ingests.
type Category string

const (
	CategoryCNStock     Category = "CN_STOCK"
	CategoryHKStock     Category = "HK_STOCK"
	CategoryIndex       Category = "INDEX"
	CategoryETFFund     Category = "ETF_FUND"
	CategoryMarket      Category = "MARKET"
	CategoryReference   Category = "REFERENCE"
	CategoryFundamental Category = "FUNDAMENTAL"
	CategorySystem      Category = "SYSTEM"
)

// Market returns the trading market a category is tied to.
// Categories without a market affinity fall back to CN, the dominant market.
func (c Category) Market() string {
	switch c {
	case CategoryHKStock:
		return "HK"
	default:
		return "CN"
	}
}

// Role describes where a plugin sits in the ingestion hierarchy.
// The resolver uses roles to break ties deterministically: foundational data
// first, enrichment last.
type Role string

const (
	RoleBasic     Role = "BASIC"     // Reference data others build on (e.g. security lists)
	RolePrimary   Role = "PRIMARY"   // Core time-series data (e.g. daily bars)
	RoleDerived   Role = "DERIVED"   // Computed from primary data (e.g. indicators)
	RoleAuxiliary Role = "AUXILIARY" // Supplementary data, lowest urgency
)

// SortOrder returns the resolver tie-break rank for a role. Lower runs first.
func (r Role) SortOrder() int {
	switch r {
	case RoleBasic:
		return 0
	case RolePrimary:
		return 1
	case RoleDerived:
		return 2
	case RoleAuxiliary:
		return 3
	default:
		return 4
	}
}

// Frequency is how often a plugin wants to be scheduled.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// Schedule holds a plugin's schedule preference.
type Schedule struct {
	Frequency Frequency `json:"frequency"`
	Time      string    `json:"time"`                  // "HH:MM"
	DayOfWeek string    `json:"day_of_week,omitempty"` // Weekly only (e.g. "mon")
}

// Row is one extracted record keyed by column name.
type Row map[string]any

// Column describes one column of a plugin's target table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableSchema describes where and how a plugin's rows are stored.
// UniqueBy names the columns identifying one logical record; re-ingesting
// the same record (retry, full re-scan, backfill overlap) replaces it
// instead of duplicating it.
type TableSchema struct {
	TableName  string   `json:"table_name"`
	DateColumn string   `json:"date_column"`
	Columns    []Column `json:"columns"`
	UniqueBy   []string `json:"unique_by,omitempty"`
}

// ExtractParams parameterizes one extraction call.
// Full requests a complete re-pull; otherwise extraction is incremental.
// TradeDate is set for backfill extraction, one call per date.
type ExtractParams struct {
	Full      bool
	TradeDate string // "2006-01-02", empty outside backfill
}

// ExtractFunc pulls rows from the upstream provider.
type ExtractFunc func(ctx context.Context, params ExtractParams) ([]Row, error)

// Plugin is one registered data source. Immutable after registration.
type Plugin struct {
	Name                 string
	Category             Category
	Role                 Role
	Dependencies         []string // Hard: must exist and have produced data
	OptionalDependencies []string // Soft: ordered before us when present, never block
	RateLimit            int      // Upstream requests per minute (0 = unlimited)
	Schedule             Schedule

	Extract ExtractFunc
	Schema  func() TableSchema
}

// Client fetches rows from the upstream data provider. The concrete HTTP
// transport lives outside this package; plugins only name the API and params.
type Client interface {
	Fetch(ctx context.Context, api string, params map[string]string) ([]Row, error)
}
