package plugin

import (
	"context"
)

// Catalog returns the built-in data-source plugins wired to the given
// provider client. Registration is explicit and happens once at startup;
// there is no runtime plugin discovery.
func Catalog(client Client) []*Plugin {
	return []*Plugin{
		{
			Name:      "trade_calendar",
			Category:  CategorySystem,
			Role:      RoleBasic,
			RateLimit: 120,
			Schedule:  Schedule{Frequency: FrequencyDaily, Time: "17:00"},
			Extract:   fetchFunc(client, "trade_cal", nil),
			Schema: func() TableSchema {
				return TableSchema{
					TableName:  "trade_calendar",
					DateColumn: "cal_date",
					UniqueBy:   []string{"cal_date", "market"},
					Columns: []Column{
						{Name: "cal_date", Type: "TEXT"},
						{Name: "market", Type: "TEXT"},
						{Name: "is_open", Type: "INTEGER"},
					},
				}
			},
		},
		{
			Name:      "stock_basic",
			Category:  CategoryReference,
			Role:      RoleBasic,
			RateLimit: 60,
			Schedule:  Schedule{Frequency: FrequencyDaily, Time: "17:10"},
			Extract:   fetchFunc(client, "stock_basic", map[string]string{"exchange": ""}),
			Schema: func() TableSchema {
				return TableSchema{
					TableName:  "stock_basic",
					DateColumn: "list_date",
					UniqueBy:   []string{"ts_code"},
					Columns: []Column{
						{Name: "ts_code", Type: "TEXT"},
						{Name: "symbol", Type: "TEXT"},
						{Name: "name", Type: "TEXT"},
						{Name: "industry", Type: "TEXT"},
						{Name: "market", Type: "TEXT"},
						{Name: "list_date", Type: "TEXT"},
					},
				}
			},
		},
		{
			Name:         "cn_stock_daily",
			Category:     CategoryCNStock,
			Role:         RolePrimary,
			Dependencies: []string{"stock_basic", "trade_calendar"},
			RateLimit:    500,
			Schedule:     Schedule{Frequency: FrequencyDaily, Time: "17:30"},
			Extract:      fetchFunc(client, "daily", nil),
			Schema:       dailyBarSchema("cn_stock_daily"),
		},
		{
			Name:         "cn_stock_adj_factor",
			Category:     CategoryCNStock,
			Role:         RoleDerived,
			Dependencies: []string{"cn_stock_daily"},
			RateLimit:    500,
			Schedule:     Schedule{Frequency: FrequencyDaily, Time: "18:00"},
			Extract:      fetchFunc(client, "adj_factor", nil),
			Schema: func() TableSchema {
				return TableSchema{
					TableName:  "cn_stock_adj_factor",
					DateColumn: "trade_date",
					UniqueBy:   []string{"ts_code", "trade_date"},
					Columns: []Column{
						{Name: "ts_code", Type: "TEXT"},
						{Name: "trade_date", Type: "TEXT"},
						{Name: "adj_factor", Type: "REAL"},
					},
				}
			},
		},
		{
			Name:                 "cn_stock_indicator",
			Category:             CategoryCNStock,
			Role:                 RoleDerived,
			Dependencies:         []string{"cn_stock_daily"},
			OptionalDependencies: []string{"cn_stock_adj_factor"},
			RateLimit:            200,
			Schedule:             Schedule{Frequency: FrequencyDaily, Time: "18:30"},
			Extract:              fetchFunc(client, "daily_basic", nil),
			Schema: func() TableSchema {
				return TableSchema{
					TableName:  "cn_stock_indicator",
					DateColumn: "trade_date",
					UniqueBy:   []string{"ts_code", "trade_date"},
					Columns: []Column{
						{Name: "ts_code", Type: "TEXT"},
						{Name: "trade_date", Type: "TEXT"},
						{Name: "turnover_rate", Type: "REAL"},
						{Name: "pe", Type: "REAL"},
						{Name: "pb", Type: "REAL"},
						{Name: "total_mv", Type: "REAL"},
					},
				}
			},
		},
		{
			Name:      "hk_stock_basic",
			Category:  CategoryHKStock,
			Role:      RoleBasic,
			RateLimit: 60,
			Schedule:  Schedule{Frequency: FrequencyDaily, Time: "17:10"},
			Extract:   fetchFunc(client, "hk_basic", nil),
			Schema: func() TableSchema {
				return TableSchema{
					TableName:  "hk_stock_basic",
					DateColumn: "list_date",
					UniqueBy:   []string{"ts_code"},
					Columns: []Column{
						{Name: "ts_code", Type: "TEXT"},
						{Name: "name", Type: "TEXT"},
						{Name: "list_date", Type: "TEXT"},
					},
				}
			},
		},
		{
			Name:         "hk_stock_daily",
			Category:     CategoryHKStock,
			Role:         RolePrimary,
			Dependencies: []string{"hk_stock_basic", "trade_calendar"},
			RateLimit:    300,
			Schedule:     Schedule{Frequency: FrequencyDaily, Time: "18:00"},
			Extract:      fetchFunc(client, "hk_daily", nil),
			Schema:       dailyBarSchema("hk_stock_daily"),
		},
		{
			Name:      "index_basic",
			Category:  CategoryIndex,
			Role:      RoleBasic,
			RateLimit: 60,
			Schedule:  Schedule{Frequency: FrequencyWeekly, Time: "17:00", DayOfWeek: "mon"},
			Extract:   fetchFunc(client, "index_basic", nil),
			Schema: func() TableSchema {
				return TableSchema{
					TableName:  "index_basic",
					DateColumn: "list_date",
					UniqueBy:   []string{"ts_code"},
					Columns: []Column{
						{Name: "ts_code", Type: "TEXT"},
						{Name: "name", Type: "TEXT"},
						{Name: "market", Type: "TEXT"},
						{Name: "list_date", Type: "TEXT"},
					},
				}
			},
		},
		{
			Name:         "index_daily",
			Category:     CategoryIndex,
			Role:         RolePrimary,
			Dependencies: []string{"index_basic", "trade_calendar"},
			RateLimit:    300,
			Schedule:     Schedule{Frequency: FrequencyDaily, Time: "17:40"},
			Extract:      fetchFunc(client, "index_daily", nil),
			Schema:       dailyBarSchema("index_daily"),
		},
		{
			Name:         "etf_fund_daily",
			Category:     CategoryETFFund,
			Role:         RolePrimary,
			Dependencies: []string{"trade_calendar"},
			RateLimit:    300,
			Schedule:     Schedule{Frequency: FrequencyDaily, Time: "18:10"},
			Extract:      fetchFunc(client, "fund_daily", nil),
			Schema:       dailyBarSchema("etf_fund_daily"),
		},
		{
			Name:                 "market_moneyflow",
			Category:             CategoryMarket,
			Role:                 RoleAuxiliary,
			Dependencies:         []string{"trade_calendar"},
			OptionalDependencies: []string{"cn_stock_daily"},
			RateLimit:            120,
			Schedule:             Schedule{Frequency: FrequencyDaily, Time: "19:00"},
			Extract:              fetchFunc(client, "moneyflow_hsgt", nil),
			Schema: func() TableSchema {
				return TableSchema{
					TableName:  "market_moneyflow",
					DateColumn: "trade_date",
					UniqueBy:   []string{"trade_date"},
					Columns: []Column{
						{Name: "trade_date", Type: "TEXT"},
						{Name: "north_money", Type: "REAL"},
						{Name: "south_money", Type: "REAL"},
					},
				}
			},
		},
		{
			Name:                 "fundamental_income",
			Category:             CategoryFundamental,
			Role:                 RoleAuxiliary,
			Dependencies:         []string{"stock_basic"},
			OptionalDependencies: []string{"cn_stock_daily"},
			RateLimit:            60,
			Schedule:             Schedule{Frequency: FrequencyWeekly, Time: "20:00", DayOfWeek: "sat"},
			Extract:              fetchFunc(client, "income", nil),
			Schema: func() TableSchema {
				return TableSchema{
					TableName:  "fundamental_income",
					DateColumn: "end_date",
					UniqueBy:   []string{"ts_code", "end_date"},
					Columns: []Column{
						{Name: "ts_code", Type: "TEXT"},
						{Name: "end_date", Type: "TEXT"},
						{Name: "revenue", Type: "REAL"},
						{Name: "n_income", Type: "REAL"},
					},
				}
			},
		},
	}
}

// dailyBarSchema is shared by every daily OHLCV source.
func dailyBarSchema(table string) func() TableSchema {
	return func() TableSchema {
		return TableSchema{
			TableName:  table,
			DateColumn: "trade_date",
			UniqueBy:   []string{"ts_code", "trade_date"},
			Columns: []Column{
				{Name: "ts_code", Type: "TEXT"},
				{Name: "trade_date", Type: "TEXT"},
				{Name: "open", Type: "REAL"},
				{Name: "high", Type: "REAL"},
				{Name: "low", Type: "REAL"},
				{Name: "close", Type: "REAL"},
				{Name: "vol", Type: "REAL"},
				{Name: "amount", Type: "REAL"},
			},
		}
	}
}

// fetchFunc adapts a provider API call into an ExtractFunc.
func fetchFunc(client Client, api string, base map[string]string) ExtractFunc {
	return func(ctx context.Context, p ExtractParams) ([]Row, error) {
		params := make(map[string]string, len(base)+2)
		for k, v := range base {
			params[k] = v
		}
		if p.TradeDate != "" {
			params["trade_date"] = p.TradeDate
		}
		if p.Full {
			params["full"] = "1"
		}
		return client.Fetch(ctx, api, params)
	}
}
