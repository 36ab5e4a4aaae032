package plugin

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a DataStore stub with per-table data presence.
type fakeStore struct {
	tables map[string]string // table name -> latest date ("" = exists but empty)
}

func (s *fakeStore) TableExists(name string) (bool, error) {
	_, ok := s.tables[name]
	return ok, nil
}

func (s *fakeStore) LatestDate(table, dateColumn string) (*string, error) {
	date, ok := s.tables[table]
	if !ok || date == "" {
		return nil, nil
	}
	return &date, nil
}

func testResolver(t *testing.T, plugins ...*Plugin) (*Resolver, *fakeStore) {
	t.Helper()
	r := NewRegistry()
	r.RegisterAll(plugins)
	store := &fakeStore{tables: make(map[string]string)}
	return NewResolver(r, store, zerolog.Nop()), store
}

func tableFor(name string) func() TableSchema {
	return func() TableSchema {
		return TableSchema{TableName: name, DateColumn: "trade_date"}
	}
}

func TestResolver_Chain(t *testing.T) {
	resolver, _ := testResolver(t,
		&Plugin{Name: "a", Role: RoleBasic},
		&Plugin{Name: "b", Role: RolePrimary, Dependencies: []string{"a"}},
		&Plugin{Name: "c", Role: RoleDerived, Dependencies: []string{"b"}},
	)

	order, err := resolver.Resolve([]string{"c"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestResolver_DependenciesBeforeDependents(t *testing.T) {
	resolver, _ := testResolver(t,
		&Plugin{Name: "trade_calendar", Role: RoleBasic},
		&Plugin{Name: "stock_basic", Role: RoleBasic},
		&Plugin{Name: "cn_stock_daily", Role: RolePrimary, Dependencies: []string{"stock_basic", "trade_calendar"}},
		&Plugin{Name: "cn_stock_indicator", Role: RoleDerived, Dependencies: []string{"cn_stock_daily"}},
		&Plugin{Name: "market_moneyflow", Role: RoleAuxiliary, Dependencies: []string{"trade_calendar"}},
	)

	order, err := resolver.Resolve([]string{"cn_stock_indicator", "market_moneyflow"}, false)
	require.NoError(t, err)

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	assert.Less(t, pos["stock_basic"], pos["cn_stock_daily"])
	assert.Less(t, pos["trade_calendar"], pos["cn_stock_daily"])
	assert.Less(t, pos["cn_stock_daily"], pos["cn_stock_indicator"])
	assert.Less(t, pos["trade_calendar"], pos["market_moneyflow"])
}

func TestResolver_DeterministicTieBreak(t *testing.T) {
	// No dependencies at all: ordering is purely role, then name.
	resolver, _ := testResolver(t,
		&Plugin{Name: "zulu", Role: RoleBasic},
		&Plugin{Name: "alpha", Role: RolePrimary},
		&Plugin{Name: "mike", Role: RoleBasic},
	)

	for i := 0; i < 5; i++ {
		order, err := resolver.Resolve([]string{"zulu", "alpha", "mike"}, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"mike", "zulu", "alpha"}, order)
	}
}

func TestResolver_Cycle(t *testing.T) {
	resolver, _ := testResolver(t,
		&Plugin{Name: "a", Role: RoleBasic, Dependencies: []string{"c"}},
		&Plugin{Name: "b", Role: RolePrimary, Dependencies: []string{"a"}},
		&Plugin{Name: "c", Role: RoleDerived, Dependencies: []string{"b"}},
		&Plugin{Name: "standalone", Role: RoleBasic},
	)

	order, err := resolver.Resolve([]string{"a", "standalone"}, false)
	require.Error(t, err)
	assert.Nil(t, order, "a cycle must never yield a partial order")

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Remaining)
}

func TestResolver_UnknownPlugin(t *testing.T) {
	resolver, _ := testResolver(t,
		&Plugin{Name: "b", Role: RolePrimary, Dependencies: []string{"ghost"}},
	)

	t.Run("unknown requested", func(t *testing.T) {
		_, err := resolver.Resolve([]string{"missing"}, false)
		var unknownErr *UnknownPluginError
		require.ErrorAs(t, err, &unknownErr)
		assert.Equal(t, "missing", unknownErr.Name)
	})

	t.Run("unknown hard dependency", func(t *testing.T) {
		_, err := resolver.Resolve([]string{"b"}, false)
		var unknownErr *UnknownPluginError
		require.ErrorAs(t, err, &unknownErr)
		assert.Equal(t, "ghost", unknownErr.Name)
		assert.Equal(t, "b", unknownErr.RequiredBy)
	})
}

func TestResolver_OptionalDependencies(t *testing.T) {
	resolver, _ := testResolver(t,
		&Plugin{Name: "daily", Role: RolePrimary},
		&Plugin{Name: "indicator", Role: RoleDerived, OptionalDependencies: []string{"daily", "absent"}},
	)

	t.Run("included when requested", func(t *testing.T) {
		order, err := resolver.Resolve([]string{"indicator"}, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"daily", "indicator"}, order)
	})

	t.Run("absent optional never blocks", func(t *testing.T) {
		order, err := resolver.Resolve([]string{"indicator"}, true)
		require.NoError(t, err)
		assert.NotContains(t, order, "absent")
	})

	t.Run("ignored when not requested", func(t *testing.T) {
		order, err := resolver.Resolve([]string{"indicator"}, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"indicator"}, order)
	})
}

func TestResolver_CheckDependencies(t *testing.T) {
	resolver, store := testResolver(t,
		&Plugin{Name: "stock_basic", Role: RoleBasic, Schema: tableFor("stock_basic")},
		&Plugin{Name: "calendar", Role: RoleBasic, Schema: tableFor("trade_calendar")},
		&Plugin{
			Name:         "cn_stock_daily",
			Role:         RolePrimary,
			Dependencies: []string{"stock_basic", "calendar", "ghost"},
			Schema:       tableFor("cn_stock_daily"),
		},
	)

	store.tables["stock_basic"] = "2026-08-27"
	// trade_calendar table exists but is empty
	store.tables["trade_calendar"] = ""

	check, err := resolver.CheckDependencies("cn_stock_daily")
	require.NoError(t, err)

	assert.False(t, check.Satisfied)
	assert.Equal(t, []string{"ghost"}, check.MissingPlugins)
	assert.Equal(t, []string{"calendar"}, check.MissingDataFor)

	t.Run("satisfied once data exists", func(t *testing.T) {
		store.tables["trade_calendar"] = "2026-08-27"
		// ghost has no schema, so it counts as having produced data
		resolver.registry.Register(&Plugin{Name: "ghost", Role: RoleBasic})

		check, err := resolver.CheckDependencies("cn_stock_daily")
		require.NoError(t, err)
		assert.True(t, check.Satisfied)
		assert.Empty(t, check.MissingPlugins)
		assert.Empty(t, check.MissingDataFor)
	})

	t.Run("unknown plugin errors", func(t *testing.T) {
		_, err := resolver.CheckDependencies("nope")
		var unknownErr *UnknownPluginError
		require.ErrorAs(t, err, &unknownErr)
	})
}
