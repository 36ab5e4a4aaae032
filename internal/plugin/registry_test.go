package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()

	assert.NotNil(t, r)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	r.Register(&Plugin{Name: "cn_stock_daily", Role: RolePrimary})

	assert.Equal(t, 1, r.Count())
	assert.True(t, r.Has("cn_stock_daily"))
}

func TestRegistry_RegisterOverwrites(t *testing.T) {
	r := NewRegistry()

	r.Register(&Plugin{Name: "cn_stock_daily", Role: RoleAuxiliary})
	r.Register(&Plugin{Name: "cn_stock_daily", Role: RolePrimary})

	assert.Equal(t, 1, r.Count())
	got := r.Get("cn_stock_daily")
	assert.Equal(t, RolePrimary, got.Role)
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()
	r.Register(&Plugin{Name: "stock_basic", Role: RoleBasic, Category: CategoryReference})

	t.Run("returns registered plugin", func(t *testing.T) {
		got := r.Get("stock_basic")
		require.NotNil(t, got)
		assert.Equal(t, "stock_basic", got.Name)
		assert.Equal(t, CategoryReference, got.Category)
	})

	t.Run("returns nil for unknown name", func(t *testing.T) {
		assert.Nil(t, r.Get("missing"))
	})
}

func TestRegistry_ListOrdering(t *testing.T) {
	r := NewRegistry()
	r.Register(&Plugin{Name: "z_indicator", Role: RoleDerived})
	r.Register(&Plugin{Name: "cn_stock_daily", Role: RolePrimary})
	r.Register(&Plugin{Name: "moneyflow", Role: RoleAuxiliary})
	r.Register(&Plugin{Name: "stock_basic", Role: RoleBasic})
	r.Register(&Plugin{Name: "hk_stock_daily", Role: RolePrimary})

	ordered := r.List()
	names := make([]string, 0, len(ordered))
	for _, p := range ordered {
		names = append(names, p.Name)
	}

	// Role order first (BASIC < PRIMARY < DERIVED < AUXILIARY), then name
	assert.Equal(t, []string{"stock_basic", "cn_stock_daily", "hk_stock_daily", "z_indicator", "moneyflow"}, names)
}

func TestRegistry_Dependents(t *testing.T) {
	r := NewRegistry()
	r.Register(&Plugin{Name: "stock_basic", Role: RoleBasic})
	r.Register(&Plugin{Name: "cn_stock_daily", Role: RolePrimary, Dependencies: []string{"stock_basic"}})
	r.Register(&Plugin{Name: "cn_stock_indicator", Role: RoleDerived, Dependencies: []string{"cn_stock_daily"}})

	dependents := r.GetDependents("stock_basic")
	require.Len(t, dependents, 1)
	assert.Equal(t, "cn_stock_daily", dependents[0].Name)

	deps := r.GetDependencies("cn_stock_indicator")
	require.Len(t, deps, 1)
	assert.Equal(t, "cn_stock_daily", deps[0].Name)
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	r.Register(&Plugin{Name: "b"})
	r.Register(&Plugin{Name: "a"})

	assert.Equal(t, []string{"a", "b"}, r.Names())
}
