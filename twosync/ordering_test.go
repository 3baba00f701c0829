package twosync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func filterTypes(filters []Filter) []EntityType {
	out := make([]EntityType, len(filters))
	for i, f := range filters {
		out[i] = f.Type
	}
	return out
}

func TestOrderFilters_DependenciesFirst(t *testing.T) {
	ordered, err := OrderFilters([]Filter{
		{Type: "account", Position: 0, DependsOn: []EntityType{"address"}},
		{Type: "address", Position: 5},
	})
	require.NoError(t, err)
	require.Equal(t, []EntityType{"address", "account"}, filterTypes(ordered))
}

func TestOrderFilters_PositionThenName(t *testing.T) {
	ordered, err := OrderFilters([]Filter{
		{Type: "c", Position: 1},
		{Type: "b", Position: 0},
		{Type: "a", Position: 1},
		{Type: "d", Position: 0, DependsOn: []EntityType{"a"}},
	})
	require.NoError(t, err)
	require.Equal(t, []EntityType{"b", "a", "d", "c"}, filterTypes(ordered))
}

func TestOrderFilters_IgnoresDependenciesOutsideSet(t *testing.T) {
	ordered, err := OrderFilters([]Filter{
		{Type: "account", DependsOn: []EntityType{"address"}},
	})
	require.NoError(t, err)
	require.Equal(t, []EntityType{"account"}, filterTypes(ordered))
}

func TestOrderFilters_Errors(t *testing.T) {
	tests := []struct {
		name    string
		filters []Filter
		want    error
	}{
		{
			name: "cycle",
			filters: []Filter{
				{Type: "a", DependsOn: []EntityType{"b"}},
				{Type: "b", DependsOn: []EntityType{"c"}},
				{Type: "c", DependsOn: []EntityType{"a"}},
			},
			want: ErrCyclicDependency,
		},
		{
			name:    "self dependency",
			filters: []Filter{{Type: "a", DependsOn: []EntityType{"a"}}},
			want:    ErrContradictoryOrder,
		},
		{
			name:    "duplicate type",
			filters: []Filter{{Type: "a", Position: 0}, {Type: "a", Position: 1}},
			want:    ErrContradictoryOrder,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OrderFilters(tt.filters)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOrderFilters_Empty(t *testing.T) {
	ordered, err := OrderFilters(nil)
	require.NoError(t, err)
	require.Empty(t, ordered)
}
