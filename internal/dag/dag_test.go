package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertAcyclic(t *testing.T) {
	tests := []struct {
		name    string
		graph   map[string][]string
		wantErr bool
	}{
		{
			name:  "empty graph",
			graph: map[string][]string{},
		},
		{
			name:  "single node no deps",
			graph: map[string][]string{"a": nil},
		},
		{
			name: "linear chain",
			graph: map[string][]string{
				"a": nil,
				"b": {"a"},
				"c": {"b"},
			},
		},
		{
			name: "diamond",
			graph: map[string][]string{
				"a": nil,
				"b": {"a"},
				"c": {"a"},
				"d": {"b", "c"},
			},
		},
		{
			name:    "self loop",
			graph:   map[string][]string{"a": {"a"}},
			wantErr: true,
		},
		{
			name: "two node cycle",
			graph: map[string][]string{
				"a": {"b"},
				"b": {"a"},
			},
			wantErr: true,
		},
		{
			name: "long cycle",
			graph: map[string][]string{
				"a": {"b"},
				"b": {"c"},
				"c": {"d"},
				"d": {"a"},
			},
			wantErr: true,
		},
		{
			name: "cycle in disconnected component",
			graph: map[string][]string{
				"a": nil,
				"b": {"a"},
				"x": {"y"},
				"y": {"x"},
			},
			wantErr: true,
		},
		{
			name: "edge into unknown node is not a cycle",
			graph: map[string][]string{
				"a": {"missing"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AssertAcyclic(tt.graph, "test graph")
			if tt.wantErr {
				require.Error(t, err)
				var cycleErr *CycleError
				require.ErrorAs(t, err, &cycleErr)
				assert.Contains(t, err.Error(), "test graph")
				assert.NotEmpty(t, cycleErr.Node)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCycleErrorWithoutContext(t *testing.T) {
	err := AssertAcyclic(map[string][]string{"a": {"a"}}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a"`)
}
