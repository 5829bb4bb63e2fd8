package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	params := map[string]any{
		"basis":  "sto-3g",
		"shrink": 8,
		"opt": map[string]any{
			"final_energy": -123.456789,
			"bandgap_type": "direct",
		},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{
			name:     "no placeholders",
			template: "CRYSTAL\nOPTGEOM\nEND\n",
			want:     "CRYSTAL\nOPTGEOM\nEND\n",
		},
		{
			name:     "simple substitution",
			template: "BASIS {{ basis }}",
			want:     "BASIS sto-3g",
		},
		{
			name:     "integer value",
			template: "SHRINK {{ shrink }}",
			want:     "SHRINK 8",
		},
		{
			name:     "dotted path into dependency results",
			template: "GUESSP {{ opt.final_energy }}",
			want:     "GUESSP -123.456789",
		},
		{
			name:     "string field",
			template: "{{ opt.bandgap_type }} gap",
			want:     "direct gap",
		},
		{
			name:     "whitespace inside braces",
			template: "{{   opt.final_energy   }}",
			want:     "-123.456789",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderTemplate(tt.template, params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderTemplateErrors(t *testing.T) {
	params := map[string]any{
		"opt": map[string]any{"final_energy": -1.0},
	}

	tests := []struct {
		name     string
		template string
	}{
		{name: "unknown reference", template: "{{ missing.field }}"},
		{name: "unknown field", template: "{{ opt.not_there }}"},
		{name: "expression rejected", template: "{{ 1 + 2 }}"},
		{name: "call rejected", template: "{{ opt.final_energy() }}"},
		{name: "path through scalar", template: "{{ opt.final_energy.deeper }}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := renderTemplate(tt.template, params)
			assert.Error(t, err)
		})
	}
}

func TestTemplateRefs(t *testing.T) {
	refs := templateRefs("a={{ opt.energy }} b={{ freq.zpe }} c={{ plain }}")
	require.Len(t, refs, 2)
	assert.Equal(t, [2]string{"opt", "energy"}, refs[0])
	assert.Equal(t, [2]string{"freq", "zpe"}, refs[1])
}

func TestResolveParameters(t *testing.T) {
	node := &Node{
		ID: "freq",
		Parameters: map[string]any{
			"guess":   "{{ opt.final_energy }}",
			"threads": 4,
			"basis":   "{{ basis }}",
		},
		Dependencies: []string{"opt"},
	}
	global := map[string]any{"basis": "pob-TZVP"}
	depResults := map[string]map[string]any{
		"opt": {"final_energy": -99.5},
	}

	resolved, err := resolveParameters(node, global, depResults)
	require.NoError(t, err)
	assert.Equal(t, "-99.5", resolved["guess"])
	assert.Equal(t, 4, resolved["threads"])
	assert.Equal(t, "pob-TZVP", resolved["basis"])
	// Dependency results ride along for input-template rendering.
	assert.Equal(t, depResults["opt"], resolved["opt"])
}

func TestResolveParametersGlobalPrecedence(t *testing.T) {
	node := &Node{
		ID:         "calc",
		Parameters: map[string]any{"basis": "sto-3g"},
	}
	global := map[string]any{"basis": "def2-SVP"}

	resolved, err := resolveParameters(node, global, nil)
	require.NoError(t, err)
	assert.Equal(t, "def2-SVP", resolved["basis"])
}

func TestResolveParametersError(t *testing.T) {
	node := &Node{
		ID:         "calc",
		Parameters: map[string]any{"bad": "{{ ghost.energy }}"},
	}
	_, err := resolveParameters(node, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `parameter "bad"`)
}
