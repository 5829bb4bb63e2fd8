package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinitionJSONRoundTrip(t *testing.T) {
	jobID := int64(17)
	def := &Definition{
		ID:          "wf-json",
		Name:        "serializable",
		Description: "round trip check",
		Nodes: []*Node{
			{
				ID:            "opt",
				Type:          NodeCalculation,
				Template:      "CRYSTAL\nOPTGEOM\nEND\n",
				Parameters:    map[string]any{"basis": "sto-3g"},
				OutputParsers: []string{"energy", "lattice"},
				Status:        NodeCompleted,
				JobID:         &jobID,
				Results:       map[string]any{"final_energy": -12.5},
			},
			{
				ID:            "freq",
				Type:          NodeCalculation,
				Template:      "CRYSTAL\nFREQCALC\nEND\n",
				Dependencies:  []string{"opt"},
				FailurePolicy: PolicyRetry,
				MaxRetries:    2,
				Status:        NodePending,
			},
		},
		Edges:                []Edge{{From: "opt", To: "freq"}},
		GlobalParameters:     map[string]any{"shrink": "8 8"},
		DefaultFailurePolicy: PolicyContinue,
		Status:               StatusValid,
		CreatedAt:            time.Now().Truncate(time.Second),
		ExecutionOrder:       []string{"opt", "freq"},
	}

	raw, err := json.Marshal(def)
	require.NoError(t, err)

	var restored Definition
	require.NoError(t, json.Unmarshal(raw, &restored))

	assert.Equal(t, def.ID, restored.ID)
	assert.Equal(t, def.Status, restored.Status)
	assert.Equal(t, def.ExecutionOrder, restored.ExecutionOrder)
	require.Len(t, restored.Nodes, 2)
	assert.Equal(t, NodeCompleted, restored.Nodes[0].Status)
	require.NotNil(t, restored.Nodes[0].JobID)
	assert.Equal(t, int64(17), *restored.Nodes[0].JobID)
	assert.Equal(t, []string{"opt"}, restored.Nodes[1].Dependencies)
	assert.Equal(t, PolicyRetry, restored.Nodes[1].FailurePolicy)
	assert.Equal(t, []Edge{{From: "opt", To: "freq"}}, restored.Edges)
}

func TestTerminalClassification(t *testing.T) {
	assert.True(t, NodeCompleted.IsTerminal())
	assert.True(t, NodeFailed.IsTerminal())
	assert.True(t, NodeSkipped.IsTerminal())
	assert.False(t, NodePending.IsTerminal())
	assert.False(t, NodeReady.IsTerminal())
	assert.False(t, NodeQueued.IsTerminal())
	assert.False(t, NodeRunning.IsTerminal())

	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusPartial.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPaused.IsTerminal())
}
