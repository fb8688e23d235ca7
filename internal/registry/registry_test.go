package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiagent/kiagent/internal/agent"
)

func TestGetModeDefault(t *testing.T) {
	mode, ok := GetMode(agent.Codesmith, "")
	require.True(t, ok)
	assert.Equal(t, "generate", mode.Name)
	assert.True(t, mode.NeedsApproval)
}

func TestGetModeNamed(t *testing.T) {
	mode, ok := GetMode(agent.Codesmith, "scaffold")
	require.True(t, ok)
	assert.Equal(t, agent.RiskWritesFiles, mode.Risk)
	assert.False(t, mode.NeedsApproval)
}

func TestGetModeUnknown(t *testing.T) {
	_, ok := GetMode(agent.ID("unknown"), "")
	assert.False(t, ok)

	_, ok = GetMode(agent.Research, "no-such-mode")
	assert.False(t, ok)
}

func TestEstimates(t *testing.T) {
	assert.Equal(t, 0.08, EstimateCost(agent.Codesmith, "generate"))
	assert.Equal(t, 60.0, EstimateLatency(agent.Codesmith, "generate"))
	assert.Zero(t, EstimateCost(agent.ID("ghost"), ""))
	assert.Zero(t, EstimateLatency(agent.ID("ghost"), ""))
}

func TestRequiresApproval(t *testing.T) {
	assert.True(t, RequiresApproval(agent.Codesmith, "generate"))
	assert.False(t, RequiresApproval(agent.Research, "explain"))
	assert.False(t, RequiresApproval(agent.ID("ghost"), ""))
}

func TestFindAgentForTask(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		allowed  []agent.ID
		wantID   agent.ID
		wantMode string
	}{
		{"create maps to codesmith", "Create a calculator in Python", nil, agent.Codesmith, "generate"},
		{"design maps to architect", "Design the storage layer", nil, agent.Architect, "design"},
		{"fix maps to fixer", "fix the failing build", nil, agent.Fixer, "fix"},
		{"no match falls back", "hello there", nil, agent.Research, "explain"},
		{"first match wins", "create a design doc", nil, agent.Codesmith, "generate"},
		{"allowed filter skips", "create a design doc", []agent.ID{agent.Architect}, agent.Architect, "design"},
		{"allowed filter exhausts to fallback", "fix it", []agent.ID{agent.Supervisor}, agent.Research, "explain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, mode := FindAgentForTask(tt.text, tt.allowed)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantMode, mode)
		})
	}
}

func TestEveryCapabilityHasValidDefaultMode(t *testing.T) {
	for id, cap := range capabilities {
		_, ok := cap.Modes[cap.DefaultMode]
		assert.True(t, ok, "agent %s default mode %s missing from mode table", id, cap.DefaultMode)
	}
}
