package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiagent/kiagent/internal/agent"
	"github.com/kiagent/kiagent/internal/common/logger"
)

type stubCaller struct {
	result json.RawMessage
	err    error
	called bool
	args   map[string]any
}

func (s *stubCaller) Call(_ context.Context, serverName, tool string, args map[string]any) (json.RawMessage, error) {
	s.called = true
	s.args = args
	if serverName != llmServer || tool != llmTool {
		return nil, errors.New("unexpected endpoint")
	}
	return s.result, s.err
}

const goodPlanJSON = `{
	"workflow_type": "CREATE",
	"complexity": "simple",
	"estimated_duration": "2 minutes",
	"requires_human_approval": false,
	"success_criteria": ["calculator runs"],
	"steps": [
		{"agent": "architect", "mode": "design"},
		{"agent": "codesmith", "mode": "generate"},
		{"agent": "reviewfix", "mode": "validate", "max_iterations": 2}
	]
}`

func TestCreatePlanFromLLM(t *testing.T) {
	stub := &stubCaller{result: json.RawMessage(goodPlanJSON)}
	p := NewPlanner(stub, logger.Default())

	plan := p.CreatePlan(context.Background(), "Create a calculator in Python", "/tmp/app")
	require.True(t, stub.called)
	assert.False(t, plan.Fallback)
	assert.Equal(t, TypeCreate, plan.Type)
	assert.Equal(t, []agent.ID{agent.Architect, agent.Codesmith, agent.ReviewFix}, plan.Agents())
	assert.Contains(t, stub.args["prompt"], "Create a calculator")
	assert.Contains(t, stub.args["prompt"], "/tmp/app")
}

func TestCreatePlanUnwrapsContentEnvelope(t *testing.T) {
	wrapped, _ := json.Marshal(map[string]string{
		"content": "Here is the plan:\n```json\n" + goodPlanJSON + "\n```",
	})
	stub := &stubCaller{result: wrapped}
	p := NewPlanner(stub, logger.Default())

	plan := p.CreatePlan(context.Background(), "q", "/tmp/app")
	assert.False(t, plan.Fallback)
	assert.Len(t, plan.Steps, 3)
}

func TestCreatePlanFallsBackOnCallError(t *testing.T) {
	stub := &stubCaller{err: errors.New("server down")}
	p := NewPlanner(stub, logger.Default())

	plan := p.CreatePlan(context.Background(), "q", "/tmp/app")
	assert.True(t, plan.Fallback)
	assert.Equal(t, []agent.ID{agent.Research, agent.Architect, agent.Codesmith, agent.ReviewFix}, plan.Agents())
	assert.Equal(t, ComplexityModerate, plan.Complexity)
	assert.Equal(t, "3-5 minutes", plan.EstimatedDuration)
}

func TestCreatePlanFallsBackOnGarbage(t *testing.T) {
	stub := &stubCaller{result: json.RawMessage(`"sorry, I cannot help with that"`)}
	p := NewPlanner(stub, logger.Default())

	plan := p.CreatePlan(context.Background(), "q", "/tmp/app")
	assert.True(t, plan.Fallback)
}

func TestCreatePlanFallsBackOnInvalidPlan(t *testing.T) {
	stub := &stubCaller{result: json.RawMessage(`{
		"workflow_type": "CREATE",
		"steps": [{"agent": "research", "mode": "research"}]
	}`)}
	p := NewPlanner(stub, logger.Default())

	plan := p.CreatePlan(context.Background(), "q", "/tmp/app")
	assert.True(t, plan.Fallback)
}

func TestCreatePlanDropsUnknownAgents(t *testing.T) {
	stub := &stubCaller{result: json.RawMessage(`{
		"workflow_type": "CREATE",
		"steps": [
			{"agent": "research", "mode": "research"},
			{"agent": "quantum_optimizer", "mode": "optimize"},
			{"agent": "codesmith", "mode": "generate"}
		]
	}`)}
	p := NewPlanner(stub, logger.Default())

	// The unknown agent is dropped; the remainder executes as planned.
	plan := p.CreatePlan(context.Background(), "q", "/tmp/app")
	assert.False(t, plan.Fallback)
	assert.Equal(t, []agent.ID{agent.Research, agent.Codesmith}, plan.Agents())
}

func TestCreatePlanFallsBackWhenAllAgentsUnknown(t *testing.T) {
	stub := &stubCaller{result: json.RawMessage(`{
		"workflow_type": "EXPLAIN",
		"steps": [{"agent": "wizard", "mode": "cast"}]
	}`)}
	p := NewPlanner(stub, logger.Default())

	plan := p.CreatePlan(context.Background(), "q", "/tmp/app")
	assert.True(t, plan.Fallback)
}

func TestFallbackPlanShape(t *testing.T) {
	plan := FallbackPlan()
	require.Len(t, plan.Steps, 4)
	last := plan.Steps[3]
	assert.Equal(t, agent.ReviewFix, last.Agent)
	assert.True(t, last.OnSuccess)
	assert.Equal(t, 3, last.MaxIterations)

	ok, issues := ValidatePlan(plan)
	assert.True(t, ok, "fallback plan must validate: %v", issues)
}

func TestValidatePlan(t *testing.T) {
	tests := []struct {
		name  string
		plan  *Plan
		ok    bool
		issue string
	}{
		{
			name: "unknown agent",
			plan: &Plan{Steps: []PlanStep{{Agent: agent.ID("wizard"), Mode: "cast"}}},
			ok:   false, issue: "unknown agent",
		},
		{
			name: "duplicate without iteration bound",
			plan: &Plan{Steps: []PlanStep{
				{Agent: agent.Codesmith, Mode: "generate"},
				{Agent: agent.Codesmith, Mode: "generate"},
			}},
			ok: false, issue: "scheduled twice",
		},
		{
			name: "duplicate with iteration bound",
			plan: &Plan{Steps: []PlanStep{
				{Agent: agent.Codesmith, Mode: "generate"},
				{Agent: agent.Codesmith, Mode: "refactor", MaxIterations: 2},
			}},
			ok: true,
		},
		{
			name: "create without codesmith",
			plan: &Plan{Type: TypeCreate, Steps: []PlanStep{{Agent: agent.Research, Mode: "research"}}},
			ok:   false, issue: "missing the codesmith",
		},
		{
			name: "iterations over limit",
			plan: &Plan{Steps: []PlanStep{{Agent: agent.ReviewFix, Mode: "reviewfix", MaxIterations: 11}}},
			ok:   false, issue: "exceeds limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, issues := ValidatePlan(tt.plan)
			assert.Equal(t, tt.ok, ok)
			if tt.issue != "" {
				require.NotEmpty(t, issues)
				assert.Contains(t, issues[0], tt.issue)
			}
		})
	}
}
