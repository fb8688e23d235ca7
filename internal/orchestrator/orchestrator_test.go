package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiagent/kiagent/internal/agent"
	"github.com/kiagent/kiagent/internal/common/logger"
	"github.com/kiagent/kiagent/internal/workflow/adapter"
	"github.com/kiagent/kiagent/internal/workflow/planner"
)

// completing returns an executor that reports itself completed and
// merges the given delta.
func completing(id agent.ID, delta agent.State) agent.Executor {
	return agent.ExecutorFunc(func(_ context.Context, _ agent.State) (agent.State, error) {
		out := agent.State{agent.KeyAgentsCompleted: []string{id.String()}}
		for k, v := range delta {
			out[k] = v
		}
		return out, nil
	})
}

func coreExecutors() agent.Set {
	set := agent.Set{}
	for _, id := range agent.Core {
		set[id] = completing(id, nil)
	}
	return set
}

func planOf(steps ...planner.PlanStep) *planner.Plan {
	return &planner.Plan{Steps: steps, Type: planner.TypeCreate}
}

func initialState() agent.State {
	return agent.State{
		agent.KeyWorkspacePath: "/tmp/app",
		agent.KeyUserQuery:     "Create a calculator in Python",
	}
}

// approveAll is an Approver that always approves.
type approveAll struct{ requests []ApprovalRequest }

func (a *approveAll) RequestApproval(_ context.Context, req ApprovalRequest) (bool, error) {
	a.requests = append(a.requests, req)
	return true, nil
}

// denyAll is an Approver that always denies.
type denyAll struct{}

func (denyAll) RequestApproval(context.Context, ApprovalRequest) (bool, error) {
	return false, nil
}

func TestBaselineWorkflow(t *testing.T) {
	approver := &approveAll{}
	o := New(coreExecutors(), nil, Options{MaxBudgetUSD: 10, Approver: approver}, logger.Default())

	state, exec := o.ExecuteWorkflow(context.Background(), planner.FallbackPlan(), initialState())

	assert.True(t, exec.Success)
	assert.Empty(t, state.Errors())
	assert.Equal(t, []string{"research", "architect", "codesmith", "reviewfix"}, state.AgentsCompleted())

	require.Len(t, exec.Records, 4)
	for _, rec := range exec.Records {
		assert.Equal(t, StatusSuccess, rec.Status)
	}
	// Only codesmith generate is approval-gated in the fallback plan.
	require.Len(t, approver.requests, 1)
	assert.Equal(t, agent.Codesmith, approver.requests[0].Agent)

	// 0.02 + 0.05 + 0.08 + 0.05 from the capability table.
	assert.InDelta(t, 0.20, exec.TotalCostUSD, 1e-9)
}

func TestBudgetExhaustionStopsWorkflow(t *testing.T) {
	o := New(coreExecutors(), nil, Options{MaxBudgetUSD: 0.10, Approver: &approveAll{}}, logger.Default())
	plan := planOf(
		planner.PlanStep{Agent: agent.Codesmith, Mode: "generate"},
		planner.PlanStep{Agent: agent.Codesmith, Mode: "generate", MaxIterations: 2},
		planner.PlanStep{Agent: agent.Codesmith, Mode: "generate", MaxIterations: 3},
	)

	state, exec := o.ExecuteWorkflow(context.Background(), plan, initialState())

	// Two $0.08 steps fit before remaining budget drops to zero.
	assert.Len(t, exec.Records, 2)
	assert.False(t, exec.Success)
	require.Len(t, state.Errors(), 1)
	assert.Equal(t, "Budget exhausted", state.Errors()[0].Message)
	assert.InDelta(t, 0.16, exec.TotalCostUSD, 1e-9)
	assert.Less(t, exec.RemainingBudget(), 0.0)
}

func TestApprovalDenialSkipsStep(t *testing.T) {
	o := New(coreExecutors(), nil, Options{MaxBudgetUSD: 10, Approver: denyAll{}}, logger.Default())
	plan := planOf(
		planner.PlanStep{Agent: agent.Codesmith, Mode: "generate"},
		planner.PlanStep{Agent: agent.ReviewFix, Mode: "validate"},
	)

	state, exec := o.ExecuteWorkflow(context.Background(), plan, initialState())

	require.Len(t, exec.Records, 2)
	assert.Equal(t, StatusSkipped, exec.Records[0].Status)
	assert.Equal(t, StatusSuccess, exec.Records[1].Status)
	// A skipped step costs nothing and leaves no trace in state.
	assert.Equal(t, []string{"reviewfix"}, state.AgentsCompleted())
	assert.InDelta(t, 0.02, exec.TotalCostUSD, 1e-9)
	assert.True(t, exec.Success)
}

func TestUnknownAgentStepsDroppedRemainderExecuted(t *testing.T) {
	o := New(coreExecutors(), nil, Options{MaxBudgetUSD: 10}, logger.Default())
	plan := planOf(
		planner.PlanStep{Agent: agent.Research, Mode: "research"},
		planner.PlanStep{Agent: agent.ID("quantum_optimizer"), Mode: "optimize"},
		planner.PlanStep{Agent: agent.Codesmith, Mode: "scaffold"},
	)

	state, exec := o.ExecuteWorkflow(context.Background(), plan, initialState())

	require.Len(t, exec.Records, 2)
	assert.Equal(t, agent.Research, exec.Records[0].Agent)
	assert.Equal(t, agent.Codesmith, exec.Records[1].Agent)
	assert.Empty(t, state.Errors())
	assert.True(t, exec.Success)
}

func TestMissingExecutorFailsStep(t *testing.T) {
	o := New(agent.Set{}, nil, Options{MaxBudgetUSD: 10}, logger.Default())
	plan := planOf(planner.PlanStep{Agent: agent.Research, Mode: "research"})

	state, exec := o.ExecuteWorkflow(context.Background(), plan, initialState())

	require.Len(t, exec.Records, 1)
	assert.Equal(t, StatusFailed, exec.Records[0].Status)
	require.Len(t, state.Errors(), 1)
	assert.Contains(t, state.Errors()[0].Message, "no executor bound")
	assert.False(t, exec.Success)
}

func TestExecutorErrorIsCapturedNotPropagated(t *testing.T) {
	set := coreExecutors()
	set[agent.Architect] = agent.ExecutorFunc(func(context.Context, agent.State) (agent.State, error) {
		return nil, errors.New("model unavailable")
	})
	o := New(set, nil, Options{MaxBudgetUSD: 10}, logger.Default())
	plan := planOf(
		planner.PlanStep{Agent: agent.Architect, Mode: "design"},
		planner.PlanStep{Agent: agent.ReviewFix, Mode: "validate"},
	)

	state, exec := o.ExecuteWorkflow(context.Background(), plan, initialState())

	require.Len(t, exec.Records, 2)
	assert.Equal(t, StatusFailed, exec.Records[0].Status)
	assert.Contains(t, exec.Records[0].Error, "model unavailable")
	// A single failure does not stop the pipeline.
	assert.Equal(t, StatusSuccess, exec.Records[1].Status)
	require.Len(t, state.Errors(), 1)
}

func TestEarlyTerminationOnErrorCount(t *testing.T) {
	failing := agent.ExecutorFunc(func(context.Context, agent.State) (agent.State, error) {
		return nil, errors.New("boom")
	})
	set := agent.Set{agent.Research: failing, agent.Architect: failing, agent.Fixer: failing}
	o := New(set, nil, Options{MaxBudgetUSD: 10}, logger.Default())
	plan := planOf(
		planner.PlanStep{Agent: agent.Research, Mode: "research"},
		planner.PlanStep{Agent: agent.Architect, Mode: "design"},
		planner.PlanStep{Agent: agent.Fixer, Mode: "fix"},
		planner.PlanStep{Agent: agent.ReviewFix, Mode: "validate"},
	)

	state, exec := o.ExecuteWorkflow(context.Background(), plan, initialState())

	// Third error triggers early termination; reviewfix never runs.
	assert.Len(t, exec.Records, 3)
	assert.Len(t, state.Errors(), 3)
	assert.False(t, exec.Success)
}

func TestEarlyTerminationOnCriticalSubstring(t *testing.T) {
	set := coreExecutors()
	set[agent.Research] = agent.ExecutorFunc(func(context.Context, agent.State) (agent.State, error) {
		return agent.State{agent.KeyErrors: []agent.Error{
			{Message: "CRITICAL: workspace unreadable", Severity: agent.SeverityHigh, SourceAgent: agent.Research},
		}}, nil
	})
	o := New(set, nil, Options{MaxBudgetUSD: 10}, logger.Default())

	state, exec := o.ExecuteWorkflow(context.Background(), planner.FallbackPlan(), initialState())

	assert.Len(t, exec.Records, 1)
	assert.False(t, exec.Success)
	require.Len(t, state.Errors(), 1)
}

func TestEarlyTerminationOnUserAbort(t *testing.T) {
	set := coreExecutors()
	set[agent.Research] = agent.ExecutorFunc(func(context.Context, agent.State) (agent.State, error) {
		return agent.State{agent.KeyUserAbort: true}, nil
	})
	o := New(set, nil, Options{MaxBudgetUSD: 10}, logger.Default())

	state, exec := o.ExecuteWorkflow(context.Background(), planner.FallbackPlan(), initialState())

	assert.Len(t, exec.Records, 1)
	assert.True(t, state.UserAbort())
	// No errors were recorded, but the run did not finish the plan.
	assert.True(t, exec.Success)
}

func TestSelfCallsDrainedFIFO(t *testing.T) {
	o := New(nil, nil, Options{MaxBudgetUSD: 10}, logger.Default())
	set := agent.Set{
		agent.Architect: completing(agent.Architect, nil),
		agent.Reviewer:  completing(agent.Reviewer, nil),
		agent.Research: agent.ExecutorFunc(func(context.Context, agent.State) (agent.State, error) {
			o.RequestAgent(agent.Research, agent.Architect, "design", "needs a design first", nil)
			o.RequestAgent(agent.Research, agent.Reviewer, "review", "sanity check", nil)
			return agent.State{agent.KeyAgentsCompleted: []string{"research"}}, nil
		}),
	}
	o.executors = set
	plan := planOf(planner.PlanStep{Agent: agent.Research, Mode: "research"})

	state, exec := o.ExecuteWorkflow(context.Background(), plan, initialState())

	assert.Equal(t, []string{"research", "architect", "reviewer"}, state.AgentsCompleted())
	require.Len(t, exec.Records, 3)
	assert.Equal(t, agent.Research, exec.Records[0].Agent)
	assert.Equal(t, agent.Architect, exec.Records[1].Agent)
	assert.Equal(t, agent.Reviewer, exec.Records[2].Agent)
	assert.True(t, exec.Success)
}

func TestAdapterInsertsReviewerOnLowQuality(t *testing.T) {
	set := coreExecutors()
	set[agent.Codesmith] = completing(agent.Codesmith, agent.State{
		agent.KeyQualityScores: map[string]float64{agent.Codesmith.String(): 0.6},
	})
	set[agent.Reviewer] = completing(agent.Reviewer, nil)

	ad := adapter.NewAdapter(logger.Default())
	o := New(set, ad, Options{MaxBudgetUSD: 10, Approver: &approveAll{}}, logger.Default())
	plan := planOf(
		planner.PlanStep{Agent: agent.Codesmith, Mode: "generate"},
		planner.PlanStep{Agent: agent.ReviewFix, Mode: "reviewfix"},
	)

	state, exec := o.ExecuteWorkflow(context.Background(), plan, initialState())

	assert.Equal(t, []string{"codesmith", "reviewer", "reviewfix"}, state.AgentsCompleted())
	assert.True(t, exec.Success)
	assert.Len(t, exec.Records, 3)
}

func TestAdapterAbortTerminatesWorkflow(t *testing.T) {
	set := coreExecutors()
	set[agent.Research] = completing(agent.Research, agent.State{
		agent.KeyErrors: []agent.Error{
			{Message: "workspace volume detached", Severity: agent.SeverityCritical, SourceAgent: agent.Research},
		},
	})
	ad := adapter.NewAdapter(logger.Default())
	o := New(set, ad, Options{MaxBudgetUSD: 10, Approver: &approveAll{}}, logger.Default())

	state, exec := o.ExecuteWorkflow(context.Background(), planner.FallbackPlan(), initialState())

	assert.True(t, exec.Aborted)
	assert.False(t, exec.Success)
	assert.Len(t, exec.Records, 1)
	// Original error plus the abort marker.
	require.Len(t, state.Errors(), 2)
	assert.Contains(t, state.Errors()[1].Message, "aborted by adaptation")
}

func TestBudgetReport(t *testing.T) {
	o := New(coreExecutors(), nil, Options{MaxBudgetUSD: 1.0, Approver: &approveAll{}}, logger.Default())

	_, exec := o.ExecuteWorkflow(context.Background(), planner.FallbackPlan(), initialState())

	report := exec.BudgetReport()
	assert.Equal(t, 1.0, report.TotalBudget)
	assert.InDelta(t, 0.20, report.Spent, 1e-9)
	assert.InDelta(t, 0.80, report.Remaining, 1e-9)
	assert.Equal(t, 4, report.AgentsExecuted)
	require.Len(t, report.CostBreakdown, 4)
	assert.Equal(t, agent.Codesmith, report.CostBreakdown[2].Agent)
	assert.InDelta(t, 0.08, report.CostBreakdown[2].CostUSD, 1e-9)
}

func TestHistoryIsBounded(t *testing.T) {
	o := New(coreExecutors(), nil, Options{MaxBudgetUSD: 10, HistoryLimit: 3, Approver: &approveAll{}}, logger.Default())
	plan := planOf(planner.PlanStep{Agent: agent.Research, Mode: "explain"})

	for i := 0; i < 5; i++ {
		o.ExecuteWorkflow(context.Background(), plan, initialState())
	}
	assert.Len(t, o.History(), 3)
}
