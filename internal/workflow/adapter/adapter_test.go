package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiagent/kiagent/internal/agent"
	"github.com/kiagent/kiagent/internal/common/logger"
)

func newTestAdapter() *Adapter {
	return NewAdapter(logger.Default())
}

func stateWithErrors(errs ...agent.Error) agent.State {
	s := agent.State{}
	for _, e := range errs {
		s.AppendError(e)
	}
	return s
}

func TestCriticalErrorShortCircuitsToSingleAbort(t *testing.T) {
	a := newTestAdapter()
	state := stateWithErrors(
		agent.Error{Message: "lint warning", Severity: agent.SeverityLow, SourceAgent: "reviewer"},
		agent.Error{Message: "test failed", Severity: agent.SeverityMedium, SourceAgent: "reviewfix"},
		agent.Error{Message: "disk full", Severity: agent.SeverityCritical, SourceAgent: "codesmith"},
		agent.Error{Message: "import broken", Severity: agent.SeverityHigh, SourceAgent: "codesmith"},
	)
	// Conditions for other rules are also satisfied on purpose.
	state["quality_scores"] = map[string]float64{agent.Codesmith.String(): 0.3}

	decisions := a.Analyze(Context{
		RemainingPlan: []agent.ID{agent.ReviewFix},
		Completed:     []agent.ID{agent.Codesmith, agent.Fixer},
		State:         state,
	})

	require.Len(t, decisions, 1)
	assert.Equal(t, AbortWorkflow, decisions[0].Type)
	assert.Equal(t, ReasonErrorDetected, decisions[0].Reason)
	assert.Equal(t, 1.0, decisions[0].Confidence)
	assert.Contains(t, decisions[0].Details, "disk full")
}

func TestRepeatFixerOnPersistentErrors(t *testing.T) {
	a := newTestAdapter()
	state := stateWithErrors(
		agent.Error{Message: "e1", Severity: agent.SeverityMedium},
		agent.Error{Message: "e2", Severity: agent.SeverityMedium},
		agent.Error{Message: "e3", Severity: agent.SeverityLow},
		agent.Error{Message: "e4", Severity: agent.SeverityLow},
	)

	decisions := a.Analyze(Context{
		Completed: []agent.ID{agent.Codesmith, agent.Fixer},
		State:     state,
	})
	require.Len(t, decisions, 1)
	assert.Equal(t, RepeatAgent, decisions[0].Type)
	assert.Equal(t, agent.Fixer, decisions[0].Agent)
	assert.Equal(t, 0.9, decisions[0].Confidence)

	// After the second fix pass the rule stops firing.
	decisions = a.Analyze(Context{
		Completed: []agent.ID{agent.Codesmith, agent.Fixer, agent.Fixer},
		State:     state,
	})
	assert.Empty(t, decisions)
}

func TestRepeatFixerRequiresFixerRan(t *testing.T) {
	a := newTestAdapter()
	state := stateWithErrors(
		agent.Error{Message: "e1"}, agent.Error{Message: "e2"},
		agent.Error{Message: "e3"}, agent.Error{Message: "e4"},
	)
	decisions := a.Analyze(Context{Completed: []agent.ID{agent.Codesmith}, State: state})
	assert.Empty(t, decisions)
}

func TestLowQualityInsertsReviewer(t *testing.T) {
	a := newTestAdapter()
	state := agent.State{"quality_scores": map[string]float64{agent.Codesmith.String(): 0.55}}

	decisions := a.Analyze(Context{
		RemainingPlan: []agent.ID{agent.Codesmith, agent.ReviewFix},
		State:         state,
	})
	require.Len(t, decisions, 1)
	d := decisions[0]
	assert.Equal(t, InsertAgent, d.Type)
	assert.Equal(t, agent.Reviewer, d.Agent)
	assert.Equal(t, ReasonQualityIssue, d.Reason)
	assert.Equal(t, agent.Codesmith.String(), d.Metadata["insert_after"])

	// insert_after means the inserted agent runs next.
	plan, aborted := a.Apply([]agent.ID{agent.ReviewFix}, d)
	assert.False(t, aborted)
	assert.Equal(t, []agent.ID{agent.Reviewer, agent.ReviewFix}, plan)
}

func TestLowQualitySkippedWhenReviewerScheduled(t *testing.T) {
	a := newTestAdapter()
	state := agent.State{"quality_scores": map[string]float64{agent.Codesmith.String(): 0.55}}

	decisions := a.Analyze(Context{
		RemainingPlan: []agent.ID{agent.Reviewer, agent.ReviewFix},
		State:         state,
	})
	assert.Empty(t, decisions)
}

func TestMissingDependencyInsertsResearch(t *testing.T) {
	a := newTestAdapter()
	state := agent.State{
		"results": map[string]any{
			agent.Architect.String(): map[string]any{
				"dependencies": []any{
					map[string]any{"name": "react", "status": "resolved"},
					map[string]any{"name": "vite", "status": "missing"},
				},
			},
		},
	}

	decisions := a.Analyze(Context{
		RemainingPlan: []agent.ID{agent.Codesmith, agent.ReviewFix},
		Completed:     []agent.ID{agent.Architect},
		State:         state,
	})
	require.Len(t, decisions, 1)
	d := decisions[0]
	assert.Equal(t, InsertAgent, d.Type)
	assert.Equal(t, agent.Research, d.Agent)
	assert.Equal(t, 0.95, d.Confidence)

	plan, _ := a.Apply([]agent.ID{agent.Codesmith, agent.ReviewFix}, d)
	assert.Equal(t, []agent.ID{agent.Research, agent.Codesmith, agent.ReviewFix}, plan)

	// Research already ran: rule must not fire.
	decisions = a.Analyze(Context{
		RemainingPlan: []agent.ID{agent.Codesmith},
		Completed:     []agent.ID{agent.Research, agent.Architect},
		State:         state,
	})
	assert.Empty(t, decisions)
}

func TestMissingDependencyAlternateShapes(t *testing.T) {
	a := newTestAdapter()

	for name, result := range map[string]any{
		"list":  map[string]any{"missing_dependencies": []string{"redis client"}},
		"prose": "the design has a missing dependency on redis",
	} {
		state := agent.State{
			"results": map[string]any{agent.Architect.String(): result},
		}
		decisions := a.Analyze(Context{
			RemainingPlan: []agent.ID{agent.Codesmith},
			Completed:     []agent.ID{agent.Architect},
			State:         state,
		})
		require.Len(t, decisions, 1, name)
		assert.Equal(t, agent.Research, decisions[0].Agent, name)
	}

	// All dependencies resolved: rule must not fire.
	state := agent.State{
		"results": map[string]any{
			agent.Architect.String(): map[string]any{
				"dependencies": []any{map[string]any{"name": "react", "status": "resolved"}},
			},
		},
	}
	decisions := a.Analyze(Context{
		RemainingPlan: []agent.ID{agent.Codesmith},
		Completed:     []agent.ID{agent.Architect},
		State:         state,
	})
	assert.Empty(t, decisions)
}

func TestApplyInsertAfterRunsNext(t *testing.T) {
	a := newTestAdapter()
	d := Decision{
		Type:     InsertAgent,
		Agent:    agent.Reviewer,
		Metadata: map[string]any{"insert_after": agent.Codesmith.String()},
	}
	// Anchor still pending or already ran: either way the inserted agent
	// goes to the head of the remaining plan.
	plan, _ := a.Apply([]agent.ID{agent.Codesmith, agent.ReviewFix}, d)
	assert.Equal(t, []agent.ID{agent.Reviewer, agent.Codesmith, agent.ReviewFix}, plan)

	plan, _ = a.Apply([]agent.ID{agent.ReviewFix}, d)
	assert.Equal(t, []agent.ID{agent.Reviewer, agent.ReviewFix}, plan)
}

func TestApplyInsertBeforeMissingAnchorFallsBackToHead(t *testing.T) {
	a := newTestAdapter()
	d := Decision{
		Type:  InsertAgent,
		Agent: agent.Research,
		Metadata: map[string]any{
			"insert_before": agent.Codesmith.String(),
			"insert_after":  agent.Architect.String(),
		},
	}
	// insert_before anchor already ran; the insert_after fallback puts
	// the agent at the head.
	plan, _ := a.Apply([]agent.ID{agent.ReviewFix}, d)
	assert.Equal(t, []agent.ID{agent.Research, agent.ReviewFix}, plan)
}

func TestApplyInsertAppendsWithoutAnchor(t *testing.T) {
	a := newTestAdapter()
	plan, _ := a.Apply([]agent.ID{agent.Codesmith}, Decision{Type: InsertAgent, Agent: agent.Reviewer})
	assert.Equal(t, []agent.ID{agent.Codesmith, agent.Reviewer}, plan)
}

func TestApplySkipRemovesFirstOccurrence(t *testing.T) {
	a := newTestAdapter()
	plan, _ := a.Apply(
		[]agent.ID{agent.Research, agent.Codesmith, agent.Research},
		Decision{Type: SkipAgent, Agent: agent.Research},
	)
	assert.Equal(t, []agent.ID{agent.Codesmith, agent.Research}, plan)

	// Absent agent: plan unchanged.
	plan, _ = a.Apply(plan, Decision{Type: SkipAgent, Agent: agent.Supervisor})
	assert.Equal(t, []agent.ID{agent.Codesmith, agent.Research}, plan)
}

func TestApplyRepeatRunsNext(t *testing.T) {
	a := newTestAdapter()
	plan, _ := a.Apply([]agent.ID{agent.ReviewFix}, Decision{Type: RepeatAgent, Agent: agent.Fixer})
	assert.Equal(t, []agent.ID{agent.Fixer, agent.ReviewFix}, plan)
}

func TestApplyReorder(t *testing.T) {
	a := newTestAdapter()
	plan, _ := a.Apply(
		[]agent.ID{agent.Codesmith, agent.Research},
		Decision{Type: ReorderAgents, Metadata: map[string]any{
			"new_order": []string{agent.Research.String(), agent.Codesmith.String()},
		}},
	)
	assert.Equal(t, []agent.ID{agent.Research, agent.Codesmith}, plan)
}

func TestApplyAbort(t *testing.T) {
	a := newTestAdapter()
	original := []agent.ID{agent.Codesmith}
	plan, aborted := a.Apply(original, Decision{Type: AbortWorkflow})
	assert.True(t, aborted)
	assert.Equal(t, original, plan)
}

// learnerFunc adapts a function to the Learner interface.
type learnerFunc func(wc Context) ([]Suggestion, error)

func (f learnerFunc) SuggestAdaptations(wc Context) ([]Suggestion, error) { return f(wc) }

func TestLearnerSkipSuggestions(t *testing.T) {
	a := newTestAdapter()
	a.SetLearner(learnerFunc(func(Context) ([]Suggestion, error) {
		return []Suggestion{
			{Type: "skip_agent", Agent: agent.Research.String(), Confidence: 0.72},
			{Type: "skip_agent", Agent: agent.Supervisor.String(), Confidence: 0.9}, // not pending
			{Type: "skip_agent", Agent: "bogus", Confidence: 0.9},
			{Note: "codesmith usually succeeds on first pass"}, // logged only
		}, nil
	}))

	decisions := a.Analyze(Context{
		RemainingPlan: []agent.ID{agent.Research, agent.Codesmith},
		State:         agent.State{},
	})
	require.Len(t, decisions, 1)
	assert.Equal(t, SkipAgent, decisions[0].Type)
	assert.Equal(t, agent.Research, decisions[0].Agent)
	assert.Equal(t, ReasonOptimization, decisions[0].Reason)
	assert.Equal(t, 0.72, decisions[0].Confidence)
}

func TestLearnerFailureIsSwallowed(t *testing.T) {
	a := newTestAdapter()
	a.SetLearner(learnerFunc(func(Context) ([]Suggestion, error) {
		return nil, assert.AnError
	}))

	decisions := a.Analyze(Context{
		RemainingPlan: []agent.ID{agent.Research},
		State:         agent.State{},
	})
	assert.Empty(t, decisions)
}

func TestStats(t *testing.T) {
	a := newTestAdapter()
	state := stateWithErrors(agent.Error{Message: "fatal", Severity: agent.SeverityCritical})

	for i := 0; i < 7; i++ {
		a.Analyze(Context{State: state})
	}

	stats := a.GetStats()
	assert.Equal(t, 7, stats.Total)
	assert.Equal(t, 7, stats.ByType[AbortWorkflow])
	assert.Equal(t, 7, stats.ByReason[ReasonErrorDetected])
	assert.Len(t, stats.Recent, 5)
	assert.Len(t, a.History(), 7)
}
