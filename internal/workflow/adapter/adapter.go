// Package adapter inspects workflow state between steps and proposes
// plan modifications: inserting, skipping, or repeating agents,
// reordering the remaining plan, or aborting the run outright. The
// orchestrator applies accepted decisions before executing the next
// step.
package adapter

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kiagent/kiagent/internal/agent"
	"github.com/kiagent/kiagent/internal/common/logger"
)

// DecisionType names a plan modification.
type DecisionType string

const (
	InsertAgent      DecisionType = "insert_agent"
	SkipAgent        DecisionType = "skip_agent"
	RepeatAgent      DecisionType = "repeat_agent"
	ReorderAgents    DecisionType = "reorder_agents"
	ChangeParameters DecisionType = "change_parameters"
	AbortWorkflow    DecisionType = "abort_workflow"
)

// Reason names why a decision was proposed.
type Reason string

const (
	ReasonErrorDetected      Reason = "error_detected"
	ReasonQualityIssue       Reason = "quality_issue"
	ReasonMissingDependency  Reason = "missing_dependency"
	ReasonOptimization       Reason = "optimization"
	ReasonUserFeedback       Reason = "user_feedback"
	ReasonResourceConstraint Reason = "resource_constraint"
)

// Decision is one proposed plan modification.
type Decision struct {
	Type       DecisionType   `json:"type"`
	Agent      agent.ID       `json:"agent,omitempty"`
	Reason     Reason         `json:"reason"`
	Details    string         `json:"details"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Context is the snapshot the adapter analyzes after each step.
type Context struct {
	// RemainingPlan is the ordered agent list still to execute.
	RemainingPlan []agent.ID
	// Completed lists agents that already ran, in order, repeats included.
	Completed []agent.ID
	// State is the shared workflow state after the last step.
	State agent.State
}

// historyLimit bounds the decision history.
const historyLimit = 200

// Suggestion is one hint from a learning collaborator. Note-only
// suggestions are logged and never become decisions.
type Suggestion struct {
	Type       string  `json:"type"`
	Agent      string  `json:"agent,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Note       string  `json:"note,omitempty"`
}

// Learner proposes optimizations learned from past runs. Attaching one
// is optional; its failures never fail an analysis pass.
type Learner interface {
	SuggestAdaptations(wc Context) ([]Suggestion, error)
}

// Adapter holds the rule set and the decision history.
type Adapter struct {
	mu      sync.Mutex
	history []Decision
	learner Learner
	logger  *logger.Logger
}

func NewAdapter(log *logger.Logger) *Adapter {
	return &Adapter{logger: log.WithFields(zap.String("component", "workflow_adapter"))}
}

// SetLearner attaches a learning collaborator consulted on every
// analysis pass.
func (a *Adapter) SetLearner(l Learner) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.learner = l
}

// Analyze runs the rule set against the context and returns zero or more
// decisions. A critical error short-circuits: the result is exactly one
// abort decision.
func (a *Adapter) Analyze(wc Context) []Decision {
	var decisions []Decision

	errs := wc.State.Errors()

	// A critical error overrides everything else.
	for _, e := range errs {
		if e.Severity == agent.SeverityCritical {
			d := Decision{
				Type:       AbortWorkflow,
				Reason:     ReasonErrorDetected,
				Details:    fmt.Sprintf("critical error from %s: %s", e.SourceAgent, e.Message),
				Confidence: 1.0,
				Timestamp:  time.Now().UTC(),
			}
			a.record(d)
			return []Decision{d}
		}
	}

	// Too many errors after fixing was attempted: fix again, at most
	// twice total.
	if len(errs) > 3 && contains(wc.Completed, agent.Fixer) && count(wc.Completed, agent.Fixer) < 2 {
		decisions = append(decisions, Decision{
			Type:       RepeatAgent,
			Agent:      agent.Fixer,
			Reason:     ReasonErrorDetected,
			Details:    fmt.Sprintf("%d errors remain after a fix pass", len(errs)),
			Confidence: 0.9,
			Timestamp:  time.Now().UTC(),
		})
	}

	// Low code quality without a review scheduled: insert the reviewer
	// right after the code writer.
	if score, ok := wc.State.QualityScores()[agent.Codesmith.String()]; ok && score < 0.7 {
		if !contains(wc.RemainingPlan, agent.Reviewer) && !contains(wc.Completed, agent.Reviewer) {
			decisions = append(decisions, Decision{
				Type:       InsertAgent,
				Agent:      agent.Reviewer,
				Reason:     ReasonQualityIssue,
				Details:    fmt.Sprintf("codesmith quality score %.2f below threshold", score),
				Confidence: 0.85,
				Metadata:   map[string]any{"insert_after": agent.Codesmith.String()},
				Timestamp:  time.Now().UTC(),
			})
		}
	}

	// The architect flagged unknowns that research never covered: front
	// the research step before code gets written.
	if a.architectMissingDeps(wc.State) && !contains(wc.Completed, agent.Research) {
		decisions = append(decisions, Decision{
			Type:       InsertAgent,
			Agent:      agent.Research,
			Reason:     ReasonMissingDependency,
			Details:    "architect reported missing dependencies and no research has run",
			Confidence: 0.95,
			Metadata:   map[string]any{"insert_before": agent.Codesmith.String()},
			Timestamp:  time.Now().UTC(),
		})
	}

	decisions = append(decisions, a.learnerDecisions(wc)...)

	for _, d := range decisions {
		a.record(d)
	}
	return decisions
}

// learnerDecisions consults the attached learning collaborator. Only
// structured skip_agent suggestions for agents still pending become
// decisions; notes are logged and a collaborator failure is swallowed.
func (a *Adapter) learnerDecisions(wc Context) []Decision {
	a.mu.Lock()
	learner := a.learner
	a.mu.Unlock()
	if learner == nil {
		return nil
	}

	suggestions, err := learner.SuggestAdaptations(wc)
	if err != nil {
		a.logger.Warn("learning collaborator failed", zap.Error(err))
		return nil
	}

	var decisions []Decision
	for _, s := range suggestions {
		if s.Type == "" {
			a.logger.Info("learning suggestion", zap.String("note", s.Note))
			continue
		}
		if s.Type != string(SkipAgent) {
			continue
		}
		id, ok := agent.Parse(s.Agent)
		if !ok || !contains(wc.RemainingPlan, id) {
			continue
		}
		decisions = append(decisions, Decision{
			Type:       SkipAgent,
			Agent:      id,
			Reason:     ReasonOptimization,
			Details:    "suggested as unnecessary by the learning collaborator",
			Confidence: s.Confidence,
			Timestamp:  time.Now().UTC(),
		})
	}
	return decisions
}

// architectMissingDeps reports whether the architect's result mentions
// unresolved dependencies. The canonical shape is a dependencies list
// whose entries carry a status field; a missing_dependencies list and
// plain prose are accepted too.
func (a *Adapter) architectMissingDeps(state agent.State) bool {
	result, ok := state.Results()[agent.Architect.String()]
	if !ok {
		return false
	}
	switch v := result.(type) {
	case string:
		return strings.Contains(strings.ToLower(v), "missing dependenc")
	case map[string]any:
		if deps, ok := v["dependencies"].([]any); ok {
			for _, raw := range deps {
				entry, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if status, _ := entry["status"].(string); status == "missing" {
					return true
				}
			}
		}
		if deps, ok := v["missing_dependencies"].([]string); ok {
			return len(deps) > 0
		}
		if deps, ok := v["missing_dependencies"].([]any); ok {
			return len(deps) > 0
		}
	}
	return false
}

// Apply rewrites the remaining plan according to one decision. The
// aborted return is set only for abort decisions; the plan itself is
// returned unchanged in that case.
func (a *Adapter) Apply(plan []agent.ID, d Decision) (out []agent.ID, aborted bool) {
	switch d.Type {
	case InsertAgent:
		return a.applyInsert(plan, d), false

	case SkipAgent:
		for i, id := range plan {
			if id == d.Agent {
				out = append(out, plan[:i]...)
				out = append(out, plan[i+1:]...)
				return out, false
			}
		}
		return plan, false

	case RepeatAgent:
		// The repeated agent runs next.
		out = append(out, d.Agent)
		out = append(out, plan...)
		return out, false

	case ReorderAgents:
		names, ok := d.Metadata["new_order"].([]string)
		if !ok {
			a.logger.Warn("reorder decision without new_order, plan unchanged")
			return plan, false
		}
		for _, name := range names {
			if id, ok := agent.Parse(name); ok {
				out = append(out, id)
			}
		}
		return out, false

	case AbortWorkflow:
		return plan, true

	case ChangeParameters:
		// Parameters are applied by the executor, not the plan.
		return plan, false
	}
	return plan, false
}

func (a *Adapter) applyInsert(plan []agent.ID, d Decision) []agent.ID {
	if before, ok := d.Metadata["insert_before"].(string); ok {
		if id, parsed := agent.Parse(before); parsed {
			for i, cur := range plan {
				if cur == id {
					out := make([]agent.ID, 0, len(plan)+1)
					out = append(out, plan[:i]...)
					out = append(out, d.Agent)
					out = append(out, plan[i:]...)
					return out
				}
			}
		}
		a.logger.Warn("insert_before anchor not in remaining plan",
			zap.String("agent", d.Agent.String()),
			zap.String("anchor", before))
	}
	if _, ok := d.Metadata["insert_after"]; ok {
		// The inserted agent runs next: the anchor is the step that just
		// finished, so it is never in the remaining plan anyway.
		return append([]agent.ID{d.Agent}, plan...)
	}
	return append(append([]agent.ID{}, plan...), d.Agent)
}

func (a *Adapter) record(d Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, d)
	if len(a.history) > historyLimit {
		a.history = a.history[len(a.history)-historyLimit:]
	}
	a.logger.Info("adaptation decision",
		zap.String("type", string(d.Type)),
		zap.String("agent", d.Agent.String()),
		zap.String("reason", string(d.Reason)),
		zap.Float64("confidence", d.Confidence))
}

// Stats summarizes the decision history.
type Stats struct {
	Total    int                  `json:"total"`
	ByType   map[DecisionType]int `json:"by_type"`
	ByReason map[Reason]int       `json:"by_reason"`
	Recent   []Decision           `json:"recent"`
}

// History returns a copy of the decision history, oldest first.
func (a *Adapter) History() []Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Decision, len(a.history))
	copy(out, a.history)
	return out
}

// GetStats aggregates the history and includes the five most recent
// decisions.
func (a *Adapter) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := Stats{
		Total:    len(a.history),
		ByType:   make(map[DecisionType]int),
		ByReason: make(map[Reason]int),
	}
	for _, d := range a.history {
		stats.ByType[d.Type]++
		stats.ByReason[d.Reason]++
	}
	n := len(a.history)
	start := n - 5
	if start < 0 {
		start = 0
	}
	stats.Recent = append(stats.Recent, a.history[start:]...)
	return stats
}

func contains(ids []agent.ID, target agent.ID) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func count(ids []agent.ID, target agent.ID) int {
	n := 0
	for _, id := range ids {
		if id == target {
			n++
		}
	}
	return n
}
