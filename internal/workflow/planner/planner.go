// Package planner turns a natural-language request into an ordered agent
// plan. Planning is delegated to an LLM through the MCP claude server;
// when the LLM is unavailable or its answer does not parse, a fixed
// fallback plan covers the full pipeline.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kiagent/kiagent/internal/agent"
	"github.com/kiagent/kiagent/internal/common/logger"
)

// WorkflowType classifies the user request.
type WorkflowType string

const (
	TypeCreate   WorkflowType = "CREATE"
	TypeFix      WorkflowType = "FIX"
	TypeRefactor WorkflowType = "REFACTOR"
	TypeExplain  WorkflowType = "EXPLAIN"
)

// Complexity estimates how heavy the workflow will be.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// PlanStep is one agent invocation within a plan.
type PlanStep struct {
	Agent         agent.ID `json:"agent"`
	Mode          string   `json:"mode"`
	OnSuccess     bool     `json:"on_success,omitempty"` // run only when prior steps succeeded
	MaxIterations int      `json:"max_iterations,omitempty"`
}

// Plan is the ordered agent sequence plus planning metadata.
type Plan struct {
	Steps             []PlanStep   `json:"steps"`
	Type              WorkflowType `json:"workflow_type"`
	Complexity        Complexity   `json:"complexity"`
	EstimatedDuration string       `json:"estimated_duration"`
	RequiresApproval  bool         `json:"requires_human_approval"`
	SuccessCriteria   []string     `json:"success_criteria,omitempty"`
	Fallback          bool         `json:"fallback,omitempty"`
}

// Agents returns the ordered agent identities of the plan.
func (p *Plan) Agents() []agent.ID {
	out := make([]agent.ID, len(p.Steps))
	for i, step := range p.Steps {
		out[i] = step.Agent
	}
	return out
}

// Caller is the slice of the MCP client the planner needs.
type Caller interface {
	Call(ctx context.Context, serverName, tool string, args map[string]any) (json.RawMessage, error)
}

// systemPrompt describes the agent set and the JSON schema the LLM must
// answer with.
const systemPrompt = `You are a workflow planner for a multi-agent code generation system.
Available agents and modes:
- research: research, explain (read-only investigation)
- architect: design, review (architecture decisions, writes design docs)
- codesmith: generate, refactor, scaffold (writes source files)
- reviewfix: reviewfix, validate (reviews generated code and fixes findings)

Given the user request, answer with JSON only, matching this schema:
{
  "workflow_type": "CREATE|FIX|REFACTOR|EXPLAIN",
  "complexity": "simple|moderate|complex",
  "estimated_duration": "<human readable>",
  "requires_human_approval": <bool>,
  "success_criteria": ["..."],
  "steps": [{"agent": "<name>", "mode": "<mode>", "max_iterations": <int>}]
}`

// llmServer and llmTool name the MCP endpoint used for planning.
const (
	llmServer = "claude"
	llmTool   = "generate"
)

// Planner builds and validates workflow plans.
type Planner struct {
	caller Caller
	logger *logger.Logger
}

func NewPlanner(caller Caller, log *logger.Logger) *Planner {
	return &Planner{
		caller: caller,
		logger: log.WithFields(zap.String("component", "planner")),
	}
}

// CreatePlan asks the LLM for a plan. Any failure along the way (call
// error, unparseable answer, invalid plan) degrades to the fallback plan
// rather than failing the workflow.
func (p *Planner) CreatePlan(ctx context.Context, userQuery, workspacePath string) *Plan {
	raw, err := p.caller.Call(ctx, llmServer, llmTool, map[string]any{
		"system": systemPrompt,
		"prompt": fmt.Sprintf("Workspace: %s\nRequest: %s", workspacePath, userQuery),
	})
	if err != nil {
		p.logger.Warn("planning call failed, using fallback plan", zap.Error(err))
		return FallbackPlan()
	}

	plan, err := parsePlan(raw)
	if err != nil {
		p.logger.Warn("plan response did not parse, using fallback plan", zap.Error(err))
		return FallbackPlan()
	}

	// Unknown agent names are dropped, not fatal: the remainder of the
	// plan still executes. An empty remainder degrades to the fallback.
	plan.Steps = p.dropUnknownAgents(plan.Steps)
	if len(plan.Steps) == 0 {
		p.logger.Warn("plan had no known agents, using fallback plan")
		return FallbackPlan()
	}

	if ok, issues := ValidatePlan(plan); !ok {
		p.logger.Warn("generated plan rejected, using fallback plan",
			zap.Strings("issues", issues))
		return FallbackPlan()
	}

	p.logger.Info("plan created",
		zap.String("workflow_type", string(plan.Type)),
		zap.String("complexity", string(plan.Complexity)),
		zap.Int("steps", len(plan.Steps)))
	return plan
}

// dropUnknownAgents filters out steps naming agents that do not exist,
// logging each drop.
func (p *Planner) dropUnknownAgents(steps []PlanStep) []PlanStep {
	kept := make([]PlanStep, 0, len(steps))
	for _, step := range steps {
		if _, known := agent.Parse(step.Agent.String()); !known {
			p.logger.Warn("dropping plan step with unknown agent",
				zap.String("agent", step.Agent.String()),
				zap.String("mode", step.Mode))
			continue
		}
		kept = append(kept, step)
	}
	return kept
}

// parsePlan decodes the LLM answer. The payload may be the JSON object
// itself or wrapped in {"content": "..."} the way the claude server
// returns completions.
func parsePlan(raw json.RawMessage) (*Plan, error) {
	text := string(raw)

	var wrapper struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Content != "" {
		text = wrapper.Content
	}

	// Models occasionally wrap the JSON in prose or a code fence.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("planner: no JSON object in response")
	}

	var plan Plan
	if err := json.Unmarshal([]byte(text[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("planner: decode plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("planner: plan has no steps")
	}
	return &plan, nil
}

// FallbackPlan is the full pipeline used when LLM planning fails:
// research, architect, codesmith, then reviewfix repeating on findings.
func FallbackPlan() *Plan {
	return &Plan{
		Steps: []PlanStep{
			{Agent: agent.Research, Mode: "research"},
			{Agent: agent.Architect, Mode: "design"},
			{Agent: agent.Codesmith, Mode: "generate"},
			{Agent: agent.ReviewFix, Mode: "reviewfix", OnSuccess: true, MaxIterations: 3},
		},
		Type:              TypeCreate,
		Complexity:        ComplexityModerate,
		EstimatedDuration: "3-5 minutes",
		Fallback:          true,
	}
}

// maxStepIterations caps per-step repetition.
const maxStepIterations = 10

// ValidatePlan checks a plan for structural problems. It returns ok plus
// the list of issues found; an empty issue list means the plan is sound.
func ValidatePlan(plan *Plan) (bool, []string) {
	var issues []string

	seen := make(map[agent.ID]bool)
	hasCodesmith := false
	for i, step := range plan.Steps {
		if _, known := agent.Parse(step.Agent.String()); !known {
			issues = append(issues, fmt.Sprintf("step %d: unknown agent %q", i, step.Agent))
			continue
		}
		if step.Agent == agent.Codesmith {
			hasCodesmith = true
		}
		// The same agent twice without a repeat bound is a scheduling
		// cycle.
		if seen[step.Agent] && step.MaxIterations == 0 {
			issues = append(issues, fmt.Sprintf("step %d: agent %s scheduled twice without iteration bound", i, step.Agent))
		}
		seen[step.Agent] = true
		if step.MaxIterations > maxStepIterations {
			issues = append(issues, fmt.Sprintf("step %d: max_iterations %d exceeds limit %d", i, step.MaxIterations, maxStepIterations))
		}
	}

	if plan.Type == TypeCreate && !hasCodesmith {
		issues = append(issues, "CREATE workflow is missing the codesmith agent")
	}

	return len(issues) == 0, issues
}
