// Package registry holds the static capability table: agent x mode ->
// cost estimate, latency estimate, risk level, and approval requirement.
// The table never mutates at runtime; changes require a code change.
package registry

import (
	"strings"

	"github.com/kiagent/kiagent/internal/agent"
)

// Capability is the registry record for one agent: a description, a
// default mode, and the full mode table.
type Capability struct {
	Agent       agent.ID
	Description string
	DefaultMode string
	Modes       map[string]agent.Mode
}

// capabilities is the process-wide read-only table.
var capabilities = map[agent.ID]Capability{
	agent.Research: {
		Agent:       agent.Research,
		Description: "Web research and technology explanation",
		DefaultMode: "research",
		Modes: map[string]agent.Mode{
			"research": {Name: "research", CostUSD: 0.02, LatencySeconds: 20, Risk: agent.RiskNetworked, NeedsApproval: false},
			"explain":  {Name: "explain", CostUSD: 0.01, LatencySeconds: 10, Risk: agent.RiskReadOnly, NeedsApproval: false},
		},
	},
	agent.Architect: {
		Agent:       agent.Architect,
		Description: "System design and architecture decision records",
		DefaultMode: "design",
		Modes: map[string]agent.Mode{
			"design": {Name: "design", CostUSD: 0.05, LatencySeconds: 30, Risk: agent.RiskWritesFiles, NeedsApproval: false},
			"review": {Name: "review", CostUSD: 0.03, LatencySeconds: 20, Risk: agent.RiskReadOnly, NeedsApproval: false},
		},
	},
	agent.Codesmith: {
		Agent:       agent.Codesmith,
		Description: "Code generation into the session workspace",
		DefaultMode: "generate",
		Modes: map[string]agent.Mode{
			"generate": {Name: "generate", CostUSD: 0.08, LatencySeconds: 60, Risk: agent.RiskWritesFiles, NeedsApproval: true},
			"refactor": {Name: "refactor", CostUSD: 0.06, LatencySeconds: 45, Risk: agent.RiskWritesFiles, NeedsApproval: true},
			"scaffold": {Name: "scaffold", CostUSD: 0.03, LatencySeconds: 20, Risk: agent.RiskWritesFiles, NeedsApproval: false},
		},
	},
	agent.ReviewFix: {
		Agent:       agent.ReviewFix,
		Description: "Review generated code and apply fixes",
		DefaultMode: "reviewfix",
		Modes: map[string]agent.Mode{
			"reviewfix": {Name: "reviewfix", CostUSD: 0.05, LatencySeconds: 40, Risk: agent.RiskWritesFiles, NeedsApproval: false},
			"validate":  {Name: "validate", CostUSD: 0.02, LatencySeconds: 15, Risk: agent.RiskReadOnly, NeedsApproval: false},
		},
	},
	agent.Reviewer: {
		Agent:       agent.Reviewer,
		Description: "Read-only code review producing quality scores",
		DefaultMode: "review",
		Modes: map[string]agent.Mode{
			"review": {Name: "review", CostUSD: 0.03, LatencySeconds: 25, Risk: agent.RiskReadOnly, NeedsApproval: false},
		},
	},
	agent.Fixer: {
		Agent:       agent.Fixer,
		Description: "Targeted error fixing",
		DefaultMode: "fix",
		Modes: map[string]agent.Mode{
			"fix": {Name: "fix", CostUSD: 0.04, LatencySeconds: 30, Risk: agent.RiskWritesFiles, NeedsApproval: false},
		},
	},
	agent.Supervisor: {
		Agent:       agent.Supervisor,
		Description: "Read-only pipeline supervision",
		DefaultMode: "observe",
		Modes: map[string]agent.Mode{
			"observe": {Name: "observe", CostUSD: 0.01, LatencySeconds: 5, Risk: agent.RiskReadOnly, NeedsApproval: false},
		},
	},
}

// keywordEntry maps a task phrase to an agent and mode. Matches are tried
// in declaration order; the first hit wins.
type keywordEntry struct {
	phrase string
	agent  agent.ID
	mode   string
}

var keywordTable = []keywordEntry{
	{"create", agent.Codesmith, "generate"},
	{"generate", agent.Codesmith, "generate"},
	{"implement", agent.Codesmith, "generate"},
	{"write code", agent.Codesmith, "generate"},
	{"refactor", agent.Codesmith, "refactor"},
	{"scaffold", agent.Codesmith, "scaffold"},
	{"design", agent.Architect, "design"},
	{"architecture", agent.Architect, "design"},
	{"plan", agent.Architect, "design"},
	{"fix", agent.Fixer, "fix"},
	{"debug", agent.Fixer, "fix"},
	{"review", agent.Reviewer, "review"},
	{"validate", agent.ReviewFix, "validate"},
	{"research", agent.Research, "research"},
	{"search", agent.Research, "research"},
	{"explain", agent.Research, "explain"},
	{"what is", agent.Research, "explain"},
}

// GetCapability returns the registry record for an agent.
func GetCapability(id agent.ID) (Capability, bool) {
	cap, ok := capabilities[id]
	return cap, ok
}

// GetMode returns a named mode of an agent; an empty name selects the
// default mode.
func GetMode(id agent.ID, name string) (agent.Mode, bool) {
	cap, ok := capabilities[id]
	if !ok {
		return agent.Mode{}, false
	}
	if name == "" {
		name = cap.DefaultMode
	}
	mode, ok := cap.Modes[name]
	return mode, ok
}

// EstimateCost returns the USD cost estimate for one invocation, or zero
// for unknown identifiers.
func EstimateCost(id agent.ID, mode string) float64 {
	m, ok := GetMode(id, mode)
	if !ok {
		return 0
	}
	return m.CostUSD
}

// EstimateLatency returns the latency estimate in seconds, or zero for
// unknown identifiers.
func EstimateLatency(id agent.ID, mode string) float64 {
	m, ok := GetMode(id, mode)
	if !ok {
		return 0
	}
	return m.LatencySeconds
}

// RequiresApproval reports whether the agent mode is approval-gated.
// Unknown identifiers report false.
func RequiresApproval(id agent.ID, mode string) bool {
	m, ok := GetMode(id, mode)
	return ok && m.NeedsApproval
}

// FindAgentForTask matches task text against the keyword table and returns
// the first matching (agent, mode). When allowed is non-empty, entries
// outside it are skipped. No match returns (research, explain) as a safe
// default.
func FindAgentForTask(text string, allowed []agent.ID) (agent.ID, string) {
	lowered := strings.ToLower(text)
	permitted := func(id agent.ID) bool {
		if len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == id {
				return true
			}
		}
		return false
	}
	for _, entry := range keywordTable {
		if strings.Contains(lowered, entry.phrase) && permitted(entry.agent) {
			return entry.agent, entry.mode
		}
	}
	return agent.Research, "explain"
}
