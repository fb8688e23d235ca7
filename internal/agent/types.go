// Package agent defines the agent identities of the code-generation
// pipeline, their operational modes, and the executor contract the
// orchestrator invokes them through.
package agent

// ID identifies an agent role. External inputs (plan JSON, websocket
// frames) are validated through Parse; inside the core an unknown ID
// cannot be constructed.
type ID string

// Core pipeline agents.
const (
	Research  ID = "research"
	Architect ID = "architect"
	Codesmith ID = "codesmith"
	ReviewFix ID = "reviewfix"
)

// Auxiliary identities used by adaptation and permissions.
const (
	Reviewer   ID = "reviewer"
	Fixer      ID = "fixer"
	Supervisor ID = "supervisor"
)

// Core is the ordered default pipeline.
var Core = []ID{Research, Architect, Codesmith, ReviewFix}

var known = map[ID]bool{
	Research:   true,
	Architect:  true,
	Codesmith:  true,
	ReviewFix:  true,
	Reviewer:   true,
	Fixer:      true,
	Supervisor: true,
}

// Parse validates an external agent name. The second return is false for
// unknown identities.
func Parse(s string) (ID, bool) {
	id := ID(s)
	return id, known[id]
}

// String returns the wire name of the identity.
func (id ID) String() string { return string(id) }

// RiskLevel classifies the side effects of an agent mode.
type RiskLevel string

const (
	RiskReadOnly    RiskLevel = "read_only"
	RiskWritesFiles RiskLevel = "writes_files"
	RiskNetworked   RiskLevel = "networked"
	RiskCritical    RiskLevel = "critical"
)

// Mode is a named operational profile of an agent carrying static metadata.
type Mode struct {
	Name           string
	CostUSD        float64
	LatencySeconds float64
	Risk           RiskLevel
	NeedsApproval  bool
}

// Severity grades an execution error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is an error recorded into workflow state by an agent or the
// orchestrator.
type Error struct {
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	SourceAgent ID       `json:"source_agent,omitempty"`
}
