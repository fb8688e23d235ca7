package orchestrator

import (
	"time"

	"github.com/kiagent/kiagent/internal/agent"
	"github.com/kiagent/kiagent/internal/workflow/planner"
)

// RecordStatus is the lifecycle state of one execution record.
type RecordStatus string

const (
	StatusPending RecordStatus = "pending"
	StatusRunning RecordStatus = "running"
	StatusSuccess RecordStatus = "success"
	StatusFailed  RecordStatus = "failed"
	StatusSkipped RecordStatus = "skipped"
	StatusAborted RecordStatus = "aborted"
)

// ExecutionRecord captures one agent invocation, repeats and self-calls
// included. Records are appended in the exact order agents are invoked.
type ExecutionRecord struct {
	Agent     agent.ID     `json:"agent"`
	Mode      string       `json:"mode"`
	Status    RecordStatus `json:"status"`
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time"`
	Output    agent.State  `json:"output,omitempty"`
	Error     string       `json:"error,omitempty"`
	CostUSD   float64      `json:"cost_usd"`
	Tokens    int          `json:"tokens"`
}

// Duration returns the wall time of the record.
func (r *ExecutionRecord) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// WorkflowExecution is one workflow run. The original plan is retained
// for audit; adaptation mutates only the pending queue.
type WorkflowExecution struct {
	ID            string            `json:"id"`
	Plan          *planner.Plan     `json:"plan"`
	Records       []ExecutionRecord `json:"records"`
	CurrentIndex  int               `json:"current_index"`
	TotalCostUSD  float64           `json:"total_cost_usd"`
	TotalTokens   int               `json:"total_tokens"`
	MaxBudgetUSD  float64           `json:"max_budget_usd"`
	WorkspacePath string            `json:"workspace_path"`
	UserQuery     string            `json:"user_query"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	Success       bool              `json:"success"`
	Aborted       bool              `json:"aborted"`
}

// RemainingBudget returns the unspent workflow budget in USD.
func (e *WorkflowExecution) RemainingBudget() float64 {
	return e.MaxBudgetUSD - e.TotalCostUSD
}

// CompletedAgents lists successfully finished agents in invocation
// order, repeats included.
func (e *WorkflowExecution) CompletedAgents() []agent.ID {
	var out []agent.ID
	for _, rec := range e.Records {
		if rec.Status == StatusSuccess {
			out = append(out, rec.Agent)
		}
	}
	return out
}

// CostLine is one entry of the budget report breakdown.
type CostLine struct {
	Agent    agent.ID `json:"agent"`
	Mode     string   `json:"mode"`
	CostUSD  float64  `json:"cost"`
	Duration float64  `json:"duration_seconds"`
}

// BudgetReport summarizes spend for one execution.
type BudgetReport struct {
	TotalBudget    float64    `json:"total_budget"`
	Spent          float64    `json:"spent"`
	Remaining      float64    `json:"remaining"`
	TokensUsed     int        `json:"tokens_used"`
	AgentsExecuted int        `json:"agents_executed"`
	CostBreakdown  []CostLine `json:"cost_breakdown"`
}

// BudgetReport builds the spend summary of the execution.
func (e *WorkflowExecution) BudgetReport() BudgetReport {
	report := BudgetReport{
		TotalBudget:    e.MaxBudgetUSD,
		Spent:          e.TotalCostUSD,
		Remaining:      e.RemainingBudget(),
		TokensUsed:     e.TotalTokens,
		AgentsExecuted: len(e.Records),
	}
	for _, rec := range e.Records {
		report.CostBreakdown = append(report.CostBreakdown, CostLine{
			Agent:    rec.Agent,
			Mode:     rec.Mode,
			CostUSD:  rec.CostUSD,
			Duration: rec.Duration().Seconds(),
		})
	}
	return report
}

// ApprovalRequest is sent to the session layer when a step needs human
// approval before it may run.
type ApprovalRequest struct {
	ID          string   `json:"id"`
	Agent       agent.ID `json:"agent"`
	Mode        string   `json:"mode"`
	Description string   `json:"description"`
	RiskLevel   string   `json:"risk_level"`
	CostUSD     float64  `json:"cost_usd"`
}
