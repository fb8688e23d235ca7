// Package orchestrator executes workflow plans: one agent at a time,
// budget-capped, approval-gated, with the adapter consulted after every
// step and agent self-calls drained between steps.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kiagent/kiagent/internal/agent"
	"github.com/kiagent/kiagent/internal/common/logger"
	"github.com/kiagent/kiagent/internal/credits"
	"github.com/kiagent/kiagent/internal/events/bus"
	"github.com/kiagent/kiagent/internal/orchestrator/store"
	"github.com/kiagent/kiagent/internal/registry"
	"github.com/kiagent/kiagent/internal/workflow/adapter"
	"github.com/kiagent/kiagent/internal/workflow/planner"
)

// Approver delivers an approval request to the operator and waits for a
// correlated answer. The wait is bounded by the implementation; a
// timeout counts as denial.
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error)
}

// autoApproveDelay is the stub delay applied when no approver is wired.
const autoApproveDelay = 100 * time.Millisecond

// selfCall is one queued request_agent invocation.
type selfCall struct {
	requester agent.ID
	target    agent.ID
	mode      string
	reason    string
	inputs    agent.State
}

// Options configures an orchestrator instance.
type Options struct {
	// MaxBudgetUSD is the per-workflow spending cap.
	MaxBudgetUSD float64
	// HistoryLimit bounds the in-memory completed-execution history.
	HistoryLimit int
	// SessionID tags published events.
	SessionID string
	// Approver handles approval-gated steps; nil auto-approves with a
	// warning.
	Approver Approver
	// Events receives progress and agent events; nil disables publishing.
	Events bus.EventBus
	// Archive persists completed executions; nil disables archiving.
	Archive *store.Store
	// Tracker is consulted for emergency shutdown between steps; nil
	// disables the check.
	Tracker *credits.Tracker
}

// Orchestrator runs plans against a bound executor set.
type Orchestrator struct {
	opts      Options
	executors agent.Set
	adapter   *adapter.Adapter
	logger    *logger.Logger

	mu        sync.Mutex
	selfCalls []selfCall
	history   []*WorkflowExecution
}

func New(executors agent.Set, ad *adapter.Adapter, opts Options, log *logger.Logger) *Orchestrator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	return &Orchestrator{
		opts:      opts,
		executors: executors,
		adapter:   ad,
		logger:    log.WithFields(zap.String("component", "orchestrator")),
	}
}

// RequestAgent enqueues a self-call. The queue is drained FIFO after the
// requesting agent's own execution returns.
func (o *Orchestrator) RequestAgent(requester, target agent.ID, mode, reason string, inputs agent.State) {
	o.mu.Lock()
	o.selfCalls = append(o.selfCalls, selfCall{requester, target, mode, reason, inputs})
	o.mu.Unlock()
	o.logger.Info("agent requested another agent",
		zap.String("requester", requester.String()),
		zap.String("target", target.String()),
		zap.String("mode", mode),
		zap.String("reason", reason))
}

// ExecuteWorkflow runs the plan to completion or early termination and
// returns the final state alongside the execution record.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, plan *planner.Plan, initial agent.State) (agent.State, *WorkflowExecution) {
	exec := &WorkflowExecution{
		ID:            uuid.New().String(),
		Plan:          plan,
		MaxBudgetUSD:  o.opts.MaxBudgetUSD,
		WorkspacePath: initial.WorkspacePath(),
		UserQuery:     initial.UserQuery(),
		StartedAt:     time.Now().UTC(),
	}

	state := initial.Clone()

	// The pending queue starts as the plan; adaptation mutates it, the
	// plan itself is retained untouched for audit. Steps naming unknown
	// agents are dropped, the remainder executes.
	pending := make([]agent.ID, 0, len(plan.Steps))
	modeFor := make(map[agent.ID]string, len(plan.Steps))
	for _, step := range plan.Steps {
		if _, known := agent.Parse(step.Agent.String()); !known {
			o.logger.Warn("dropping plan step with unknown agent",
				zap.String("agent", step.Agent.String()))
			continue
		}
		pending = append(pending, step.Agent)
		modeFor[step.Agent] = step.Mode
	}
	total := len(pending)

	for len(pending) > 0 {
		if exec.RemainingBudget() <= 0 {
			state.AppendError(agent.Error{Message: "Budget exhausted", Severity: agent.SeverityHigh})
			o.logger.Warn("workflow budget exhausted",
				zap.Float64("budget", exec.MaxBudgetUSD),
				zap.Float64("spent", exec.TotalCostUSD))
			break
		}
		if o.opts.Tracker != nil {
			if active, reason := o.opts.Tracker.EmergencyShutdownActive(); active {
				state.AppendError(agent.Error{
					Message:  "critical: emergency credit shutdown active: " + reason,
					Severity: agent.SeverityCritical,
				})
				break
			}
		}

		id := pending[0]
		pending = pending[1:]
		mode := modeFor[id]

		o.logger.Info(strings.Repeat("=", 50))
		o.logger.Info("workflow step",
			zap.Int("step", exec.CurrentIndex+1),
			zap.Int("of", total),
			zap.String("agent", id.String()),
			zap.String("mode", mode),
			zap.Float64("remaining_budget", exec.RemainingBudget()))
		o.publish(bus.SubjectProgress, "progress", map[string]any{
			"step":             exec.CurrentIndex + 1,
			"total":            total,
			"agent":            id.String(),
			"remaining_budget": exec.RemainingBudget(),
		})

		o.runAgent(ctx, exec, id, mode, state, nil)

		o.drainSelfCalls(ctx, exec, state)

		exec.CurrentIndex++

		if o.terminateEarly(state) {
			break
		}

		var aborted bool
		pending, aborted = o.adapt(exec, state, pending)
		if aborted {
			exec.Aborted = true
			break
		}
		if len(pending) > total-exec.CurrentIndex {
			total = exec.CurrentIndex + len(pending)
		}
	}

	exec.FinishedAt = time.Now().UTC()
	exec.Success = !exec.Aborted && len(state.Errors()) == 0

	o.recordHistory(exec)
	o.archive(exec, state)

	o.logger.Info("workflow finished",
		zap.String("execution_id", exec.ID),
		zap.Bool("success", exec.Success),
		zap.Int("steps", len(exec.Records)),
		zap.Float64("spent", exec.TotalCostUSD))
	return state, exec
}

// runAgent executes one agent through the full per-step path: estimate,
// approval gate, executor dispatch, state merge, record bookkeeping.
// extraInputs, when set, are visible only to this invocation.
func (o *Orchestrator) runAgent(ctx context.Context, exec *WorkflowExecution, id agent.ID, mode string, state agent.State, extraInputs agent.State) {
	rec := ExecutionRecord{
		Agent:     id,
		Mode:      mode,
		Status:    StatusRunning,
		StartTime: time.Now().UTC(),
	}
	cost := registry.EstimateCost(id, mode)

	finish := func(status RecordStatus) {
		rec.Status = status
		rec.EndTime = time.Now().UTC()
		exec.Records = append(exec.Records, rec)
		o.publish(bus.SubjectAgentEvent, "agent_event", map[string]any{
			"agent":  id.String(),
			"mode":   mode,
			"status": string(status),
		})
	}

	if registry.RequiresApproval(id, mode) {
		approved := o.requestApproval(ctx, id, mode, cost)
		if !approved {
			o.logger.Info("step denied, skipping agent",
				zap.String("agent", id.String()),
				zap.String("mode", mode))
			finish(StatusSkipped)
			return
		}
	}

	executor, ok := o.executors[id]
	if !ok {
		rec.Error = fmt.Sprintf("no executor bound for agent %s", id)
		state.AppendError(agent.Error{Message: rec.Error, Severity: agent.SeverityHigh, SourceAgent: id})
		finish(StatusFailed)
		return
	}

	input := state.Clone()
	for k, v := range extraInputs {
		input[k] = v
	}
	input[agent.KeyAgentMode] = mode

	delta, err := executor.Execute(ctx, input)
	if err != nil {
		rec.Error = fmt.Sprintf("%s: %v", id, err)
		state.AppendError(agent.Error{Message: rec.Error, Severity: agent.SeverityMedium, SourceAgent: id})
		o.logger.Error("agent execution failed",
			zap.String("agent", id.String()),
			zap.Error(err))
		finish(StatusFailed)
		return
	}

	state.Merge(delta)
	rec.Output = delta
	rec.CostUSD = cost // estimate stands in until executors report actuals
	if tokens, ok := delta["tokens_used"].(int); ok {
		rec.Tokens = tokens
	}
	exec.TotalCostUSD += rec.CostUSD
	exec.TotalTokens += rec.Tokens
	finish(StatusSuccess)
}

// drainSelfCalls runs queued request_agent calls FIFO. Draining stops at
// budget exhaustion; remaining requests are dropped.
func (o *Orchestrator) drainSelfCalls(ctx context.Context, exec *WorkflowExecution, state agent.State) int {
	drained := 0
	for {
		o.mu.Lock()
		if len(o.selfCalls) == 0 {
			o.mu.Unlock()
			return drained
		}
		call := o.selfCalls[0]
		o.selfCalls = o.selfCalls[1:]
		o.mu.Unlock()

		if exec.RemainingBudget() <= 0 {
			o.logger.Warn("budget exhausted, dropping queued agent requests",
				zap.String("target", call.target.String()))
			o.mu.Lock()
			o.selfCalls = nil
			o.mu.Unlock()
			return drained
		}

		o.logger.Info("draining agent request",
			zap.String("requester", call.requester.String()),
			zap.String("target", call.target.String()),
			zap.String("reason", call.reason))
		o.runAgent(ctx, exec, call.target, call.mode, state, call.inputs)
		drained++
	}
}

// requestApproval gates a step. Without a wired approver the step is
// auto-approved after a short delay.
func (o *Orchestrator) requestApproval(ctx context.Context, id agent.ID, mode string, cost float64) bool {
	m, _ := registry.GetMode(id, mode)
	req := ApprovalRequest{
		ID:          uuid.New().String(),
		Agent:       id,
		Mode:        mode,
		Description: fmt.Sprintf("%s wants to run %s (estimated $%.2f)", id, mode, cost),
		RiskLevel:   string(m.Risk),
		CostUSD:     cost,
	}

	if o.opts.Approver == nil {
		o.logger.Warn("no approval channel wired, auto-approving",
			zap.String("agent", id.String()),
			zap.String("mode", mode))
		time.Sleep(autoApproveDelay)
		return true
	}

	o.publish(bus.SubjectApprovalRequest, "approval_request", map[string]any{
		"approval_id": req.ID,
		"agent":       id.String(),
		"mode":        mode,
		"risk_level":  req.RiskLevel,
	})

	approved, err := o.opts.Approver.RequestApproval(ctx, req)
	if err != nil {
		o.logger.Warn("approval request failed, denying step",
			zap.String("agent", id.String()),
			zap.Error(err))
		return false
	}
	return approved
}

// terminateEarly checks the stop conditions against the running state.
func (o *Orchestrator) terminateEarly(state agent.State) bool {
	errs := state.Errors()
	if len(errs) >= 3 {
		o.logger.Warn("terminating early, too many errors", zap.Int("errors", len(errs)))
		return true
	}
	for _, e := range errs {
		if strings.Contains(strings.ToLower(e.Message), "critical") {
			o.logger.Warn("terminating early on critical error", zap.String("message", e.Message))
			return true
		}
	}
	if state.UserAbort() {
		o.logger.Info("terminating early, user abort requested")
		return true
	}
	return false
}

// adapt consults the adapter and applies its decisions to the pending
// queue in order.
func (o *Orchestrator) adapt(exec *WorkflowExecution, state agent.State, pending []agent.ID) ([]agent.ID, bool) {
	if o.adapter == nil {
		return pending, false
	}
	decisions := o.adapter.Analyze(adapter.Context{
		RemainingPlan: pending,
		Completed:     exec.CompletedAgents(),
		State:         state,
	})
	for _, d := range decisions {
		var aborted bool
		pending, aborted = o.adapter.Apply(pending, d)
		if aborted {
			state.AppendError(agent.Error{
				Message:  "workflow aborted by adaptation: " + d.Details,
				Severity: agent.SeverityHigh,
			})
			return pending, true
		}
	}
	return pending, false
}

func (o *Orchestrator) recordHistory(exec *WorkflowExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, exec)
	if len(o.history) > o.opts.HistoryLimit {
		o.history = o.history[len(o.history)-o.opts.HistoryLimit:]
	}
}

// History returns the completed executions retained in memory, oldest
// first.
func (o *Orchestrator) History() []*WorkflowExecution {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*WorkflowExecution, len(o.history))
	copy(out, o.history)
	return out
}

// archive persists the finished execution. Failures are logged; the
// workflow result is not affected.
func (o *Orchestrator) archive(exec *WorkflowExecution, state agent.State) {
	if o.opts.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	archived := &store.ArchivedExecution{
		ID:            exec.ID,
		SessionID:     o.opts.SessionID,
		UserQuery:     exec.UserQuery,
		WorkspacePath: exec.WorkspacePath,
		Success:       exec.Success,
		TotalCostUSD:  exec.TotalCostUSD,
		TotalTokens:   exec.TotalTokens,
		StartedAt:     exec.StartedAt,
		FinishedAt:    exec.FinishedAt,
		ErrorsJSON:    marshalErrors(state.Errors()),
	}
	steps := make([]store.ArchivedStep, 0, len(exec.Records))
	for _, rec := range exec.Records {
		steps = append(steps, store.ArchivedStep{
			Agent:      rec.Agent.String(),
			Mode:       rec.Mode,
			Status:     string(rec.Status),
			CostUSD:    rec.CostUSD,
			Tokens:     rec.Tokens,
			StartedAt:  rec.StartTime,
			FinishedAt: rec.EndTime,
		})
	}
	if err := o.opts.Archive.SaveExecution(ctx, archived, steps); err != nil {
		o.logger.Error("failed to archive execution",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	}
}

func marshalErrors(errs []agent.Error) string {
	if len(errs) == 0 {
		return "[]"
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func (o *Orchestrator) publish(subject, eventType string, data map[string]any) {
	if o.opts.Events == nil {
		return
	}
	event := bus.NewEvent(eventType, "orchestrator", o.opts.SessionID, data)
	subj := subject
	if o.opts.SessionID != "" {
		subj = bus.SessionSubject(subject, o.opts.SessionID)
	}
	if err := o.opts.Events.Publish(context.Background(), subj, event); err != nil {
		o.logger.Warn("failed to publish event",
			zap.String("subject", subj),
			zap.Error(err))
	}
}
