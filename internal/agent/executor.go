package agent

import "context"

// Executor runs one agent step. It receives a snapshot of the workflow
// state and returns a delta to merge; it must not mutate the input. A
// returned error is captured by the orchestrator as a failed execution
// record, not propagated to the session loop.
type Executor interface {
	Execute(ctx context.Context, state State) (State, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, state State) (State, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, state State) (State, error) {
	return f(ctx, state)
}

// Requester lets an executing agent enqueue a call to another agent. The
// orchestrator drains the queue FIFO after the requesting agent returns.
type Requester interface {
	RequestAgent(requester, target ID, mode, reason string, inputs State)
}

// Set maps agent identities to their executors.
type Set map[ID]Executor
