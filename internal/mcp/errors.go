package mcp

import (
	"fmt"
	"strings"
)

// ConnectionError covers every failure that implies the server's
// responsiveness is broken: dead subprocess, JSON decode failure, closed
// pipe, or timeout. Connection errors are retried once when auto-reconnect
// is enabled.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcp: connection error on server %q: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolError is a JSON-RPC error returned by a healthy server. It marks the
// call as failed but does not kill the subprocess.
type ToolError struct {
	Server  string
	Tool    string
	Code    int
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("mcp: tool %s/%s failed: %s (code %d)", e.Server, e.Tool, e.Message, e.Code)
}

// InitError aggregates the startup failures of every unhealthy server.
// Initialization succeeds only when all named servers are healthy.
type InitError struct {
	Failures map[string]error
}

func (e *InitError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for name, err := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", name, err))
	}
	return "mcp: initialization failed: " + strings.Join(parts, "; ")
}
