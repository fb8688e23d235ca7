// Package ws defines the WebSocket chat protocol between a client and its
// session: typed frames identified by a "type" field, JSON-encoded one per
// WebSocket text message.
package ws

import (
	"encoding/json"
	"time"
)

// FrameType identifies a frame on the chat socket.
type FrameType string

// Client → server frame types.
const (
	FrameInit             FrameType = "init"
	FrameChat             FrameType = "chat"
	FrameApprovalResponse FrameType = "approval_response"
	FramePing             FrameType = "ping"
)

// Server → client frame types.
const (
	FrameConnection      FrameType = "connection"
	FrameInitialized     FrameType = "initialized"
	FrameStatus          FrameType = "status"
	FrameAgentEvent      FrameType = "agent_event"
	FrameProgress        FrameType = "progress"
	FrameApprovalRequest FrameType = "approval_request"
	FrameModelSelection  FrameType = "model_selection"
	FrameResult          FrameType = "result"
	FrameError           FrameType = "error"
	FramePong            FrameType = "pong"
)

// Frame is the raw envelope used to sniff the type of an incoming message
// before decoding the full payload.
type Frame struct {
	Type FrameType `json:"type"`
}

// InitFrame is the required first client message.
type InitFrame struct {
	Type          FrameType `json:"type"`
	WorkspacePath string    `json:"workspace_path"`
}

// ChatFrame carries a user query or follow-up instruction.
type ChatFrame struct {
	Type    FrameType `json:"type"`
	Content string    `json:"content"`
}

// ApprovalResponseFrame is the client's reply to an approval request.
type ApprovalResponseFrame struct {
	Type       FrameType `json:"type"`
	Approved   bool      `json:"approved"`
	ApprovalID string    `json:"approval_id,omitempty"`
}

// ConnectionFrame is sent immediately after the socket is accepted.
type ConnectionFrame struct {
	Type         FrameType `json:"type"`
	SessionID    string    `json:"session_id"`
	Version      string    `json:"version"`
	RequiresInit bool      `json:"requires_init"`
}

// InitializedFrame acknowledges a successful init.
type InitializedFrame struct {
	Type          FrameType `json:"type"`
	SessionID     string    `json:"session_id"`
	WorkspacePath string    `json:"workspace_path"`
}

// StatusFrame carries a human-readable status update.
type StatusFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
	Phase   string    `json:"phase,omitempty"`
}

// AgentEventFrame reports a lifecycle event of a single agent step.
type AgentEventFrame struct {
	Type      FrameType      `json:"type"`
	Agent     string         `json:"agent"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ProgressFrame reports pipeline progress.
type ProgressFrame struct {
	Type     FrameType `json:"type"`
	Node     string    `json:"node"`
	Fraction float64   `json:"fraction,omitempty"`
}

// ApprovalRequestFrame asks the client to approve a gated agent step.
type ApprovalRequestFrame struct {
	Type        FrameType `json:"type"`
	ApprovalID  string    `json:"approval_id"`
	Agent       string    `json:"agent"`
	Mode        string    `json:"mode"`
	Description string    `json:"description"`
	RiskLevel   string    `json:"risk_level"`
}

// ModelSelectionFrame is informational: which model was picked and why.
type ModelSelectionFrame struct {
	Type   FrameType `json:"type"`
	Model  string    `json:"model"`
	Reason string    `json:"reason"`
}

// ResultFrame is the single terminal frame of a workflow run.
type ResultFrame struct {
	Type            FrameType      `json:"type"`
	Success         bool           `json:"success"`
	ExecutionTime   float64        `json:"execution_time"`
	QualityScore    float64        `json:"quality_score"`
	AgentsCompleted []string       `json:"agents_completed"`
	FilesGenerated  []string       `json:"files_generated"`
	Errors          []string       `json:"errors"`
	Analysis        map[string]any `json:"analysis,omitempty"`
	Adaptations     []any          `json:"adaptations,omitempty"`
}

// ErrorFrame reports a protocol or execution error without closing the socket.
type ErrorFrame struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type      FrameType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Marshal encodes any frame value to its wire form.
func Marshal(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

// SniffType extracts the frame type from raw bytes without decoding the
// full payload. Returns an empty type on malformed JSON.
func SniffType(data []byte) FrameType {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return ""
	}
	return f.Type
}
