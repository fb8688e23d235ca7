package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kiagent/kiagent/internal/agent"
	"github.com/kiagent/kiagent/internal/common/logger"
	"github.com/kiagent/kiagent/internal/events/bus"
	"github.com/kiagent/kiagent/internal/orchestrator"
	"github.com/kiagent/kiagent/internal/workflow/adapter"
	"github.com/kiagent/kiagent/internal/workflow/planner"
	"github.com/kiagent/kiagent/pkg/ws"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long the peer may stay silent.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxFrameSize bounds one client frame.
	maxFrameSize = 512 * 1024
	// mcpInitTimeout bounds the session's MCP server startup.
	mcpInitTimeout = 60 * time.Second
)

// SessionState is the lifecycle state of one session.
type SessionState string

const (
	StateConnected   SessionState = "connected"
	StateInitialized SessionState = "initialized"
	StateRunning     SessionState = "running"
	StateIdle        SessionState = "idle"
	StateClosed      SessionState = "closed"
)

// pendingApproval is one outstanding approval request.
type pendingApproval struct {
	id string
	ch chan bool
}

// Session is one client connection bound to one workspace.
type Session struct {
	ID      string
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}

	mu            sync.Mutex
	state         SessionState
	workspacePath string

	mcpClient MCPClient
	planner   *planner.Planner
	adapter   *adapter.Adapter
	orch      *orchestrator.Orchestrator
	subs      []bus.Subscription

	approvalMu sync.Mutex
	approvals  []*pendingApproval

	closeOnce sync.Once
	logger    *logger.Logger
}

func newSession(id string, conn *websocket.Conn, g *Gateway) *Session {
	return &Session{
		ID:      id,
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		state:   StateConnected,
		logger:  g.logger.WithSession(id),
	}
}

// serve runs the session until the peer disconnects.
func (s *Session) serve() {
	go s.writePump()

	s.sendFrame(ws.ConnectionFrame{
		Type:         ws.FrameConnection,
		SessionID:    s.ID,
		Version:      ServerVersion,
		RequiresInit: true,
	})

	s.readPump()
	s.close()
	s.gateway.removeSession(s)
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}
		s.handleFrame(message)
	}
}

// handleFrame dispatches one client frame. Malformed or unknown frames
// produce an error frame; the session stays in its current state.
func (s *Session) handleFrame(raw []byte) {
	switch ws.SniffType(raw) {
	case ws.FrameInit:
		var frame ws.InitFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError("invalid init frame", "bad_request")
			return
		}
		s.handleInit(frame)
	case ws.FrameChat:
		var frame ws.ChatFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError("invalid chat frame", "bad_request")
			return
		}
		s.handleChat(frame)
	case ws.FrameApprovalResponse:
		var frame ws.ApprovalResponseFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendError("invalid approval_response frame", "bad_request")
			return
		}
		s.handleApprovalResponse(frame)
	case ws.FramePing:
		s.sendFrame(ws.PongFrame{Type: ws.FramePong, Timestamp: time.Now().UTC()})
	default:
		s.sendError("unknown frame type", "bad_request")
	}
}

// handleInit binds the session to a workspace: validates the path,
// starts the MCP servers, and wires the planner and orchestrator.
func (s *Session) handleInit(frame ws.InitFrame) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		s.sendError("session already initialized", "already_initialized")
		return
	}
	s.mu.Unlock()

	info, err := os.Stat(frame.WorkspacePath)
	if err != nil || !info.IsDir() {
		s.sendError(fmt.Sprintf("workspace path is not an existing directory: %s", frame.WorkspacePath), "invalid_workspace")
		return
	}

	client, err := s.gateway.NewMCP(frame.WorkspacePath)
	if err != nil {
		s.sendError("failed to create MCP client: "+err.Error(), "mcp_error")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mcpInitTimeout)
	defer cancel()
	if err := client.Initialize(ctx); err != nil {
		client.Close()
		s.sendError("failed to start MCP servers: "+err.Error(), "mcp_error")
		return
	}

	cfg := s.gateway.cfg
	s.adapter = adapter.NewAdapter(s.logger)
	s.planner = planner.NewPlanner(client, s.logger)
	s.orch = orchestrator.New(s.gateway.NewExecutors(client), s.adapter, orchestrator.Options{
		MaxBudgetUSD: cfg.Budget.MaxPerSession,
		HistoryLimit: cfg.Storage.HistoryLimit,
		SessionID:    s.ID,
		Approver:     s,
		Events:       s.gateway.bus,
		Archive:      s.gateway.archive,
		Tracker:      s.gateway.tracker,
	}, s.logger)

	s.subscribeEvents()

	s.mu.Lock()
	s.mcpClient = client
	s.workspacePath = frame.WorkspacePath
	s.state = StateInitialized
	s.mu.Unlock()

	s.sendFrame(ws.InitializedFrame{
		Type:          ws.FrameInitialized,
		SessionID:     s.ID,
		WorkspacePath: frame.WorkspacePath,
	})
	s.logger.Info("session initialized", zap.String("workspace", frame.WorkspacePath))
}

// subscribeEvents forwards session-scoped orchestrator events to the
// client as frames.
func (s *Session) subscribeEvents() {
	if s.gateway.bus == nil {
		return
	}
	progress, err := s.gateway.bus.Subscribe(bus.SessionSubject(bus.SubjectProgress, s.ID), func(_ context.Context, e *bus.Event) error {
		node, _ := e.Data["agent"].(string)
		var fraction float64
		// Numbers arrive as int from the in-memory bus and float64 off NATS.
		if step, total := asFloat(e.Data["step"]), asFloat(e.Data["total"]); total > 0 {
			fraction = step / total
		}
		s.sendFrame(ws.ProgressFrame{Type: ws.FrameProgress, Node: node, Fraction: fraction})
		return nil
	})
	if err == nil {
		s.subs = append(s.subs, progress)
	}

	events, err := s.gateway.bus.Subscribe(bus.SessionSubject(bus.SubjectAgentEvent, s.ID), func(_ context.Context, e *bus.Event) error {
		name, _ := e.Data["agent"].(string)
		status, _ := e.Data["status"].(string)
		s.sendFrame(ws.AgentEventFrame{
			Type:      ws.FrameAgentEvent,
			Agent:     name,
			EventType: status,
			Payload:   e.Data,
		})
		return nil
	})
	if err == nil {
		s.subs = append(s.subs, events)
	}
}

// handleChat starts a workflow run for a user query.
func (s *Session) handleChat(frame ws.ChatFrame) {
	s.mu.Lock()
	if s.state != StateInitialized && s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		s.sendError(fmt.Sprintf("cannot accept chat while session is %s", state), "invalid_state")
		return
	}
	s.state = StateRunning
	workspace := s.workspacePath
	s.mu.Unlock()

	go s.runWorkflow(frame.Content, workspace)
}

func (s *Session) runWorkflow(query, workspace string) {
	s.sendFrame(ws.StatusFrame{Type: ws.FrameStatus, Message: "planning workflow", Phase: "planning"})

	plan := s.planner.CreatePlan(context.Background(), query, workspace)
	s.sendFrame(ws.StatusFrame{
		Type:    ws.FrameStatus,
		Message: fmt.Sprintf("executing %d agent steps", len(plan.Steps)),
		Phase:   "executing",
	})

	initial := agent.State{
		agent.KeyWorkspacePath: workspace,
		agent.KeyUserQuery:     query,
	}
	finalState, exec := s.orch.ExecuteWorkflow(context.Background(), plan, initial)

	errs := finalState.Errors()
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Message)
	}
	adaptations := make([]any, 0)
	for _, d := range s.adapter.GetStats().Recent {
		adaptations = append(adaptations, d)
	}

	s.sendFrame(ws.ResultFrame{
		Type:            ws.FrameResult,
		Success:         exec.Success,
		ExecutionTime:   exec.FinishedAt.Sub(exec.StartedAt).Seconds(),
		QualityScore:    averageQuality(finalState),
		AgentsCompleted: finalState.AgentsCompleted(),
		FilesGenerated:  finalState.FilesGenerated(),
		Errors:          messages,
		Adaptations:     adaptations,
	})

	s.mu.Lock()
	closed := s.state == StateClosed
	if s.state == StateRunning {
		s.state = StateIdle
	}
	client := s.mcpClient
	s.mu.Unlock()

	// The session disconnected mid-run: the deferred MCP teardown is
	// ours now that the workflow is finished.
	if closed && client != nil {
		client.Close()
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

func averageQuality(state agent.State) float64 {
	scores := state.QualityScores()
	if len(scores) == 0 {
		return 0
	}
	total := 0.0
	for _, score := range scores {
		total += score
	}
	return total / float64(len(scores))
}

// RequestApproval sends an approval_request frame and waits for the
// correlated answer. The wait is bounded; timeout denies.
func (s *Session) RequestApproval(ctx context.Context, req orchestrator.ApprovalRequest) (bool, error) {
	pending := &pendingApproval{id: req.ID, ch: make(chan bool, 1)}
	s.approvalMu.Lock()
	s.approvals = append(s.approvals, pending)
	s.approvalMu.Unlock()
	defer s.removeApproval(pending)

	s.sendFrame(ws.ApprovalRequestFrame{
		Type:        ws.FrameApprovalRequest,
		ApprovalID:  req.ID,
		Agent:       req.Agent.String(),
		Mode:        req.Mode,
		Description: req.Description,
		RiskLevel:   req.RiskLevel,
	})

	timeout := s.gateway.cfg.Approval.TimeoutDuration()
	select {
	case approved := <-pending.ch:
		return approved, nil
	case <-time.After(timeout):
		s.logger.Warn("approval request timed out, denying step",
			zap.String("approval_id", req.ID),
			zap.String("agent", req.Agent.String()))
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.done:
		return false, fmt.Errorf("session closed")
	}
}

// handleApprovalResponse correlates a client reply with the most recent
// outstanding request, or with a specific request when approval_id is
// set. Unknown ids are ignored.
func (s *Session) handleApprovalResponse(frame ws.ApprovalResponseFrame) {
	s.approvalMu.Lock()
	defer s.approvalMu.Unlock()

	if len(s.approvals) == 0 {
		s.logger.Warn("approval response with no outstanding request")
		return
	}

	target := s.approvals[len(s.approvals)-1]
	if frame.ApprovalID != "" {
		target = nil
		for _, p := range s.approvals {
			if p.id == frame.ApprovalID {
				target = p
				break
			}
		}
		if target == nil {
			s.logger.Warn("approval response for unknown request",
				zap.String("approval_id", frame.ApprovalID))
			return
		}
	}

	// Non-blocking: a duplicate response for the same request is dropped.
	select {
	case target.ch <- frame.Approved:
	default:
	}
}

func (s *Session) removeApproval(pending *pendingApproval) {
	s.approvalMu.Lock()
	defer s.approvalMu.Unlock()
	for i, p := range s.approvals {
		if p == pending {
			s.approvals = append(s.approvals[:i], s.approvals[i+1:]...)
			return
		}
	}
}

func (s *Session) sendFrame(frame any) {
	data, err := ws.Marshal(frame)
	if err != nil {
		s.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	default:
		s.logger.Warn("session send buffer full, dropping frame")
	}
}

func (s *Session) sendError(message, code string) {
	s.sendFrame(ws.ErrorFrame{Type: ws.FrameError, Message: message, Code: code})
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

// close tears the session down: event forwarding stops, the MCP
// subprocesses are killed, the socket is closed. A workflow still
// running is left to finish and archive on its own; it keeps the MCP
// servers and closes them itself when it ends.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasRunning := s.state == StateRunning
		s.state = StateClosed
		client := s.mcpClient
		s.mu.Unlock()

		close(s.done)
		for _, sub := range s.subs {
			_ = sub.Unsubscribe()
		}
		if client != nil && !wasRunning {
			client.Close()
		}
		s.conn.Close()
	})
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
