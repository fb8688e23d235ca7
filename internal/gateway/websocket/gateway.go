// Package websocket hosts the chat sessions: one WebSocket connection is
// one session, bound to one workspace and one MCP client. Frames follow
// the pkg/ws protocol.
package websocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kiagent/kiagent/internal/agent"
	"github.com/kiagent/kiagent/internal/agent/builtin"
	"github.com/kiagent/kiagent/internal/common/config"
	"github.com/kiagent/kiagent/internal/common/logger"
	"github.com/kiagent/kiagent/internal/credits"
	"github.com/kiagent/kiagent/internal/events/bus"
	"github.com/kiagent/kiagent/internal/mcp"
	"github.com/kiagent/kiagent/internal/orchestrator/store"
	"github.com/kiagent/kiagent/internal/permissions"
)

// ServerVersion is reported in the connection frame.
const ServerVersion = "1.0.0"

// MCPClient is the per-session slice of the MCP client.
type MCPClient interface {
	mcp.Caller
	Initialize(ctx context.Context) error
	ServerStatuses() map[string]mcp.ServerStatus
	Close()
}

// MCPFactory builds a workspace-bound MCP client. Sessions never share
// clients.
type MCPFactory func(workspacePath string) (MCPClient, error)

// ExecutorFactory builds the executor set for a session.
type ExecutorFactory func(client MCPClient) agent.Set

// Gateway upgrades connections and owns the live session table.
type Gateway struct {
	cfg      *config.Config
	bus      bus.EventBus
	archive  *store.Store
	tracker  *credits.Tracker
	upgrader websocket.Upgrader
	logger   *logger.Logger

	// NewMCP and NewExecutors are replaceable for tests.
	NewMCP       MCPFactory
	NewExecutors ExecutorFactory

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewGateway(cfg *config.Config, eventBus bus.EventBus, archive *store.Store, tracker *credits.Tracker, log *logger.Logger) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		bus:     eventBus,
		archive: archive,
		tracker: tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The chat socket is consumed by local tooling and the web UI.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   log.WithFields(zap.String("component", "gateway")),
		sessions: make(map[string]*Session),
	}
	g.NewMCP = func(workspacePath string) (MCPClient, error) {
		return mcp.NewClient(mcp.Config{
			Scripts:       cfg.MCP.Servers,
			WorkspacePath: workspacePath,
			CallTimeout:   cfg.MCP.CallTimeoutDuration(),
			AutoReconnect: cfg.MCP.AutoReconnect,
		}, log)
	}
	g.NewExecutors = func(client MCPClient) agent.Set {
		return builtin.NewSet(builtin.Deps{
			MCP:     client,
			Tracker: tracker,
			Perms:   permissions.NewManager(log),
			Logger:  log,
		})
	}
	return g
}

// RegisterRoutes mounts the chat endpoint.
func (g *Gateway) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws/chat", g.handleChat)
}

func (g *Gateway) handleChat(c *gin.Context) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	g.mu.Unlock()

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	session := newSession(uuid.New().String(), conn, g)
	g.mu.Lock()
	g.sessions[session.ID] = session
	g.mu.Unlock()

	g.logger.Info("session connected", zap.String("session_id", session.ID))
	session.serve()
}

func (g *Gateway) removeSession(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s.ID)
	g.mu.Unlock()
	g.logger.Info("session closed", zap.String("session_id", s.ID))
}

// SessionCount reports the number of live sessions.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// MCPStatuses reports the MCP server health of every initialized
// session, keyed by session id.
func (g *Gateway) MCPStatuses() map[string]map[string]mcp.ServerStatus {
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	out := make(map[string]map[string]mcp.ServerStatus)
	for _, s := range sessions {
		s.mu.Lock()
		client := s.mcpClient
		s.mu.Unlock()
		if client != nil {
			out[s.ID] = client.ServerStatuses()
		}
	}
	return out
}

// Close stops accepting connections and closes every live session.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
