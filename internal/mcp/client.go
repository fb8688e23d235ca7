// Package mcp implements the client side of the MCP subprocess protocol:
// JSON-RPC 2.0 multiplexed over stdin/stdout of long-lived child
// processes, one per external capability. The client owns its
// subprocesses exclusively; sessions never share a client.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kiagent/kiagent/internal/common/logger"
	"github.com/kiagent/kiagent/pkg/jsonrpc"
)

const (
	// initTimeout bounds the initialize and tools/list handshakes.
	initTimeout = 5 * time.Second
	// lineTimeout is the per-line read timeout during a call. A
	// $/progress notification resets it.
	lineTimeout = 15 * time.Second
	// defaultCallTimeout is the global per-call deadline when the caller
	// supplies none.
	defaultCallTimeout = 30 * time.Second
	// closeGrace is the graceful-stop budget per subprocess.
	closeGrace = 5 * time.Second
)

// workspaceServers are the servers that require a workspace_path argument;
// the client injects it when the caller did not.
var workspaceServers = map[string]bool{
	"memory":   true,
	"workflow": true,
	"asimov":   true,
}

// Status of one server connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusDead         Status = "dead"
)

// ServerStatus is the health view of one server.
type ServerStatus struct {
	Status   Status    `json:"status"`
	Tools    []string  `json:"tools"`
	LastPing time.Time `json:"last_ping"`
}

// server tracks one subprocess connection.
type server struct {
	name       string
	scriptPath string

	mu       sync.Mutex
	trans    transport
	status   Status
	tools    []string
	lastPing time.Time
	nextID   int64
}

// Caller is the interface consumed by the planner and the agent
// executors.
type Caller interface {
	Call(ctx context.Context, serverName, tool string, args map[string]any) (json.RawMessage, error)
	CallWithTimeout(ctx context.Context, serverName, tool string, args map[string]any, timeout time.Duration) (json.RawMessage, error)
}

// Config holds client construction parameters.
type Config struct {
	// Scripts maps server names to script paths. Empty means resolve the
	// default set relative to the working directory.
	Scripts map[string]string
	// WorkspacePath is injected into calls to workspace-scoped servers.
	WorkspacePath string
	// CallTimeout overrides the default global per-call deadline.
	CallTimeout time.Duration
	// AutoReconnect enables the single respawn-and-retry on connection
	// errors.
	AutoReconnect bool
}

// Client multiplexes JSON-RPC calls over the subprocess server set.
type Client struct {
	cfg   Config
	spawn spawnFunc

	mu          sync.Mutex
	servers     map[string]*server
	initialized bool

	// callMu serializes request/response traffic per server.
	callMu map[string]*sync.Mutex

	logger *logger.Logger
}

// NewClient creates a client for the given server set. No subprocess is
// started until Initialize.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.Scripts == nil {
		scripts, err := ResolveServerScripts(".")
		if err != nil {
			return nil, err
		}
		cfg.Scripts = scripts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	c := &Client{
		cfg:     cfg,
		spawn:   spawnExec,
		servers: make(map[string]*server, len(cfg.Scripts)),
		callMu:  make(map[string]*sync.Mutex, len(cfg.Scripts)),
		logger:  log.WithFields(zap.String("component", "mcp_client")),
	}
	for name, path := range cfg.Scripts {
		c.servers[name] = &server{name: name, scriptPath: path, status: StatusDisconnected}
		c.callMu[name] = &sync.Mutex{}
	}
	return c, nil
}

// Initialize starts every subprocess concurrently and performs the
// initialize + tools/list handshake with each. Success requires every
// named server to be healthy; on any failure all subprocesses are torn
// down and an InitError listing every failure is returned.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	servers := make([]*server, 0, len(c.servers))
	for _, s := range c.servers {
		servers = append(servers, s)
	}
	c.mu.Unlock()

	var failMu sync.Mutex
	failures := make(map[string]error)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			if err := c.connectServer(gctx, s); err != nil {
				failMu.Lock()
				failures[s.name] = err
				failMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		c.Close()
		return &InitError{Failures: failures}
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	c.logger.Info("all MCP servers connected", zap.Int("servers", len(servers)))
	return nil
}

// connectServer spawns one subprocess and runs the handshake. On failure
// the subprocess is killed and the server is marked dead.
func (c *Client) connectServer(ctx context.Context, s *server) error {
	trans, err := c.spawn(s.name, s.scriptPath)
	if err != nil {
		s.mu.Lock()
		s.status = StatusDead
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.trans = trans
	s.mu.Unlock()

	fail := func(err error) error {
		trans.Close(0)
		s.mu.Lock()
		s.status = StatusDead
		s.mu.Unlock()
		return err
	}

	if _, err := c.roundTrip(ctx, s, jsonrpc.MethodInitialize, nil, initTimeout, initTimeout); err != nil {
		return fail(fmt.Errorf("initialize: %w", err))
	}

	result, err := c.roundTrip(ctx, s, jsonrpc.MethodToolsList, nil, initTimeout, initTimeout)
	if err != nil {
		return fail(fmt.Errorf("tools/list: %w", err))
	}
	var tools jsonrpc.ToolsListResult
	if err := json.Unmarshal(result, &tools); err != nil {
		return fail(fmt.Errorf("tools/list decode: %w", err))
	}

	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}

	s.mu.Lock()
	s.tools = names
	s.status = StatusConnected
	s.lastPing = time.Now()
	s.mu.Unlock()

	c.logger.Debug("server connected",
		zap.String("server", s.name),
		zap.Strings("tools", names))
	return nil
}

// Call dispatches tools/call with the default global timeout.
func (c *Client) Call(ctx context.Context, serverName, tool string, args map[string]any) (json.RawMessage, error) {
	return c.CallWithTimeout(ctx, serverName, tool, args, 0)
}

// CallWithTimeout dispatches tools/call with an explicit global timeout.
// Zero selects the client default. On a connection-level failure the call
// is retried exactly once after a reconnect when auto-reconnect is
// enabled.
func (c *Client) CallWithTimeout(ctx context.Context, serverName, tool string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}

	result, err := c.callOnce(ctx, serverName, tool, args, timeout)
	if err == nil {
		return result, nil
	}

	var connErr *ConnectionError
	if c.cfg.AutoReconnect && errors.As(err, &connErr) {
		c.logger.Warn("reconnecting server after connection error",
			zap.String("server", serverName),
			zap.Error(err))
		if rerr := c.reconnectServer(ctx, serverName); rerr != nil {
			return nil, err
		}
		c.logger.Info("server reconnected, retrying call",
			zap.String("server", serverName),
			zap.String("tool", tool))
		return c.callOnce(ctx, serverName, tool, args, timeout)
	}
	return nil, err
}

func (c *Client) callOnce(ctx context.Context, serverName, tool string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil, &ConnectionError{Server: serverName, Err: errors.New("client not initialized")}
	}
	s, ok := c.servers[serverName]
	lock := c.callMu[serverName]
	c.mu.Unlock()
	if !ok {
		return nil, &ConnectionError{Server: serverName, Err: errors.New("unknown server")}
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	trans := s.trans
	status := s.status
	s.mu.Unlock()

	if status != StatusConnected || trans == nil {
		return nil, &ConnectionError{Server: serverName, Err: fmt.Errorf("server is %s", status)}
	}
	if !trans.Alive() {
		c.markDead(s)
		return nil, &ConnectionError{Server: serverName, Err: errors.New("subprocess exited")}
	}

	if args == nil {
		args = make(map[string]any)
	}
	if workspaceServers[serverName] && c.cfg.WorkspacePath != "" {
		if _, present := args["workspace_path"]; !present {
			args["workspace_path"] = c.cfg.WorkspacePath
		}
	}

	params, err := json.Marshal(jsonrpc.ToolsCallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal arguments: %w", err)
	}

	result, err := c.roundTrip(ctx, s, jsonrpc.MethodToolsCall, params, timeout, lineTimeout)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			toolErr.Tool = tool
			return nil, toolErr
		}
		c.markDead(s)
		return nil, err
	}

	s.mu.Lock()
	s.lastPing = time.Now()
	s.mu.Unlock()
	return result, nil
}

// roundTrip writes one request and reads lines until the matching
// response arrives. Notifications are logged and skipped; $/progress
// resets the per-line timer. globalTimeout bounds the whole exchange.
func (c *Client) roundTrip(ctx context.Context, s *server, method string, params json.RawMessage, globalTimeout, perLine time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	trans := s.trans
	s.mu.Unlock()

	req := jsonrpc.NewRequest(id, method, params)
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal request: %w", err)
	}
	if err := trans.WriteLine(data); err != nil {
		return nil, &ConnectionError{Server: s.name, Err: fmt.Errorf("write: %w", err)}
	}

	deadline := time.Now().Add(globalTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &ConnectionError{Server: s.name, Err: fmt.Errorf("timeout after %s waiting for %s", globalTimeout, method)}
		}
		wait := perLine
		if remaining < wait {
			wait = remaining
		}

		line, ok, timedOut := waitLine(ctx, trans.Lines(), wait)
		if timedOut {
			if ctx.Err() != nil {
				return nil, &ConnectionError{Server: s.name, Err: ctx.Err()}
			}
			return nil, &ConnectionError{Server: s.name, Err: fmt.Errorf("no output for %s during %s", wait, method)}
		}
		if !ok {
			return nil, &ConnectionError{Server: s.name, Err: errors.New("stdout closed")}
		}

		var resp jsonrpc.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, &ConnectionError{Server: s.name, Err: fmt.Errorf("decode response: %w", err)}
		}

		if resp.IsNotification() {
			if resp.Method == jsonrpc.NotificationProgress {
				var progress jsonrpc.ProgressParams
				_ = json.Unmarshal(resp.Params, &progress)
				c.logger.Debug("progress notification",
					zap.String("server", s.name),
					zap.String("message", progress.Message))
			} else {
				c.logger.Debug("notification",
					zap.String("server", s.name),
					zap.String("method", resp.Method))
			}
			continue
		}
		if resp.ID == nil || *resp.ID != id {
			c.logger.Debug("skipping mismatched response id", zap.String("server", s.name))
			continue
		}
		if resp.Error != nil {
			return nil, &ToolError{Server: s.name, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	}
}

// reconnectServer tears down and respawns a single server, replaying the
// handshake.
func (c *Client) reconnectServer(ctx context.Context, serverName string) error {
	c.mu.Lock()
	s, ok := c.servers[serverName]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("mcp: unknown server %q", serverName)
	}

	s.mu.Lock()
	if s.trans != nil {
		s.trans.Close(0)
	}
	s.trans = nil
	s.status = StatusDisconnected
	s.mu.Unlock()

	return c.connectServer(ctx, s)
}

func (c *Client) markDead(s *server) {
	s.mu.Lock()
	s.status = StatusDead
	s.mu.Unlock()
}

// CallSpec is one entry of a parallel fan-out.
type CallSpec struct {
	Server string
	Tool   string
	Args   map[string]any
}

// CallResult pairs a fan-out entry with its outcome.
type CallResult struct {
	Server string
	Tool   string
	Result json.RawMessage
	Err    error
}

// CallMultiple issues every call concurrently and returns results in
// input order regardless of completion order. Individual entries may
// carry failures.
func (c *Client) CallMultiple(ctx context.Context, calls []CallSpec) []CallResult {
	results := make([]CallResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		i, call := i, call
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := c.Call(ctx, call.Server, call.Tool, call.Args)
			results[i] = CallResult{Server: call.Server, Tool: call.Tool, Result: result, Err: err}
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	c.logger.Info("parallel fan-out complete",
		zap.Int("calls", len(calls)),
		zap.Int("failed", failed))
	return results
}

// ServerStatuses returns the health view of every server.
func (c *Client) ServerStatuses() map[string]ServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]ServerStatus, len(c.servers))
	for name, s := range c.servers {
		s.mu.Lock()
		tools := append([]string(nil), s.tools...)
		out[name] = ServerStatus{Status: s.status, Tools: tools, LastPing: s.lastPing}
		s.mu.Unlock()
	}
	return out
}

// Close terminates every subprocess, granting each a graceful-stop
// window before killing it.
func (c *Client) Close() {
	c.mu.Lock()
	servers := make([]*server, 0, len(c.servers))
	for _, s := range c.servers {
		servers = append(servers, s)
	}
	c.initialized = false
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range servers {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.mu.Lock()
			trans := s.trans
			s.trans = nil
			s.status = StatusDisconnected
			s.mu.Unlock()
			if trans != nil {
				trans.Close(closeGrace)
			}
		}()
	}
	wg.Wait()
}
