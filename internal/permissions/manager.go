// Package permissions gates every side-effecting agent operation by agent
// identity. Policy is deny-by-default: an agent holds exactly the
// permissions granted to it, and every check, grant, and revoke is
// appended to a bounded audit log.
package permissions

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kiagent/kiagent/internal/agent"
	"github.com/kiagent/kiagent/internal/common/logger"
)

// Permission is one of the fixed permission tags.
type Permission string

const (
	CanReadFiles       Permission = "can_read_files"
	CanWriteFiles      Permission = "can_write_files"
	CanDeleteFiles     Permission = "can_delete_files"
	CanExecuteCode     Permission = "can_execute_code"
	CanWebSearch       Permission = "can_web_search"
	CanInstallPackages Permission = "can_install_packages"
	CanModifySystem    Permission = "can_modify_system"
)

// auditLimit bounds the audit ring buffer.
const auditLimit = 10000

// AuditAction names what was audited.
type AuditAction string

const (
	ActionCheck  AuditAction = "check"
	ActionGrant  AuditAction = "grant"
	ActionRevoke AuditAction = "revoke"
)

// AuditResult names the outcome of an audited action.
type AuditResult string

const (
	ResultGranted AuditResult = "granted"
	ResultDenied  AuditResult = "denied"
	ResultSuccess AuditResult = "success"
)

// AuditEntry is one record in the audit log.
type AuditEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Agent      agent.ID       `json:"agent"`
	Permission Permission     `json:"permission"`
	Action     AuditAction    `json:"action"`
	Result     AuditResult    `json:"result"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DeniedError is raised by CheckAndEnforce when raiseOnDeny is set.
type DeniedError struct {
	Agent      agent.ID
	Permission Permission
	Action     string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: agent %s lacks %s for action %q", e.Agent, e.Permission, e.Action)
}

// defaultGrants is the deny-by-default policy table.
var defaultGrants = map[agent.ID][]Permission{
	agent.Research:   {CanWebSearch, CanReadFiles},
	agent.Architect:  {CanWriteFiles, CanReadFiles}, // writes restricted to decision docs by path convention at the caller
	agent.Codesmith:  {CanWriteFiles, CanReadFiles, CanExecuteCode},
	agent.ReviewFix:  {CanWriteFiles, CanReadFiles},
	agent.Fixer:      {CanWriteFiles, CanReadFiles},
	agent.Reviewer:   {CanReadFiles},
	agent.Supervisor: {CanReadFiles},
}

// Manager holds the per-agent permission sets, the audit ring, and usage
// counters.
type Manager struct {
	mu     sync.Mutex
	grants map[agent.ID]map[Permission]bool
	audit  []AuditEntry
	// usage counts checks per agent and permission.
	usage  map[agent.ID]map[Permission]int
	logger *logger.Logger
}

var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
)

// Default returns the process-wide manager, constructed lazily with the
// default grant table.
func Default() *Manager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewManager(logger.Default())
	})
	return defaultManager
}

// NewManager creates a manager seeded with the default grants.
func NewManager(log *logger.Logger) *Manager {
	grants := make(map[agent.ID]map[Permission]bool, len(defaultGrants))
	for id, perms := range defaultGrants {
		set := make(map[Permission]bool, len(perms))
		for _, p := range perms {
			set[p] = true
		}
		grants[id] = set
	}
	return &Manager{
		grants: grants,
		usage:  make(map[agent.ID]map[Permission]int),
		logger: log.WithFields(zap.String("component", "permissions")),
	}
}

// Check reports whether the agent holds the permission. The check is
// audited and counted.
func (m *Manager) Check(id agent.ID, perm Permission) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(id, perm, nil)
}

func (m *Manager) checkLocked(id agent.ID, perm Permission, metadata map[string]any) bool {
	allowed := m.grants[id][perm]

	byPerm, ok := m.usage[id]
	if !ok {
		byPerm = make(map[Permission]int)
		m.usage[id] = byPerm
	}
	byPerm[perm]++

	result := ResultDenied
	if allowed {
		result = ResultGranted
	}
	m.appendAuditLocked(AuditEntry{
		Timestamp:  time.Now().UTC(),
		Agent:      id,
		Permission: perm,
		Action:     ActionCheck,
		Result:     result,
		Metadata:   metadata,
	})
	return allowed
}

// Grant adds a permission to an agent. A non-empty reason is required.
func (m *Manager) Grant(id agent.ID, perm Permission, reason, grantor string) error {
	if reason == "" {
		return fmt.Errorf("permissions: grant of %s to %s requires a reason", perm, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.grants[id]
	if !ok {
		set = make(map[Permission]bool)
		m.grants[id] = set
	}
	set[perm] = true
	m.appendAuditLocked(AuditEntry{
		Timestamp:  time.Now().UTC(),
		Agent:      id,
		Permission: perm,
		Action:     ActionGrant,
		Result:     ResultSuccess,
		Metadata:   map[string]any{"reason": reason, "grantor": grantor},
	})
	m.logger.Info("permission granted",
		zap.String("agent", id.String()),
		zap.String("permission", string(perm)),
		zap.String("reason", reason),
		zap.String("grantor", grantor))
	return nil
}

// Revoke removes a permission from an agent.
func (m *Manager) Revoke(id agent.ID, perm Permission, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.grants[id], perm)
	m.appendAuditLocked(AuditEntry{
		Timestamp:  time.Now().UTC(),
		Agent:      id,
		Permission: perm,
		Action:     ActionRevoke,
		Result:     ResultSuccess,
		Metadata:   map[string]any{"reason": reason},
	})
	m.logger.Info("permission revoked",
		zap.String("agent", id.String()),
		zap.String("permission", string(perm)),
		zap.String("reason", reason))
}

// CheckAndEnforce gates an action behind a permission. On denial it
// returns ok=false with a message; when raiseOnDeny is set it also returns
// a *DeniedError so callers can escalate.
func (m *Manager) CheckAndEnforce(id agent.ID, action string, perm Permission, raiseOnDeny bool) (bool, string, error) {
	m.mu.Lock()
	allowed := m.checkLocked(id, perm, map[string]any{"action": action})
	m.mu.Unlock()

	if allowed {
		return true, "", nil
	}

	msg := fmt.Sprintf("agent %s denied %s for action %q", id, perm, action)
	m.logger.Warn("permission denied",
		zap.String("agent", id.String()),
		zap.String("permission", string(perm)),
		zap.String("action", action))
	if raiseOnDeny {
		return false, msg, &DeniedError{Agent: id, Permission: perm, Action: action}
	}
	return false, msg, nil
}

// AuditLog returns a copy of the audit entries, oldest first.
func (m *Manager) AuditLog() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// UsageCounts returns the per-agent, per-permission check counts.
func (m *Manager) UsageCounts() map[agent.ID]map[Permission]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[agent.ID]map[Permission]int, len(m.usage))
	for id, byPerm := range m.usage {
		counts := make(map[Permission]int, len(byPerm))
		for perm, n := range byPerm {
			counts[perm] = n
		}
		out[id] = counts
	}
	return out
}

// appendAuditLocked appends to the ring, dropping the oldest entry once
// the limit is reached.
func (m *Manager) appendAuditLocked(entry AuditEntry) {
	m.audit = append(m.audit, entry)
	if len(m.audit) > auditLimit {
		m.audit = m.audit[len(m.audit)-auditLimit:]
	}
}
