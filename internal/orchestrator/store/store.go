// Package store archives completed workflow executions to SQLite so
// runs survive process restarts and can be inspected after the session
// disconnects.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ArchivedExecution is one completed workflow run.
type ArchivedExecution struct {
	ID            string    `db:"id" json:"id"`
	SessionID     string    `db:"session_id" json:"session_id"`
	UserQuery     string    `db:"user_query" json:"user_query"`
	WorkspacePath string    `db:"workspace_path" json:"workspace_path"`
	Success       bool      `db:"success" json:"success"`
	TotalCostUSD  float64   `db:"total_cost_usd" json:"total_cost_usd"`
	TotalTokens   int       `db:"total_tokens" json:"total_tokens"`
	StartedAt     time.Time `db:"started_at" json:"started_at"`
	FinishedAt    time.Time `db:"finished_at" json:"finished_at"`
	// ErrorsJSON holds the serialized error list of the final state.
	ErrorsJSON string `db:"errors_json" json:"-"`
}

// ArchivedStep is one execution record within a run.
type ArchivedStep struct {
	ID          string    `db:"id" json:"id"`
	ExecutionID string    `db:"execution_id" json:"execution_id"`
	Position    int       `db:"position" json:"position"`
	Agent       string    `db:"agent" json:"agent"`
	Mode        string    `db:"mode" json:"mode"`
	Status      string    `db:"status" json:"status"`
	CostUSD     float64   `db:"cost_usd" json:"cost_usd"`
	Tokens      int       `db:"tokens" json:"tokens"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
	FinishedAt  time.Time `db:"finished_at" json:"finished_at"`
	OutputJSON  string    `db:"output_json" json:"-"`
}

const schema = `
CREATE TABLE IF NOT EXISTS workflow_executions (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_query TEXT NOT NULL,
	workspace_path TEXT NOT NULL,
	success INTEGER NOT NULL,
	total_cost_usd REAL NOT NULL,
	total_tokens INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	errors_json TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	agent TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	cost_usd REAL NOT NULL,
	tokens INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	output_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_workflow_executions_session
	ON workflow_executions(session_id);
CREATE INDEX IF NOT EXISTS idx_workflow_steps_execution
	ON workflow_steps(execution_id, position);
`

// Store is the SQLite-backed execution archive.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the archive database and applies the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveExecution archives a completed run with its steps in one
// transaction.
func (s *Store) SaveExecution(ctx context.Context, exec *ArchivedExecution, steps []ArchivedStep) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.ErrorsJSON == "" {
		exec.ErrorsJSON = "[]"
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO workflow_executions
		(id, session_id, user_query, workspace_path, success, total_cost_usd, total_tokens, started_at, finished_at, errors_json)
		VALUES (:id, :session_id, :user_query, :workspace_path, :success, :total_cost_usd, :total_tokens, :started_at, :finished_at, :errors_json)
	`, exec)
	if err != nil {
		return fmt.Errorf("store: insert execution: %w", err)
	}

	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			step.ID = uuid.New().String()
		}
		step.ExecutionID = exec.ID
		step.Position = i
		if step.OutputJSON == "" {
			step.OutputJSON = "{}"
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO workflow_steps
			(id, execution_id, position, agent, mode, status, cost_usd, tokens, started_at, finished_at, output_json)
			VALUES (:id, :execution_id, :position, :agent, :mode, :status, :cost_usd, :tokens, :started_at, :finished_at, :output_json)
		`, step); err != nil {
			return fmt.Errorf("store: insert step %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// ListExecutions returns the most recent runs, newest first. An empty
// sessionID spans all sessions.
func (s *Store) ListExecutions(ctx context.Context, sessionID string, limit int) ([]ArchivedExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT * FROM workflow_executions ORDER BY started_at DESC LIMIT ?`
	args := []any{limit}
	if sessionID != "" {
		query = `
			SELECT * FROM workflow_executions
			WHERE session_id = ?
			ORDER BY started_at DESC
			LIMIT ?
		`
		args = []any{sessionID, limit}
	}
	var out []ArchivedExecution
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	return out, nil
}

// GetSteps returns the steps of one run in execution order.
func (s *Store) GetSteps(ctx context.Context, executionID string) ([]ArchivedStep, error) {
	var out []ArchivedStep
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM workflow_steps
		WHERE execution_id = ?
		ORDER BY position ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("store: get steps: %w", err)
	}
	return out, nil
}

// Errors decodes the archived error list.
func (e *ArchivedExecution) Errors() []map[string]any {
	var out []map[string]any
	_ = json.Unmarshal([]byte(e.ErrorsJSON), &out)
	return out
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
