// Package builtin ships the default executor set: each pipeline agent is
// driven through MCP tool calls (claude completions, perplexity search,
// file_tools writes, tree-sitter analysis, build validation). The set is
// replaceable; the orchestrator only sees the Executor contract.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kiagent/kiagent/internal/agent"
	"github.com/kiagent/kiagent/internal/common/logger"
	"github.com/kiagent/kiagent/internal/credits"
	"github.com/kiagent/kiagent/internal/mcp"
	"github.com/kiagent/kiagent/internal/permissions"
)

// Deps are the shared services every executor closes over.
type Deps struct {
	MCP     mcp.Caller
	Tracker *credits.Tracker
	Perms   *permissions.Manager
	Logger  *logger.Logger
}

// NewSet binds the default executor for every pipeline agent.
func NewSet(deps Deps) agent.Set {
	return agent.Set{
		agent.Research:  &researchExecutor{deps},
		agent.Architect: &architectExecutor{deps},
		agent.Codesmith: &codesmithExecutor{deps},
		agent.ReviewFix: &reviewFixExecutor{deps},
		agent.Reviewer:  &reviewerExecutor{deps},
		agent.Fixer:     &fixerExecutor{deps},
	}
}

// completion is the payload shape of a claude generate call.
type completion struct {
	Content   string `json:"content"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
}

// generate runs one LLM completion and records its cost against the
// calling agent.
func generate(ctx context.Context, deps Deps, agentName, system, prompt string) (*completion, error) {
	raw, err := deps.MCP.Call(ctx, "claude", "generate", map[string]any{
		"system": system,
		"prompt": prompt,
	})
	if err != nil {
		return nil, err
	}
	var out completion
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if deps.Tracker != nil {
		if _, err := deps.Tracker.TrackAPICall(agentName, "claude-3-5-sonnet", out.TokensIn, out.TokensOut, false); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func writeFile(ctx context.Context, deps Deps, path, content string) error {
	_, err := deps.MCP.Call(ctx, "file_tools", "write_file", map[string]any{
		"path":    path,
		"content": content,
	})
	return err
}

// researchExecutor answers research and explain modes: a web search for
// grounding (research only) followed by a summarizing completion.
type researchExecutor struct{ deps Deps }

func (e *researchExecutor) Execute(ctx context.Context, state agent.State) (agent.State, error) {
	mode, _ := state[agent.KeyAgentMode].(string)
	query := state.UserQuery()

	var findings string
	if mode != "explain" {
		if ok, msg, _ := e.deps.Perms.CheckAndEnforce(agent.Research, "web search: "+query, permissions.CanWebSearch, false); !ok {
			return nil, fmt.Errorf("%s", msg)
		}
		raw, err := e.deps.MCP.Call(ctx, "perplexity", "search", map[string]any{"query": query})
		if err != nil {
			return nil, fmt.Errorf("web search: %w", err)
		}
		var search struct {
			Results []struct {
				Title   string `json:"title"`
				Snippet string `json:"snippet"`
			} `json:"results"`
		}
		if err := json.Unmarshal(raw, &search); err != nil {
			return nil, fmt.Errorf("decode search results: %w", err)
		}
		var sb strings.Builder
		for _, r := range search.Results {
			fmt.Fprintf(&sb, "- %s: %s\n", r.Title, r.Snippet)
		}
		findings = sb.String()
		if e.deps.Tracker != nil {
			if _, err := e.deps.Tracker.TrackAPICall(agent.Research.String(), "perplexity", 0, 0, false); err != nil {
				return nil, err
			}
		}
	}

	summary, err := generate(ctx, e.deps, agent.Research.String(),
		"Summarize the research findings relevant to the coding task. Be concise and concrete.",
		fmt.Sprintf("Task: %s\n\nFindings:\n%s", query, findings))
	if err != nil {
		return nil, err
	}

	return agent.State{
		agent.KeyResults:         map[string]any{agent.Research.String(): summary.Content},
		agent.KeyAgentsCompleted: []string{agent.Research.String()},
		"tokens_used":            summary.TokensIn + summary.TokensOut,
	}, nil
}

// architectExecutor produces an architecture decision document in the
// session workspace.
type architectExecutor struct{ deps Deps }

func (e *architectExecutor) Execute(ctx context.Context, state agent.State) (agent.State, error) {
	research, _ := state.Results()[agent.Research.String()].(string)

	doc, err := generate(ctx, e.deps, agent.Architect.String(),
		"You are a software architect. Produce a short design document: components, file layout, and dependencies. List any missing dependencies explicitly under 'missing_dependencies'.",
		fmt.Sprintf("Task: %s\n\nResearch:\n%s", state.UserQuery(), research))
	if err != nil {
		return nil, err
	}

	docPath := filepath.Join(state.WorkspacePath(), "architecture.md")
	if ok, msg, _ := e.deps.Perms.CheckAndEnforce(agent.Architect, "write "+docPath, permissions.CanWriteFiles, false); !ok {
		return nil, fmt.Errorf("%s", msg)
	}
	if err := writeFile(ctx, e.deps, docPath, doc.Content); err != nil {
		return nil, fmt.Errorf("write design doc: %w", err)
	}

	return agent.State{
		agent.KeyResults:         map[string]any{agent.Architect.String(): doc.Content},
		agent.KeyFilesGenerated:  []string{docPath},
		agent.KeyAgentsCompleted: []string{agent.Architect.String()},
		"tokens_used":            doc.TokensIn + doc.TokensOut,
	}, nil
}

// codesmithExecutor generates source files. It holds the process-wide
// LLM lock for the duration of the completion so only one code
// generation runs at a time.
type codesmithExecutor struct{ deps Deps }

// generatedFiles is the JSON shape the codesmith prompt asks for.
type generatedFiles struct {
	Files []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"files"`
}

func (e *codesmithExecutor) Execute(ctx context.Context, state agent.State) (agent.State, error) {
	if _, _, err := e.deps.Perms.CheckAndEnforce(agent.Codesmith, "generate files", permissions.CanWriteFiles, true); err != nil {
		return nil, err
	}

	if e.deps.Tracker != nil {
		if !e.deps.Tracker.AcquireLLMLock(0) {
			return nil, fmt.Errorf("timed out waiting for the code-generator lock")
		}
		defer e.deps.Tracker.ReleaseLLMLock()
	}

	design, _ := state.Results()[agent.Architect.String()].(string)
	mode, _ := state[agent.KeyAgentMode].(string)

	out, err := generate(ctx, e.deps, agent.Codesmith.String(),
		`You write production code. Answer with JSON only: {"files":[{"path":"<relative>","content":"<source>"}]}`,
		fmt.Sprintf("Mode: %s\nTask: %s\n\nDesign:\n%s", mode, state.UserQuery(), design))
	if err != nil {
		return nil, err
	}

	var files generatedFiles
	if err := json.Unmarshal([]byte(out.Content), &files); err != nil {
		return nil, fmt.Errorf("decode generated files: %w", err)
	}
	if len(files.Files) == 0 {
		return nil, fmt.Errorf("model produced no files")
	}

	written := make([]string, 0, len(files.Files))
	for _, f := range files.Files {
		path := filepath.Join(state.WorkspacePath(), f.Path)
		if err := writeFile(ctx, e.deps, path, f.Content); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.Path, err)
		}
		written = append(written, path)
	}
	score, findings := analyzeQuality(ctx, e.deps, written)
	e.deps.Logger.Info("generated files",
		zap.String("agent", agent.Codesmith.String()),
		zap.Int("count", len(written)),
		zap.Float64("quality", score),
		zap.Int("findings", len(findings)))

	return agent.State{
		agent.KeyResults:         map[string]any{agent.Codesmith.String(): map[string]any{"files": written}},
		agent.KeyFilesGenerated:  written,
		agent.KeyQualityScores:   map[string]float64{agent.Codesmith.String(): score},
		agent.KeyAgentsCompleted: []string{agent.Codesmith.String()},
		"tokens_used":            out.TokensIn + out.TokensOut,
	}, nil
}

// analyzeQuality scores the generated files with tree-sitter. Files that
// fail analysis drag the score down.
func analyzeQuality(ctx context.Context, deps Deps, files []string) (float64, []string) {
	if len(files) == 0 {
		return 1.0, nil
	}
	var findings []string
	scored := 0.0
	for _, path := range files {
		raw, err := deps.MCP.Call(ctx, "tree-sitter", "analyze", map[string]any{"path": path})
		if err != nil {
			findings = append(findings, fmt.Sprintf("%s: analysis failed: %v", path, err))
			continue
		}
		var analysis struct {
			Score  float64  `json:"score"`
			Issues []string `json:"issues"`
		}
		if err := json.Unmarshal(raw, &analysis); err != nil {
			findings = append(findings, fmt.Sprintf("%s: unreadable analysis", path))
			continue
		}
		scored += analysis.Score
		for _, issue := range analysis.Issues {
			findings = append(findings, path+": "+issue)
		}
	}
	return scored / float64(len(files)), findings
}

// reviewFixExecutor validates the build, scores the generated files, and
// applies LLM fixes for any findings.
type reviewFixExecutor struct{ deps Deps }

func (e *reviewFixExecutor) Execute(ctx context.Context, state agent.State) (agent.State, error) {
	files := state.FilesGenerated()
	score, findings := analyzeQuality(ctx, e.deps, files)

	raw, err := e.deps.MCP.Call(ctx, "build_validation", "validate", map[string]any{
		"workspace_path": state.WorkspacePath(),
	})
	if err != nil {
		return nil, fmt.Errorf("build validation: %w", err)
	}
	var build struct {
		OK     bool     `json:"ok"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(raw, &build); err != nil {
		return nil, fmt.Errorf("decode build result: %w", err)
	}
	findings = append(findings, build.Errors...)

	delta := agent.State{
		agent.KeyQualityScores:   map[string]float64{agent.ReviewFix.String(): score},
		agent.KeyAgentsCompleted: []string{agent.ReviewFix.String()},
	}

	if len(findings) == 0 {
		delta[agent.KeyResults] = map[string]any{agent.ReviewFix.String(): "no findings"}
		return delta, nil
	}

	if ok, msg, _ := e.deps.Perms.CheckAndEnforce(agent.ReviewFix, "apply fixes", permissions.CanWriteFiles, false); !ok {
		return nil, fmt.Errorf("%s", msg)
	}
	fix, err := generate(ctx, e.deps, agent.ReviewFix.String(),
		`You fix code review findings. Answer with JSON only: {"files":[{"path":"<absolute>","content":"<source>"}]}`,
		fmt.Sprintf("Findings:\n- %s", strings.Join(findings, "\n- ")))
	if err != nil {
		return nil, err
	}
	var fixed generatedFiles
	if err := json.Unmarshal([]byte(fix.Content), &fixed); err != nil {
		return nil, fmt.Errorf("decode fixes: %w", err)
	}
	rewritten := make([]string, 0, len(fixed.Files))
	for _, f := range fixed.Files {
		if err := writeFile(ctx, e.deps, f.Path, f.Content); err != nil {
			return nil, fmt.Errorf("write fix %s: %w", f.Path, err)
		}
		rewritten = append(rewritten, f.Path)
	}

	delta[agent.KeyResults] = map[string]any{agent.ReviewFix.String(): map[string]any{
		"findings": findings,
		"fixed":    rewritten,
	}}
	delta["tokens_used"] = fix.TokensIn + fix.TokensOut
	return delta, nil
}

// reviewerExecutor is the read-only reviewer inserted by the adapter on
// low quality: it scores, it never writes.
type reviewerExecutor struct{ deps Deps }

func (e *reviewerExecutor) Execute(ctx context.Context, state agent.State) (agent.State, error) {
	score, findings := analyzeQuality(ctx, e.deps, state.FilesGenerated())
	delta := agent.State{
		agent.KeyQualityScores:   map[string]float64{agent.Reviewer.String(): score},
		agent.KeyResults:         map[string]any{agent.Reviewer.String(): map[string]any{"findings": findings}},
		agent.KeyAgentsCompleted: []string{agent.Reviewer.String()},
	}
	return delta, nil
}

// fixerExecutor rewrites files to clear the errors accumulated in state.
type fixerExecutor struct{ deps Deps }

func (e *fixerExecutor) Execute(ctx context.Context, state agent.State) (agent.State, error) {
	errs := state.Errors()
	if len(errs) == 0 {
		return agent.State{agent.KeyAgentsCompleted: []string{agent.Fixer.String()}}, nil
	}
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Message)
	}

	if ok, msg, _ := e.deps.Perms.CheckAndEnforce(agent.Fixer, "apply error fixes", permissions.CanWriteFiles, false); !ok {
		return nil, fmt.Errorf("%s", msg)
	}
	fix, err := generate(ctx, e.deps, agent.Fixer.String(),
		`You fix reported errors in a workspace. Answer with JSON only: {"files":[{"path":"<absolute>","content":"<source>"}]}`,
		fmt.Sprintf("Workspace: %s\nErrors:\n- %s", state.WorkspacePath(), strings.Join(messages, "\n- ")))
	if err != nil {
		return nil, err
	}
	var fixed generatedFiles
	if err := json.Unmarshal([]byte(fix.Content), &fixed); err != nil {
		return nil, fmt.Errorf("decode fixes: %w", err)
	}
	written := make([]string, 0, len(fixed.Files))
	for _, f := range fixed.Files {
		if err := writeFile(ctx, e.deps, f.Path, f.Content); err != nil {
			return nil, fmt.Errorf("write fix %s: %w", f.Path, err)
		}
		written = append(written, f.Path)
	}

	return agent.State{
		agent.KeyResults:         map[string]any{agent.Fixer.String(): map[string]any{"fixed": written}},
		agent.KeyAgentsCompleted: []string{agent.Fixer.String()},
		"tokens_used":            fix.TokensIn + fix.TokensOut,
	}, nil
}
