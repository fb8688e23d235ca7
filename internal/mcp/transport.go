package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// transport is the byte-stream connection to one server subprocess: one
// JSON value per line in each direction. Abstracted so tests can use
// in-memory pipes.
type transport interface {
	// WriteLine writes one frame followed by a newline.
	WriteLine(data []byte) error
	// Lines yields stdout frames one per line; closed on EOF.
	Lines() <-chan []byte
	// Alive reports whether the subprocess has not exited.
	Alive() bool
	// Close terminates the subprocess: graceful stop, kill after the
	// grace period.
	Close(grace time.Duration) error
}

// spawnFunc creates a transport for a named server. Replaced in tests.
type spawnFunc func(name, scriptPath string) (transport, error)

// maxLineBytes bounds a single response line.
const maxLineBytes = 8 * 1024 * 1024

// execTransport runs a server script as a child process and frames its
// stdin/stdout line-wise. Stderr is drained to avoid blocking the child.
type execTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan []byte

	mu       sync.Mutex
	exited   bool
	exitErr  error
	waitOnce sync.Once
}

// spawnExec starts the subprocess in its own process group so Close can
// take down any children it forks.
func spawnExec(name, scriptPath string) (transport, error) {
	cmd := exec.Command(scriptPath)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe for %s: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe for %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	t := &execTransport{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan []byte, 16),
	}
	go t.readLoop(stdout)
	go io.Copy(io.Discard, stderr)
	go t.reap()
	return t, nil
}

func (t *execTransport) readLoop(stdout io.Reader) {
	defer close(t.lines)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		t.lines <- line
	}
}

func (t *execTransport) reap() {
	err := t.cmd.Wait()
	t.mu.Lock()
	t.exited = true
	t.exitErr = err
	t.mu.Unlock()
}

func (t *execTransport) WriteLine(data []byte) error {
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (t *execTransport) Lines() <-chan []byte { return t.lines }

func (t *execTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.exited
}

func (t *execTransport) Close(grace time.Duration) error {
	t.stdin.Close()
	if !t.Alive() {
		return nil
	}
	// Signal the whole process group.
	pgid := -t.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	deadline := time.After(grace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if !t.Alive() {
				return nil
			}
		case <-deadline:
			_ = syscall.Kill(pgid, syscall.SIGKILL)
			return nil
		}
	}
}

// DefaultServerNames is the fixed server set known at construction time.
var DefaultServerNames = []string{
	"build_validation",
	"file_tools",
	"perplexity",
	"memory",
	"tree-sitter",
	"asimov",
	"claude",
}

// serversDirName is the repository marker directory holding the server
// scripts.
const serversDirName = "mcp_servers"

// ResolveServerScripts walks upward from startDir until it finds the
// repository marker directory and maps every default server name to its
// absolute script path.
func ResolveServerScripts(startDir string) (map[string]string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		candidate := filepath.Join(dir, serversDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			scripts := make(map[string]string, len(DefaultServerNames))
			for _, name := range DefaultServerNames {
				scripts[name] = filepath.Join(candidate, name+".py")
			}
			return scripts, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("mcp: no %s directory found walking up from %s", serversDirName, startDir)
		}
		dir = parent
	}
}

// waitLine reads the next line with a bounded wait. Returns ok=false when
// the channel closed (EOF) and timedOut=true when the wait expired.
func waitLine(ctx context.Context, lines <-chan []byte, timeout time.Duration) (line []byte, ok, timedOut bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line, ok = <-lines:
		return line, ok, false
	case <-timer.C:
		return nil, false, true
	case <-ctx.Done():
		return nil, false, true
	}
}
