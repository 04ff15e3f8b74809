package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// LocalSandbox runs commands on the host via sh -c inside a working
// directory, with a per-command timeout and an output cap. It is the
// reference Executor; container or VM providers supply their own.
type LocalSandbox struct {
	workdir        string
	timeout        time.Duration
	maxOutputBytes int
}

// LocalSandboxOption configures a LocalSandbox.
type LocalSandboxOption func(*LocalSandbox)

// WithTimeout sets the per-command timeout.
func WithTimeout(d time.Duration) LocalSandboxOption {
	return func(s *LocalSandbox) { s.timeout = d }
}

// WithMaxOutput caps command output at n bytes.
func WithMaxOutput(n int) LocalSandboxOption {
	return func(s *LocalSandbox) { s.maxOutputBytes = n }
}

// NewLocalSandbox creates a sandbox rooted at workdir, creating the
// directory if needed.
func NewLocalSandbox(workdir string, opts ...LocalSandboxOption) (*LocalSandbox, error) {
	abs, err := filepath.Abs(workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	s := &LocalSandbox{
		workdir:        abs,
		timeout:        120 * time.Second,
		maxOutputBytes: 100_000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *LocalSandbox) ID() string      { return "local" }
func (s *LocalSandbox) Workdir() string { return s.workdir }

// Execute runs command via sh -c in the sandbox workdir.
func (s *LocalSandbox) Execute(ctx context.Context, command string) ExecResult {
	if command == "" {
		return ExecResult{Output: "Error: command must be a non-empty string", ExitCode: 1}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.workdir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		// A timeout kill also surfaces as an ExitError, so the context
		// check has to come first.
		if ctx.Err() != nil {
			return ExecResult{
				Output:   fmt.Sprintf("Error: command timed out after %s", s.timeout),
				ExitCode: 124,
			}
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return ExecResult{Output: "Error executing command: " + err.Error(), ExitCode: 1}
		}
	}

	output := stdout.String()
	if exitCode != 0 && stderr.Len() > 0 {
		// Stderr rides along only on failure so successful command
		// output stays parseable.
		output = strings.TrimRight(output, "\n")
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}

	truncated := false
	if len(output) > s.maxOutputBytes {
		output = output[:s.maxOutputBytes] +
			fmt.Sprintf("\n\n... Output truncated at %d bytes.", s.maxOutputBytes)
		truncated = true
	}

	return ExecResult{Output: output, ExitCode: exitCode, Truncated: truncated}
}
