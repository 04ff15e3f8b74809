package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mhollis/reeve/internal/backend"
)

// RegisterExecuteTool adds the shell execution tool. Only call this when
// the run's backend is exec-capable; engines on in-memory or key-value
// storage have no sandbox to run commands in.
func RegisterExecuteTool(r *Registry, x backend.Executor) {
	r.Register(&Tool{
		Name:        "execute",
		Description: "Run a shell command in the sandbox and return its output. Commands are run with 'sh -c'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Shell command to run"},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command := stringArg(args, "command")
			if strings.TrimSpace(command) == "" {
				return "", fmt.Errorf("command must not be empty")
			}
			res := x.Execute(ctx, command)
			out := res.Output
			if res.Truncated {
				out += "\n[output truncated]"
			}
			if res.ExitCode != 0 {
				return fmt.Sprintf("%s\n[exit code %d]", out, res.ExitCode), nil
			}
			return out, nil
		},
	})
}
