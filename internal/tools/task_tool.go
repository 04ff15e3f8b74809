package tools

import (
	"context"
	"fmt"
	"strings"
)

// SubagentRunner executes a nested run for a delegated task and returns
// the subagent's final text. The engine supplies it; the closure carries
// the shared file state and the remaining nesting budget.
type SubagentRunner func(ctx context.Context, prompt string) (string, error)

// RegisterTaskTool adds the subagent delegation tool. The engine omits
// this registration once the nesting limit is reached, so a deep enough
// chain of subagents simply stops seeing the tool.
func RegisterTaskTool(r *Registry, run SubagentRunner) {
	r.Register(&Tool{
		Name:        "task",
		Description: "Delegate a self-contained task to a subagent. The subagent shares the filesystem but keeps its own todo list, and only its final answer is returned.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{"type": "string", "description": "Complete task description for the subagent. Include all needed context; the subagent does not see this conversation."},
			},
			"required": []string{"prompt"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			prompt := stringArg(args, "prompt")
			if strings.TrimSpace(prompt) == "" {
				return "", fmt.Errorf("prompt must not be empty")
			}
			result, err := run(ctx, prompt)
			if err != nil {
				return "", fmt.Errorf("subagent run: %w", err)
			}
			return result, nil
		},
	})
}
