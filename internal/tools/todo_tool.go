package tools

import (
	"context"
	"fmt"

	"github.com/mhollis/reeve/internal/events"
	"github.com/mhollis/reeve/internal/state"
)

// RegisterTodoTool adds the todo list tool. Each call replaces the whole
// list on st, so the model always submits the complete plan.
func RegisterTodoTool(r *Registry, st *state.AgentState, emit Emitter) {
	r.Register(&Tool{
		Name:        "write_todos",
		Description: "Replace the working todo list. Submit the full list every time, including completed items.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"todos": map[string]any{
					"type":        "array",
					"description": "The complete todo list",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"content": map[string]any{"type": "string", "description": "Task description"},
							"status":  map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
						},
						"required": []string{"content", "status"},
					},
				},
			},
			"required": []string{"todos"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			raw, ok := args["todos"].([]any)
			if !ok {
				return "", fmt.Errorf("todos must be an array")
			}
			todos := make([]state.TodoItem, 0, len(raw))
			for i, item := range raw {
				m, ok := item.(map[string]any)
				if !ok {
					return "", fmt.Errorf("todo %d: expected an object", i)
				}
				content := stringArg(m, "content")
				if content == "" {
					return "", fmt.Errorf("todo %d: content must not be empty", i)
				}
				status := state.TodoStatus(stringArg(m, "status"))
				switch status {
				case state.TodoPending, state.TodoInProgress, state.TodoCompleted:
				default:
					return "", fmt.Errorf("todo %d: invalid status %q", i, status)
				}
				todos = append(todos, state.TodoItem{Content: content, Status: status})
			}
			st.Todos = todos
			snapshot := make([]state.TodoItem, len(todos))
			copy(snapshot, todos)
			emit.emit(events.Event{Kind: events.KindTodosUpdated, Todos: snapshot})
			return fmt.Sprintf("Todo list updated (%d items)", len(todos)), nil
		},
	})
}
