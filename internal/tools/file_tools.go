package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mhollis/reeve/internal/backend"
	"github.com/mhollis/reeve/internal/events"
)

// Emitter forwards a tool-side event to the run's stream. The engine
// supplies one that stamps thread and step before emission; a nil
// Emitter disables event reporting without disabling the tool.
type Emitter func(events.Event)

func (e Emitter) emit(ev events.Event) {
	if e != nil {
		e(ev)
	}
}

// RegisterFileTools adds the filesystem tools backed by b. Storage
// failures surface as result strings so the model can react to them;
// only malformed patterns become Go errors.
func RegisterFileTools(r *Registry, b backend.Backend, emit Emitter) {
	r.Register(&Tool{
		Name:        "ls",
		Description: "List files and directories at a path. Directories are suffixed with '/'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Absolute directory path (default: /)"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			if path == "" {
				path = "/"
			}
			infos, err := b.List(ctx, path)
			if err != nil {
				return "", fmt.Errorf("list %s: %w", path, err)
			}
			emit.emit(events.Event{Kind: events.KindFileList, Path: path})
			return formatListing(infos), nil
		},
	})

	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read a file, returning its contents with 1-based line numbers. Use offset and limit to page through large files.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":   map[string]any{"type": "string", "description": "Absolute file path"},
				"offset": map[string]any{"type": "integer", "description": "Line to start from, 0-based (default: 0)"},
				"limit":  map[string]any{"type": "integer", "description": "Maximum lines to return (default: 2000)"},
			},
			"required": []string{"path"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			result := b.Read(ctx, path, intArg(args, "offset"), intArg(args, "limit"))
			emit.emit(events.Event{Kind: events.KindFileRead, Path: path})
			return result, nil
		},
	})

	r.Register(&Tool{
		Name:        "write_file",
		Description: "Create a new file. Fails if the file already exists; use edit_file to change existing files.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Absolute file path"},
				"content": map[string]any{"type": "string", "description": "Full file content"},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			res := b.Write(ctx, path, stringArg(args, "content"))
			if !res.Success {
				return res.Error, nil
			}
			emit.emit(events.Event{Kind: events.KindFileWrite, Path: res.Path})
			return fmt.Sprintf("File written: %s", res.Path), nil
		},
	})

	r.Register(&Tool{
		Name:        "edit_file",
		Description: "Replace a string in a file. The old string must appear exactly once unless replace_all is set.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":        map[string]any{"type": "string", "description": "Absolute file path"},
				"old_str":     map[string]any{"type": "string", "description": "Exact text to replace"},
				"new_str":     map[string]any{"type": "string", "description": "Replacement text"},
				"replace_all": map[string]any{"type": "boolean", "description": "Replace every occurrence (default: false)"},
			},
			"required": []string{"path", "old_str", "new_str"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			res := b.Edit(ctx, path, stringArg(args, "old_str"), stringArg(args, "new_str"), boolArg(args, "replace_all"))
			if !res.Success {
				return res.Error, nil
			}
			emit.emit(events.Event{Kind: events.KindFileEdit, Path: path, Occurrences: res.Occurrences})
			if res.Occurrences > 1 {
				return fmt.Sprintf("File edited: %s (%d replacements)", path, res.Occurrences), nil
			}
			return fmt.Sprintf("File edited: %s", path), nil
		},
	})

	r.Register(&Tool{
		Name:        "glob",
		Description: "Find files whose names match a shell-style pattern, e.g. '*.md' or '**/*.go'.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Glob pattern"},
				"path":    map[string]any{"type": "string", "description": "Directory to search under (default: /)"},
			},
			"required": []string{"pattern"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pattern := stringArg(args, "pattern")
			path := stringArg(args, "path")
			if path == "" {
				path = "/"
			}
			infos, err := b.Glob(ctx, pattern, path)
			if err != nil {
				return "", fmt.Errorf("glob %q: %w", pattern, err)
			}
			emit.emit(events.Event{Kind: events.KindFileSearch, Path: path, Pattern: pattern})
			if len(infos) == 0 {
				return "No files found", nil
			}
			paths := make([]string, len(infos))
			for i, info := range infos {
				paths[i] = info.Path
			}
			return strings.Join(paths, "\n"), nil
		},
	})

	r.Register(&Tool{
		Name:        "grep",
		Description: "Search file contents with a regular expression. Returns matching lines as path:line: text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string", "description": "Regular expression (Go syntax)"},
				"path":    map[string]any{"type": "string", "description": "Directory to search under (default: /)"},
				"glob":    map[string]any{"type": "string", "description": "Restrict to files matching this glob, e.g. '*.go'"},
			},
			"required": []string{"pattern"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pattern := stringArg(args, "pattern")
			path := stringArg(args, "path")
			if path == "" {
				path = "/"
			}
			matches, err := b.Grep(ctx, pattern, path, stringArg(args, "glob"))
			if err != nil {
				return "", fmt.Errorf("grep %q: %w", pattern, err)
			}
			emit.emit(events.Event{Kind: events.KindFileSearch, Path: path, Pattern: pattern})
			if len(matches) == 0 {
				return "No matches found", nil
			}
			lines := make([]string, len(matches))
			for i, m := range matches {
				lines[i] = fmt.Sprintf("%s:%d: %s", m.Path, m.Line, m.Text)
			}
			return strings.Join(lines, "\n"), nil
		},
	})
}

func formatListing(infos []backend.FileInfo) string {
	if len(infos) == 0 {
		return "(empty directory)"
	}
	lines := make([]string, len(infos))
	for i, info := range infos {
		name := info.Path
		if info.IsDir {
			name += "/"
		}
		lines[i] = name
	}
	return strings.Join(lines, "\n")
}
