// Package state holds the mutable conversation state shared by a single
// agent run: the todo list, the virtual file map, and the message types
// that flow between the engine, the checkpoint store, and the tools.
package state

import (
	"path"
	"strings"
	"time"
)

// TodoStatus describes the lifecycle of a single todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry in the agent's working todo list.
type TodoItem struct {
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// FileRecord is the stored form of a virtual file: content as ordered
// lines plus creation and modification timestamps. CreatedAt is fixed at
// first write; ModifiedAt is updated on every edit.
type FileRecord struct {
	Content    []string  `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Text returns the file content joined with newlines.
func (f *FileRecord) Text() string {
	return strings.Join(f.Content, "\n")
}

// NewFileRecord creates a record from raw text, splitting it into lines.
// Both timestamps are set to now (UTC).
func NewFileRecord(text string) *FileRecord {
	now := time.Now().UTC()
	return &FileRecord{
		Content:    strings.Split(text, "\n"),
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// AgentState is the mutable, shared-by-reference state for one agent run.
// It is owned by the run that created it and mutated in place by tools.
// It is never cloned during a run; Snapshot exists only for checkpointing
// and for the terminal done event.
type AgentState struct {
	Todos []TodoItem             `json:"todos"`
	Files map[string]*FileRecord `json:"files"`
}

// NewAgentState creates an empty state.
func NewAgentState() *AgentState {
	return &AgentState{
		Todos: []TodoItem{},
		Files: make(map[string]*FileRecord),
	}
}

// ForSubagent returns a state for a nested run: the Files map is shared
// (same reference, so subagent writes are visible to the parent) while
// the todo list starts fresh and stays independent.
func (s *AgentState) ForSubagent() *AgentState {
	return &AgentState{
		Todos: []TodoItem{},
		Files: s.Files,
	}
}

// Snapshot returns a deep copy safe to hand to another goroutine or to
// serialize into a checkpoint.
func (s *AgentState) Snapshot() *AgentState {
	cp := &AgentState{
		Todos: make([]TodoItem, len(s.Todos)),
		Files: make(map[string]*FileRecord, len(s.Files)),
	}
	copy(cp.Todos, s.Todos)
	for p, f := range s.Files {
		lines := make([]string, len(f.Content))
		copy(lines, f.Content)
		cp.Files[p] = &FileRecord{
			Content:    lines,
			CreatedAt:  f.CreatedAt,
			ModifiedAt: f.ModifiedAt,
		}
	}
	return cp
}

// NormalizePath converts p to the canonical absolute form used as a
// Files key: forward slashes, leading "/", no trailing slash, "." and
// ".." resolved. The empty string normalizes to "/".
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	return p
}
