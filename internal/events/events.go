// Package events defines the typed event union emitted by an agent run
// and the bounded stream that carries it to the single consumer. Events
// are ephemeral: they are never persisted and are consumed in emission
// order by exactly one subscriber per run.
package events

import (
	"time"

	"github.com/mhollis/reeve/internal/state"
)

// Kind identifies the type of run event.
type Kind string

const (
	// KindRunStart signals the beginning of a run.
	// Fields: ThreadID.
	KindRunStart Kind = "run_start"
	// KindRunNoop signals a run that resolved to no content and
	// completed without invoking the model.
	KindRunNoop Kind = "run_noop"
	// KindStepStart signals the beginning of one model turn.
	// Fields: Step.
	KindStepStart Kind = "step_start"
	// KindStepFinish signals a completed model turn.
	// Fields: Step, FinishReason.
	KindStepFinish Kind = "step_finish"

	// KindTextStart opens a logical assistant text segment.
	KindTextStart Kind = "text_start"
	// KindTextDelta carries one incremental text chunk. Fields: Text.
	KindTextDelta Kind = "text_delta"
	// KindTextEnd closes the current text segment. Fields: Text (full
	// segment).
	KindTextEnd Kind = "text_end"

	// KindToolCall signals the model requested a tool invocation.
	// Fields: ToolCallID, ToolName, Args.
	KindToolCall Kind = "tool_call"
	// KindToolResult signals a successful tool execution.
	// Fields: ToolCallID, ToolName, Result.
	KindToolResult Kind = "tool_result"
	// KindToolError signals a failed tool execution. The run continues;
	// the error travels back to the model as a result payload.
	// Fields: ToolCallID, ToolName, Err.
	KindToolError Kind = "tool_error"
	// KindToolCancelled signals a tool call resolved synthetically
	// because the run was cancelled before it finished.
	// Fields: ToolCallID, ToolName.
	KindToolCancelled Kind = "tool_cancelled"

	// KindApprovalRequested signals a gated tool call is suspended
	// awaiting a decision. Fields: ToolCallID, ToolName, Args,
	// ApprovalID.
	KindApprovalRequested Kind = "approval_requested"
	// KindApprovalResponse signals the decision for a gated call.
	// Fields: ToolCallID, ApprovalID, Approved.
	KindApprovalResponse Kind = "approval_response"

	// KindCheckpointSaved signals a checkpoint write completed.
	// Fields: ThreadID, Step.
	KindCheckpointSaved Kind = "checkpoint_saved"
	// KindCheckpointLoaded signals history was resumed from a
	// checkpoint. Fields: ThreadID, Step, MessageCount.
	KindCheckpointLoaded Kind = "checkpoint_loaded"

	// KindSummarizeStart signals context compaction began.
	// Fields: MessageCount, TokenEstimate.
	KindSummarizeStart Kind = "summarize_start"
	// KindSummarizeFinish signals context compaction completed.
	// Fields: MessageCount (after compaction).
	KindSummarizeFinish Kind = "summarize_finish"

	// KindFileRead reports a read through the run's backend.
	// Fields: Path.
	KindFileRead Kind = "file_read"
	// KindFileWrite reports a write. Fields: Path.
	KindFileWrite Kind = "file_write"
	// KindFileEdit reports an edit. Fields: Path, Occurrences.
	KindFileEdit Kind = "file_edit"
	// KindFileList reports a directory listing. Fields: Path.
	KindFileList Kind = "file_list"
	// KindFileSearch reports a grep or glob. Fields: Path, Pattern.
	KindFileSearch Kind = "file_search"

	// KindTodosUpdated signals the todo list was replaced.
	// Fields: Todos.
	KindTodosUpdated Kind = "todos_updated"
	// KindStateSnapshot carries a point-in-time state copy.
	// Fields: State.
	KindStateSnapshot Kind = "state_snapshot"

	// KindUsage carries token totals for one model turn.
	// Fields: InputTokens, OutputTokens.
	KindUsage Kind = "usage"

	// KindEvicted signals an oversized tool result was relocated to the
	// backend. Fields: ToolCallID, Path, TokenEstimate.
	KindEvicted Kind = "evicted"

	// KindSubagentStart signals a nested run began. Fields: ToolCallID.
	KindSubagentStart Kind = "subagent_start"
	// KindSubagentFinish signals a nested run completed.
	// Fields: ToolCallID.
	KindSubagentFinish Kind = "subagent_finish"

	// KindError is terminal alongside KindDone: a model-invocation or
	// internal failure ended the run. Fields: Err.
	KindError Kind = "error"
	// KindDone is always the last event of a run. Fields: ThreadID,
	// Status, State (final snapshot), Step.
	KindDone Kind = "done"
)

// Status is the terminal disposition of a run, carried on the done event.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusFailed    Status = "failed"
	StatusSuspended Status = "suspended"
)

// Event is one entry in a run's event stream. Kind selects which fields
// are meaningful; unrelated fields are zero.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"ts"`

	ThreadID string `json:"thread_id,omitempty"`
	Step     int    `json:"step,omitempty"`

	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`

	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     string         `json:"result,omitempty"`

	ApprovalID string `json:"approval_id,omitempty"`
	Approved   bool   `json:"approved,omitempty"`

	Path        string `json:"path,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	Occurrences int    `json:"occurrences,omitempty"`

	MessageCount  int `json:"message_count,omitempty"`
	TokenEstimate int `json:"token_estimate,omitempty"`
	InputTokens   int `json:"input_tokens,omitempty"`
	OutputTokens  int `json:"output_tokens,omitempty"`

	Todos []state.TodoItem  `json:"todos,omitempty"`
	State *state.AgentState `json:"state,omitempty"`

	Status Status `json:"status,omitempty"`
	Err    string `json:"error,omitempty"`
}

// Terminal reports whether this event ends the stream for its run.
func (e Event) Terminal() bool {
	return e.Kind == KindDone
}
