package state

// Message roles. Ordering of messages within a run is significant and
// append-only.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a function invocation requested by the assistant.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is a single turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// Assistant messages may carry tool calls.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool result messages reference the call they answer.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// Pending marks the synthetic placeholder written for a tool call
	// that was interrupted awaiting approval. A resumed run replaces it
	// with the real result.
	Pending bool `json:"pending,omitempty"`
}

// System builds a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User builds a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant builds an assistant message with optional tool calls.
func Assistant(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResult builds a tool result message answering call id.
func ToolResult(id, name, output string) Message {
	return Message{Role: RoleTool, Content: output, ToolCallID: id, ToolName: name}
}

// PendingToolResult builds the synthetic placeholder recorded when a tool
// call is suspended awaiting an approval decision. It keeps the message
// history well-formed across a process restart.
func PendingToolResult(id, name string) Message {
	return Message{
		Role:       RoleTool,
		Content:    "Tool call pending approval.",
		ToolCallID: id,
		ToolName:   name,
		Pending:    true,
	}
}

// CloneMessages returns a copy of msgs with independent backing storage
// for the slice itself and each message's tool call list.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if len(out[i].ToolCalls) > 0 {
			calls := make([]ToolCall, len(out[i].ToolCalls))
			copy(calls, out[i].ToolCalls)
			out[i].ToolCalls = calls
		}
	}
	return out
}
