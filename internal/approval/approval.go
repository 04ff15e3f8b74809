// Package approval gates tool execution behind an external decision.
// Per-tool policies decide which calls need approval; a caller-supplied
// decider answers the request, either interactively or by suspending the
// run and resuming later with a recorded decision.
package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RejectedMessage is the synthetic tool result recorded for a rejected
// call.
const RejectedMessage = "Tool call was rejected by the operator."

// Policy decides whether a specific invocation of a tool needs
// approval, based on its arguments.
type Policy func(args map[string]any) bool

// Always gates every invocation.
func Always(map[string]any) bool { return true }

// Never gates none.
func Never(map[string]any) bool { return false }

// ArgumentExceeds gates invocations whose named numeric argument is
// above limit. Missing or non-numeric arguments do not gate.
func ArgumentExceeds(key string, limit float64) Policy {
	return func(args map[string]any) bool {
		v, ok := args[key].(float64)
		return ok && v > limit
	}
}

// Request describes one gated tool call awaiting a decision.
type Request struct {
	ApprovalID  string         `json:"approval_id"`
	ToolCallID  string         `json:"tool_call_id"`
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args"`
	RequestedAt time.Time      `json:"requested_at"`
}

// Decision is a recorded answer to a previously suspended request,
// supplied when resuming a thread.
type Decision struct {
	ToolCallID string `json:"tool_call_id"`
	Approve    bool   `json:"approve"`
}

// Decider answers approval requests. It may block for as long as the
// context allows; the gate imposes no timeout of its own.
type Decider func(ctx context.Context, req Request) (bool, error)

// Gate holds the per-tool policies. Tools without an entry are never
// gated.
type Gate struct {
	policies map[string]Policy
}

// NewGate creates a gate over policies. A nil map gates nothing.
func NewGate(policies map[string]Policy) *Gate {
	return &Gate{policies: policies}
}

// Requires reports whether this invocation of tool needs approval.
func (g *Gate) Requires(tool string, args map[string]any) bool {
	if g == nil || g.policies == nil {
		return false
	}
	p, ok := g.policies[tool]
	return ok && p != nil && p(args)
}

// NewRequest builds a Request for a gated call, assigning it an
// approval ID.
func NewRequest(toolCallID, toolName string, args map[string]any) Request {
	return Request{
		ApprovalID:  uuid.NewString(),
		ToolCallID:  toolCallID,
		ToolName:    toolName,
		Args:        args,
		RequestedAt: time.Now().UTC(),
	}
}
