package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mhollis/reeve/internal/approval"
	"github.com/mhollis/reeve/internal/backend"
	"github.com/mhollis/reeve/internal/checkpoint"
	"github.com/mhollis/reeve/internal/events"
	"github.com/mhollis/reeve/internal/eviction"
	"github.com/mhollis/reeve/internal/llm"
	"github.com/mhollis/reeve/internal/state"
	"github.com/mhollis/reeve/internal/summarizer"
	"github.com/mhollis/reeve/internal/tools"
)

// runEnv is the per-run wiring shared by the top-level loop and any
// nested subagent loops.
type runEnv struct {
	threadID string
	st       *state.AgentState
	backend  backend.Backend
	registry *tools.Registry
	evictor  *eviction.Manager
	emit     func(events.Event)
	logger   *slog.Logger
	model    string
	maxSteps int
	step     int
	depth    int
}

// run resolves input, executes the loop, and terminates the stream.
// Always emits done last, whatever happened before.
func (e *Engine) run(ctx context.Context, opts RunOptions, stream *events.Stream) {
	defer stream.Close()

	logger := e.logger
	if opts.ThreadID != "" {
		logger = logger.With("thread", opts.ThreadID)
	}

	cp := e.loadCheckpoint(ctx, opts.ThreadID, logger)
	var history []state.Message
	if cp != nil {
		history = cp.Messages
	}

	resolved, err := resolveContext(opts, history)
	if err != nil {
		stream.Emit(events.Event{Kind: events.KindError, ThreadID: opts.ThreadID, Err: err.Error()})
		stream.Emit(events.Event{Kind: events.KindDone, ThreadID: opts.ThreadID, Status: events.StatusFailed})
		return
	}
	if resolved.noop {
		// An explicit reset also clears the stored thread, so a later
		// prompt-only run starts from nothing.
		if opts.ThreadID != "" && e.store != nil {
			if err := e.store.Delete(ctx, opts.ThreadID); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
				logger.Warn("reset: checkpoint delete failed", "error", err)
			}
		}
		stream.Emit(events.Event{Kind: events.KindRunNoop, ThreadID: opts.ThreadID})
		stream.Emit(events.Event{Kind: events.KindDone, ThreadID: opts.ThreadID, Status: events.StatusCompleted})
		return
	}

	st := state.NewAgentState()
	startStep := 0
	if cp != nil {
		// Steps keep counting from the stored thread even when explicit
		// messages replace its history; the store rejects regressions.
		startStep = cp.Step
		if resolved.fromCheckpoint && cp.State != nil {
			st = cp.State.Snapshot()
		}
	}

	env := &runEnv{
		threadID: opts.ThreadID,
		st:       st,
		logger:   logger,
		model:    e.config.Model,
		maxSteps: e.config.MaxSteps,
		step:     startStep,
		emit:     stream.Emit,
	}
	if opts.Model != "" {
		env.model = opts.Model
	}
	if opts.MaxSteps > 0 {
		env.maxSteps = opts.MaxSteps
	}
	e.wire(env)

	env.emit(events.Event{Kind: events.KindRunStart, ThreadID: opts.ThreadID, Step: startStep, MessageCount: len(resolved.messages)})
	if resolved.fromCheckpoint {
		env.emit(events.Event{Kind: events.KindCheckpointLoaded, ThreadID: opts.ThreadID, Step: startStep, MessageCount: len(history)})
	}

	messages := resolved.messages

	if opts.Resume != nil {
		messages, err = e.replayDecision(ctx, env, messages, *opts.Resume)
		if err != nil {
			env.emit(events.Event{Kind: events.KindError, ThreadID: opts.ThreadID, Err: err.Error()})
			env.emit(events.Event{Kind: events.KindDone, ThreadID: opts.ThreadID, Status: events.StatusFailed})
			return
		}
		if err := e.saveCheckpoint(ctx, env, messages); err != nil {
			logger.Warn("checkpoint save after resume failed", "error", err)
		}
	}

	messages = e.compact(ctx, env, messages)

	status, finalErr := e.loop(ctx, env, &messages)
	if finalErr != nil {
		env.emit(events.Event{Kind: events.KindError, ThreadID: opts.ThreadID, Err: finalErr.Error()})
	}
	env.emit(events.Event{
		Kind:     events.KindDone,
		ThreadID: opts.ThreadID,
		Step:     env.step,
		Status:   status,
		State:    env.st.Snapshot(),
	})
	logger.Info("run finished", "status", status, "steps", env.step-startStep, "messages", len(messages))
}

// wire resolves the backend for env.st and builds the run's tool
// registry, eviction manager, and event emitter.
func (e *Engine) wire(env *runEnv) {
	env.backend = e.backendVar.Resolve(env.st)

	emit := env.emit
	env.emit = func(ev events.Event) {
		if ev.ThreadID == "" {
			ev.ThreadID = env.threadID
		}
		if ev.Step == 0 {
			ev.Step = env.step
		}
		emit(ev)
	}

	if e.config.EvictionTokenLimit >= 0 {
		limit := e.config.EvictionTokenLimit
		if limit == 0 {
			limit = eviction.DefaultTokenLimit
		}
		env.evictor = eviction.New(env.backend, limit, env.logger)
	}

	reg := tools.NewRegistry()
	toolEmit := tools.Emitter(func(ev events.Event) { env.emit(ev) })
	tools.RegisterFileTools(reg, env.backend, toolEmit)
	tools.RegisterTodoTool(reg, env.st, toolEmit)
	if xb, ok := env.backend.(*backend.ExecBackend); ok {
		tools.RegisterExecuteTool(reg, xb.Executor())
	}
	if env.depth < e.config.SubagentDepth {
		tools.RegisterTaskTool(reg, e.subagentRunner(env))
	}
	env.registry = reg
}

// subagentRunner builds the task tool's nested-run closure: shared
// files, fresh todos, one level deeper, no persistence.
func (e *Engine) subagentRunner(parent *runEnv) tools.SubagentRunner {
	return func(ctx context.Context, prompt string) (string, error) {
		parent.emit(events.Event{Kind: events.KindSubagentStart})

		sub := &runEnv{
			st:       parent.st.ForSubagent(),
			logger:   parent.logger.With("subagent", parent.depth+1),
			model:    parent.model,
			maxSteps: parent.maxSteps,
			depth:    parent.depth + 1,
			emit:     func(events.Event) {},
		}
		e.wire(sub)

		messages := []state.Message{state.User(prompt)}
		status, err := e.loop(ctx, sub, &messages)

		parent.emit(events.Event{Kind: events.KindSubagentFinish, Status: status})
		if err != nil {
			return "", err
		}
		if status != events.StatusCompleted {
			return "", fmt.Errorf("subagent run ended %s", status)
		}
		return finalAssistantText(messages), nil
	}
}

// loop runs model turns until completion, cancellation, suspension, a
// failure, or the step bound. It appends to *messages in place so the
// caller sees the full transcript afterwards.
func (e *Engine) loop(ctx context.Context, env *runEnv, messages *[]state.Message) (events.Status, error) {
	for turns := 0; ; turns++ {
		if ctx.Err() != nil {
			return events.StatusAborted, nil
		}
		if turns >= env.maxSteps {
			env.logger.Warn("step bound reached", "max_steps", env.maxSteps)
			return events.StatusCompleted, nil
		}

		env.step++
		env.emit(events.Event{Kind: events.KindStepStart})

		resp, err := e.streamModelTurn(ctx, env, *messages)
		if err != nil {
			if ctx.Err() != nil {
				return events.StatusAborted, nil
			}
			return events.StatusFailed, fmt.Errorf("model invocation: %w", err)
		}

		calls := make([]state.ToolCall, len(resp.Message.ToolCalls))
		for i, tc := range resp.Message.ToolCalls {
			calls[i] = state.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}
		}
		*messages = append(*messages, state.Assistant(resp.Message.Content, calls...))

		if resp.InputTokens > 0 || resp.OutputTokens > 0 {
			env.emit(events.Event{Kind: events.KindUsage, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens})
		}

		outcome := e.dispatchCalls(ctx, env, messages, calls)

		env.emit(events.Event{Kind: events.KindStepFinish, FinishReason: resp.StopReason})
		env.emit(events.Event{Kind: events.KindStateSnapshot, State: env.st.Snapshot()})

		if err := e.saveCheckpoint(ctx, env, *messages); err != nil {
			return events.StatusFailed, fmt.Errorf("checkpoint save: %w", err)
		}

		switch outcome {
		case outcomeAborted:
			return events.StatusAborted, nil
		case outcomeSuspended:
			return events.StatusSuspended, nil
		}
		if len(calls) == 0 {
			return events.StatusCompleted, nil
		}
	}
}

// streamModelTurn invokes the model once, translating its chunk stream
// into text-segment and tool-call events. Text deltas coalesce into one
// logical segment; a tool call closes the open segment.
func (e *Engine) streamModelTurn(ctx context.Context, env *runEnv, messages []state.Message) (*llm.ChatResponse, error) {
	var text strings.Builder
	textOpen := false
	closeText := func() {
		if textOpen {
			env.emit(events.Event{Kind: events.KindTextEnd, Text: text.String()})
			textOpen = false
			text.Reset()
		}
	}

	resp, err := e.client.ChatStream(ctx, env.model, toLLMMessages(messages), env.registry.List(), func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			if !textOpen {
				env.emit(events.Event{Kind: events.KindTextStart})
				textOpen = true
			}
			text.WriteString(ev.Token)
			env.emit(events.Event{Kind: events.KindTextDelta, Text: ev.Token})
		case llm.KindToolCall:
			closeText()
			if ev.ToolCall != nil {
				env.emit(events.Event{
					Kind:       events.KindToolCall,
					ToolCallID: ev.ToolCall.ID,
					ToolName:   ev.ToolCall.Name,
					Args:       ev.ToolCall.Arguments,
				})
			}
		case llm.KindDone:
			closeText()
		}
	})
	closeText()
	return resp, err
}

// dispatch outcomes.
const (
	outcomeContinue = iota
	outcomeAborted
	outcomeSuspended
)

// dispatchCalls resolves every tool call of one model turn, appending a
// tool message per call. Cancellation converts this and all remaining
// calls into synthetic cancelled results so the transcript stays
// well-formed for resumption.
func (e *Engine) dispatchCalls(ctx context.Context, env *runEnv, messages *[]state.Message, calls []state.ToolCall) int {
	for i, call := range calls {
		if ctx.Err() != nil {
			e.cancelRemaining(env, messages, calls[i:])
			return outcomeAborted
		}

		if e.gate.Requires(call.Name, call.Args) {
			outcome := e.gatedCall(ctx, env, messages, call)
			if outcome != outcomeContinue {
				if outcome == outcomeAborted {
					e.cancelRemaining(env, messages, calls[i:])
				}
				return outcome
			}
			continue
		}

		e.executeCall(ctx, env, messages, call)
	}
	return outcomeContinue
}

// gatedCall routes one call through the approval gate. With a decider
// the loop blocks here until the decision arrives; without one the call
// is recorded as pending and the run suspends.
func (e *Engine) gatedCall(ctx context.Context, env *runEnv, messages *[]state.Message, call state.ToolCall) int {
	req := approval.NewRequest(call.ID, call.Name, call.Args)
	env.emit(events.Event{
		Kind:       events.KindApprovalRequested,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Args:       call.Args,
		ApprovalID: req.ApprovalID,
	})

	if e.decider == nil {
		*messages = append(*messages, state.PendingToolResult(call.ID, call.Name))
		env.logger.Info("run suspended awaiting approval", "tool", call.Name, "tool_call_id", call.ID)
		return outcomeSuspended
	}

	approved, err := e.decider(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeAborted
		}
		env.logger.Error("approval decider failed", "tool", call.Name, "error", err)
		*messages = append(*messages, state.ToolResult(call.ID, call.Name, fmt.Sprintf("Error: approval decision failed: %v", err)))
		env.emit(events.Event{Kind: events.KindToolError, ToolCallID: call.ID, ToolName: call.Name, Err: err.Error()})
		return outcomeContinue
	}

	env.emit(events.Event{
		Kind:       events.KindApprovalResponse,
		ToolCallID: call.ID,
		ApprovalID: req.ApprovalID,
		Approved:   approved,
	})
	if !approved {
		*messages = append(*messages, state.ToolResult(call.ID, call.Name, approval.RejectedMessage))
		env.emit(events.Event{Kind: events.KindToolResult, ToolCallID: call.ID, ToolName: call.Name, Result: approval.RejectedMessage})
		return outcomeContinue
	}

	e.executeCall(ctx, env, messages, call)
	return outcomeContinue
}

// executeCall runs one tool and appends its result message. Tool and
// backend failures become result payloads; they never end the run.
func (e *Engine) executeCall(ctx context.Context, env *runEnv, messages *[]state.Message, call state.ToolCall) {
	started := time.Now()
	result, err := env.registry.Execute(ctx, call.Name, call.Args)
	if err != nil {
		result = fmt.Sprintf("Error: %v", err)
		env.emit(events.Event{Kind: events.KindToolError, ToolCallID: call.ID, ToolName: call.Name, Err: err.Error(), Result: result})
		*messages = append(*messages, state.ToolResult(call.ID, call.Name, result))
		return
	}

	if env.evictor != nil {
		processed := env.evictor.Process(ctx, call.ID, call.Name, result)
		if processed != result {
			env.emit(events.Event{
				Kind:          events.KindEvicted,
				ToolCallID:    call.ID,
				Path:          eviction.Path(call.Name, call.ID),
				TokenEstimate: len(result) / 4,
			})
			result = processed
		}
	}

	env.logger.Debug("tool executed", "tool", call.Name, "duration", time.Since(started))
	env.emit(events.Event{Kind: events.KindToolResult, ToolCallID: call.ID, ToolName: call.Name, Result: result})
	*messages = append(*messages, state.ToolResult(call.ID, call.Name, result))
}

// cancelRemaining records synthetic cancelled results for calls that
// were requested but never resolved.
func (e *Engine) cancelRemaining(env *runEnv, messages *[]state.Message, calls []state.ToolCall) {
	for _, call := range calls {
		env.emit(events.Event{Kind: events.KindToolCancelled, ToolCallID: call.ID, ToolName: call.Name})
		*messages = append(*messages, state.ToolResult(call.ID, call.Name, "Tool call cancelled before execution."))
	}
}

// replayDecision applies a recorded approval decision to the pending
// call left in a suspended thread's history.
func (e *Engine) replayDecision(ctx context.Context, env *runEnv, messages []state.Message, decision approval.Decision) ([]state.Message, error) {
	idx := -1
	for i, m := range messages {
		if m.Pending && m.ToolCallID == decision.ToolCallID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("no pending tool call %q to resume", decision.ToolCallID)
	}

	call, ok := findToolCall(messages[:idx], decision.ToolCallID)
	if !ok {
		return nil, fmt.Errorf("pending tool call %q has no originating request", decision.ToolCallID)
	}

	env.emit(events.Event{
		Kind:       events.KindApprovalResponse,
		ToolCallID: decision.ToolCallID,
		Approved:   decision.Approve,
	})

	result := approval.RejectedMessage
	if decision.Approve {
		var err error
		result, err = env.registry.Execute(ctx, call.Name, call.Args)
		if err != nil {
			result = fmt.Sprintf("Error: %v", err)
			env.emit(events.Event{Kind: events.KindToolError, ToolCallID: call.ID, ToolName: call.Name, Err: err.Error()})
		}
		if env.evictor != nil {
			result = env.evictor.Process(ctx, call.ID, call.Name, result)
		}
	}

	messages[idx] = state.ToolResult(call.ID, call.Name, result)
	env.emit(events.Event{Kind: events.KindToolResult, ToolCallID: call.ID, ToolName: call.Name, Result: result})
	return messages, nil
}

// compact runs the summarizer over the resolved history when it is over
// budget. Compaction failure is not fatal; the original history is used.
func (e *Engine) compact(ctx context.Context, env *runEnv, messages []state.Message) []state.Message {
	if e.compactor == nil || !e.compactor.NeedsCompaction(messages) {
		return messages
	}
	env.emit(events.Event{Kind: events.KindSummarizeStart, MessageCount: len(messages), TokenEstimate: summarizer.EstimateTokens(messages)})
	compacted, ok := e.compactor.Compact(ctx, messages)
	env.emit(events.Event{Kind: events.KindSummarizeFinish, MessageCount: len(compacted), TokenEstimate: summarizer.EstimateTokens(compacted)})
	if !ok {
		return messages
	}
	return compacted
}

func (e *Engine) loadCheckpoint(ctx context.Context, threadID string, logger *slog.Logger) *checkpoint.Checkpoint {
	if threadID == "" || e.store == nil {
		return nil
	}
	cp, err := e.store.Load(ctx, threadID)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			// A broken record reads as absent; the run starts fresh
			// rather than failing.
			logger.Warn("checkpoint load failed, starting fresh", "error", err)
		}
		return nil
	}
	return cp
}

func (e *Engine) saveCheckpoint(ctx context.Context, env *runEnv, messages []state.Message) error {
	if env.threadID == "" || e.store == nil {
		return nil
	}
	cp := &checkpoint.Checkpoint{
		ThreadID: env.threadID,
		Step:     env.step,
		Messages: messages,
		State:    env.st.Snapshot(),
	}
	// The save must land even when the run was cancelled; the synthetic
	// cancelled results it carries are what makes resumption possible.
	if err := e.store.Save(context.WithoutCancel(ctx), cp); err != nil {
		return err
	}
	env.emit(events.Event{Kind: events.KindCheckpointSaved, MessageCount: len(messages)})
	return nil
}

func findToolCall(messages []state.Message, toolCallID string) (state.ToolCall, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		for _, call := range messages[i].ToolCalls {
			if call.ID == toolCallID {
				return call, true
			}
		}
	}
	return state.ToolCall{}, false
}

func finalAssistantText(messages []state.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == state.RoleAssistant && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}

func toLLMMessages(messages []state.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		lm := llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Args})
		}
		out[i] = lm
	}
	return out
}
