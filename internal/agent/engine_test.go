package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mhollis/reeve/internal/approval"
	"github.com/mhollis/reeve/internal/checkpoint"
	"github.com/mhollis/reeve/internal/events"
	"github.com/mhollis/reeve/internal/llm"
	"github.com/mhollis/reeve/internal/state"
)

// turn scripts one model response.
type turn struct {
	text  string
	calls []llm.ToolCall
}

// scriptedClient plays back scripted turns and records what it was sent.
type scriptedClient struct {
	turns    []turn
	idx      int
	received [][]llm.Message
	err      error

	// onTurn, when set, runs before turn i is played back.
	onTurn func(i int)
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

func (c *scriptedClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.received = append(c.received, messages)
	if c.onTurn != nil {
		c.onTurn(c.idx)
	}
	if c.idx >= len(c.turns) {
		return nil, fmt.Errorf("scripted client exhausted after %d turns", len(c.turns))
	}
	t := c.turns[c.idx]
	c.idx++

	resp := &llm.ChatResponse{
		Model:        model,
		Message:      llm.Message{Role: "assistant", Content: t.text, ToolCalls: t.calls},
		Done:         true,
		StopReason:   "end_turn",
		InputTokens:  10,
		OutputTokens: 5,
	}
	if len(t.calls) > 0 {
		resp.StopReason = "tool_use"
	}
	if callback != nil {
		if t.text != "" {
			callback(llm.StreamEvent{Kind: llm.KindToken, Token: t.text})
		}
		for i := range t.calls {
			callback(llm.StreamEvent{Kind: llm.KindToolCall, ToolCall: &t.calls[i]})
		}
		callback(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	}
	return resp, nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, stream *events.Stream) []events.Event {
	t.Helper()
	return stream.Collect()
}

func kindsOf(evts []events.Event) []events.Kind {
	kinds := make([]events.Kind, len(evts))
	for i, e := range evts {
		kinds[i] = e.Kind
	}
	return kinds
}

func finalEvent(t *testing.T, evts []events.Event) events.Event {
	t.Helper()
	if len(evts) == 0 {
		t.Fatal("no events emitted")
	}
	last := evts[len(evts)-1]
	if last.Kind != events.KindDone {
		t.Fatalf("last event = %s, want done", last.Kind)
	}
	return last
}

func writeCall(id, path, content string) llm.ToolCall {
	return llm.ToolCall{
		ID:        id,
		Name:      "write_file",
		Arguments: map[string]any{"path": path, "content": content},
	}
}

func TestConfigApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	d := DefaultConfig()
	if cfg.Model != d.Model || cfg.MaxSteps != d.MaxSteps || cfg.EventBuffer != d.EventBuffer {
		t.Errorf("zero config = %+v, want defaults %+v", cfg, d)
	}
	if cfg.SubagentDepth != d.SubagentDepth {
		t.Errorf("SubagentDepth = %d, want default %d", cfg.SubagentDepth, d.SubagentDepth)
	}

	cfg = Config{SubagentDepth: -1}
	cfg.applyDefaults()
	if cfg.SubagentDepth != 0 {
		t.Errorf("negative SubagentDepth = %d, want 0 (disabled)", cfg.SubagentDepth)
	}
}

func TestRunPromptCompletes(t *testing.T) {
	client := &scriptedClient{turns: []turn{{text: "hello back"}}}
	engine := NewEngine(client, testLogger(), Config{})

	evts := collect(t, engine.Run(context.Background(), RunOptions{Prompt: "hello"}))

	done := finalEvent(t, evts)
	if done.Status != events.StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if done.State == nil {
		t.Fatal("done event carries no state snapshot")
	}

	var sawStart, sawDelta, sawEnd bool
	for _, e := range evts {
		switch e.Kind {
		case events.KindTextStart:
			sawStart = true
		case events.KindTextDelta:
			sawDelta = e.Text == "hello back"
		case events.KindTextEnd:
			sawEnd = e.Text == "hello back"
		}
	}
	if !sawStart || !sawDelta || !sawEnd {
		t.Errorf("text segment incomplete: start=%v delta=%v end=%v (kinds %v)", sawStart, sawDelta, sawEnd, kindsOf(evts))
	}

	if len(client.received) != 1 || len(client.received[0]) != 1 || client.received[0][0].Content != "hello" {
		t.Errorf("model received %+v", client.received)
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	client := &scriptedClient{turns: []turn{
		{calls: []llm.ToolCall{writeCall("tc-1", "/notes.txt", "remember this")}},
		{text: "saved"},
	}}
	engine := NewEngine(client, testLogger(), Config{})

	evts := collect(t, engine.Run(context.Background(), RunOptions{Prompt: "save a note"}))

	done := finalEvent(t, evts)
	if done.Status != events.StatusCompleted {
		t.Fatalf("status = %s", done.Status)
	}
	rec, ok := done.State.Files["/notes.txt"]
	if !ok || rec.Text() != "remember this" {
		t.Fatalf("file missing or wrong: %+v", done.State.Files)
	}

	var sawCall, sawResult bool
	for _, e := range evts {
		if e.Kind == events.KindToolCall && e.ToolName == "write_file" {
			sawCall = true
		}
		if e.Kind == events.KindToolResult && e.ToolCallID == "tc-1" {
			sawResult = true
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("tool events incomplete: call=%v result=%v", sawCall, sawResult)
	}

	// The second turn must see the tool result.
	if len(client.received) != 2 {
		t.Fatalf("model invoked %d times, want 2", len(client.received))
	}
	second := client.received[1]
	last := second[len(second)-1]
	if last.Role != state.RoleTool || last.ToolCallID != "tc-1" {
		t.Errorf("last message of second turn = %+v", last)
	}
}

func TestRunNoValidInputFails(t *testing.T) {
	engine := NewEngine(&scriptedClient{}, testLogger(), Config{})
	evts := collect(t, engine.Run(context.Background(), RunOptions{}))

	if len(evts) != 2 || evts[0].Kind != events.KindError || evts[1].Kind != events.KindDone {
		t.Fatalf("events = %v", kindsOf(evts))
	}
	if evts[1].Status != events.StatusFailed {
		t.Errorf("status = %s, want failed", evts[1].Status)
	}
}

func TestRunExplicitResetClearsThread(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	if err := store.Save(context.Background(), &checkpoint.Checkpoint{
		ThreadID: "t1",
		Step:     2,
		Messages: []state.Message{state.User("old")},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	engine := NewEngine(&scriptedClient{}, testLogger(), Config{}, WithStore(store))
	evts := collect(t, engine.Run(context.Background(), RunOptions{
		ThreadID: "t1",
		Messages: []state.Message{},
		Prompt:   "ignored",
	}))

	if evts[0].Kind != events.KindRunNoop {
		t.Fatalf("events = %v", kindsOf(evts))
	}
	if finalEvent(t, evts).Status != events.StatusCompleted {
		t.Error("reset run should complete")
	}
	exists, err := store.Exists(context.Background(), "t1")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Error("reset did not clear the stored thread")
	}
}

func TestRunModelFailure(t *testing.T) {
	client := &scriptedClient{err: fmt.Errorf("connection refused")}
	engine := NewEngine(client, testLogger(), Config{})

	evts := collect(t, engine.Run(context.Background(), RunOptions{Prompt: "hi"}))

	var errEvents int
	for _, e := range evts {
		if e.Kind == events.KindError {
			errEvents++
			if !strings.Contains(e.Err, "connection refused") {
				t.Errorf("error event = %q", e.Err)
			}
		}
	}
	if errEvents != 1 {
		t.Errorf("got %d error events, want exactly 1", errEvents)
	}
	if finalEvent(t, evts).Status != events.StatusFailed {
		t.Error("run should fail on a model error")
	}
}

func TestRunCheckpointResume(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	saved := []state.Message{
		state.System("sys"),
		state.User("q1"),
		state.Assistant("a1"),
		state.User("q2"),
		state.Assistant("a2"),
	}
	if err := store.Save(context.Background(), &checkpoint.Checkpoint{
		ThreadID: "t1",
		Step:     3,
		Messages: saved,
		State:    state.NewAgentState(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	client := &scriptedClient{turns: []turn{{text: "continuing"}}}
	engine := NewEngine(client, testLogger(), Config{}, WithStore(store))

	evts := collect(t, engine.Run(context.Background(), RunOptions{ThreadID: "t1"}))

	if finalEvent(t, evts).Status != events.StatusCompleted {
		t.Fatalf("status = %s", finalEvent(t, evts).Status)
	}

	var loaded bool
	for _, e := range evts {
		if e.Kind == events.KindCheckpointLoaded {
			loaded = true
			if e.MessageCount != 5 || e.Step != 3 {
				t.Errorf("checkpoint_loaded = %+v", e)
			}
		}
	}
	if !loaded {
		t.Error("no checkpoint_loaded event")
	}

	// The model sees the five saved messages verbatim, nothing more.
	if len(client.received) != 1 {
		t.Fatalf("model invoked %d times", len(client.received))
	}
	got := client.received[0]
	if len(got) != 5 {
		t.Fatalf("model received %d messages, want 5", len(got))
	}
	for i, m := range got {
		if m.Content != saved[i].Content || m.Role != saved[i].Role {
			t.Errorf("message %d = %+v, want %+v", i, m, saved[i])
		}
	}

	// The next checkpoint continues the step counter.
	cp, err := store.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Step != 4 {
		t.Errorf("step = %d, want 4", cp.Step)
	}
	if len(cp.Messages) != 6 {
		t.Errorf("checkpointed %d messages, want 6", len(cp.Messages))
	}
}

func TestRunExplicitMessagesOnExistingThread(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	if err := store.Save(context.Background(), &checkpoint.Checkpoint{
		ThreadID: "t1",
		Step:     3,
		Messages: []state.Message{state.User("old q"), state.Assistant("old a")},
		State:    state.NewAgentState(),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	client := &scriptedClient{turns: []turn{{text: "fresh answer"}}}
	engine := NewEngine(client, testLogger(), Config{}, WithStore(store))

	replacement := []state.Message{state.User("new question")}
	evts := collect(t, engine.Run(context.Background(), RunOptions{
		ThreadID: "t1",
		Messages: replacement,
	}))

	if finalEvent(t, evts).Status != events.StatusCompleted {
		t.Fatalf("status = %s, want completed (events %v)", finalEvent(t, evts).Status, kindsOf(evts))
	}

	// The model sees only the replacement history.
	if len(client.received) != 1 || len(client.received[0]) != 1 || client.received[0][0].Content != "new question" {
		t.Errorf("model received %+v", client.received)
	}

	// The step counter continues past the stored thread's.
	cp, err := store.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Step != 4 {
		t.Errorf("step = %d, want 4", cp.Step)
	}
	if len(cp.Messages) != 2 {
		t.Errorf("checkpointed %d messages, want 2", len(cp.Messages))
	}
}

func TestRunCancellationSynthesizesResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedClient{
		turns: []turn{{calls: []llm.ToolCall{
			writeCall("tc-1", "/a.txt", "a"),
			writeCall("tc-2", "/b.txt", "b"),
		}}},
	}
	// Cancel while the model turn is in flight: dispatch then sees the
	// flag at its boundary and resolves both calls synthetically.
	client.onTurn = func(int) { cancel() }

	store := checkpoint.NewMemoryStore()
	engine := NewEngine(client, testLogger(), Config{}, WithStore(store))

	evts := collect(t, engine.Run(ctx, RunOptions{ThreadID: "t1", Prompt: "go"}))

	if finalEvent(t, evts).Status != events.StatusAborted {
		t.Fatalf("status = %s, want aborted", finalEvent(t, evts).Status)
	}
	var cancelled int
	for _, e := range evts {
		if e.Kind == events.KindToolCancelled {
			cancelled++
		}
	}
	if cancelled != 2 {
		t.Errorf("got %d tool_cancelled events, want 2", cancelled)
	}

	cp, err := store.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var synthetic int
	for _, m := range cp.Messages {
		if m.Role == state.RoleTool && strings.Contains(m.Content, "cancelled") {
			synthetic++
		}
	}
	if synthetic != 2 {
		t.Errorf("checkpoint has %d synthetic cancelled results, want 2", synthetic)
	}
}

func TestRunApprovalApproveAndReject(t *testing.T) {
	gate := approval.NewGate(map[string]approval.Policy{"write_file": approval.Always})

	run := func(approve bool) ([]events.Event, events.Event) {
		client := &scriptedClient{turns: []turn{
			{calls: []llm.ToolCall{writeCall("tc-1", "/gated.txt", "x")}},
			{text: "done"},
		}}
		decider := func(ctx context.Context, req approval.Request) (bool, error) {
			if req.ToolName != "write_file" || req.ApprovalID == "" {
				t.Errorf("unexpected request %+v", req)
			}
			return approve, nil
		}
		engine := NewEngine(client, testLogger(), Config{}, WithGate(gate, decider))
		evts := collect(t, engine.Run(context.Background(), RunOptions{Prompt: "go"}))
		return evts, finalEvent(t, evts)
	}

	evts, done := run(true)
	if done.Status != events.StatusCompleted {
		t.Fatalf("approved run status = %s", done.Status)
	}
	if _, ok := done.State.Files["/gated.txt"]; !ok {
		t.Error("approved call did not execute")
	}
	var requested, responded bool
	for _, e := range evts {
		if e.Kind == events.KindApprovalRequested {
			requested = true
		}
		if e.Kind == events.KindApprovalResponse && e.Approved {
			responded = true
		}
	}
	if !requested || !responded {
		t.Errorf("approval events incomplete: requested=%v responded=%v", requested, responded)
	}

	evts, done = run(false)
	if done.Status != events.StatusCompleted {
		t.Fatalf("rejected run status = %s", done.Status)
	}
	if _, ok := done.State.Files["/gated.txt"]; ok {
		t.Error("rejected call executed anyway")
	}
	var rejectionResult bool
	for _, e := range evts {
		if e.Kind == events.KindToolResult && e.Result == approval.RejectedMessage {
			rejectionResult = true
		}
	}
	if !rejectionResult {
		t.Error("no synthetic rejection result emitted")
	}
}

func TestRunSuspendThenResume(t *testing.T) {
	gate := approval.NewGate(map[string]approval.Policy{"write_file": approval.Always})
	store := checkpoint.NewMemoryStore()

	client := &scriptedClient{turns: []turn{
		{calls: []llm.ToolCall{writeCall("tc-1", "/gated.txt", "payload")}},
	}}
	// No decider: the gated call suspends the run durably.
	engine := NewEngine(client, testLogger(), Config{}, WithGate(gate, nil), WithStore(store))

	evts := collect(t, engine.Run(context.Background(), RunOptions{ThreadID: "t1", Prompt: "go"}))
	if finalEvent(t, evts).Status != events.StatusSuspended {
		t.Fatalf("status = %s, want suspended", finalEvent(t, evts).Status)
	}

	cp, err := store.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var pending *state.Message
	for i := range cp.Messages {
		if cp.Messages[i].Pending {
			pending = &cp.Messages[i]
		}
	}
	if pending == nil || pending.ToolCallID != "tc-1" {
		t.Fatalf("no pending placeholder in checkpoint: %+v", cp.Messages)
	}

	// A fresh run replays the recorded decision without a decider.
	resumeClient := &scriptedClient{turns: []turn{{text: "all done"}}}
	resumed := NewEngine(resumeClient, testLogger(), Config{}, WithGate(gate, nil), WithStore(store))

	evts = collect(t, resumed.Run(context.Background(), RunOptions{
		ThreadID: "t1",
		Resume:   &approval.Decision{ToolCallID: "tc-1", Approve: true},
	}))

	done := finalEvent(t, evts)
	if done.Status != events.StatusCompleted {
		t.Fatalf("resumed status = %s", done.Status)
	}
	if rec, ok := done.State.Files["/gated.txt"]; !ok || rec.Text() != "payload" {
		t.Fatalf("approved call did not execute on resume: %+v", done.State.Files)
	}

	// The model sees a real tool result where the placeholder was.
	got := resumeClient.received[0]
	var sawPlaceholder, sawResult bool
	for _, m := range got {
		if m.Role == state.RoleTool && m.ToolCallID == "tc-1" {
			if strings.Contains(m.Content, "pending") {
				sawPlaceholder = true
			} else {
				sawResult = true
			}
		}
	}
	if sawPlaceholder || !sawResult {
		t.Errorf("resume transcript wrong: placeholder=%v result=%v", sawPlaceholder, sawResult)
	}
}

func TestRunResumeRejection(t *testing.T) {
	gate := approval.NewGate(map[string]approval.Policy{"write_file": approval.Always})
	store := checkpoint.NewMemoryStore()

	suspend := NewEngine(&scriptedClient{turns: []turn{
		{calls: []llm.ToolCall{writeCall("tc-1", "/gated.txt", "x")}},
	}}, testLogger(), Config{}, WithGate(gate, nil), WithStore(store))
	collect(t, suspend.Run(context.Background(), RunOptions{ThreadID: "t1", Prompt: "go"}))

	resumeClient := &scriptedClient{turns: []turn{{text: "okay"}}}
	resumed := NewEngine(resumeClient, testLogger(), Config{}, WithGate(gate, nil), WithStore(store))
	evts := collect(t, resumed.Run(context.Background(), RunOptions{
		ThreadID: "t1",
		Resume:   &approval.Decision{ToolCallID: "tc-1", Approve: false},
	}))

	done := finalEvent(t, evts)
	if done.Status != events.StatusCompleted {
		t.Fatalf("status = %s", done.Status)
	}
	if _, ok := done.State.Files["/gated.txt"]; ok {
		t.Error("rejected call executed on resume")
	}
	got := resumeClient.received[0]
	var sawRejection bool
	for _, m := range got {
		if m.ToolCallID == "tc-1" && m.Content == approval.RejectedMessage {
			sawRejection = true
		}
	}
	if !sawRejection {
		t.Errorf("no rejection result in resumed transcript: %+v", got)
	}
}

func TestRunMaxStepsBound(t *testing.T) {
	// The model asks for a tool on every turn; only the step bound
	// stops the run.
	turns := make([]turn, 10)
	for i := range turns {
		turns[i] = turn{calls: []llm.ToolCall{{
			ID:        fmt.Sprintf("tc-%d", i),
			Name:      "ls",
			Arguments: map[string]any{},
		}}}
	}
	client := &scriptedClient{turns: turns}
	engine := NewEngine(client, testLogger(), Config{})

	evts := collect(t, engine.Run(context.Background(), RunOptions{Prompt: "loop", MaxSteps: 3}))

	var steps int
	for _, e := range evts {
		if e.Kind == events.KindStepStart {
			steps++
		}
	}
	if steps != 3 {
		t.Errorf("ran %d steps, want 3", steps)
	}
	if finalEvent(t, evts).Status != events.StatusCompleted {
		t.Errorf("status = %s", finalEvent(t, evts).Status)
	}
}

func TestRunSubagent(t *testing.T) {
	client := &scriptedClient{turns: []turn{
		// Parent delegates.
		{calls: []llm.ToolCall{{
			ID:        "tc-1",
			Name:      "task",
			Arguments: map[string]any{"prompt": "write the shared file"},
		}}},
		// Subagent writes into the shared filesystem and answers.
		{calls: []llm.ToolCall{writeCall("sub-1", "/shared.txt", "from subagent")}},
		{text: "wrote the file"},
		// Parent wraps up.
		{text: "delegation complete"},
	}}
	engine := NewEngine(client, testLogger(), Config{})

	evts := collect(t, engine.Run(context.Background(), RunOptions{Prompt: "delegate"}))

	done := finalEvent(t, evts)
	if done.Status != events.StatusCompleted {
		t.Fatalf("status = %s", done.Status)
	}
	if rec, ok := done.State.Files["/shared.txt"]; !ok || rec.Text() != "from subagent" {
		t.Fatalf("subagent write not visible to parent: %+v", done.State.Files)
	}

	var started, finished, taskResult bool
	for _, e := range evts {
		switch e.Kind {
		case events.KindSubagentStart:
			started = true
		case events.KindSubagentFinish:
			finished = true
		case events.KindToolResult:
			if e.ToolCallID == "tc-1" && e.Result == "wrote the file" {
				taskResult = true
			}
		}
	}
	if !started || !finished || !taskResult {
		t.Errorf("subagent events incomplete: start=%v finish=%v result=%v", started, finished, taskResult)
	}
}

func TestRunEphemeralWithoutStore(t *testing.T) {
	client := &scriptedClient{turns: []turn{{text: "ok"}}}
	engine := NewEngine(client, testLogger(), Config{})

	evts := collect(t, engine.Run(context.Background(), RunOptions{ThreadID: "t1", Prompt: "hi"}))
	for _, e := range evts {
		if e.Kind == events.KindCheckpointSaved {
			t.Fatal("checkpoint saved without a store")
		}
	}
	if finalEvent(t, evts).Status != events.StatusCompleted {
		t.Errorf("status = %s", finalEvent(t, evts).Status)
	}
}
