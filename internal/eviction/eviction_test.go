package eviction

import (
	"context"
	"strings"
	"testing"

	"github.com/mhollis/reeve/internal/backend"
	"github.com/mhollis/reeve/internal/state"
)

func TestProcessUnderLimitPassthrough(t *testing.T) {
	st := state.NewAgentState()
	m := New(backend.NewStateBackend(st), 100, nil)

	result := strings.Repeat("a", 300) // 75 tokens
	got := m.Process(context.Background(), "c1", "grep", result)
	if got != result {
		t.Errorf("under-limit result changed")
	}
	if len(st.Files) != 0 {
		t.Errorf("under-limit result written to backend: %v", st.Files)
	}
}

func TestProcessExactlyAtLimitNotEvicted(t *testing.T) {
	st := state.NewAgentState()
	m := New(backend.NewStateBackend(st), 100, nil)

	result := strings.Repeat("a", 400) // exactly 100 tokens
	if got := m.Process(context.Background(), "c1", "grep", result); got != result {
		t.Error("at-limit result evicted")
	}
}

func TestProcessOverLimitEvicts(t *testing.T) {
	ctx := context.Background()
	st := state.NewAgentState()
	b := backend.NewStateBackend(st)
	m := New(b, 100, nil)

	result := strings.Repeat("line of output\n", 100) // well over 100 tokens
	got := m.Process(ctx, "call_42", "execute", result)

	if got == result {
		t.Fatal("over-limit result not replaced")
	}
	wantPath := "/.tool-results/execute-call_42.txt"
	if !strings.Contains(got, wantPath) {
		t.Errorf("reference = %q, want mention of %s", got, wantPath)
	}

	rec, err := b.ReadRaw(ctx, wantPath)
	if err != nil {
		t.Fatalf("evicted payload missing: %v", err)
	}
	if rec.Text() != result {
		t.Error("evicted payload differs from original result")
	}
}

func TestProcessWriteFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	st := state.NewAgentState()
	b := backend.NewStateBackend(st)
	m := New(b, 100, nil)

	result := strings.Repeat("x", 1000)
	// First eviction succeeds; a second with the same IDs hits the
	// write-once conflict and falls back to the inline result.
	m.Process(ctx, "c1", "grep", result)
	if got := m.Process(ctx, "c1", "grep", result); got != result {
		t.Errorf("fallback result = %q", got)
	}
}

func TestPath(t *testing.T) {
	if got := Path("grep", "abc"); got != "/.tool-results/grep-abc.txt" {
		t.Errorf("Path = %q", got)
	}
}
