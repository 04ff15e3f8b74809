package backend

import (
	"context"
	"testing"

	"github.com/mhollis/reeve/internal/state"
)

func TestVariantResolve(t *testing.T) {
	st := state.NewAgentState()

	// Zero value: in-memory backend over the run's state.
	b := Variant{}.Resolve(st)
	b.Write(context.Background(), "/f", "x")
	if _, ok := st.Files["/f"]; !ok {
		t.Error("zero variant should write through to state")
	}

	inst := NewKVBackend(nil, "n")
	if got := FromInstance(inst).Resolve(st); got != Backend(inst) {
		t.Error("instance variant should return the wrapped backend")
	}

	var gotState *state.AgentState
	FromFactory(func(s *state.AgentState) Backend {
		gotState = s
		return NewStateBackend(s)
	}).Resolve(st)
	if gotState != st {
		t.Error("factory variant should receive the run's state")
	}
}
