package backend

import "github.com/mhollis/reeve/internal/state"

// Factory builds a backend from the run's state. Used when the backend
// must see the exact AgentState of the run (the in-memory variant).
type Factory func(*state.AgentState) Backend

// Variant is the tagged instance-or-factory choice a caller hands to the
// engine. Exactly one field is set; Resolve evaluates it once per run.
type Variant struct {
	Instance Backend
	Build    Factory
}

// Instance wraps a ready backend.
func FromInstance(b Backend) Variant {
	return Variant{Instance: b}
}

// FromFactory wraps a state-dependent constructor.
func FromFactory(f Factory) Variant {
	return Variant{Build: f}
}

// Resolve returns the backend for a run with state st. A zero Variant
// resolves to the in-memory state backend, which is the default.
func (v Variant) Resolve(st *state.AgentState) Backend {
	switch {
	case v.Instance != nil:
		return v.Instance
	case v.Build != nil:
		return v.Build(st)
	default:
		return NewStateBackend(st)
	}
}
