// Package agent implements the core agent loop: a checkpointed,
// event-streaming state machine that drives a model through tool use.
package agent

import (
	"context"
	"log/slog"

	"github.com/mhollis/reeve/internal/approval"
	"github.com/mhollis/reeve/internal/backend"
	"github.com/mhollis/reeve/internal/checkpoint"
	"github.com/mhollis/reeve/internal/events"
	"github.com/mhollis/reeve/internal/llm"
	"github.com/mhollis/reeve/internal/state"
	"github.com/mhollis/reeve/internal/summarizer"
)

// Config holds engine settings.
type Config struct {
	// Model is the default model identifier passed to the client.
	Model string `yaml:"model"`

	// MaxSteps bounds the number of model turns per run.
	MaxSteps int `yaml:"max_steps"`

	// SubagentDepth is how many levels of nested task delegation are
	// allowed. Zero selects the default; negative disables delegation
	// entirely.
	SubagentDepth int `yaml:"subagent_depth"`

	// EventBuffer is the stream channel capacity per run.
	EventBuffer int `yaml:"event_buffer"`

	// EvictionTokenLimit is the tool-result size threshold. Zero
	// selects the default; negative disables eviction.
	EvictionTokenLimit int `yaml:"eviction_token_limit"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Model:         "claude-sonnet-4-20250514",
		MaxSteps:      40,
		SubagentDepth: 2,
		EventBuffer:   events.DefaultBuffer,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = d.MaxSteps
	}
	switch {
	case c.SubagentDepth == 0:
		c.SubagentDepth = d.SubagentDepth
	case c.SubagentDepth < 0:
		c.SubagentDepth = 0
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
}

// Engine drives agent runs. One Engine serves many concurrent runs;
// per-run state (messages, files, todos, the event stream) is created
// inside Run and never shared across threads.
type Engine struct {
	client     llm.Client
	store      checkpoint.Store
	backendVar backend.Variant
	gate       *approval.Gate
	decider    approval.Decider
	compactor  *summarizer.Compactor
	logger     *slog.Logger
	config     Config
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the checkpoint store. Without one, runs are ephemeral
// and ThreadID only labels events.
func WithStore(s checkpoint.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithBackend sets the filesystem variant resolved for each run. The
// zero variant (in-memory over the run's state) is the default.
func WithBackend(v backend.Variant) Option {
	return func(e *Engine) { e.backendVar = v }
}

// WithGate installs the approval gate and the decider the loop blocks
// on. A nil decider makes every gated call suspend the run durably
// instead; the decision then arrives via RunOptions.Resume.
func WithGate(g *approval.Gate, d approval.Decider) Option {
	return func(e *Engine) {
		e.gate = g
		e.decider = d
	}
}

// WithCompactor sets the context summarizer.
func WithCompactor(c *summarizer.Compactor) Option {
	return func(e *Engine) { e.compactor = c }
}

// NewEngine creates an engine.
func NewEngine(client llm.Client, logger *slog.Logger, cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		client: client,
		logger: logger.With("component", "agent"),
		config: cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOptions describes one run.
type RunOptions struct {
	// ThreadID selects the checkpoint thread. Empty disables
	// persistence for this run.
	ThreadID string

	// Messages, when non-empty, fully replaces any checkpointed
	// history. A non-nil empty slice is an explicit reset.
	Messages []state.Message

	// Prompt appends a user message to the resolved history. Ignored
	// when Messages is non-nil.
	Prompt string

	// Resume supplies the externally recorded decision for a run that
	// suspended on a gated tool call. The pending call is replayed with
	// this decision; the decider is not consulted.
	Resume *approval.Decision

	// MaxSteps overrides the engine's per-run step bound when positive.
	MaxSteps int

	// Model overrides the engine's default model when set.
	Model string
}

// Run starts a run and returns its event stream. The run proceeds on
// its own goroutine; the caller must consume the stream to completion.
// The final event is always done, carrying the terminal status and a
// state snapshot.
func (e *Engine) Run(ctx context.Context, opts RunOptions) *events.Stream {
	stream := events.NewStream(e.config.EventBuffer)
	go e.run(ctx, opts, stream)
	return stream
}
