// Package summarizer compacts long message histories. When a thread's
// estimated token count exceeds its budget, the middle of the
// conversation is summarized by a model and replaced with a single
// synthetic message, keeping the leading system prompt and the most
// recent turns verbatim.
package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mhollis/reeve/internal/llm"
	"github.com/mhollis/reeve/internal/state"
)

// Config controls compaction behavior.
type Config struct {
	// Enabled turns compaction on. Disabled compactors pass history
	// through untouched.
	Enabled bool

	// TokenBudget is the estimated token count that triggers
	// compaction. Default: 120000.
	TokenBudget int

	// KeepRecent is how many trailing messages survive verbatim.
	// Default: 20.
	KeepRecent int

	// Model used for the summarization call.
	Model string

	// Timeout per summarization LLM call. Default: 60 seconds.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for compaction.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		TokenBudget: 120000,
		KeepRecent:  20,
		Timeout:     60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TokenBudget <= 0 {
		c.TokenBudget = d.TokenBudget
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = d.KeepRecent
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
}

// maxTranscriptBytes caps the transcript sent to the model.
const maxTranscriptBytes = 60000

// summaryPrefix opens the synthetic message carrying the summary.
const summaryPrefix = "Context from earlier conversation (summarized): "

// Compactor shrinks histories that exceed the token budget.
type Compactor struct {
	client llm.Client
	logger *slog.Logger
	config Config
}

// New creates a compactor. A nil logger uses the default.
func New(client llm.Client, logger *slog.Logger, cfg Config) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Compactor{
		client: client,
		logger: logger.With("component", "summarizer"),
		config: cfg,
	}
}

// EstimateTokens approximates the token count of a message history.
// One token per four bytes of content, which is close enough for a
// budget check across the models in use.
func EstimateTokens(messages []state.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
		for _, tc := range m.ToolCalls {
			total += len(tc.Name) / 4
			total += len(fmt.Sprint(tc.Args)) / 4
		}
	}
	return total
}

// NeedsCompaction reports whether the history exceeds the budget.
func (c *Compactor) NeedsCompaction(messages []state.Message) bool {
	return c.config.Enabled && EstimateTokens(messages) > c.config.TokenBudget
}

// Compact returns a shortened history, or the original one when the
// budget is not exceeded, the history is too short to shrink, or the
// summarization call fails. Compaction failure is never fatal: the
// caller proceeds with what it has.
func (c *Compactor) Compact(ctx context.Context, messages []state.Message) ([]state.Message, bool) {
	if !c.NeedsCompaction(messages) {
		return messages, false
	}

	head, middle, tail := split(messages, c.config.KeepRecent)
	if len(middle) == 0 {
		return messages, false
	}

	summary, err := c.summarize(ctx, middle)
	if err != nil {
		c.logger.Warn("compaction skipped, summarization failed",
			"messages", len(messages),
			"estimated_tokens", EstimateTokens(messages),
			"error", err,
		)
		return messages, false
	}

	out := make([]state.Message, 0, len(head)+1+len(tail))
	out = append(out, head...)
	out = append(out, state.User(summaryPrefix+summary))
	out = append(out, tail...)

	c.logger.Info("history compacted",
		"before", len(messages),
		"after", len(out),
		"estimated_tokens_before", EstimateTokens(messages),
		"estimated_tokens_after", EstimateTokens(out),
	)
	return out, true
}

// split separates the history into a leading system message (if any),
// the evictable middle, and the keepRecent trailing messages. A tail
// that would begin with an orphaned tool result is widened to include
// its assistant call, so providers never see a result without its
// request.
func split(messages []state.Message, keepRecent int) (head, middle, tail []state.Message) {
	rest := messages
	if len(rest) > 0 && rest[0].Role == state.RoleSystem {
		head = rest[:1]
		rest = rest[1:]
	}

	if len(rest) <= keepRecent {
		return head, nil, rest
	}

	cut := len(rest) - keepRecent
	for cut > 0 && rest[cut].Role == state.RoleTool {
		cut--
	}
	return head, rest[:cut], rest[cut:]
}

func (c *Compactor) summarize(ctx context.Context, middle []state.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	transcript := buildTranscript(middle)
	prompt := "Summarize the following conversation segment for use as " +
		"compressed context in a continuing session. Preserve decisions, " +
		"file paths, task outcomes, and any constraints that were " +
		"established. Be specific and dense; plain prose, no preamble.\n\n" +
		transcript

	resp, err := c.client.Chat(ctx, c.config.Model,
		[]llm.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return "", fmt.Errorf("summarization call: %w", err)
	}

	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary from model")
	}
	return summary, nil
}

// buildTranscript renders messages for the summarization prompt,
// truncated at maxTranscriptBytes.
func buildTranscript(messages []state.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch {
		case len(m.ToolCalls) > 0:
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "%s: [called %s %v]\n", m.Role, tc.Name, tc.Args)
			}
			if m.Content != "" {
				fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
			}
		case m.Role == state.RoleTool:
			fmt.Fprintf(&b, "tool(%s): %s\n", m.ToolName, m.Content)
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		if b.Len() > maxTranscriptBytes {
			b.WriteString("\n... (truncated)\n")
			break
		}
	}
	return b.String()
}
