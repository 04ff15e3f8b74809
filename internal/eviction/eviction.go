// Package eviction keeps oversized tool results out of the message
// history. Results past the token limit are written to the run's
// filesystem backend and replaced with a short reference naming the
// file, so the model can read it back in pieces if it needs to.
package eviction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mhollis/reeve/internal/backend"
)

// DefaultTokenLimit is the per-result estimated token ceiling.
const DefaultTokenLimit = 5000

// resultsDir is where evicted payloads land on the backend.
const resultsDir = "/.tool-results"

// Manager evicts oversized tool results onto a backend.
type Manager struct {
	backend    backend.Backend
	tokenLimit int
	logger     *slog.Logger
}

// New creates a manager writing to b. A non-positive limit uses the
// default; a nil logger uses the default logger.
func New(b backend.Backend, tokenLimit int, logger *slog.Logger) *Manager {
	if tokenLimit <= 0 {
		tokenLimit = DefaultTokenLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend:    b,
		tokenLimit: tokenLimit,
		logger:     logger.With("component", "eviction"),
	}
}

// estimate approximates tokens as one per four bytes.
func estimate(s string) int {
	return len(s) / 4
}

// Path returns the backend path an evicted result is stored at.
func Path(toolName, toolCallID string) string {
	return fmt.Sprintf("%s/%s-%s.txt", resultsDir, toolName, toolCallID)
}

// Process returns the result unchanged when it fits the limit.
// Strictly over the limit, the full payload is written to the backend
// and a reference message comes back in its place. A write failure
// falls back to the original result: a long history beats a lost one.
func (m *Manager) Process(ctx context.Context, toolCallID, toolName, result string) string {
	tokens := estimate(result)
	if tokens <= m.tokenLimit {
		return result
	}

	path := Path(toolName, toolCallID)
	res := m.backend.Write(ctx, path, result)
	if !res.Success {
		m.logger.Warn("eviction write failed, keeping full result inline",
			"path", path,
			"estimated_tokens", tokens,
			"error", res.Error,
		)
		return result
	}

	m.logger.Debug("tool result evicted",
		"tool", toolName,
		"call_id", toolCallID,
		"path", path,
		"estimated_tokens", tokens,
	)

	return fmt.Sprintf(
		"Tool result too large (~%d tokens). Full output saved to %s. Use read_file to inspect it.",
		tokens, path)
}
