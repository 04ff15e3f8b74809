// Package backend implements the virtual filesystem used by tools and by
// the agent loop's own side effects. One contract, several storage media:
// in-memory agent state, a host directory, a generic key-value store, a
// command-execution sandbox, and a prefix-routed composite over any of
// the above.
//
// Soft failures (absent files, conflicting writes, ambiguous edits) are
// returned as fixed-wording result strings rather than Go errors so they
// can travel back to the model unchanged. Hard errors (invalid patterns,
// raw reads of absent files) are real errors.
package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mhollis/reeve/internal/state"
)

// DefaultReadLimit is the number of lines Read returns when the caller
// passes a non-positive limit.
const DefaultReadLimit = 2000

// ErrFileNotFound is returned by ReadRaw for absent paths. Callers that
// want raw content want a hard failure, not a sentinel string.
var ErrFileNotFound = errors.New("file not found")

// FileInfo describes one entry in a listing or glob result.
type FileInfo struct {
	Path       string    `json:"path"`
	IsDir      bool      `json:"is_dir"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// GrepMatch is one matching line from a content search.
type GrepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// WriteResult reports the outcome of a Write.
type WriteResult struct {
	Success bool   `json:"success"`
	Path    string `json:"path,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EditResult reports the outcome of an Edit.
type EditResult struct {
	Success     bool   `json:"success"`
	Occurrences int    `json:"occurrences,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Backend is the uniform storage contract. Paths are absolute,
// slash-separated, and normalized by each implementation before use.
type Backend interface {
	// List returns the entries directly under path, sorted
	// lexicographically. An unreadable or absent directory yields an
	// empty result, never an error.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// Read returns the file formatted with 1-based line numbers,
	// starting at line offset (0-based) for at most limit lines. Absent
	// files, empty files, and out-of-range offsets produce the fixed
	// sentinel strings rather than errors.
	Read(ctx context.Context, path string, offset, limit int) string

	// ReadRaw returns the stored record. Fails with ErrFileNotFound for
	// absent paths.
	ReadRaw(ctx context.Context, path string) (*state.FileRecord, error)

	// Write creates a new file. It fails if the path already exists:
	// there is no implicit overwrite, callers must read-then-edit.
	// Intermediate directories are created as needed.
	Write(ctx context.Context, path, content string) WriteResult

	// Edit replaces oldStr with newStr. Zero occurrences fail; more
	// than one fails unless replaceAll is set.
	Edit(ctx context.Context, path, oldStr, newStr string, replaceAll bool) EditResult

	// Grep searches file contents under path for the regular expression
	// pattern, optionally restricted to files matching glob. Matches
	// come back in file order, then line order. An invalid pattern is
	// an error.
	Grep(ctx context.Context, pattern, path, glob string) ([]GrepMatch, error)

	// Glob returns the files matching a shell-style pattern under path,
	// sorted by path.
	Glob(ctx context.Context, pattern, path string) ([]FileInfo, error)
}

// Fixed result wording. Tests and the model-facing tool layer depend on
// these exact strings.

func errNotFound(path string) string {
	return fmt.Sprintf("Error: File '%s' not found", path)
}

// emptyFileReminder is returned by Read for present-but-empty files.
const emptyFileReminder = "System reminder: File exists but has empty contents"

func errOffsetExceeds(offset, lines int) string {
	return fmt.Sprintf("Error: Offset %d exceeds file length (%d lines)", offset, lines)
}

func errAlreadyExists(path string) string {
	return fmt.Sprintf("Error: File '%s' already exists. Read and edit the existing file, or choose a different path.", path)
}

func errStringNotFound(oldStr string) string {
	return fmt.Sprintf("Error: String not found in file: '%s'", snippet(oldStr))
}

func errMultipleOccurrences(oldStr string, n int) string {
	return fmt.Sprintf("Error: String '%s' appears %d times in file. Provide a larger string with more surrounding context to make it unique, or set replace_all to true.", snippet(oldStr), n)
}

// snippet truncates long search strings for error messages.
func snippet(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// formatRead renders record content the way Read promises: 1-based line
// numbers, offset/limit windowing, sentinel strings for the edge cases.
func formatRead(path string, rec *state.FileRecord, offset, limit int) string {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if offset < 0 {
		offset = 0
	}

	text := rec.Text()
	if text == "" {
		return emptyFileReminder
	}

	lines := rec.Content
	if offset >= len(lines) {
		return errOffsetExceeds(offset, len(lines))
	}

	end := offset + limit
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := offset; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// editContent applies the Edit contract to raw text, returning the new
// text and the replacement count, or a fixed-wording failure.
func editContent(text, oldStr, newStr string, replaceAll bool) (string, int, string) {
	n := strings.Count(text, oldStr)
	switch {
	case n == 0:
		return "", 0, errStringNotFound(oldStr)
	case n > 1 && !replaceAll:
		return "", 0, errMultipleOccurrences(oldStr, n)
	case replaceAll:
		return strings.ReplaceAll(text, oldStr, newStr), n, ""
	default:
		return strings.Replace(text, oldStr, newStr, 1), 1, ""
	}
}

// compilePattern compiles a grep pattern, wrapping the compile error so
// the caller can surface it as a user-input failure.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}
	return re, nil
}

// globToRegexp converts a shell-style glob into an anchored regexp.
// "*" matches within a path segment, "?" one character, "**" any number
// of segments. Character classes pass through.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i++
				// Swallow a following slash so "a/**/b" matches "a/b".
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					b.WriteString("/?")
					i++
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end < 0 {
				b.WriteString(regexp.QuoteMeta(string(c)))
			} else {
				b.WriteString(pattern[i : i+end+1])
				i += end
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// matchGlob reports whether name matches pattern. Patterns without a
// slash match against the base name (like find -name); patterns with a
// slash match the full path relative to the search root.
func matchGlob(re *regexp.Regexp, hasSlash bool, relPath string) bool {
	if hasSlash {
		return re.MatchString(relPath)
	}
	base := relPath
	if i := strings.LastIndexByte(relPath, '/'); i >= 0 {
		base = relPath[i+1:]
	}
	return re.MatchString(base)
}
