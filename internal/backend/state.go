package backend

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mhollis/reeve/internal/state"
)

// StateBackend stores files in the run's AgentState. It is the default
// backend: fast, ephemeral, and checkpointed together with the rest of
// the state. The agent loop is single-threaded, so no locking is done
// here; concurrent readers must use a state snapshot instead.
type StateBackend struct {
	st *state.AgentState
}

// NewStateBackend creates a backend over st.
func NewStateBackend(st *state.AgentState) *StateBackend {
	return &StateBackend{st: st}
}

func (b *StateBackend) List(_ context.Context, dir string) ([]FileInfo, error) {
	dir = state.NormalizePath(dir)
	return listFlat(b.sortedPaths(), dir, func(p string) (int64, time.Time) {
		rec := b.st.Files[p]
		return int64(len(rec.Text())), rec.ModifiedAt
	}), nil
}

func (b *StateBackend) Read(_ context.Context, path string, offset, limit int) string {
	path = state.NormalizePath(path)
	rec, ok := b.st.Files[path]
	if !ok {
		return errNotFound(path)
	}
	return formatRead(path, rec, offset, limit)
}

func (b *StateBackend) ReadRaw(_ context.Context, path string) (*state.FileRecord, error) {
	path = state.NormalizePath(path)
	rec, ok := b.st.Files[path]
	if !ok {
		return nil, ErrFileNotFound
	}
	return rec, nil
}

func (b *StateBackend) Write(_ context.Context, path, content string) WriteResult {
	path = state.NormalizePath(path)
	if _, exists := b.st.Files[path]; exists {
		return WriteResult{Success: false, Error: errAlreadyExists(path)}
	}
	b.st.Files[path] = state.NewFileRecord(content)
	return WriteResult{Success: true, Path: path}
}

func (b *StateBackend) Edit(_ context.Context, path, oldStr, newStr string, replaceAll bool) EditResult {
	path = state.NormalizePath(path)
	rec, ok := b.st.Files[path]
	if !ok {
		return EditResult{Success: false, Error: errNotFound(path)}
	}
	newText, n, errMsg := editContent(rec.Text(), oldStr, newStr, replaceAll)
	if errMsg != "" {
		return EditResult{Success: false, Error: errMsg}
	}
	rec.Content = strings.Split(newText, "\n")
	rec.ModifiedAt = time.Now().UTC()
	return EditResult{Success: true, Occurrences: n}
}

func (b *StateBackend) Grep(_ context.Context, pattern, dir, glob string) ([]GrepMatch, error) {
	dir = state.NormalizePath(dir)
	return grepFlat(b.sortedPaths(), dir, pattern, glob, func(p string) string {
		return b.st.Files[p].Text()
	})
}

func (b *StateBackend) Glob(_ context.Context, pattern, dir string) ([]FileInfo, error) {
	dir = state.NormalizePath(dir)
	return globFlat(b.sortedPaths(), dir, pattern, func(p string) (int64, time.Time) {
		rec := b.st.Files[p]
		return int64(len(rec.Text())), rec.ModifiedAt
	})
}

func (b *StateBackend) sortedPaths() []string {
	paths := make([]string, 0, len(b.st.Files))
	for p := range b.st.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Flat-namespace helpers shared by the state and key-value backends,
// which both hold files as a sorted set of absolute paths with no real
// directory objects.

// listFlat computes the entries directly under dir, synthesizing
// directory entries for deeper paths.
func listFlat(paths []string, dir string, info func(string) (int64, time.Time)) []FileInfo {
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}

	var out []FileInfo
	seenDirs := make(map[string]bool)
	for _, p := range paths {
		if p == dir {
			size, mod := info(p)
			out = append(out, FileInfo{Path: p, Size: size, ModifiedAt: mod})
			continue
		}
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			sub := prefix + rest[:i]
			if !seenDirs[sub] {
				seenDirs[sub] = true
				out = append(out, FileInfo{Path: sub, IsDir: true})
			}
			continue
		}
		size, mod := info(p)
		out = append(out, FileInfo{Path: p, Size: size, ModifiedAt: mod})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// filesUnder returns the file paths at or below dir, preserving order.
func filesUnder(paths []string, dir string) []string {
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}
	var out []string
	for _, p := range paths {
		if p == dir || strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func grepFlat(paths []string, dir, pattern, glob string, content func(string) string) ([]GrepMatch, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	var globRe *regexp.Regexp
	hasSlash := strings.Contains(glob, "/")
	if glob != "" {
		globRe, err = globToRegexp(glob)
		if err != nil {
			return nil, err
		}
	}

	matches := []GrepMatch{}
	for _, p := range filesUnder(paths, dir) {
		if globRe != nil && !matchGlob(globRe, hasSlash, relToDir(p, dir)) {
			continue
		}
		for i, line := range strings.Split(content(p), "\n") {
			if re.MatchString(line) {
				matches = append(matches, GrepMatch{Path: p, Line: i + 1, Text: line})
			}
		}
	}
	return matches, nil
}

func globFlat(paths []string, dir, pattern string, info func(string) (int64, time.Time)) ([]FileInfo, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, err
	}
	hasSlash := strings.Contains(pattern, "/")

	out := []FileInfo{}
	for _, p := range filesUnder(paths, dir) {
		if matchGlob(re, hasSlash, relToDir(p, dir)) {
			size, mod := info(p)
			out = append(out, FileInfo{Path: p, Size: size, ModifiedAt: mod})
		}
	}
	return out, nil
}

// relToDir strips the dir prefix from p for glob matching.
func relToDir(p, dir string) string {
	if dir == "/" {
		return strings.TrimPrefix(p, "/")
	}
	return strings.TrimPrefix(strings.TrimPrefix(p, dir), "/")
}
