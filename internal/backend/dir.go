package backend

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mhollis/reeve/internal/state"
)

// DirBackend stores files under a root directory on the host
// filesystem. Virtual paths map 1:1 onto paths below the root; the
// resolver refuses anything that would escape it.
type DirBackend struct {
	root string
}

// NewDirBackend creates a backend rooted at dir, creating it if needed.
func NewDirBackend(dir string) (*DirBackend, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	return &DirBackend{root: abs}, nil
}

// Root returns the backend's host directory.
func (b *DirBackend) Root() string { return b.root }

// resolve maps a virtual path to a host path strictly inside the root.
func (b *DirBackend) resolve(p string) (string, error) {
	p = state.NormalizePath(p)
	host := filepath.Join(b.root, filepath.FromSlash(p))
	host = filepath.Clean(host)
	if host != b.root && !strings.HasPrefix(host, b.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes backend root: %s", p)
	}
	return host, nil
}

// virtual converts a host path back to its virtual form.
func (b *DirBackend) virtual(host string) string {
	rel, err := filepath.Rel(b.root, host)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

func (b *DirBackend) List(_ context.Context, dir string) ([]FileInfo, error) {
	host, err := b.resolve(dir)
	if err != nil {
		return []FileInfo{}, nil
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		// Unreadable or absent directories list as empty.
		return []FileInfo{}, nil
	}

	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi := FileInfo{
			Path:  b.virtual(filepath.Join(host, e.Name())),
			IsDir: e.IsDir(),
		}
		if info, err := e.Info(); err == nil {
			fi.Size = info.Size()
			fi.ModifiedAt = info.ModTime().UTC()
		}
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (b *DirBackend) Read(ctx context.Context, path string, offset, limit int) string {
	rec, err := b.ReadRaw(ctx, path)
	if err != nil {
		return errNotFound(state.NormalizePath(path))
	}
	return formatRead(path, rec, offset, limit)
}

func (b *DirBackend) ReadRaw(_ context.Context, path string) (*state.FileRecord, error) {
	host, err := b.resolve(path)
	if err != nil {
		return nil, ErrFileNotFound
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return nil, ErrFileNotFound
	}
	rec := &state.FileRecord{Content: strings.Split(string(data), "\n")}
	if info, err := os.Stat(host); err == nil {
		rec.ModifiedAt = info.ModTime().UTC()
		// The host filesystem does not expose creation time portably;
		// mtime is the best available stand-in.
		rec.CreatedAt = info.ModTime().UTC()
	}
	return rec, nil
}

func (b *DirBackend) Write(_ context.Context, path, content string) WriteResult {
	vpath := state.NormalizePath(path)
	host, err := b.resolve(path)
	if err != nil {
		return WriteResult{Success: false, Error: "Error: " + err.Error()}
	}
	if _, err := os.Stat(host); err == nil {
		return WriteResult{Success: false, Error: errAlreadyExists(vpath)}
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return WriteResult{Success: false, Error: "Error: " + err.Error()}
	}
	if err := os.WriteFile(host, []byte(content), 0o644); err != nil {
		return WriteResult{Success: false, Error: "Error: " + err.Error()}
	}
	return WriteResult{Success: true, Path: vpath}
}

func (b *DirBackend) Edit(ctx context.Context, path, oldStr, newStr string, replaceAll bool) EditResult {
	vpath := state.NormalizePath(path)
	host, err := b.resolve(path)
	if err != nil {
		return EditResult{Success: false, Error: "Error: " + err.Error()}
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return EditResult{Success: false, Error: errNotFound(vpath)}
	}
	newText, n, errMsg := editContent(string(data), oldStr, newStr, replaceAll)
	if errMsg != "" {
		return EditResult{Success: false, Error: errMsg}
	}
	if err := os.WriteFile(host, []byte(newText), 0o644); err != nil {
		return EditResult{Success: false, Error: "Error: " + err.Error()}
	}
	return EditResult{Success: true, Occurrences: n}
}

func (b *DirBackend) Grep(_ context.Context, pattern, dir, glob string) ([]GrepMatch, error) {
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
	for _, host := range b.walkFiles(dir) {
		if globRe != nil && !matchGlob(globRe, hasSlash, b.relTo(dir, host)) {
			continue
		}
		data, err := os.ReadFile(host)
		if err != nil {
			continue
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, GrepMatch{Path: b.virtual(host), Line: i + 1, Text: line})
			}
		}
	}
	return matches, nil
}

func (b *DirBackend) Glob(_ context.Context, pattern, dir string) ([]FileInfo, error) {
	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, err
	}
	hasSlash := strings.Contains(pattern, "/")

	out := []FileInfo{}
	for _, host := range b.walkFiles(dir) {
		if !matchGlob(re, hasSlash, b.relTo(dir, host)) {
			continue
		}
		fi := FileInfo{Path: b.virtual(host)}
		if info, err := os.Stat(host); err == nil {
			fi.Size = info.Size()
			fi.ModifiedAt = info.ModTime().UTC()
		}
		out = append(out, fi)
	}
	return out, nil
}

// walkFiles returns all regular files under dir in sorted path order.
// Walk errors are skipped: an unreadable subtree contributes nothing.
func (b *DirBackend) walkFiles(dir string) []string {
	host, err := b.resolve(dir)
	if err != nil {
		return nil
	}
	var files []string
	filepath.WalkDir(host, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	sort.Strings(files)
	return files
}

// relTo computes the glob-matching path of host relative to dir.
func (b *DirBackend) relTo(dir, host string) string {
	base, err := b.resolve(dir)
	if err != nil {
		return b.virtual(host)
	}
	rel, err := filepath.Rel(base, host)
	if err != nil {
		return b.virtual(host)
	}
	return filepath.ToSlash(rel)
}
