package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mhollis/reeve/internal/state"
)

// ExecResult is the outcome of one sandbox command.
type ExecResult struct {
	// Output is the command's stdout. Implementations may append
	// stderr on failure, but stdout of a zero-exit command must come
	// through verbatim: the exec backend parses it.
	Output    string `json:"output"`
	ExitCode  int    `json:"exit_code"`
	Truncated bool   `json:"truncated"`
}

// Executor is the single primitive a sandbox provider implements. Every
// filesystem operation of ExecBackend is encoded onto it, so adding a
// new sandbox (container, VM, remote host) means implementing Execute
// and an identifier, nothing else.
type Executor interface {
	ID() string
	Execute(ctx context.Context, command string) ExecResult
}

// ExecBackend implements the Backend contract by shelling out through an
// Executor. Paths are relative to the sandbox working directory; the
// virtual root "/" maps to ".".
type ExecBackend struct {
	x Executor
}

// NewExecBackend creates a backend over x.
func NewExecBackend(x Executor) *ExecBackend {
	return &ExecBackend{x: x}
}

// Executor exposes the underlying sandbox, letting the execute tool run
// arbitrary commands through the same primitive.
func (b *ExecBackend) Executor() Executor { return b.x }

// shq single-quotes s for POSIX sh.
func shq(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// sandboxPath maps a virtual path to a workdir-relative one.
func sandboxPath(p string) string {
	return "." + state.NormalizePath(p)
}

func (b *ExecBackend) List(ctx context.Context, dir string) ([]FileInfo, error) {
	script := fmt.Sprintf(
		`find %s -mindepth 1 -maxdepth 1 2>/dev/null | sort | while IFS= read -r f; do `+
			`if [ -d "$f" ]; then printf 'd\t0\t%%s\n' "$f"; `+
			`else printf 'f\t%%s\t%%s\n' "$(wc -c < "$f" | tr -d ' ')" "$f"; fi; done`,
		shq(sandboxPath(dir)))
	res := b.x.Execute(ctx, script)
	if res.ExitCode != 0 {
		return []FileInfo{}, nil
	}

	out := []FileInfo{}
	for _, line := range strings.Split(strings.TrimSpace(res.Output), "\n") {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		size, _ := strconv.ParseInt(parts[1], 10, 64)
		out = append(out, FileInfo{
			Path:  virtualPath(parts[2]),
			IsDir: parts[0] == "d",
			Size:  size,
		})
	}
	return out, nil
}

func (b *ExecBackend) Read(ctx context.Context, path string, offset, limit int) string {
	rec, err := b.ReadRaw(ctx, path)
	if err != nil {
		return errNotFound(state.NormalizePath(path))
	}
	return formatRead(path, rec, offset, limit)
}

func (b *ExecBackend) ReadRaw(ctx context.Context, path string) (*state.FileRecord, error) {
	res := b.x.Execute(ctx, "base64 < "+shq(sandboxPath(path)))
	if res.ExitCode != 0 {
		return nil, ErrFileNotFound
	}
	data, err := base64.StdEncoding.DecodeString(strings.Map(dropSpace, res.Output))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &state.FileRecord{
		Content:    strings.Split(string(data), "\n"),
		ModifiedAt: time.Now().UTC(),
	}, nil
}

func (b *ExecBackend) Write(ctx context.Context, path, content string) WriteResult {
	vpath := state.NormalizePath(path)
	sp := sandboxPath(path)

	if res := b.x.Execute(ctx, "test -e "+shq(sp)); res.ExitCode == 0 {
		return WriteResult{Success: false, Error: errAlreadyExists(vpath)}
	}

	if err := b.forceWrite(ctx, sp, content); err != "" {
		return WriteResult{Success: false, Error: err}
	}
	return WriteResult{Success: true, Path: vpath}
}

func (b *ExecBackend) Edit(ctx context.Context, path, oldStr, newStr string, replaceAll bool) EditResult {
	vpath := state.NormalizePath(path)
	rec, err := b.ReadRaw(ctx, path)
	if err != nil {
		return EditResult{Success: false, Error: errNotFound(vpath)}
	}
	newText, n, errMsg := editContent(rec.Text(), oldStr, newStr, replaceAll)
	if errMsg != "" {
		return EditResult{Success: false, Error: errMsg}
	}
	if werr := b.forceWrite(ctx, sandboxPath(path), newText); werr != "" {
		return EditResult{Success: false, Error: werr}
	}
	return EditResult{Success: true, Occurrences: n}
}

// forceWrite overwrites a sandbox file, creating parent directories.
// Content travels base64-encoded so arbitrary bytes survive the shell.
func (b *ExecBackend) forceWrite(ctx context.Context, sp, content string) string {
	b64 := base64.StdEncoding.EncodeToString([]byte(content))
	dir := sp[:strings.LastIndexByte(sp, '/')]
	if dir == "" {
		dir = "."
	}
	cmd := fmt.Sprintf("mkdir -p %s && printf '%%s' %s | base64 -d > %s",
		shq(dir), shq(b64), shq(sp))
	res := b.x.Execute(ctx, cmd)
	if res.ExitCode != 0 {
		return "Error: write failed: " + strings.TrimSpace(res.Output)
	}
	return ""
}

func (b *ExecBackend) Grep(ctx context.Context, pattern, dir, glob string) ([]GrepMatch, error) {
	// Validate locally so an invalid pattern is a user-input error, not
	// a sandbox failure.
	if _, err := compilePattern(pattern); err != nil {
		return nil, err
	}

	cmd := "grep -rn"
	if glob != "" {
		cmd += " --include=" + shq(glob)
	}
	cmd += " -- " + shq(pattern) + " " + shq(sandboxPath(dir)) + " 2>/dev/null"
	res := b.x.Execute(ctx, cmd)
	// grep exits 1 for "no matches", which is not an error here.
	if res.ExitCode > 1 {
		return []GrepMatch{}, nil
	}

	matches := []GrepMatch{}
	for _, line := range strings.Split(res.Output, "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		ln, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		matches = append(matches, GrepMatch{Path: virtualPath(parts[0]), Line: ln, Text: parts[2]})
	}
	return matches, nil
}

func (b *ExecBackend) Glob(ctx context.Context, pattern, dir string) ([]FileInfo, error) {
	if _, err := globToRegexp(pattern); err != nil {
		return nil, err
	}

	sp := sandboxPath(dir)
	var cmd string
	if strings.Contains(pattern, "/") {
		cmd = fmt.Sprintf("find %s -type f -path %s 2>/dev/null | sort", shq(sp), shq(sp+"/"+pattern))
	} else {
		cmd = fmt.Sprintf("find %s -type f -name %s 2>/dev/null | sort", shq(sp), shq(pattern))
	}
	res := b.x.Execute(ctx, cmd)
	if res.ExitCode != 0 {
		return []FileInfo{}, nil
	}

	out := []FileInfo{}
	for _, line := range strings.Split(strings.TrimSpace(res.Output), "\n") {
		if line == "" {
			continue
		}
		out = append(out, FileInfo{Path: virtualPath(line)})
	}
	return out, nil
}

// dropSpace removes whitespace from base64 output (some base64
// implementations wrap lines).
func dropSpace(r rune) rune {
	switch r {
	case ' ', '\n', '\r', '\t':
		return -1
	}
	return r
}

// virtualPath converts a workdir-relative sandbox path back to virtual
// form.
func virtualPath(sp string) string {
	sp = strings.TrimPrefix(sp, "./")
	return state.NormalizePath(sp)
}
