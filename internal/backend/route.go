package backend

import (
	"context"
	"sort"
	"strings"

	"github.com/mhollis/reeve/internal/state"
)

// Route binds a path prefix to a backend. Prefixes are normalized to end
// with "/" so "/memories" and "/memories/" configure the same subtree.
type Route struct {
	Prefix  string
	Backend Backend
}

// RouteBackend delegates each call to the route with the longest
// matching prefix, falling back to a default backend. Ties between
// equal-length prefixes resolve in configuration order. The matched
// prefix is stripped before delegating and re-added to any paths in
// results, so routed backends always see their own rooted namespace.
type RouteBackend struct {
	def    Backend
	routes []Route
}

// NewRouteBackend creates a composite with the given default and routes.
func NewRouteBackend(def Backend, routes ...Route) *RouteBackend {
	rs := make([]Route, len(routes))
	for i, r := range routes {
		p := state.NormalizePath(r.Prefix)
		if p != "/" {
			p += "/"
		}
		rs[i] = Route{Prefix: p, Backend: r.Backend}
	}
	return &RouteBackend{def: def, routes: rs}
}

// resolve picks the backend for path and returns the delegated inner
// path plus the matched prefix ("" for the default backend).
func (b *RouteBackend) resolve(path string) (Backend, string, string) {
	path = state.NormalizePath(path)

	best := -1
	for i, r := range b.routes {
		trimmed := strings.TrimSuffix(r.Prefix, "/")
		if path == trimmed || strings.HasPrefix(path, r.Prefix) {
			if best < 0 || len(r.Prefix) > len(b.routes[best].Prefix) {
				best = i
			}
		}
	}
	if best < 0 {
		return b.def, path, ""
	}

	r := b.routes[best]
	inner := strings.TrimPrefix(path, strings.TrimSuffix(r.Prefix, "/"))
	if inner == "" {
		inner = "/"
	}
	return r.Backend, inner, strings.TrimSuffix(r.Prefix, "/")
}

// reprefix restores the stripped route prefix on a result path.
func reprefix(prefix, p string) string {
	if prefix == "" {
		return p
	}
	if p == "/" {
		return prefix
	}
	return prefix + p
}

func (b *RouteBackend) List(ctx context.Context, dir string) ([]FileInfo, error) {
	target, inner, prefix := b.resolve(dir)
	out, err := target.List(ctx, inner)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Path = reprefix(prefix, out[i].Path)
	}

	// A root listing additionally shows each configured route as a
	// pseudo-directory.
	if state.NormalizePath(dir) == "/" && prefix == "" {
		seen := make(map[string]bool, len(out))
		for _, fi := range out {
			seen[fi.Path] = true
		}
		for _, r := range b.routes {
			p := strings.TrimSuffix(r.Prefix, "/")
			if p != "" && !seen[p] {
				seen[p] = true
				out = append(out, FileInfo{Path: p, IsDir: true})
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	}
	return out, nil
}

func (b *RouteBackend) Read(ctx context.Context, path string, offset, limit int) string {
	target, inner, prefix := b.resolve(path)
	out := target.Read(ctx, inner, offset, limit)
	// Not-found sentinels mention the inner path; rewrite so the caller
	// sees the path it asked about.
	if prefix != "" && out == errNotFound(inner) {
		return errNotFound(reprefix(prefix, inner))
	}
	return out
}

func (b *RouteBackend) ReadRaw(ctx context.Context, path string) (*state.FileRecord, error) {
	target, inner, _ := b.resolve(path)
	return target.ReadRaw(ctx, inner)
}

func (b *RouteBackend) Write(ctx context.Context, path, content string) WriteResult {
	target, inner, prefix := b.resolve(path)
	res := target.Write(ctx, inner, content)
	if res.Success {
		res.Path = reprefix(prefix, res.Path)
	} else if prefix != "" && res.Error == errAlreadyExists(inner) {
		res.Error = errAlreadyExists(reprefix(prefix, inner))
	}
	return res
}

func (b *RouteBackend) Edit(ctx context.Context, path, oldStr, newStr string, replaceAll bool) EditResult {
	target, inner, prefix := b.resolve(path)
	res := target.Edit(ctx, inner, oldStr, newStr, replaceAll)
	if prefix != "" && res.Error == errNotFound(inner) {
		res.Error = errNotFound(reprefix(prefix, inner))
	}
	return res
}

func (b *RouteBackend) Grep(ctx context.Context, pattern, dir, glob string) ([]GrepMatch, error) {
	target, inner, prefix := b.resolve(dir)
	matches, err := target.Grep(ctx, pattern, inner, glob)
	if err != nil {
		return nil, err
	}
	for i := range matches {
		matches[i].Path = reprefix(prefix, matches[i].Path)
	}
	return matches, nil
}

func (b *RouteBackend) Glob(ctx context.Context, pattern, dir string) ([]FileInfo, error) {
	target, inner, prefix := b.resolve(dir)
	out, err := target.Glob(ctx, pattern, inner)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Path = reprefix(prefix, out[i].Path)
	}
	return out, nil
}
