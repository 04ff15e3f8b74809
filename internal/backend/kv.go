package backend

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mhollis/reeve/internal/kvstore"
	"github.com/mhollis/reeve/internal/state"
)

// KVBackend stores each file as one JSON-encoded record in a generic
// key-value store, keyed "namespace:path". Any kvstore.Store works: the
// in-memory map for tests, SQLite for durability.
type KVBackend struct {
	store kvstore.Store
	ns    string
}

// NewKVBackend creates a backend over store. The namespace isolates
// multiple backends sharing one store; it may be empty.
func NewKVBackend(store kvstore.Store, namespace string) *KVBackend {
	return &KVBackend{store: store, ns: namespace}
}

func (b *KVBackend) key(path string) string {
	return b.ns + ":" + path
}

func (b *KVBackend) get(ctx context.Context, path string) (*state.FileRecord, bool) {
	raw, err := b.store.Get(ctx, b.key(path))
	if err != nil {
		return nil, false
	}
	var rec state.FileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (b *KVBackend) put(ctx context.Context, path string, rec *state.FileRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.store.Set(ctx, b.key(path), raw)
}

// paths returns every stored path in the namespace, sorted.
func (b *KVBackend) paths(ctx context.Context) []string {
	keys, err := b.store.Keys(ctx, b.ns+":")
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, b.ns+":"))
	}
	return out
}

func (b *KVBackend) List(ctx context.Context, dir string) ([]FileInfo, error) {
	dir = state.NormalizePath(dir)
	return listFlat(b.paths(ctx), dir, func(p string) (int64, time.Time) {
		if rec, ok := b.get(ctx, p); ok {
			return int64(len(rec.Text())), rec.ModifiedAt
		}
		return 0, time.Time{}
	}), nil
}

func (b *KVBackend) Read(ctx context.Context, path string, offset, limit int) string {
	path = state.NormalizePath(path)
	rec, ok := b.get(ctx, path)
	if !ok {
		return errNotFound(path)
	}
	return formatRead(path, rec, offset, limit)
}

func (b *KVBackend) ReadRaw(ctx context.Context, path string) (*state.FileRecord, error) {
	path = state.NormalizePath(path)
	rec, ok := b.get(ctx, path)
	if !ok {
		return nil, ErrFileNotFound
	}
	return rec, nil
}

func (b *KVBackend) Write(ctx context.Context, path, content string) WriteResult {
	path = state.NormalizePath(path)
	if _, exists := b.get(ctx, path); exists {
		return WriteResult{Success: false, Error: errAlreadyExists(path)}
	}
	if err := b.put(ctx, path, state.NewFileRecord(content)); err != nil {
		return WriteResult{Success: false, Error: "Error: " + err.Error()}
	}
	return WriteResult{Success: true, Path: path}
}

func (b *KVBackend) Edit(ctx context.Context, path, oldStr, newStr string, replaceAll bool) EditResult {
	path = state.NormalizePath(path)
	rec, ok := b.get(ctx, path)
	if !ok {
		return EditResult{Success: false, Error: errNotFound(path)}
	}
	newText, n, errMsg := editContent(rec.Text(), oldStr, newStr, replaceAll)
	if errMsg != "" {
		return EditResult{Success: false, Error: errMsg}
	}
	rec.Content = strings.Split(newText, "\n")
	rec.ModifiedAt = time.Now().UTC()
	if err := b.put(ctx, path, rec); err != nil {
		return EditResult{Success: false, Error: "Error: " + err.Error()}
	}
	return EditResult{Success: true, Occurrences: n}
}

func (b *KVBackend) Grep(ctx context.Context, pattern, dir, glob string) ([]GrepMatch, error) {
	dir = state.NormalizePath(dir)
	return grepFlat(b.paths(ctx), dir, pattern, glob, func(p string) string {
		if rec, ok := b.get(ctx, p); ok {
			return rec.Text()
		}
		return ""
	})
}

func (b *KVBackend) Glob(ctx context.Context, pattern, dir string) ([]FileInfo, error) {
	dir = state.NormalizePath(dir)
	return globFlat(b.paths(ctx), dir, pattern, func(p string) (int64, time.Time) {
		if rec, ok := b.get(ctx, p); ok {
			return int64(len(rec.Text())), rec.ModifiedAt
		}
		return 0, time.Time{}
	})
}
