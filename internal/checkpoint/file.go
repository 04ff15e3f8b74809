package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileStore writes one JSON file per thread into a directory. Thread IDs
// are sanitized into filenames, so distinct IDs that sanitize to the
// same name would collide; callers use URL-safe thread IDs in practice.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

const fileExt = ".json"

// sanitize maps a thread ID to a safe filename component.
func sanitize(threadID string) string {
	var b strings.Builder
	for _, r := range threadID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || strings.Trim(name, ".") == "" {
		name = "_"
	}
	return name
}

func (s *FileStore) path(threadID string) string {
	return filepath.Join(s.dir, sanitize(threadID)+fileExt)
}

func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}

	now := time.Now().UTC()
	stored := cp.Clone()
	stored.UpdatedAt = now
	stored.CreatedAt = now

	if prev, err := s.read(cp.ThreadID); err == nil {
		if cp.Step < prev.Step {
			return errStepRegression(cp.ThreadID, prev.Step, cp.Step)
		}
		stored.CreatedAt = prev.CreatedAt
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write-then-rename so a crash mid-write never leaves a truncated
	// checkpoint behind.
	tmp := s.path(cp.ThreadID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.path(cp.ThreadID)); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// read loads and decodes a thread's file. Missing and corrupt files both
// come back as ErrNotFound: a record that cannot be decoded is as good
// as absent.
func (s *FileStore) read(threadID string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(threadID))
	if err != nil {
		return nil, ErrNotFound
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, ErrNotFound
	}
	if cp.ThreadID == "" {
		return nil, ErrNotFound
	}
	return &cp, nil
}

func (s *FileStore) Load(_ context.Context, threadID string) (*Checkpoint, error) {
	return s.read(threadID)
}

func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	ids := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		// The stored thread ID is authoritative; the filename is only
		// its sanitized shadow.
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil || cp.ThreadID == "" {
			continue
		}
		ids = append(ids, cp.ThreadID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Delete(_ context.Context, threadID string) error {
	err := os.Remove(s.path(threadID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) Exists(_ context.Context, threadID string) (bool, error) {
	_, err := s.read(threadID)
	if err != nil {
		return false, nil
	}
	return true, nil
}
