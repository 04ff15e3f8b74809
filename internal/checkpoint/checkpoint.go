// Package checkpoint provides durable snapshots of agent runs, keyed by
// thread, so a suspended or crashed run can resume where it stopped.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mhollis/reeve/internal/state"
)

// ErrNotFound is returned when no checkpoint exists for a thread.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is a point-in-time snapshot of one thread: the full message
// history plus the agent state, tagged with the step counter that
// produced it.
type Checkpoint struct {
	ThreadID  string            `json:"thread_id"`
	Step      int               `json:"step"`
	Messages  []state.Message   `json:"messages"`
	State     *state.AgentState `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone deep-copies the checkpoint so callers cannot mutate stored data.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = state.CloneMessages(c.Messages)
	if c.State != nil {
		out.State = c.State.Snapshot()
	}
	return &out
}

// Store persists checkpoints. One checkpoint per thread; saving again
// replaces it. Implementations must reject saves whose step is lower
// than the stored one, so a stale writer cannot roll a thread backward.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, threadID string) (*Checkpoint, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, threadID string) error
	Exists(ctx context.Context, threadID string) (bool, error)
}

// validate checks the fields every store requires.
func validate(cp *Checkpoint) error {
	if cp == nil {
		return errors.New("nil checkpoint")
	}
	if cp.ThreadID == "" {
		return errors.New("checkpoint missing thread id")
	}
	if cp.Step < 0 {
		return fmt.Errorf("negative step %d", cp.Step)
	}
	return nil
}

// errStepRegression reports a save that would move a thread backward.
func errStepRegression(threadID string, have, got int) error {
	return fmt.Errorf("thread %s: step %d is behind stored step %d", threadID, got, have)
}

// MemoryStore keeps checkpoints in a map. Used for tests and for
// ephemeral daemons that do not need persistence.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Checkpoint)}
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	stored := cp.Clone()
	stored.UpdatedAt = now

	if prev, ok := s.data[cp.ThreadID]; ok {
		if cp.Step < prev.Step {
			return errStepRegression(cp.ThreadID, prev.Step, cp.Step)
		}
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	s.data[cp.ThreadID] = stored
	return nil
}

func (s *MemoryStore) Load(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.data[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return cp.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, threadID)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, threadID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[threadID]
	return ok, nil
}
