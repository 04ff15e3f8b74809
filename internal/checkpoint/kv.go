package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mhollis/reeve/internal/kvstore"
)

// KVStore persists checkpoints through a kvstore.Store under
// "namespace:threadID" keys. Two KVStores with different namespaces
// over the same underlying store never see each other's threads.
type KVStore struct {
	store kvstore.Store
	ns    string
}

// NewKVStore creates a namespaced checkpoint store over kv.
func NewKVStore(kv kvstore.Store, namespace string) *KVStore {
	if namespace == "" {
		namespace = "default"
	}
	return &KVStore{store: kv, ns: namespace}
}

func (s *KVStore) key(threadID string) string {
	return s.ns + ":" + threadID
}

func (s *KVStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}

	now := time.Now().UTC()
	stored := cp.Clone()
	stored.UpdatedAt = now
	stored.CreatedAt = now

	if prev, err := s.Load(ctx, cp.ThreadID); err == nil {
		if cp.Step < prev.Step {
			return errStepRegression(cp.ThreadID, prev.Step, cp.Step)
		}
		stored.CreatedAt = prev.CreatedAt
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.store.Set(ctx, s.key(cp.ThreadID), data); err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	return nil
}

func (s *KVStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	data, err := s.store.Get(ctx, s.key(threadID))
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		// Undecodable records read as absent.
		return nil, ErrNotFound
	}
	if cp.ThreadID == "" {
		return nil, ErrNotFound
	}
	return &cp, nil
}

func (s *KVStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.store.Keys(ctx, s.ns+":")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, s.ns+":"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *KVStore) Delete(ctx context.Context, threadID string) error {
	err := s.store.Delete(ctx, s.key(threadID))
	if err != nil && !errors.Is(err, kvstore.ErrKeyNotFound) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *KVStore) Exists(ctx context.Context, threadID string) (bool, error) {
	_, err := s.Load(ctx, threadID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
