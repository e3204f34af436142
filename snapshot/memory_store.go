package snapshot

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process
// deployments without Postgres.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snaps[snap.ID]; exists {
		return fmt.Errorf("snapshot %s already exists", snap.ID)
	}
	s.snaps[snap.ID] = snap
	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNoSnapshots, id)
	}
	return snap, nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.sortedLocked()
	if len(snaps) == 0 {
		return Snapshot{}, ErrNoSnapshots
	}
	return snaps[0], nil
}

// ListSnapshots returns snapshots newest first.
func (s *MemoryStore) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(), nil
}

func (s *MemoryStore) UpdateSnapshotSafety(ctx context.Context, id string, safety Safety) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSnapshots, id)
	}
	snap.Safety = safety
	s.snaps[id] = snap
	return nil
}

func (s *MemoryStore) DeleteSnapshot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNoSnapshots, id)
	}
	delete(s.snaps, id)
	return nil
}

func (s *MemoryStore) sortedLocked() []Snapshot {
	snaps := make([]Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].ID > snaps[j].ID
	})
	return snaps
}
