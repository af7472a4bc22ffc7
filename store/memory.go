package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoRecord struct {
	info      DocumentInfo
	revisions []Revision
}

// MemoryStore is an in-memory implementation of DocumentStore.
type MemoryStore struct {
	mu    sync.RWMutex
	memos map[string]*memoRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{memos: make(map[string]*memoRecord)}
}

func (s *MemoryStore) Create(_ context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.memos[id]; exists {
		return fmt.Errorf("memo %q: %w", id, ErrAlreadyExists)
	}
	now := time.Now()
	s.memos[id] = &memoRecord{
		info: DocumentInfo{
			ID:        id,
			Content:   content,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.memos[id]
	if !ok {
		return nil, fmt.Errorf("memo %q: %w", id, ErrNotFound)
	}
	info := rec.info
	return &info, nil
}

func (s *MemoryStore) List(_ context.Context) ([]DocumentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]DocumentInfo, 0, len(s.memos))
	for _, rec := range s.memos {
		result = append(result, rec.info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, id, content string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.memos[id]
	if !ok {
		return fmt.Errorf("memo %q: %w", id, ErrNotFound)
	}
	rec.info.Content = content
	rec.info.Version = version
	rec.info.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AppendRevision(_ context.Context, id string, rev Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.memos[id]
	if !ok {
		return fmt.Errorf("memo %q: %w", id, ErrNotFound)
	}
	if n := len(rec.revisions); n > 0 && rev.Version <= rec.revisions[n-1].Version {
		return fmt.Errorf("memo %q: revision %d is not after %d", id, rev.Version, rec.revisions[n-1].Version)
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now()
	}
	rec.revisions = append(rec.revisions, rev)
	return nil
}

func (s *MemoryStore) GetRevisions(_ context.Context, id string, fromVersion int64) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.memos[id]
	if !ok {
		return nil, fmt.Errorf("memo %q: %w", id, ErrNotFound)
	}
	i := sort.Search(len(rec.revisions), func(i int) bool { return rec.revisions[i].Version > fromVersion })
	revs := make([]Revision, len(rec.revisions)-i)
	copy(revs, rec.revisions[i:])
	return revs, nil
}
