package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zachbroad/webhook-engine/internal/model"
)

type memEntry struct {
	mu  sync.Mutex
	doc []byte
}

// MemoryStore keeps subscriptions as encoded documents guarded by a mutex per
// subscription. Reads and writes go through encode/decode so callers never
// share memory with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*memEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[uuid.UUID]*memEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, sub *model.Subscription) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	doc, err := encode(sub)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[sub.ID]; ok {
		return fmt.Errorf("create subscription %s: %w", sub.ID, model.ErrConflict)
	}
	s.entries[sub.ID] = &memEntry{doc: doc}
	return nil
}

func (s *MemoryStore) entry(id uuid.UUID) (*memEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*model.Subscription, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, fmt.Errorf("get subscription %s: %w", id, model.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return decode(e.doc)
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]model.Subscription, error) {
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	subs := make([]model.Subscription, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		sub, err := decode(e.doc)
		e.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if f.match(sub) {
			subs = append(subs, *sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, fn MutateFunc) (*model.Subscription, error) {
	e, ok := s.entry(id)
	if !ok {
		return nil, fmt.Errorf("update subscription %s: %w", id, model.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// deleted while we waited for the lock
	if cur, ok := s.entry(id); !ok || cur != e {
		return nil, fmt.Errorf("update subscription %s: %w", id, model.ErrNotFound)
	}

	sub, err := decode(e.doc)
	if err != nil {
		return nil, err
	}
	if err := apply(sub, fn, s.now()); err != nil {
		return nil, err
	}
	doc, err := encode(sub)
	if err != nil {
		return nil, err
	}
	e.doc = doc
	return sub, nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("delete subscription %s: %w", id, model.ErrNotFound)
	}
	delete(s.entries, id)
	return nil
}
