package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/okian/coinledger/internal/domain/account"
)

// MemoryStore is an in-process Store. Update runs fn outside the lock and
// commits only if the record version is unchanged, so concurrent writers
// observe real optimistic conflicts.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*account.Account
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*account.Account)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*account.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, a *account.Account) (*account.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := a.Clone()
	rec.Normalize()
	rec.Version = 1

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return nil, ErrAlreadyExists
	}
	s.records[rec.ID] = rec
	return rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn UpdateFunc) (*account.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	working := rec.Clone()
	s.mu.RUnlock()

	version := working.Version
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	working.Version = version + 1

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.records[id]; cur == nil || cur.Version != version {
		return nil, ErrConflict
	}
	s.records[id] = working
	return working.Clone(), nil
}

func (s *MemoryStore) ExpiredFeatures(ctx context.Context, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, rec := range s.records {
		if rec.ActiveFeature.Expired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemoryStore) Close(_ context.Context) error { return nil }

// MemoryCatalog is a Catalog backed by a map of task points.
type MemoryCatalog struct {
	mu    sync.RWMutex
	tasks map[string]int64
}

var _ Catalog = (*MemoryCatalog)(nil)

// NewMemoryCatalog creates a catalog holding a copy of tasks.
func NewMemoryCatalog(tasks map[string]int64) *MemoryCatalog {
	c := &MemoryCatalog{tasks: make(map[string]int64, len(tasks))}
	for id, points := range tasks {
		c.tasks[id] = points
	}
	return c
}

// Put adds or replaces a task.
func (c *MemoryCatalog) Put(id string, points int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[id] = points
}

func (c *MemoryCatalog) Task(ctx context.Context, id string) (account.Task, error) {
	if err := ctx.Err(); err != nil {
		return account.Task{}, err
	}
	c.mu.RLock()
	points, ok := c.tasks[id]
	c.mu.RUnlock()
	if !ok {
		return account.Task{}, ErrNotFound
	}
	if points < 0 {
		return account.Task{}, ErrInvalidTask
	}
	return account.Task{ID: id, Points: points}, nil
}
