// Package cache is the in-memory, key-addressed store of query results the UI
// renders from. Entries are optimistically patched before a write resolves and
// invalidated once the server has confirmed the write, so reads stay
// consistent with both local intent and eventual server truth.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// FetchFunc loads the authoritative result set for a key.
type FetchFunc func(ctx context.Context) (any, error)

// Snapshot captures an entry's state before an optimistic patch so a rejected
// write can restore it.
type Snapshot struct {
	value   any
	existed bool
}

type entry struct {
	value any
	stale bool
}

// Store is the shared read cache. One instance per process, injected into
// every consumer.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	group   singleflight.Group
	logger  *slog.Logger
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: make(map[string]*entry),
		logger:  logger.With("component", "cache"),
	}
}

// Get returns the cached value for key, fetching it when the entry is missing
// or stale. Concurrent gets for the same stale key share a single fetch.
func (s *Store) Get(ctx context.Context, key string, fetch FetchFunc) (any, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	if ok && !e.stale {
		v := e.value
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.group.Do(key, func() (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.entries[key] = &entry{value: v}
		s.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Peek returns the cached value without triggering a fetch, stale or not.
func (s *Store) Peek(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// OptimisticPatch applies transform to the cached value for key before the
// corresponding remote write resolves, and returns a snapshot of the previous
// state. The patched entry is served as fresh: the user's intent stands
// locally until the server either confirms or rejects it.
func (s *Store) OptimisticPatch(key string, transform func(any) any) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.entries[key] = &entry{value: transform(nil)}
		return Snapshot{existed: false}
	}

	snap := Snapshot{value: e.value, existed: true}
	e.value = transform(e.value)
	e.stale = false
	return snap
}

// Rollback restores the snapshot taken by OptimisticPatch. Called only when a
// write was explicitly rejected; queued-offline writes keep their patch.
func (s *Store) Rollback(key string, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !snap.existed {
		delete(s.entries, key)
		return
	}
	s.entries[key] = &entry{value: snap.value}
}

// Invalidate marks the given keys stale so the next Get refetches them.
func (s *Store) Invalidate(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		if e, ok := s.entries[key]; ok {
			e.stale = true
		}
	}
}

// InvalidatePrefix marks every entry whose key starts with prefix stale.
// Cache keys are resource-rooted ("tasks", "tasks/project-42"), so a change
// event for a resource invalidates all of its sub-keyed result sets at once.
func (s *Store) InvalidatePrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			e.stale = true
		}
	}
}

// InvalidateAll marks every entry stale.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		e.stale = true
	}
	s.logger.Debug("cache invalidated", "entries", len(s.entries))
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
