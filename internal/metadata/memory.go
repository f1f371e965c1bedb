package metadata

import (
	"context"
	"sort"
	"sync"
	"time"
)

type threadKey struct {
	tenantID string
	threadID string
}

type schemaKey struct {
	tenantID string
	category string
}

// MemoryStore is an in-process Repository for tests and the test profile.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[threadKey]Thread
	schemas map[schemaKey]string
	prompts map[schemaKey]string
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[threadKey]Thread),
		schemas: make(map[schemaKey]string),
		prompts: make(map[schemaKey]string),
		now:     time.Now,
	}
}

// WithClock replaces the timestamp source.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

func (m *MemoryStore) SaveThread(_ context.Context, in Thread) (Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := threadKey{in.TenantID, in.ThreadID}
	now := m.now().UTC()
	out := in
	out.UpdatedAt = now
	if existing, ok := m.threads[key]; ok {
		out.CreatedAt = existing.CreatedAt
	} else {
		out.CreatedAt = now
	}
	m.threads[key] = out
	return out, nil
}

func (m *MemoryStore) ListThreads(_ context.Context, tenantID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []Thread
	for key, thread := range m.threads {
		if key.tenantID == tenantID {
			items = append(items, thread)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ThreadID < items[j].ThreadID
	})
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ThreadID)
	}
	return ids, nil
}

func (m *MemoryStore) GetThreads(_ context.Context, tenantID string, threadIDs []string) ([]Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Thread, 0, len(threadIDs))
	seen := make(map[string]bool, len(threadIDs))
	for _, id := range threadIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if thread, ok := m.threads[threadKey{tenantID, id}]; ok {
			out = append(out, thread)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateThread(_ context.Context, tenantID, threadID, chat string) (Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := threadKey{tenantID, threadID}
	thread, ok := m.threads[key]
	if !ok {
		return Thread{}, ErrNotFound
	}
	thread.Chat = chat
	thread.UpdatedAt = m.now().UTC()
	m.threads[key] = thread
	return thread, nil
}

func (m *MemoryStore) DeleteThread(_ context.Context, tenantID, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := threadKey{tenantID, threadID}
	if _, ok := m.threads[key]; !ok {
		return ErrNotFound
	}
	delete(m.threads, key)
	return nil
}

// PutSchema registers a schema fragment; an empty category is tenant-wide.
func (m *MemoryStore) PutSchema(tenantID, category, schema string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[schemaKey{tenantID, category}] = schema
}

func (m *MemoryStore) PutCategoryPrompt(tenantID, category, prompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts[schemaKey{tenantID, category}] = prompt
}

func (m *MemoryStore) LatestSchema(_ context.Context, tenantID, category string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if schema, ok := m.schemas[schemaKey{tenantID, category}]; ok {
		return schema, nil
	}
	if schema, ok := m.schemas[schemaKey{tenantID, ""}]; ok {
		return schema, nil
	}
	return "", ErrNotFound
}

func (m *MemoryStore) CategoryPrompt(_ context.Context, tenantID, category string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prompts[schemaKey{tenantID, category}], nil
}
