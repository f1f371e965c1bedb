package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memoryEntry struct {
	sample    Sample
	embedding []float32
}

// Memory is an in-process Store ranking by cosine similarity.
type Memory struct {
	dimension int

	mu          sync.RWMutex
	collections map[string][]memoryEntry
	searches    int
}

func NewMemory(dimension int) *Memory {
	return &Memory{dimension: dimension, collections: make(map[string][]memoryEntry)}
}

func (m *Memory) EnsureCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = nil
	}
	return nil
}

func (m *Memory) Ready(context.Context) error { return nil }

func (m *Memory) Upsert(_ context.Context, collection string, sample Sample, embedding []float32) (string, error) {
	if err := checkDimension(embedding, m.dimension); err != nil {
		return "", err
	}
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.collections[collection]
	for i := range entries {
		if entries[i].sample.ID == sample.ID {
			entries[i] = memoryEntry{sample: sample, embedding: embedding}
			return sample.ID, nil
		}
	}
	m.collections[collection] = append(entries, memoryEntry{sample: sample, embedding: embedding})
	return sample.ID, nil
}

func (m *Memory) Search(_ context.Context, collection, tenantID string, embedding []float32, k int) ([]Hit, error) {
	if err := checkDimension(embedding, m.dimension); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.searches++
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []Hit
	for _, entry := range m.collections[collection] {
		if entry.sample.TenantID != tenantID {
			continue
		}
		hits = append(hits, Hit{Sample: entry.sample, Score: cosine(embedding, entry.embedding)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *Memory) Scroll(_ context.Context, collection, tenantID string, limit int) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Sample
	for _, entry := range m.collections[collection] {
		if entry.sample.TenantID != tenantID {
			continue
		}
		out = append(out, entry.sample)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Searches counts Search calls.
func (m *Memory) Searches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.searches
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
