package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store for the test profile and single-node
// development. Keys are bounded by an LRU; queues are unbounded FIFOs.
type MemoryStore struct {
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time

	mu     sync.Mutex
	queues map[string][][]byte
	signal chan struct{}
	closed bool
}

func NewMemoryStore(limit int) (*MemoryStore, error) {
	if limit <= 0 {
		limit = 10000
	}
	entries, err := lru.New[string, memoryEntry](limit)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &MemoryStore{
		entries: entries,
		now:     time.Now,
		queues:  make(map[string][][]byte),
		signal:  make(chan struct{}),
	}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := s.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		s.entries.Remove(key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries.Add(key, entry)
	return nil
}

func (s *MemoryStore) Enqueue(_ context.Context, queue string, item []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.queues[queue] = append(s.queues[queue], append([]byte(nil), item...))
	close(s.signal)
	s.signal = make(chan struct{})
	return nil
}

func (s *MemoryStore) Dequeue(ctx context.Context, queue string, wait time.Duration) ([]byte, bool, error) {
	var deadline <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, false, ErrClosed
		}
		if items := s.queues[queue]; len(items) > 0 {
			item := items[0]
			s.queues[queue] = items[1:]
			s.mu.Unlock()
			return item, true, nil
		}
		signal := s.signal
		s.mu.Unlock()

		if deadline == nil {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-deadline:
			return nil, false, nil
		case <-signal:
		}
	}
}

func (s *MemoryStore) QueueLen(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[queue])), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.signal)
	}
	return nil
}
