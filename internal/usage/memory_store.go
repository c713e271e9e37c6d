package usage

import (
	"context"
	"sync"
)

type memoryKey struct {
	requester string
	resource  string
}

type memoryCounter struct {
	date  string
	count int
}

// MemoryStore keeps one counter per (requester, resource) in process memory.
// A counter whose date is not the requested day is treated as zero and
// replaced on the next increment.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[memoryKey]*memoryCounter
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[memoryKey]*memoryCounter)}
}

func (s *MemoryStore) IncrementIfBelow(_ context.Context, requesterID, resource, date string, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{requesterID, resource}
	c, ok := s.counters[key]
	if !ok || c.date != date {
		c = &memoryCounter{date: date}
		s.counters[key] = c
	}
	if c.count >= limit {
		return c.count, false, nil
	}
	c.count++
	return c.count, true, nil
}

func (s *MemoryStore) Decrement(_ context.Context, requesterID, resource, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[memoryKey{requesterID, resource}]
	if !ok || c.date != date || c.count <= 0 {
		return false, nil
	}
	c.count--
	return true, nil
}

func (s *MemoryStore) Counters(_ context.Context, requesterID, date string) ([]Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Counter
	for key, c := range s.counters {
		if key.requester != requesterID || c.date != date {
			continue
		}
		out = append(out, Counter{RequesterID: requesterID, Resource: key.resource, Date: date, Count: c.count})
	}
	return out, nil
}

// PruneBefore drops counters whose day is before date.
func (s *MemoryStore) PruneBefore(_ context.Context, date string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, c := range s.counters {
		if c.date < date {
			delete(s.counters, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
