package velocity

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map. Used in tests and
// single-node development; production uses RedisStore.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter

	// fail makes every call return an error, for degrade-path tests.
	fail bool

	now func() time.Time
}

type memCounter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		now:      time.Now,
	}
}

// SetFailing toggles simulated store unavailability.
func (s *MemoryStore) SetFailing(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

// IncrWindow increments key, creating it with the expiry when absent.
func (s *MemoryStore) IncrWindow(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("memory store failing")
	}

	c, ok := s.counters[key]
	if !ok || s.now().After(c.expiresAt) {
		c = &memCounter{expiresAt: s.now().Add(expiry)}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// GetCount returns the current count; 0 when absent or expired.
func (s *MemoryStore) GetCount(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("memory store failing")
	}

	c, ok := s.counters[key]
	if !ok || s.now().After(c.expiresAt) {
		return 0, nil
	}
	return c.count, nil
}

// Ping reports simulated availability.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("memory store failing")
	}
	return nil
}

// Close clears all counters.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]*memCounter)
	return nil
}
