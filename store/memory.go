// Package store provides standard Persistence and Sequence
// implementations for the rsm driver.
package store

import (
	"context"
	"sync"

	"github.com/statewise/go-rsm/internal/interfaces"
)

// Memory is a process-local Persistence. Suitable for tests and for
// single-process deployments that can afford to lose progress on
// restart.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Put implements the Persistence interface
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Get implements the Persistence interface
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Remove implements the Persistence interface
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// MemorySequence is a mutex-guarded monotonic allocator starting at 0.
type MemorySequence struct {
	mu   sync.Mutex
	next int64
}

// NewMemorySequence creates a sequence that allocates from 0.
func NewMemorySequence() *MemorySequence {
	return &MemorySequence{}
}

// Next implements the Sequence interface
func (s *MemorySequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.next
	s.next++
	return v
}

// Set implements the Sequence interface
func (s *MemorySequence) Set(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = v
}

// Current implements the Sequence interface
func (s *MemorySequence) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Compile-time interface checks
var (
	_ interfaces.Persistence = (*Memory)(nil)
	_ interfaces.Sequence    = (*MemorySequence)(nil)
)
