// Package pending maps instance ids to the one-shot completion handles
// observed by submitters.
package pending

import (
	"context"
	"sync"
)

// Future is a one-shot result cell. It is resolved exactly once, in apply
// order, with the output of the state transfer for its instance id.
type Future struct {
	done chan struct{}
	out  any
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done returns a channel closed when the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Output returns the resolved value. Valid only after Done is closed.
func (f *Future) Output() any {
	return f.out
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) complete(out any) {
	f.out = out
	close(f.done)
}

// Map is a thread-safe id to Future mapping. Entries are not retained
// past completion: Complete hands the output to the cell and evicts it,
// so abandoned futures for applied instances never pin the map. A
// GetOrCreate after completion returns a fresh, unresolved cell, which
// callers treat the same as a collected entry.
type Map struct {
	mu    sync.Mutex
	cells map[int64]*Future
}

// NewMap creates an empty pending map.
func NewMap() *Map {
	return &Map{cells: make(map[int64]*Future)}
}

// GetOrCreate returns the handle registered under id, creating it if
// absent. Idempotent: concurrent callers for the same id observe the
// same cell.
func (m *Map) GetOrCreate(id int64) *Future {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.cells[id]
	if !ok {
		f = newFuture()
		m.cells[id] = f
	}
	return f
}

// Complete resolves the handle under id with out and drops the entry.
// If no entry exists the output is delivered to a throwaway cell, which
// is harmless: it means no submitter is listening.
func (m *Map) Complete(id int64, out any) {
	m.mu.Lock()
	f, ok := m.cells[id]
	if ok {
		delete(m.cells, id)
	}
	m.mu.Unlock()

	if !ok {
		f = newFuture()
	}
	f.complete(out)
}

// Len reports the number of unresolved entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cells)
}
