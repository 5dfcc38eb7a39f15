// Package coordinator provides a single-node Coordinator for running the
// rsm driver without a cluster: demos, examples, and integration tests.
package coordinator

import (
	"context"
	"sync"

	"github.com/statewise/go-rsm/internal/interfaces"
)

// Local decides each slot on the first Coordinate for it. There are no
// peers: Learn is a no-op and Max is simply the highest decided slot.
// Instance waiters are woken as slots are decided, so out-of-order
// decisions (possible when many submitters race) are fetched by the
// apply loop in id order regardless.
type Local struct {
	mu      sync.Mutex
	decided map[int64][]byte
	waiters map[int64][]chan []byte
	max     int64
	floor   int64
}

// NewLocal creates an empty local coordinator.
func NewLocal() *Local {
	return &Local{
		decided: make(map[int64][]byte),
		waiters: make(map[int64][]chan []byte),
		max:     -1,
	}
}

// Coordinate implements the Coordinator interface. The first value
// submitted for a slot wins; re-submission of a decided slot is a no-op,
// which makes the call idempotent.
func (l *Local) Coordinate(_ context.Context, id int64, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.decided[id]; ok {
		return nil
	}
	v := append([]byte(nil), value...)
	l.decided[id] = v
	if id > l.max {
		l.max = id
	}
	for _, ch := range l.waiters[id] {
		ch <- v
	}
	delete(l.waiters, id)
	return nil
}

// Instance implements the Coordinator interface
func (l *Local) Instance(ctx context.Context, id int64) ([]byte, error) {
	l.mu.Lock()
	if v, ok := l.decided[id]; ok {
		l.mu.Unlock()
		return append([]byte(nil), v...), nil
	}
	ch := make(chan []byte, 1)
	l.waiters[id] = append(l.waiters[id], ch)
	l.mu.Unlock()

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Learn implements the Coordinator interface. A single node has no peers
// to learn from.
func (l *Local) Learn(int64) {}

// Max implements the Coordinator interface
func (l *Local) Max() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.max
}

// Forget implements the Coordinator interface
func (l *Local) Forget(before int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if before <= l.floor {
		return
	}
	for id := range l.decided {
		if id < before {
			delete(l.decided, id)
		}
	}
	l.floor = before
}

// Compile-time interface check
var _ interfaces.Coordinator = (*Local)(nil)
