// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gate

import (
	"context"
	"net"
	"sync"

	"github.com/asch/ggbridge/internal/unit"
)

// Hands out units, one connection each. Once all units were handed out and
// all their connections are done, the queue is drained and next reports
// net.ErrClosed, so the server stops instead of waiting for a gateway that
// will never come.
type unitQueue struct {
	mu      sync.Mutex
	pending []unit.ID
	active  int
	closed  bool
	changed chan struct{}
}

func newUnitQueue(ids []unit.ID) *unitQueue {
	return &unitQueue{
		pending: append([]unit.ID(nil), ids...),
		changed: make(chan struct{}),
	}
}

// Returns the next unit to serve and the function to call when its
// connection is done. The function may be called more than once.
func (q *unitQueue) next(ctx context.Context) (unit.ID, func(), error) {
	for {
		q.mu.Lock()
		switch {
		case q.closed:
			q.mu.Unlock()
			return unit.Auto, nil, net.ErrClosed
		case len(q.pending) > 0:
			id := q.pending[0]
			q.pending = q.pending[1:]
			q.active++
			q.mu.Unlock()

			var once sync.Once
			return id, func() { once.Do(q.done) }, nil
		case q.active == 0:
			q.mu.Unlock()
			return unit.Auto, nil, net.ErrClosed
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return unit.Auto, nil, ctx.Err()
		}
	}
}

func (q *unitQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	q.notify()
}

func (q *unitQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notify()
}

// Wakes up everybody waiting in next. Called with the lock held.
func (q *unitQueue) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}
