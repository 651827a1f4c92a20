package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/edwingeng/deque"

	"github.com/mattjoyce/pwgo-agent/internal/dbevent"
)

var errQueueClosed = errors.New("event queue closed")

// eventQueue is an unbounded FIFO of rows. Put never blocks; Get blocks until
// a row is available, the queue is closed and drained, or ctx is done.
type eventQueue struct {
	mu      sync.Mutex
	items   deque.Deque
	waiters []chan *dbevent.Row
	closed  bool
	aborted bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{items: deque.NewDeque()}
}

func (q *eventQueue) Put(row *dbevent.Row) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handOffLocked(row, false)
}

// handOffLocked gives row to the longest waiting Get, or stores it.
func (q *eventQueue) handOffLocked(row *dbevent.Row, front bool) {
	if len(q.waiters) > 0 {
		ch := q.waiters[0]
		q.waiters = q.waiters[1:]
		ch <- row
		return
	}
	if front {
		q.items.PushFront(row)
	} else {
		q.items.PushBack(row)
	}
}

func (q *eventQueue) Get(ctx context.Context) (*dbevent.Row, error) {
	q.mu.Lock()
	if q.aborted {
		q.mu.Unlock()
		return nil, errQueueClosed
	}
	if !q.items.Empty() {
		row := q.items.PopFront().(*dbevent.Row)
		q.mu.Unlock()
		return row, nil
	}
	if q.closed {
		q.mu.Unlock()
		return nil, errQueueClosed
	}
	ch := make(chan *dbevent.Row, 1)
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case row, ok := <-ch:
		if !ok {
			return nil, errQueueClosed
		}
		return row, nil
	case <-ctx.Done():
		q.mu.Lock()
		defer q.mu.Unlock()
		if !q.removeWaiterLocked(ch) {
			// Lost the race with Put or Close: return any handed-over row.
			if row, ok := <-ch; ok && !q.aborted {
				q.handOffLocked(row, true)
			}
		}
		return nil, ctx.Err()
	}
}

func (q *eventQueue) removeWaiterLocked(ch chan *dbevent.Row) bool {
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Close stops accepting waiters once the queue is drained.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
}

// Abort closes the queue and makes every later Get fail, leaving queued rows unprocessed.
func (q *eventQueue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = true
	q.closeLocked()
}

func (q *eventQueue) closeLocked() {
	if q.closed {
		return
	}
	q.closed = true
	for _, ch := range q.waiters {
		close(ch)
	}
	q.waiters = nil
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *eventQueue) Empty() bool {
	return q.Len() == 0
}
