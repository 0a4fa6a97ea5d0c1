package ha

import "sync"

// eventQueue is an unbounded FIFO between the reader and the dispatcher.
// push never blocks, so result messages keep flowing while handlers run.
type eventQueue struct {
	mu    sync.Mutex
	items []*Message
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

// push appends msg and returns the resulting backlog.
func (q *eventQueue) push(msg *Message) int {
	q.mu.Lock()
	q.items = append(q.items, msg)
	n := len(q.items)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return n
}

// drain removes and returns every queued message in arrival order.
func (q *eventQueue) drain() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
