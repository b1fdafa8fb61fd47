package progress

import "sync"

// queuedEmit is one outbound request buffered while disconnected. The
// result channel resolves once the request is actually written to the
// socket, so callers awaiting the original call are satisfied then.
type queuedEmit struct {
	event   string
	payload any
	result  chan error
}

// emitQueue buffers outbound accept/progress requests made while
// disconnected and releases them strictly in FIFO order.
type emitQueue struct {
	mu    sync.Mutex
	items []queuedEmit
}

func (q *emitQueue) enqueue(event string, payload any) <-chan error {
	item := queuedEmit{
		event:   event,
		payload: payload,
		result:  make(chan error, 1),
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	return item.result
}

// drain removes and returns everything queued, oldest first.
func (q *emitQueue) drain() []queuedEmit {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *emitQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
