package broadcast

import "sync"

// queue is a bounded FIFO that evicts its oldest entry when full, so a slow
// reader only loses its own backlog and never blocks the publisher.
type queue struct {
	mu      sync.Mutex
	buf     []Event
	size    int
	dropped uint64
	closed  bool
	notify  chan struct{}
}

func newQueue(size int) *queue {
	if size < 1 {
		size = 1
	}
	return &queue{
		buf:    make([]Event, 0, size),
		size:   size,
		notify: make(chan struct{}, 1),
	}
}

// push appends ev and reports whether an older event had to be evicted.
func (q *queue) push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	evicted := false
	if len(q.buf) == q.size {
		copy(q.buf, q.buf[1:])
		q.buf = q.buf[:len(q.buf)-1]
		q.dropped++
		evicted = true
	}
	q.buf = append(q.buf, ev)
	// notify is closed only under mu, so the send must stay inside the lock.
	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return evicted
}

// pop removes the head. ok is false when nothing is buffered.
func (q *queue) pop() (ev Event, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Event{}, false, true
	}
	if len(q.buf) == 0 {
		return Event{}, false, false
	}
	ev = q.buf[0]
	copy(q.buf, q.buf[1:])
	q.buf = q.buf[:len(q.buf)-1]
	return ev, true, false
}

// reset discards everything buffered; used when a client resynchronises.
func (q *queue) reset() {
	q.mu.Lock()
	q.buf = q.buf[:0]
	q.mu.Unlock()
}

func (q *queue) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.buf = nil
		close(q.notify)
	}
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *queue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
