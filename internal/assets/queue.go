package assets

import "sync"

type task struct {
	key  Key
	src  Source
	size *Size
}

// fetchQueue is an unbounded FIFO of tasks shared by the workers. It also
// tracks outstanding work so callers can wait for it to drain.
type fetchQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       []*task
	outstanding int
	closed      bool
}

func newFetchQueue() *fetchQueue {
	q := &fetchQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *fetchQueue) push(t *task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, t)
	q.outstanding++
	q.cond.Broadcast()
	return true
}

// pop blocks until a task is available or the queue is closed.
func (q *fetchQueue) pop() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t, true
}

func (q *fetchQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outstanding--
	q.cond.Broadcast()
}

func (q *fetchQueue) wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.outstanding > 0 && !q.closed {
		q.cond.Wait()
	}
}

func (q *fetchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fetchQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}
