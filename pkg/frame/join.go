package frame

import "sync"

// Join waits for a fixed number of asynchronous completions and then runs a
// continuation exactly once.
//
// The counter is set when the Join is created, before any sub-call is
// issued, so an early callback can never observe a partially initialized
// count. Every callback calls Done; the one that drops the counter to zero
// runs the continuation outside the lock.
type Join struct {
	mu      sync.Mutex
	pending int
	fired   bool
	done    func()
}

// NewJoin creates a join expecting n completions. With n == 0 the
// continuation runs immediately, before NewJoin returns.
func NewJoin(n int, done func()) *Join {
	j := &Join{pending: n, done: done}
	if n <= 0 {
		j.fired = true
		done()
	}
	return j
}

// Done records one completion. Calls beyond the expected count are ignored
// and recorded as violations.
func (j *Join) Done() {
	j.mu.Lock()
	if j.fired || j.pending <= 0 {
		j.mu.Unlock()
		violations.Add(1)
		return
	}
	j.pending--
	last := j.pending == 0
	if last {
		j.fired = true
	}
	j.mu.Unlock()

	if last {
		j.done()
	}
}

// Pending returns the number of outstanding completions.
func (j *Join) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pending
}
