package xlator

import "sync"

// Event is a connectivity notification flowing through the graph.
type Event int

const (
	// EventChildUp travels upward when a child becomes reachable
	EventChildUp Event = iota
	// EventChildDown travels upward when a child becomes unreachable
	EventChildDown
	// EventChildConnecting travels upward while a child is (re)connecting
	EventChildConnecting
	// EventParentUp travels downward once the parent is ready for traffic
	EventParentUp
)

func (e Event) String() string {
	switch e {
	case EventChildUp:
		return "child-up"
	case EventChildDown:
		return "child-down"
	case EventChildConnecting:
		return "child-connecting"
	case EventParentUp:
		return "parent-up"
	default:
		return "unknown"
	}
}

// UpDownTracker applies up/down hysteresis to a set of children: the owner
// reports up on the first child coming up and down only when the last one
// goes down.
type UpDownTracker struct {
	mu    sync.Mutex
	up    map[string]bool
	state bool
}

// NewUpDownTracker creates a tracker with every child down.
func NewUpDownTracker() *UpDownTracker {
	return &UpDownTracker{up: make(map[string]bool)}
}

// Update records ev from child and returns the event the owner should emit to
// its parents, if any.
func (t *UpDownTracker) Update(child string, ev Event) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev {
	case EventChildUp:
		t.up[child] = true
	case EventChildDown:
		delete(t.up, child)
	default:
		return ev, false
	}

	anyUp := len(t.up) > 0
	if anyUp == t.state {
		return ev, false
	}
	t.state = anyUp
	if anyUp {
		return EventChildUp, true
	}
	return EventChildDown, true
}

// IsUp reports whether child is currently up.
func (t *UpDownTracker) IsUp(child string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.up[child]
}

// UpCount returns the number of children currently up.
func (t *UpDownTracker) UpCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.up)
}
