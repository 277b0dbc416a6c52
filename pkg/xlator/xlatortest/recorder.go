package xlatortest

import (
	"sync"

	"github.com/marmos91/mirrorfs/pkg/xlator"
)

// Recorder sits on top of a translator and records the events it reports.
type Recorder struct {
	*xlator.Base

	mu     sync.Mutex
	events []xlator.Event
}

// NewRecorder stacks a recorder on child and registers itself as its parent.
func NewRecorder(child xlator.Translator) *Recorder {
	r := &Recorder{Base: xlator.NewBase("recorder", "debug/recorder", []xlator.Translator{child})}
	r.SetSelf(r)
	child.AddParent(r)
	return r
}

// Notify records events coming from below and forwards the rest.
func (r *Recorder) Notify(ev xlator.Event, from xlator.Translator) {
	if ev == xlator.EventParentUp {
		r.Base.Notify(ev, from)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns the recorded events in arrival order.
func (r *Recorder) Events() []xlator.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]xlator.Event(nil), r.events...)
}

// Last returns the most recent event.
func (r *Recorder) Last() (xlator.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return 0, false
	}
	return r.events[len(r.events)-1], true
}
