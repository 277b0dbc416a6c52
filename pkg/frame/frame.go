// Package frame implements the call-frame runtime every translator rides on.
//
// An operation travels down the translator tree as a chain of frames. Each
// frame carries the shared Root (caller credentials, bailout timeout), an
// opaque Local payload owned by the translator that created the frame, and a
// mutex protecting Local against concurrent sub-call completions.
//
// Completion Contract:
// A frame completes (unwinds) exactly once. Complete returns true for the
// first caller only; any later attempt is dropped and counted as a contract
// violation so tests and operators can detect it.
package frame

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Creds identifies the caller on whose behalf an operation runs.
type Creds struct {
	UID uint32
	GID uint32
	PID int32
}

// RootCreds are the elevated credentials used by self-heal.
var RootCreds = Creds{UID: 0, GID: 0, PID: -1}

// Root is shared by every frame of one top-level operation.
type Root struct {
	// ID uniquely identifies the top-level operation
	ID uuid.UUID

	// Creds are the caller credentials
	Creds Creds

	// Timeout is the call-bailout duration applied to every wind issued under
	// this root. Zero disables the watchdog.
	Timeout time.Duration

	refs atomic.Int32
}

// NewRoot creates a root with one reference held by the caller.
func NewRoot(creds Creds) *Root {
	r := &Root{ID: uuid.New(), Creds: creds}
	r.refs.Store(1)
	return r
}

// Ref takes an additional reference.
func (r *Root) Ref() *Root {
	r.refs.Add(1)
	return r
}

// Unref drops a reference and reports whether it was the last one.
func (r *Root) Unref() bool {
	n := r.refs.Add(-1)
	if n < 0 {
		violations.Add(1)
	}
	return n == 0
}

// Refs returns the current reference count.
func (r *Root) Refs() int32 {
	return r.refs.Load()
}

// Frame is one in-flight operation inside one translator.
type Frame struct {
	// ID uniquely identifies this frame
	ID uuid.UUID

	// Root is the shared root of the operation
	Root *Root

	// Parent is the frame that wound into this one (nil at the top)
	Parent *Frame

	// This is the name of the translator currently owning the frame
	This string

	// Local is the translator-owned per-frame state. The runtime never frees
	// or inspects it.
	Local any

	mu       sync.Mutex
	complete atomic.Bool
}

// NewFrame creates a top-level frame owned by translator this.
func NewFrame(root *Root, this string) *Frame {
	return &Frame{
		ID:   uuid.New(),
		Root: root,
		This: this,
	}
}

// Child creates the frame for a sub-call wound into translator this.
func (f *Frame) Child(this string) *Frame {
	f.Root.Ref()
	return &Frame{
		ID:     uuid.New(),
		Root:   f.Root,
		Parent: f,
		This:   this,
	}
}

// Copy creates an independent frame sharing no completion state with f, used
// for background work (self-heal) started from inside an operation. The new
// frame gets its own root so the original operation can finish first.
func (f *Frame) Copy(creds Creds) *Frame {
	root := NewRoot(creds)
	root.Timeout = f.Root.Timeout
	return NewFrame(root, f.This)
}

// Lock acquires the frame mutex guarding Local.
func (f *Frame) Lock() {
	f.mu.Lock()
}

// Unlock releases the frame mutex.
func (f *Frame) Unlock() {
	f.mu.Unlock()
}

// Complete marks the frame unwound. It returns true exactly once; every
// further call returns false and is recorded as a violation.
func (f *Frame) Complete() bool {
	if f.complete.CompareAndSwap(false, true) {
		if f.Parent != nil {
			f.Root.Unref()
		}
		return true
	}
	violations.Add(1)
	return false
}

// Completed reports whether the frame already unwound.
func (f *Frame) Completed() bool {
	return f.complete.Load()
}

var violations atomic.Int64

// Violations returns the number of contract violations observed process-wide
// (double unwinds, extra join completions, negative root refcounts).
func Violations() int64 {
	return violations.Load()
}
