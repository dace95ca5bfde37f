package lanes

import "reflect"

// Context is the type-indexed carrier of per-frame inputs/outputs handed
// to a lane. It is constructed by the owning agent at the start of a
// tactical update, passed by exclusive reference to exactly one lane at a
// time, and dropped before the next tick — it is never shared across
// threads, so no internal locking is required; the owning agent's single-
// threaded use during its own update is the entire safety contract.
//
// Invariant: at most one entry per concrete type. Put overwrites any
// existing entry for that type rather than erroring, since the owning
// agent is the only writer within a tick.
type Context struct {
	values map[reflect.Type]any
}

// NewContext returns an empty LaneContext.
func NewContext() *Context {
	return &Context{values: make(map[reflect.Type]any)}
}

// Put stores value under its concrete type, replacing any prior entry.
func Put[T any](c *Context, value T) {
	c.values[reflect.TypeOf(value)] = value
}

// Get retrieves the value of type T, or InvalidContextError if absent.
func Get[T any](c *Context) (T, error) {
	var zero T
	t := reflect.TypeOf(zero)
	raw, ok := c.values[t]
	if !ok {
		return zero, &InvalidContextError{Expected: t}
	}
	v, ok := raw.(T)
	if !ok {
		return zero, &InvalidContextError{Expected: t, Received: reflect.TypeOf(raw)}
	}
	return v, nil
}

// Len reports the number of distinct-type entries currently held; used by
// tests asserting the "at most one entry per type" invariant.
func (c *Context) Len() int { return len(c.values) }

// Slot is a lifetime-erased wrapper around a mutable borrow. The wrapper
// must not outlive the borrowed value; the scheduler guarantees this by
// scoping construction and consumption to a single tick on a single
// thread (see Context's doc comment).
type Slot[T any] struct {
	ptr *T
}

// NewSlot wraps a mutable borrow of v.
func NewSlot[T any](v *T) Slot[T] { return Slot[T]{ptr: v} }

// Get returns the underlying pointer. Panics if the slot is zero-valued,
// mirroring a nil-borrow bug surfacing immediately rather than silently.
func (s Slot[T]) Get() *T {
	if s.ptr == nil {
		panic("lanes: Slot accessed without a borrowed value")
	}
	return s.ptr
}

// Ref is a lifetime-erased wrapper around a shared (read-only) borrow.
type Ref[T any] struct {
	ptr *T
}

// NewRef wraps a shared borrow of v.
func NewRef[T any](v *T) Ref[T] { return Ref[T]{ptr: v} }

// Get returns the underlying read-only value.
func (r Ref[T]) Get() T {
	if r.ptr == nil {
		panic("lanes: Ref accessed without a borrowed value")
	}
	return *r.ptr
}
