package tracker

import (
	"slices"

	"github.com/samber/lo"

	"github.com/igtkit/igtk/spatialmath"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	// EventToolTransformUpdated is sent when a tool received a new pose. Transform holds the
	// composed pose.
	EventToolTransformUpdated EventKind = iota
	// EventToolNotAvailable is sent when a visible tool goes out of view, and when a tool is
	// reported out of view in the first frame that mentions it.
	EventToolNotAvailable
	// EventToolAvailable is sent when a tool comes into view.
	EventToolAvailable
	// EventInvalidRequest is sent when an operation was requested in a state that does not
	// allow it.
	EventInvalidRequest
	// EventOperationFailed is sent when a hardware call failed. Err holds the OperationError.
	EventOperationFailed
	// EventStateChanged is sent when a request left the tracker in a different state.
	EventStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EventToolTransformUpdated:
		return "ToolTransformUpdated"
	case EventToolNotAvailable:
		return "ToolNotAvailable"
	case EventToolAvailable:
		return "ToolAvailable"
	case EventInvalidRequest:
		return "InvalidRequest"
	case EventOperationFailed:
		return "OperationFailed"
	case EventStateChanged:
		return "StateChanged"
	}
	return "Unknown"
}

// Event is a notification sent to subscribers. Fields that do not apply to the kind are zero.
type Event struct {
	Kind      EventKind
	Tool      ToolHandle
	Transform spatialmath.Transform
	State     State
	Err       error
}

// Movable is an object that follows a tool, e.g. a rendered model of the instrument.
type Movable interface {
	SetTransform(spatialmath.Transform)
}

// Subscribe registers fn to receive events and returns a function that unregisters it. Events
// are delivered on the goroutine that caused them, after the tracker has released its locks, so
// fn may call back into the tracker. Subscribers are called in registration order.
func (t *Tracker) Subscribe(fn func(Event)) func() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextSubID
	t.nextSubID++
	t.subscribers = append(t.subscribers, subscriber{id, fn})
	return func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		t.subscribers = lo.Reject(t.subscribers, func(s subscriber, _ int) bool { return s.id == id })
	}
}

type subscriber struct {
	id int
	fn func(Event)
}

// emit queues an event for delivery once the current request releases the state lock.
func (t *Tracker) emit(ev Event) {
	t.deferred = append(t.deferred, func() { t.dispatch(ev) })
}

func (t *Tracker) dispatch(ev Event) {
	t.subMu.Lock()
	subs := slices.Clone(t.subscribers)
	t.subMu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
