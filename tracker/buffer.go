package tracker

import (
	"sync"
	"time"
)

// identityRaw is the value a slot is reset to when a fetch fails.
var identityRaw = [8]float64{0, 0, 0, 1, 0, 0, 0, 0}

// rawSlot is one tool's entry in a buffered frame.
type rawSlot struct {
	values  [8]float64
	inView  bool
	enabled bool
	// valid is false for slots reset after a failed fetch.
	valid bool
}

// snapshot is a complete buffered frame. All slots come from the same fetch.
type snapshot struct {
	cycle uint64
	stamp time.Time
	err   error
	slots map[ToolHandle]rawSlot
}

// rawBuffer is the only state shared between the polling worker and the goroutine interpreting
// frames. mu is held only while a frame is copied in or out.
type rawBuffer struct {
	mu      sync.Mutex
	handles []ToolHandle
	current snapshot
}

// reset forgets any buffered frame and records the tools frames will be interpreted for.
func (b *rawBuffer) reset(handles []ToolHandle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles = handles
	b.current = snapshot{cycle: b.current.cycle}
}

func (b *rawBuffer) knownHandles() []ToolHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles
}

// store publishes a new frame. A non-nil fetchErr publishes a frame whose slots are all reset to
// identity and marked invalid.
func (b *rawBuffer) store(frame Frame, fetchErr error, stamp time.Time) {
	handles := b.knownHandles()
	slots := make(map[ToolHandle]rawSlot, len(handles))
	if fetchErr != nil {
		for _, h := range handles {
			slots[h] = rawSlot{values: identityRaw}
		}
	} else {
		known := make(map[ToolHandle]struct{}, len(handles))
		for _, h := range handles {
			known[h] = struct{}{}
		}
		for _, s := range frame.Samples {
			h := ToolHandle{Port: s.Port, Tool: s.Tool}
			if _, ok := known[h]; !ok {
				continue
			}
			slots[h] = rawSlot{values: s.Raw(), inView: s.InView, enabled: s.Enabled, valid: true}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = snapshot{
		cycle: b.current.cycle + 1,
		stamp: stamp,
		err:   fetchErr,
		slots: slots,
	}
}

// latest returns the most recently stored frame. Published slot maps are never written again,
// so the map can be shared with the caller.
func (b *rawBuffer) latest() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
