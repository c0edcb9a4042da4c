package tracker

import (
	"context"

	"github.com/pkg/errors"

	"github.com/igtkit/igtk/spatialmath"
)

// updateStatus is the poll cycle. Without threading the frame is fetched here; with threading the
// worker has already buffered it.
func (t *Tracker) updateStatus() {
	if !t.threadingEnabled {
		ctx := t.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		t.threadedUpdateStatus(ctx)
	}
	if err := t.internalUpdateStatus(); err != nil {
		t.result = err
	}
}

// threadedUpdateStatus fetches one frame from the adapter into the raw buffer. It touches no
// tracker state other than the buffer.
func (t *Tracker) threadedUpdateStatus(ctx context.Context) {
	frame, err := t.fetchFrame(ctx)
	if err != nil {
		t.logger.Debugw("fetching tracker frame failed", "error", err)
	}
	t.buffer.store(frame, err, t.clock.Now())
}

func (t *Tracker) fetchFrame(ctx context.Context) (frame Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("adapter panicked while fetching a frame: %v", r)
		}
	}()
	return t.adapter.FetchFrame(ctx)
}

// internalUpdateStatus interprets the latest buffered frame into tool poses.
func (t *Tracker) internalUpdateStatus() error {
	snap := t.buffer.latest()
	if snap.cycle == t.lastConsumed {
		return nil
	}
	t.lastConsumed = snap.cycle

	for _, p := range t.ports {
		for _, tl := range p.tools {
			tl.updated = false
		}
	}

	if snap.err != nil {
		opErr := &OperationError{Op: "update status", State: t.machine.State(), Err: snap.err}
		t.logger.Warnw("tracker poll failed", "error", snap.err)
		t.emit(Event{Kind: EventOperationFailed, State: opErr.State, Err: opErr})
		return opErr
	}

	validity := t.validityLocked()
	for _, p := range t.ports {
		for _, tl := range p.tools {
			slot, ok := snap.slots[tl.handle]
			if !ok || !slot.valid || !slot.enabled {
				continue
			}
			if !slot.inView {
				if tl.visible || !tl.reported {
					tl.visible = false
					tl.reported = true
					t.emit(Event{Kind: EventToolNotAvailable, Tool: tl.handle})
				}
				continue
			}

			raw, ok := spatialmath.NewTransformFromRaw(slot.values, snap.stamp, validity)
			if !ok {
				t.logger.Warnw("degenerate quaternion from tracker, using identity rotation",
					"tool", tl.name, "handle", tl.handle.String())
			}
			tl.transform = raw
			tl.updated = true
			if !tl.visible {
				tl.visible = true
				tl.reported = true
				t.emit(Event{Kind: EventToolAvailable, Tool: tl.handle})
			}
			t.publishLocked(tl)
		}
	}
	return nil
}

// publishLocked reports a tool's new composed pose to subscribers and attached objects.
func (t *Tracker) publishLocked(tl *tool) {
	composed, err := t.composeLocked(tl)
	if err != nil {
		t.logger.Warnw("cannot compose tool transform", "tool", tl.name, "error", err)
		t.emit(Event{Kind: EventToolTransformUpdated, Tool: tl.handle, Transform: tl.transform, Err: err})
		return
	}
	t.emit(Event{Kind: EventToolTransformUpdated, Tool: tl.handle, Transform: composed})
	for _, obj := range tl.attached {
		t.deferred = append(t.deferred, func() { obj.SetTransform(composed) })
	}
}
