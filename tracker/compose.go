package tracker

import (
	"github.com/pkg/errors"

	"github.com/igtkit/igtk/spatialmath"
)

// composeLocked maps a tool's raw pose into patient coordinates:
//
//	Patient ∘ (Reference⁻¹ ∘ Raw) ∘ Calibration
//
// with the reference factor only present when a reference tool is applied. The result keeps the
// error estimate and validity window of the raw pose.
func (t *Tracker) composeLocked(tl *tool) (spatialmath.Transform, error) {
	raw := tl.transform
	relative := raw
	if t.reference.apply {
		ref, err := t.toolLocked(t.reference.handle.Port, t.reference.handle.Tool)
		if err != nil {
			return spatialmath.Transform{}, errors.Wrapf(ErrNoReferenceTool, "reference %s", t.reference.handle)
		}
		relative = spatialmath.Compose(ref.transform.Inverse(), raw)
	}
	calibration := t.calibration
	if tl.calibration != nil {
		calibration = *tl.calibration
	}
	composed := spatialmath.Compose(spatialmath.Compose(t.patient, relative), calibration)
	return composed.WithMetadataFrom(raw), nil
}

// ToolTransform returns the pose of a tool in patient coordinates, relative to the reference tool
// when one is applied, with the tool calibration applied.
func (t *Tracker) ToolTransform(portIdx, toolIdx int) (spatialmath.Transform, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tl, err := t.toolLocked(portIdx, toolIdx)
	if err != nil {
		return spatialmath.Transform{}, err
	}
	return t.composeLocked(tl)
}

// RawToolTransform returns the pose of a tool as last stored, in device coordinates.
func (t *Tracker) RawToolTransform(portIdx, toolIdx int) (spatialmath.Transform, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tl, err := t.toolLocked(portIdx, toolIdx)
	if err != nil {
		return spatialmath.Transform{}, err
	}
	return tl.transform, nil
}

// SetToolTransform overwrites the raw pose of a tool. The next poll that sees the tool replaces
// it again.
func (t *Tracker) SetToolTransform(portIdx, toolIdx int, tf spatialmath.Transform) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tl, err := t.toolLocked(portIdx, toolIdx)
	if err != nil {
		return err
	}
	tl.transform = tf
	return nil
}

// SetReferenceTool chooses the tool that poses are expressed relative to. With apply false the
// reference is dropped and the indices are ignored; with apply true they must name a tool.
func (t *Tracker) SetReferenceTool(apply bool, portIdx, toolIdx int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !apply {
		t.reference.apply = false
		return nil
	}
	if _, err := t.toolLocked(portIdx, toolIdx); err != nil {
		return err
	}
	t.reference = referenceTool{apply: true, handle: ToolHandle{Port: portIdx, Tool: toolIdx}}
	return nil
}

// ReferenceTool returns the reference tool and whether it is applied.
func (t *Tracker) ReferenceTool() (ToolHandle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reference.handle, t.reference.apply
}

// SetPatientTransform sets the transform from reference (or device) coordinates to patient
// coordinates.
func (t *Tracker) SetPatientTransform(tf spatialmath.Transform) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.patient = tf
}

// PatientTransform returns the transform set by SetPatientTransform.
func (t *Tracker) PatientTransform() spatialmath.Transform {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.patient
}

// SetToolCalibrationTransform sets the calibration applied to every tool without its own.
func (t *Tracker) SetToolCalibrationTransform(tf spatialmath.Transform) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calibration = tf
}

// ToolCalibrationTransform returns the calibration applied to tools without their own.
func (t *Tracker) ToolCalibrationTransform() spatialmath.Transform {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.calibration
}

// SetToolCalibration gives one tool its own calibration, replacing the tracker wide one for that
// tool.
func (t *Tracker) SetToolCalibration(portIdx, toolIdx int, tf spatialmath.Transform) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tl, err := t.toolLocked(portIdx, toolIdx)
	if err != nil {
		return err
	}
	tl.calibration = &tf
	return nil
}
