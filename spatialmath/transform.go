package spatialmath

import (
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Transform is a rigid transform: a rotation followed by a translation, together with a scalar
// error estimate and the time window during which it is considered valid.
//
// Transforms are values. Every operation returns a new Transform and never modifies its inputs.
type Transform struct {
	translation r3.Vector
	rotation    quat.Number
	err         float64
	start       time.Time
	expiration  time.Time
}

// NewIdentityTransform returns a transform with no rotation, no translation and zero error that
// is valid forever.
func NewIdentityTransform() Transform {
	return Transform{rotation: IdentityQuaternion}
}

// NewTransform returns a transform that is valid forever. The rotation is normalized. A
// degenerate rotation is replaced by the identity; callers that need to know use
// NewTransformChecked.
func NewTransform(translation r3.Vector, rotation quat.Number, errValue float64) Transform {
	t, _ := NewTransformChecked(translation, rotation, errValue)
	return t
}

// NewTransformChecked is NewTransform but also reports whether the rotation had a usable norm.
// When ok is false the returned rotation is the identity.
func NewTransformChecked(translation r3.Vector, rotation quat.Number, errValue float64) (t Transform, ok bool) {
	normalized, ok := NormalizeQuaternion(rotation)
	return Transform{
		translation: translation,
		rotation:    normalized,
		err:         errValue,
	}, ok
}

// NewTransformFromRaw builds a transform from the eight values a tracker reports per tool:
// quaternion (x, y, z, w), translation (x, y, z) and error. The transform is valid from start for
// validFor. ok is false when the quaternion was degenerate and replaced by the identity.
func NewTransformFromRaw(raw [8]float64, start time.Time, validFor time.Duration) (t Transform, ok bool) {
	t, ok = NewTransformChecked(
		r3.Vector{X: raw[4], Y: raw[5], Z: raw[6]},
		QuatFromXYZW(raw[0], raw[1], raw[2], raw[3]),
		raw[7],
	)
	return t.WithValidity(start, validFor), ok
}

// Translation returns the translation component.
func (t Transform) Translation() r3.Vector {
	return t.translation
}

// Rotation returns the unit quaternion rotation component.
func (t Transform) Rotation() quat.Number {
	if t.rotation == (quat.Number{}) {
		return IdentityQuaternion
	}
	return t.rotation
}

// Error returns the positional error estimate carried by the transform.
func (t Transform) Error() float64 {
	return t.err
}

// StartTime returns the time from which the transform is valid.
func (t Transform) StartTime() time.Time {
	return t.start
}

// ExpirationTime returns the time at which the transform stops being valid. The zero time means
// the transform never expires.
func (t Transform) ExpirationTime() time.Time {
	return t.expiration
}

// IsValidForever reports whether the transform has no expiration time.
func (t Transform) IsValidForever() bool {
	return t.expiration.IsZero()
}

// IsValidAt reports whether at falls inside the validity window.
func (t Transform) IsValidAt(at time.Time) bool {
	if !t.start.IsZero() && at.Before(t.start) {
		return false
	}
	return t.IsValidForever() || at.Before(t.expiration)
}

// WithValidity returns a copy of t valid from start for validFor. A non-positive validFor makes
// the copy valid forever.
func (t Transform) WithValidity(start time.Time, validFor time.Duration) Transform {
	t.start = start
	if validFor > 0 {
		t.expiration = start.Add(validFor)
	} else {
		t.expiration = time.Time{}
	}
	return t
}

// WithError returns a copy of t with its error estimate replaced.
func (t Transform) WithError(errValue float64) Transform {
	t.err = errValue
	return t
}

// WithMetadataFrom returns a copy of t carrying the error estimate and validity window of other.
func (t Transform) WithMetadataFrom(other Transform) Transform {
	t.err = other.err
	t.start = other.start
	t.expiration = other.expiration
	return t
}

// Inverse returns the transform that undoes t. The error estimate and validity window are kept.
func (t Transform) Inverse() Transform {
	inv := quat.Conj(t.Rotation())
	t.translation = RotateVector(inv, t.translation).Mul(-1)
	t.rotation = inv
	return t
}

// Apply maps a point through the transform.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return RotateVector(t.Rotation(), p).Add(t.translation)
}

// Compose returns a∘b, the transform that applies b first and then a. Rotations are multiplied
// and b's translation is rotated by a before being added to a's translation. The error estimates
// are summed and the validity window is the intersection of both windows.
func Compose(a, b Transform) Transform {
	qa := a.Rotation()
	rotation, _ := NormalizeQuaternion(quat.Mul(qa, b.Rotation()))
	ret := Transform{
		translation: a.translation.Add(RotateVector(qa, b.translation)),
		rotation:    rotation,
		err:         a.err + b.err,
		start:       a.start,
		expiration:  a.expiration,
	}
	if b.start.After(ret.start) {
		ret.start = b.start
	}
	if ret.expiration.IsZero() || (!b.expiration.IsZero() && b.expiration.Before(ret.expiration)) {
		ret.expiration = b.expiration
	}
	return ret
}

// TransformAlmostEqual reports whether two transforms have the same translation and rotation
// within tol. Error estimates and validity windows are not compared.
func TransformAlmostEqual(a, b Transform, tol float64) bool {
	d := a.translation.Sub(b.translation)
	if math.Abs(d.X) > tol || math.Abs(d.Y) > tol || math.Abs(d.Z) > tol {
		return false
	}
	return OrientationAlmostEqual(a.Rotation(), b.Rotation(), tol)
}

func (t Transform) String() string {
	q := t.Rotation()
	return fmt.Sprintf("T{x:%.3f y:%.3f z:%.3f q:(%.4f, %.4f, %.4f, %.4f) err:%.3f}",
		t.translation.X, t.translation.Y, t.translation.Z, q.Imag, q.Jmag, q.Kmag, q.Real, t.err)
}
