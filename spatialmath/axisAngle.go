package spatialmath

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// See here for a thorough explanation: https://en.wikipedia.org/wiki/Axis%E2%80%93angle_representation
// An orientation can be expressed by specifying an axis, i.e. a line from the origin to a point on
// the unit sphere, represented by (rx, ry, rz), and a rotation around that axis, theta.

// R4AA represents an R4 axis angle. Theta is in radians.
type R4AA struct {
	Theta float64 `json:"th"`
	RX    float64 `json:"x"`
	RY    float64 `json:"y"`
	RZ    float64 `json:"z"`
}

// NewR4AAFromDegrees creates an R4AA from an angle in degrees and an axis.
func NewR4AAFromDegrees(thetaDeg, rx, ry, rz float64) *R4AA {
	return &R4AA{Theta: thetaDeg * math.Pi / 180, RX: rx, RY: ry, RZ: rz}
}

// ToQuat converts an R4 axis angle to a unit quaternion.
// See: https://www.euclideanspace.com/maths/geometry/rotations/conversions/angleToQuaternion/index.htm
func (r4 *R4AA) ToQuat() (quat.Number, error) {
	if r4.Theta == 0 {
		return IdentityQuaternion, nil
	}
	// Ensure that point xyz is on the unit sphere
	if err := r4.Normalize(); err != nil {
		return quat.Number{}, err
	}
	sinA := math.Sin(r4.Theta / 2)

	// Get the unit-sphere components
	ax := r4.RX * sinA
	ay := r4.RY * sinA
	az := r4.RZ * sinA
	w := math.Cos(r4.Theta / 2)
	return quat.Number{Real: w, Imag: ax, Jmag: ay, Kmag: az}, nil
}

// Normalize scales the x, y, and z components of a R4 axis angle to be on the unit sphere.
func (r4 *R4AA) Normalize() error {
	norm := math.Sqrt(r4.RX*r4.RX + r4.RY*r4.RY + r4.RZ*r4.RZ)
	if norm == 0.0 {
		return errors.New("cannot normalize axis angle with a zero length axis")
	}
	r4.RX /= norm
	r4.RY /= norm
	r4.RZ /= norm
	return nil
}
