// Package spatialmath defines the rigid transform value type reported for tracked tools and the
// quaternion helpers it is built on.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// DegenerateQuaternionEpsilon is the squared-norm threshold under which a quaternion is treated
// as carrying no rotation information.
const DegenerateQuaternionEpsilon = 1e-6

// IdentityQuaternion is the versor representing no rotation.
var IdentityQuaternion = quat.Number{Real: 1}

// QuatFromXYZW builds a quaternion from components in the (x, y, z, w) order trackers report them.
func QuatFromXYZW(x, y, z, w float64) quat.Number {
	return quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
}

// QuatToXYZW returns the components of q in (x, y, z, w) order.
func QuatToXYZW(q quat.Number) [4]float64 {
	return [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}
}

// SquaredNorm returns the sum of the squares of all four components of q.
func SquaredNorm(q quat.Number) float64 {
	return q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag
}

// Norm returns the norm of the quaternion, i.e. the sqrt of the squares of the imaginary parts.
func Norm(q quat.Number) float64 {
	return math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// Flip will multiply a quaternion by -1, returning a quaternion representing the same orientation but in the opposing octant.
func Flip(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}

// NormalizeQuaternion scales q to unit length. If the squared norm of q is below
// DegenerateQuaternionEpsilon the identity rotation is returned instead and ok is false.
func NormalizeQuaternion(q quat.Number) (normalized quat.Number, ok bool) {
	sq := SquaredNorm(q)
	if sq < DegenerateQuaternionEpsilon || math.IsNaN(sq) || math.IsInf(sq, 0) {
		return IdentityQuaternion, false
	}
	return quat.Scale(1/math.Sqrt(sq), q), true
}

// RotateVector rotates v by the unit quaternion q, computing q*v*conj(q).
func RotateVector(q quat.Number, v r3.Vector) r3.Vector {
	rotated := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

// QuaternionAlmostEqual is an equality test for all the float components of a quaternion. Quaternions have double coverage, q == -q, and
// this function will *not* account for this. Use OrientationAlmostEqual unless you're certain this is what you want.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	return math.Abs(a.Imag-b.Imag) < tol &&
		math.Abs(a.Jmag-b.Jmag) < tol &&
		math.Abs(a.Kmag-b.Kmag) < tol &&
		math.Abs(a.Real-b.Real) < tol
}

// OrientationAlmostEqual reports whether two unit quaternions describe the same rotation within
// tol, treating q and -q as equal.
func OrientationAlmostEqual(a, b quat.Number, tol float64) bool {
	return QuaternionAlmostEqual(a, b, tol) || QuaternionAlmostEqual(a, Flip(b), tol)
}

// QuatToR4AA converts a quat to an R4 axis angle in the same way the C++ Eigen library does.
// https://eigen.tuxfamily.org/dox/AngleAxis_8h_source.html
func QuatToR4AA(q quat.Number) R4AA {
	denom := Norm(q)

	angle := 2 * math.Atan2(denom, math.Abs(q.Real))
	if q.Real < 0 {
		angle *= -1
	}

	if denom < 1e-6 {
		return R4AA{angle, 1, 0, 0}
	}
	return R4AA{angle, q.Imag / denom, q.Jmag / denom, q.Kmag / denom}
}
