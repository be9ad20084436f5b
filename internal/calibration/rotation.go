package calibration

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Rodrigues converts an axis-angle vector to a rotation matrix.
func Rodrigues(rvec r3.Vector) Mat3 {
	theta := rvec.Norm()
	if theta < 1e-12 {
		return Identity3()
	}
	k := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	return Mat3{
		{c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s},
		{k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s},
		{k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v},
	}
}

// RotationVector converts a rotation matrix to its axis-angle vector.
func RotationVector(r Mat3) r3.Vector {
	cos := (r[0][0] + r[1][1] + r[2][2] - 1) / 2
	cos = math.Max(-1, math.Min(1, cos))
	theta := math.Acos(cos)
	if theta < 1e-12 {
		return r3.Vector{}
	}
	if math.Pi-theta < 1e-6 {
		// Near 180 degrees the skew part vanishes; (R+I)/2 is k*k^T.
		j := 0
		for i := 1; i < 3; i++ {
			if r[i][i] > r[j][j] {
				j = i
			}
		}
		b := Mat3{}
		for i := 0; i < 3; i++ {
			for c := 0; c < 3; c++ {
				b[i][c] = r[i][c] / 2
			}
			b[i][i] += 0.5
		}
		return b.Col(j).Normalize().Mul(theta)
	}
	axis := r3.Vector{X: r[2][1] - r[1][2], Y: r[0][2] - r[2][0], Z: r[1][0] - r[0][1]}
	return axis.Mul(theta / (2 * math.Sin(theta)))
}

// Orthonormalize returns the rotation closest to m in the Frobenius norm.
func Orthonormalize(m Mat3) (Mat3, bool) {
	a := mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return Mat3{}, false
	}
	var u, v, r mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// Flip the axis of the smallest singular value to stay a rotation.
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r.At(i, j)
		}
	}
	return out, true
}

// RotZ returns a counter-clockwise rotation about Z by deg degrees.
func RotZ(deg float64) Mat3 {
	s, c := math.Sincos(deg * math.Pi / 180)
	return Mat3{{c, -s, 0}, {s, c, 0}, {0, 0, 1}}
}

// EulerXYZ returns Rz(yaw)*Ry(pitch)*Rx(roll), angles in radians.
func EulerXYZ(roll, pitch, yaw float64) Mat3 {
	sr, cr := math.Sincos(roll)
	sp, cp := math.Sincos(pitch)
	sy, cy := math.Sincos(yaw)
	rx := Mat3{{1, 0, 0}, {0, cr, -sr}, {0, sr, cr}}
	ry := Mat3{{cp, 0, sp}, {0, 1, 0}, {-sp, 0, cp}}
	rz := Mat3{{cy, -sy, 0}, {sy, cy, 0}, {0, 0, 1}}
	return rz.Mul(ry).Mul(rx)
}
