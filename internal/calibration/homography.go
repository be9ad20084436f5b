package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"probe-tracker/pkg/geometry"
)

// Homography estimates H with dst ~ H*src from at least four correspondences
// using the normalized DLT: both point sets are shifted to their centroid and
// scaled to mean distance sqrt(2) before solving A*h = 0 by SVD.
func Homography(src, dst []geometry.Point2D) (Mat3, error) {
	if len(src) < 4 || len(src) != len(dst) {
		return Mat3{}, fmt.Errorf("homography with %d/%d points: %w", len(src), len(dst), ErrInsufficientPoints)
	}
	ts, ok := normalizer(src)
	if !ok {
		return Mat3{}, fmt.Errorf("homography source: %w", ErrDegenerate)
	}
	td, ok := normalizer(dst)
	if !ok {
		return Mat3{}, fmt.Errorf("homography target: %w", ErrDegenerate)
	}

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range src {
		s := applyH(ts, src[i])
		d := applyH(td, dst[i])
		X, Y, x, y := s.X, s.Y, d.X, d.Y
		a.SetRow(2*i, []float64{-X, -Y, -1, 0, 0, 0, x * X, x * Y, x})
		a.SetRow(2*i+1, []float64{0, 0, 0, -X, -Y, -1, y * X, y * Y, y})
	}
	h, ok := nullVector(a)
	if !ok {
		return Mat3{}, fmt.Errorf("homography svd: %w", ErrDegenerate)
	}
	hn := Mat3{{h[0], h[1], h[2]}, {h[3], h[4], h[5]}, {h[6], h[7], h[8]}}

	// Undo the normalization: H = Td^-1 * Hn * Ts.
	tdInv, ok := invert3(td)
	if !ok {
		return Mat3{}, ErrDegenerate
	}
	H := tdInv.Mul(hn).Mul(ts)
	if math.Abs(H[2][2]) > 1e-15 {
		for i := range H {
			for j := range H[i] {
				H[i][j] /= H[2][2]
			}
		}
	}
	return H, nil
}

// applyH maps a point through a homography.
func applyH(h Mat3, p geometry.Point2D) geometry.Point2D {
	w := h[2][0]*p.X + h[2][1]*p.Y + h[2][2]
	return geometry.Point2D{
		X: (h[0][0]*p.X + h[0][1]*p.Y + h[0][2]) / w,
		Y: (h[1][0]*p.X + h[1][1]*p.Y + h[1][2]) / w,
	}
}

// normalizer returns the similarity taking points to zero mean and mean
// distance sqrt(2).
func normalizer(pts []geometry.Point2D) (Mat3, bool) {
	c := geometry.Centroid(pts)
	var d float64
	for _, p := range pts {
		d += p.Distance(c)
	}
	d /= float64(len(pts))
	if d < 1e-12 {
		return Mat3{}, false
	}
	s := math.Sqrt2 / d
	return Mat3{{s, 0, -s * c.X}, {0, s, -s * c.Y}, {0, 0, 1}}, true
}

// nullVector returns the right singular vector of the smallest singular
// value of a.
func nullVector(a *mat.Dense) ([]float64, bool) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, false
	}
	var v mat.Dense
	svd.VTo(&v)
	_, n := v.Dims()
	out := make([]float64, n)
	mat.Col(out, n-1, &v)
	return out, true
}

func invert3(m Mat3) (Mat3, bool) {
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	if math.Abs(det) < 1e-300 {
		return Mat3{}, false
	}
	inv := Mat3{
		{m[1][1]*m[2][2] - m[1][2]*m[2][1], m[0][2]*m[2][1] - m[0][1]*m[2][2], m[0][1]*m[1][2] - m[0][2]*m[1][1]},
		{m[1][2]*m[2][0] - m[1][0]*m[2][2], m[0][0]*m[2][2] - m[0][2]*m[2][0], m[0][2]*m[1][0] - m[0][0]*m[1][2]},
		{m[1][0]*m[2][1] - m[1][1]*m[2][0], m[0][1]*m[2][0] - m[0][0]*m[2][1], m[0][0]*m[1][1] - m[0][1]*m[1][0]},
	}
	for i := range inv {
		for j := range inv[i] {
			inv[i][j] /= det
		}
	}
	return inv, true
}
