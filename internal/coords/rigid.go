package coords

import (
	"context"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"probe-tracker/internal/calibration"
	"probe-tracker/internal/solver"
)

// StageTransform maps stage-local points to global points:
// global = R * (Scale * local) + T, scaled per axis, with the local Z axis
// negated first when Reflect is set.
type StageTransform struct {
	R       calibration.Mat3
	T       r3.Vector
	Scale   r3.Vector
	Reflect bool
}

// Apply maps a local point to global coordinates.
func (s StageTransform) Apply(p r3.Vector) r3.Vector {
	if s.Reflect {
		p.Z = -p.Z
	}
	p = r3.Vector{X: p.X * s.Scale.X, Y: p.Y * s.Scale.Y, Z: p.Z * s.Scale.Z}
	return s.R.MulVec(p).Add(s.T)
}

// Angles returns the roll, pitch and yaw of R in radians.
func (s StageTransform) Angles() (roll, pitch, yaw float64) {
	return eulerAngles(s.R)
}

// FitStageTransform fits rotation, translation and per-axis scale mapping
// local onto global points. With allowReflection the fit is repeated with
// the local Z axis flipped and the better of the two kept. The mean L2 error
// of the returned transform is reported.
func FitStageTransform(ctx context.Context, local, global []r3.Vector, allowReflection bool) (StageTransform, float64, error) {
	if len(local) <= 3 || len(local) != len(global) {
		return StageTransform{}, 0, fmt.Errorf("stage transform with %d/%d points: %w", len(local), len(global), calibration.ErrInsufficientPoints)
	}
	best, bestErr, err := fitOnce(ctx, local, global, false)
	if err != nil {
		return StageTransform{}, 0, err
	}
	if allowReflection {
		alt, altErr, err := fitOnce(ctx, local, global, true)
		if err != nil {
			return StageTransform{}, 0, err
		}
		if altErr < bestErr {
			best, bestErr = alt, altErr
		}
	}
	return best, bestErr, nil
}

func fitOnce(ctx context.Context, local, global []r3.Vector, reflect bool) (StageTransform, float64, error) {
	init := StageTransform{Scale: r3.Vector{X: 1, Y: 1, Z: 1}, Reflect: reflect}
	src := local
	if reflect {
		src = make([]r3.Vector, len(local))
		for i, p := range local {
			src[i] = r3.Vector{X: p.X, Y: p.Y, Z: -p.Z}
		}
	}
	r, ok := kabsch(src, global)
	if !ok {
		r = calibration.Identity3()
	}
	init.R = r
	init.T = centroid(global).Sub(r.MulVec(centroid(src)))

	roll, pitch, yaw := eulerAngles(init.R)
	x0 := []float64{roll, pitch, yaw, init.T.X, init.T.Y, init.T.Z, 1, 1, 1}
	unpack := func(x []float64) StageTransform {
		return StageTransform{
			R:       calibration.EulerXYZ(x[0], x[1], x[2]),
			T:       r3.Vector{X: x[3], Y: x[4], Z: x[5]},
			Scale:   r3.Vector{X: x[6], Y: x[7], Z: x[8]},
			Reflect: reflect,
		}
	}
	f := func(dst, x []float64) {
		s := unpack(x)
		for i, p := range local {
			d := global[i].Sub(s.Apply(p))
			dst[3*i], dst[3*i+1], dst[3*i+2] = d.X, d.Y, d.Z
		}
	}
	res, err := solver.LeastSquares(ctx, f, x0, 3*len(local), solver.Settings{Iterations: 500, ObjectiveTol: 1e-16})
	if err != nil {
		return StageTransform{}, 0, fmt.Errorf("stage transform fit: %w", err)
	}
	s := unpack(res.X)
	return s, meanL2(s, local, global), nil
}

func meanL2(s StageTransform, local, global []r3.Vector) float64 {
	var sum float64
	for i, p := range local {
		sum += global[i].Sub(s.Apply(p)).Norm()
	}
	return sum / float64(len(local))
}

// kabsch returns the proper rotation best aligning the centred src points
// onto the centred dst points.
func kabsch(src, dst []r3.Vector) (calibration.Mat3, bool) {
	cs, cd := centroid(src), centroid(dst)
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		a := src[i].Sub(cs)
		b := dst[i].Sub(cd)
		av := []float64{a.X, a.Y, a.Z}
		bv := []float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+av[r]*bv[c])
			}
		}
	}
	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return calibration.Mat3{}, false
	}
	var u, v, r mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}
	var out calibration.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = r.At(i, j)
		}
	}
	return out, true
}

func centroid(pts []r3.Vector) r3.Vector {
	var c r3.Vector
	for _, p := range pts {
		c = c.Add(p)
	}
	return c.Mul(1 / float64(len(pts)))
}

// eulerAngles inverts calibration.EulerXYZ.
func eulerAngles(m calibration.Mat3) (roll, pitch, yaw float64) {
	roll = math.Atan2(m[2][1], m[2][2])
	pitch = math.Atan2(-m[2][0], math.Hypot(m[2][1], m[2][2]))
	yaw = math.Atan2(m[1][0], m[0][0])
	return roll, pitch, yaw
}
