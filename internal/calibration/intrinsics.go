package calibration

import (
	"context"
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"

	"probe-tracker/internal/solver"
	"probe-tracker/pkg/geometry"
)

// Reference focal length of the rig cameras at the full 4000x3000 sensor.
const referenceFocal = 1.54e4

// IntrinsicOptions controls CalibrateIntrinsics.
type IntrinsicOptions struct {
	// Guess replaces the closed-form initial estimate when set.
	Guess         *Intrinsics
	FixFocal      bool
	FixAspect     bool
	FixPrincipal  bool
	FixDistortion bool
	Settings      solver.Settings
}

// DefaultGuess is the nominal camera matrix for an image of the given size:
// the reference focal length scaled by width and the principal point at the
// image centre.
func DefaultGuess(size image.Point) Intrinsics {
	f := referenceFocal * float64(size.X) / 4000
	return Intrinsics{FX: f, FY: f, CX: float64(size.X) / 2, CY: float64(size.Y) / 2}
}

// Free intrinsic parameters in refinement order.
const (
	parFX = iota
	parFY
	parCX
	parCY
	parK1
	parK2
	parP1
	parP2
	numIntrinsicPars
)

// CalibrateIntrinsics estimates the camera matrix and distortion from one or
// more views of a planar target. The initial estimate is Zhang's closed form
// (three or more views: full; two views: zero skew; one view: principal point
// at the image centre and square pixels) unless opts.Guess is set. Intrinsics
// and all view poses are then refined jointly on pixel residuals. The RMS
// reprojection error in pixels is returned.
func CalibrateIntrinsics(ctx context.Context, views []PlanarView, size image.Point, opts IntrinsicOptions) (Intrinsics, float64, error) {
	if len(views) == 0 {
		return Intrinsics{}, 0, fmt.Errorf("intrinsics: no views: %w", ErrInsufficientPoints)
	}
	if size.X <= 0 || size.Y <= 0 {
		return Intrinsics{}, 0, fmt.Errorf("intrinsics: image size %v: %w", size, ErrDegenerate)
	}
	total := 0
	hs := make([]Mat3, len(views))
	for i, v := range views {
		if len(v.Object) < 4 || len(v.Object) != len(v.Image) {
			return Intrinsics{}, 0, fmt.Errorf("intrinsics view %d: %w", i, ErrInsufficientPoints)
		}
		plane := make([]geometry.Point2D, len(v.Object))
		for j, o := range v.Object {
			plane[j] = geometry.Point2D{X: o.X, Y: o.Y}
		}
		h, err := Homography(plane, v.Image)
		if err != nil {
			return Intrinsics{}, 0, fmt.Errorf("intrinsics view %d: %w", i, err)
		}
		hs[i] = h
		total += len(v.Object)
	}

	var init Intrinsics
	if opts.Guess != nil {
		init = *opts.Guess
	} else {
		var err error
		init, err = zhang(hs, size)
		if err != nil {
			init = DefaultGuess(size)
		}
	}
	if len(views) == 1 {
		opts.FixPrincipal = true
	}

	poses := make([]Pose, len(views))
	for i, v := range views {
		p, err := initialPose(v, init)
		if err != nil {
			return Intrinsics{}, 0, fmt.Errorf("intrinsics view %d: %w", i, err)
		}
		poses[i] = p
	}

	base := packIntrinsics(init)
	aspect := init.FY / init.FX
	free := freeParameters(opts)
	x0 := make([]float64, 0, len(free)+6*len(views))
	for _, idx := range free {
		x0 = append(x0, base[idx])
	}
	for _, p := range poses {
		x0 = append(x0, packPose(p)...)
	}

	unpack := func(x []float64) (Intrinsics, []Pose) {
		p := append([]float64(nil), base...)
		for i, idx := range free {
			p[idx] = x[i]
		}
		if opts.FixAspect && !opts.FixFocal {
			p[parFY] = p[parFX] * aspect
		}
		in := unpackIntrinsics(p)
		ps := make([]Pose, len(views))
		off := len(free)
		for i := range views {
			ps[i] = unpackPose(x[off+6*i : off+6*i+6])
		}
		return in, ps
	}
	f := func(dst, x []float64) {
		in, ps := unpack(x)
		off := 0
		for i, v := range views {
			poseResiduals(dst[off:off+2*len(v.Object)], v, in, ps[i])
			off += 2 * len(v.Object)
		}
	}

	res, err := solver.LeastSquares(ctx, f, x0, 2*total, opts.Settings)
	if err != nil {
		return Intrinsics{}, 0, fmt.Errorf("intrinsics refinement: %w", err)
	}
	in, _ := unpack(res.X)
	if in.FX <= 0 || in.FY <= 0 {
		return Intrinsics{}, 0, fmt.Errorf("intrinsics: focal length %.3g/%.3g: %w", in.FX, in.FY, ErrDegenerate)
	}
	return in, res.RMS(total), nil
}

func freeParameters(opts IntrinsicOptions) []int {
	var free []int
	if !opts.FixFocal {
		free = append(free, parFX)
		if !opts.FixAspect {
			free = append(free, parFY)
		}
	}
	if !opts.FixPrincipal {
		free = append(free, parCX, parCY)
	}
	if !opts.FixDistortion {
		free = append(free, parK1, parK2, parP1, parP2)
	}
	return free
}

func packIntrinsics(in Intrinsics) []float64 {
	p := make([]float64, numIntrinsicPars)
	p[parFX], p[parFY], p[parCX], p[parCY] = in.FX, in.FY, in.CX, in.CY
	p[parK1], p[parK2], p[parP1], p[parP2] = in.Dist.K1, in.Dist.K2, in.Dist.P1, in.Dist.P2
	return p
}

func unpackIntrinsics(p []float64) Intrinsics {
	return Intrinsics{
		FX: p[parFX], FY: p[parFY], CX: p[parCX], CY: p[parCY],
		Dist: Distortion{K1: p[parK1], K2: p[parK2], P1: p[parP1], P2: p[parP2]},
	}
}

// zhang computes the closed-form camera matrix from plane-to-image
// homographies. Pixel coordinates are first scaled to about [-1, 1] around
// the image centre to keep the system well conditioned.
func zhang(hs []Mat3, size image.Point) (Intrinsics, error) {
	s := 2 / float64(max(size.X, size.Y))
	cx0, cy0 := float64(size.X)/2, float64(size.Y)/2
	n := Mat3{{s, 0, -s * cx0}, {0, s, -s * cy0}, {0, 0, 1}}
	scaled := make([]Mat3, len(hs))
	for i, h := range hs {
		scaled[i] = n.Mul(h)
	}

	if len(hs) == 1 {
		f, ok := focalSquarePixels(scaled[0])
		if !ok {
			return Intrinsics{}, ErrDegenerate
		}
		return Intrinsics{FX: f / s, FY: f / s, CX: cx0, CY: cy0}, nil
	}

	rows := 2 * len(hs)
	if len(hs) == 2 {
		rows++
	}
	v := mat.NewDense(rows, 6, nil)
	for i, h := range scaled {
		v12 := vij(h, 0, 1)
		v11 := vij(h, 0, 0)
		v22 := vij(h, 1, 1)
		for k := range v11 {
			v11[k] -= v22[k]
		}
		v.SetRow(2*i, v12)
		v.SetRow(2*i+1, v11)
	}
	if len(hs) == 2 {
		v.SetRow(rows-1, []float64{0, 1, 0, 0, 0, 0})
	}
	b, ok := nullVector(v)
	if !ok {
		return Intrinsics{}, ErrDegenerate
	}
	if b[0] < 0 {
		for i := range b {
			b[i] = -b[i]
		}
	}
	b11, b12, b22, b13, b23, b33 := b[0], b[1], b[2], b[3], b[4], b[5]
	den := b11*b22 - b12*b12
	if math.Abs(den) < 1e-300 || b11 <= 0 {
		return Intrinsics{}, ErrDegenerate
	}
	v0 := (b12*b13 - b11*b23) / den
	lam := b33 - (b13*b13+v0*(b12*b13-b11*b23))/b11
	if lam/b11 <= 0 || lam*b11/den <= 0 {
		return Intrinsics{}, ErrDegenerate
	}
	alpha := math.Sqrt(lam / b11)
	beta := math.Sqrt(lam * b11 / den)
	gamma := -b12 * alpha * alpha * beta / lam
	u0 := gamma*v0/beta - b13*alpha*alpha/lam

	in := Intrinsics{FX: alpha / s, FY: beta / s, CX: u0/s + cx0, CY: v0/s + cy0}
	if !finite(in.FX, in.FY, in.CX, in.CY) {
		return Intrinsics{}, ErrDegenerate
	}
	return in, nil
}

// vij is Zhang's constraint row for columns i and j of h, for
// b = [B11 B12 B22 B13 B23 B33].
func vij(h Mat3, i, j int) []float64 {
	hi, hj := h.Col(i), h.Col(j)
	return []float64{
		hi.X * hj.X,
		hi.X*hj.Y + hi.Y*hj.X,
		hi.Y * hj.Y,
		hi.Z*hj.X + hi.X*hj.Z,
		hi.Z*hj.Y + hi.Y*hj.Z,
		hi.Z * hj.Z,
	}
}

// focalSquarePixels solves the two single-view constraints for w = 1/f^2
// when B = diag(w, w, 1).
func focalSquarePixels(h Mat3) (float64, bool) {
	h1, h2 := h.Col(0), h.Col(1)
	a1 := h1.X*h2.X + h1.Y*h2.Y
	c1 := h1.Z * h2.Z
	a2 := h1.X*h1.X + h1.Y*h1.Y - h2.X*h2.X - h2.Y*h2.Y
	c2 := h1.Z*h1.Z - h2.Z*h2.Z
	den := a1*a1 + a2*a2
	if den < 1e-300 {
		return 0, false
	}
	w := -(a1*c1 + a2*c2) / den
	if w <= 0 || !finite(w) {
		return 0, false
	}
	return 1 / math.Sqrt(w), true
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
