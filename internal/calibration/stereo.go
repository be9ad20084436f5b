package calibration

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"probe-tracker/pkg/geometry"
)

// Reticle tick pitch in millimetres.
const ReticlePitch = 0.2

// ReticleObjectPoints returns the world points of the reticle ticks used for
// calibration: the X axis (i*pitch, 0, 0) then the Y axis (0, i*pitch, 0),
// for i = -n..n.
func ReticleObjectPoints(n int, pitch float64) []r3.Vector {
	pts := make([]r3.Vector, 0, 2*(2*n+1))
	for i := -n; i <= n; i++ {
		pts = append(pts, r3.Vector{X: float64(i) * pitch})
	}
	for i := -n; i <= n; i++ {
		pts = append(pts, r3.Vector{Y: float64(i) * pitch})
	}
	return pts
}

// ReticleView pairs detected reticle axis points with their world points.
// Both axes must hold the same odd number of points, centred on the origin.
func ReticleView(xAxis, yAxis []geometry.Point2D, pitch float64) (PlanarView, error) {
	if len(xAxis) != len(yAxis) || len(xAxis)%2 == 0 || len(xAxis) < 3 {
		return PlanarView{}, fmt.Errorf("reticle view with %d/%d axis points: %w", len(xAxis), len(yAxis), ErrInsufficientPoints)
	}
	n := (len(xAxis) - 1) / 2
	img := make([]geometry.Point2D, 0, 2*len(xAxis))
	img = append(img, xAxis...)
	img = append(img, yAxis...)
	return PlanarView{Object: ReticleObjectPoints(n, pitch), Image: img}, nil
}

// CameraView is one camera's observation of the shared target.
type CameraView struct {
	Camera string
	Size   image.Point
	View   PlanarView
}

// StereoResult is the outcome of CalibrateExtrinsics.
type StereoResult struct {
	Params StereoParams
	// Target points triangulated from all cameras, in world millimetres.
	Points []r3.Vector
	// Mean L2 distance between triangulated and true target points.
	MeanError        float64
	MeanErrorMicrons float64
	// Per-axis RMS of the 3D error, in millimetres.
	AxisRMS r3.Vector
	// Mean pixel reprojection error per camera.
	PixelError map[string]float64
}

// CalibrateExtrinsics solves the pose of every camera against a shared target
// and checks the result by triangulating the target back from all views.
// Cameras without entries in intr use DefaultGuess for their image size.
// The reference camera defaults to the first view.
func CalibrateExtrinsics(ctx context.Context, views []CameraView, intr map[string]Intrinsics, ref string) (StereoResult, error) {
	if len(views) < 2 {
		return StereoResult{}, fmt.Errorf("extrinsics with %d cameras: %w", len(views), ErrInsufficientPoints)
	}
	if ref == "" {
		ref = views[0].Camera
	}
	n := len(views[0].View.Object)
	cams := make(map[string]CameraParams, len(views))
	ordered := make([]CameraParams, 0, len(views))
	pixErr := make(map[string]float64, len(views))
	for _, v := range views {
		if _, dup := cams[v.Camera]; dup {
			return StereoResult{}, fmt.Errorf("extrinsics: camera %q listed twice: %w", v.Camera, ErrDegenerate)
		}
		if len(v.View.Object) != n || len(v.View.Image) != n {
			return StereoResult{}, fmt.Errorf("extrinsics: camera %q has %d points, want %d: %w", v.Camera, len(v.View.Image), n, ErrInsufficientPoints)
		}
		in, ok := intr[v.Camera]
		if !ok {
			in = DefaultGuess(v.Size)
		}
		pose, _, err := SolvePose(ctx, v.View, in)
		if err != nil {
			return StereoResult{}, fmt.Errorf("extrinsics camera %q: %w", v.Camera, err)
		}
		cp := CameraParams{ID: v.Camera, Intrinsics: in, Pose: pose, ImageSize: v.Size}
		cams[v.Camera] = cp
		ordered = append(ordered, cp)
		pixErr[v.Camera] = meanPixelError(v.View.Object, v.View.Image, in, pose)
	}
	refCam, ok := cams[ref]
	if !ok {
		return StereoResult{}, fmt.Errorf("extrinsics reference %q: %w", ref, ErrUnknownCamera)
	}

	rel := make(map[string]Pose, len(cams))
	for id, c := range cams {
		rel[id] = RelativePose(refCam.Pose, c.Pose)
	}

	object := views[0].View.Object
	points := make([]r3.Vector, n)
	pixels := make([]geometry.Point2D, len(ordered))
	var sumErr float64
	var sq r3.Vector
	for i := 0; i < n; i++ {
		for j, v := range views {
			pixels[j] = v.View.Image[i]
		}
		p, err := Triangulate(ordered, pixels)
		if err != nil {
			return StereoResult{}, fmt.Errorf("extrinsics triangulating point %d: %w", i, err)
		}
		points[i] = p
		d := p.Sub(object[i])
		sumErr += d.Norm()
		sq = sq.Add(r3.Vector{X: d.X * d.X, Y: d.Y * d.Y, Z: d.Z * d.Z})
	}
	mean := sumErr / float64(n)
	return StereoResult{
		Params: StereoParams{
			Cameras:   cams,
			Reference: ref,
			Relative:  rel,
			MeanError: mean,
		},
		Points:           points,
		MeanError:        mean,
		MeanErrorMicrons: mean * 1000,
		AxisRMS: r3.Vector{
			X: math.Sqrt(sq.X / float64(n)),
			Y: math.Sqrt(sq.Y / float64(n)),
			Z: math.Sqrt(sq.Z / float64(n)),
		},
		PixelError: pixErr,
	}, nil
}

// RelativePose returns the pose of camera b in the frame of camera a, given
// both world poses: R_ab = R_b*R_a^T, T_ab = T_b - R_ab*T_a.
func RelativePose(a, b Pose) Pose {
	r := b.R.Mul(a.R.T())
	return Pose{R: r, T: b.T.Sub(r.MulVec(a.T))}
}

// Triangulate finds the world point seen at the given pixels, one per camera,
// by the linear DLT on undistorted normalized coordinates.
func Triangulate(cams []CameraParams, pixels []geometry.Point2D) (r3.Vector, error) {
	if len(cams) < 2 || len(cams) != len(pixels) {
		return r3.Vector{}, fmt.Errorf("triangulate with %d views: %w", len(cams), ErrInsufficientPoints)
	}
	var baseline float64
	c0 := cams[0].Pose.Center()
	for _, c := range cams[1:] {
		baseline = math.Max(baseline, c.Pose.Center().Sub(c0).Norm())
	}
	if baseline < 1e-9 {
		return r3.Vector{}, fmt.Errorf("triangulate: zero baseline: %w", ErrDegenerate)
	}

	a := mat.NewDense(2*len(cams), 4, nil)
	for i, c := range cams {
		x, y := c.Intrinsics.Normalize(pixels[i])
		if !finite(x, y) {
			return r3.Vector{}, fmt.Errorf("triangulate: pixel %d: %w", i, ErrDegenerate)
		}
		r, t := c.Pose.R, c.Pose.T
		p1 := []float64{r[0][0], r[0][1], r[0][2], t.X}
		p2 := []float64{r[1][0], r[1][1], r[1][2], t.Y}
		p3 := []float64{r[2][0], r[2][1], r[2][2], t.Z}
		row1 := make([]float64, 4)
		row2 := make([]float64, 4)
		for k := 0; k < 4; k++ {
			row1[k] = x*p3[k] - p1[k]
			row2[k] = y*p3[k] - p2[k]
		}
		a.SetRow(2*i, row1)
		a.SetRow(2*i+1, row2)
	}
	h, ok := nullVector(a)
	if !ok || math.Abs(h[3]) < 1e-12 {
		return r3.Vector{}, fmt.Errorf("triangulate: point at infinity: %w", ErrDegenerate)
	}
	p := r3.Vector{X: h[0] / h[3], Y: h[1] / h[3], Z: h[2] / h[3]}
	if !finite(p.X, p.Y, p.Z) {
		return r3.Vector{}, ErrDegenerate
	}
	return p, nil
}
