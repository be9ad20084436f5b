package calibration

import (
	"context"
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"probe-tracker/internal/solver"
	"probe-tracker/pkg/geometry"
)

// SolvePose finds the pose of a planar target (all object points on Z=0)
// seen by a camera with known intrinsics. The initial estimate comes from the
// homography between the target plane and undistorted normalized image
// coordinates; it is then refined on pixel residuals. The RMS pixel error is
// returned with the pose.
func SolvePose(ctx context.Context, view PlanarView, in Intrinsics) (Pose, float64, error) {
	if len(view.Object) < 4 || len(view.Object) != len(view.Image) {
		return Pose{}, 0, fmt.Errorf("pose with %d/%d points: %w", len(view.Object), len(view.Image), ErrInsufficientPoints)
	}
	pose, err := initialPose(view, in)
	if err != nil {
		return Pose{}, 0, err
	}
	pose, rms, err := refinePose(ctx, view, in, pose)
	if err != nil {
		return Pose{}, 0, err
	}
	return pose, rms, nil
}

// initialPose estimates a planar pose without iteration.
func initialPose(view PlanarView, in Intrinsics) (Pose, error) {
	plane := make([]geometry.Point2D, len(view.Object))
	norm := make([]geometry.Point2D, len(view.Image))
	for i, o := range view.Object {
		if math.Abs(o.Z) > 1e-9 {
			return Pose{}, fmt.Errorf("pose: object point %d off the target plane: %w", i, ErrDegenerate)
		}
		plane[i] = geometry.Point2D{X: o.X, Y: o.Y}
		x, y := in.Normalize(view.Image[i])
		norm[i] = geometry.Point2D{X: x, Y: y}
	}
	h, err := Homography(plane, norm)
	if err != nil {
		return Pose{}, fmt.Errorf("pose: %w", err)
	}
	return poseFromHomography(h)
}

// poseFromHomography decomposes H = [r1 r2 t] (up to scale) for a homography
// expressed in normalized camera coordinates.
func poseFromHomography(h Mat3) (Pose, error) {
	m1, m2, m3 := h.Col(0), h.Col(1), h.Col(2)
	n := m1.Norm() + m2.Norm()
	if n < 1e-12 {
		return Pose{}, fmt.Errorf("pose from homography: %w", ErrDegenerate)
	}
	lambda := 2 / n
	r1, r2, t := m1.Mul(lambda), m2.Mul(lambda), m3.Mul(lambda)
	if t.Z < 0 {
		r1, r2, t = r1.Mul(-1), r2.Mul(-1), t.Mul(-1)
	}
	r3v := r1.Cross(r2)
	raw := Mat3{
		{r1.X, r2.X, r3v.X},
		{r1.Y, r2.Y, r3v.Y},
		{r1.Z, r2.Z, r3v.Z},
	}
	r, ok := Orthonormalize(raw)
	if !ok {
		return Pose{}, fmt.Errorf("pose orthonormalize: %w", ErrDegenerate)
	}
	return Pose{R: r, T: t}, nil
}

func refinePose(ctx context.Context, view PlanarView, in Intrinsics, initial Pose) (Pose, float64, error) {
	n := len(view.Object)
	f := func(dst, x []float64) {
		pose := unpackPose(x)
		poseResiduals(dst, view, in, pose)
	}
	res, err := solver.LeastSquares(ctx, f, packPose(initial), 2*n, solver.DefaultSettings())
	if err != nil {
		return Pose{}, 0, fmt.Errorf("pose refinement: %w", err)
	}
	pose := unpackPose(res.X)
	return pose, rmsPixelError(view.Object, view.Image, in, pose), nil
}

// poseResiduals writes the x/y pixel residuals of a view into dst. Points
// behind the camera get a large constant residual.
func poseResiduals(dst []float64, view PlanarView, in Intrinsics, pose Pose) {
	for i, o := range view.Object {
		p, ok := projectWith(in, pose, o)
		if !ok {
			dst[2*i], dst[2*i+1] = 1e6, 1e6
			continue
		}
		dst[2*i] = p.X - view.Image[i].X
		dst[2*i+1] = p.Y - view.Image[i].Y
	}
}

func packPose(p Pose) []float64 {
	r := RotationVector(p.R)
	return []float64{r.X, r.Y, r.Z, p.T.X, p.T.Y, p.T.Z}
}

func unpackPose(x []float64) Pose {
	return Pose{
		R: Rodrigues(r3.Vector{X: x[0], Y: x[1], Z: x[2]}),
		T: r3.Vector{X: x[3], Y: x[4], Z: x[5]},
	}
}
