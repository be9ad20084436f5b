// Package bundle jointly refines camera parameters and 3D points by
// minimizing reprojection error.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/golang/geo/r3"

	"probe-tracker/internal/calibration"
	"probe-tracker/internal/solver"
	"probe-tracker/pkg/geometry"
)

var (
	// ErrNotConverged is returned when refinement did not lower the residual.
	ErrNotConverged = errors.New("bundle: not converged")
	// ErrInvalidProblem is returned for out-of-range indices or empty input.
	ErrInvalidProblem = errors.New("bundle: invalid problem")
)

// Observation is one pixel measurement of a point by a camera.
type Observation struct {
	Camera int
	Point  int
	Pixel  geometry.Point2D
}

// Problem is the input to Refine. Cameras and Points are initial estimates.
type Problem struct {
	Points       []r3.Vector
	Cameras      []calibration.CameraParams
	Observations []Observation
}

// Result holds the refined estimates.
type Result struct {
	Points  []r3.Vector
	Cameras []calibration.CameraParams
	// Mean pixel residual before and after refinement.
	InitialError float64
	FinalError   float64
}

// Per camera: rvec(3) tvec(3) f k1 k2 p1 p2 k3.
const cameraPars = 12

// Adjuster runs bundle adjustment.
type Adjuster struct {
	settings solver.Settings
	log      *slog.Logger
}

// NewAdjuster creates an adjuster. A nil logger discards output.
func NewAdjuster(settings solver.Settings, log *slog.Logger) *Adjuster {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Adjuster{settings: settings, log: log}
}

// Refine runs bundle adjustment with the default adjuster.
func Refine(ctx context.Context, p Problem) (Result, error) {
	return NewAdjuster(solver.DefaultSettings(), nil).Refine(ctx, p)
}

// Refine refines every camera's pose, focal length and distortion along with
// all points. The principal point and aspect ratio stay fixed. When the final
// residual is not finite or above the initial one, ErrNotConverged is
// returned together with the unchanged input.
func (a *Adjuster) Refine(ctx context.Context, p Problem) (Result, error) {
	if err := validate(p); err != nil {
		return Result{}, err
	}
	x0 := pack(p)
	nc := len(p.Cameras)
	f := func(dst, x []float64) {
		cams, pts := unpack(p, x)
		for i, o := range p.Observations {
			c := cams[o.Camera]
			px, ok := calibration.ProjectPoint(c, pts[o.Point])
			if !ok {
				dst[2*i], dst[2*i+1] = 1e6, 1e6
				continue
			}
			dst[2*i] = px.X - o.Pixel.X
			dst[2*i+1] = px.Y - o.Pixel.Y
		}
	}

	initial := meanResidual(p.Cameras, p.Points, p.Observations)
	res, err := solver.LeastSquares(ctx, f, x0, 2*len(p.Observations), a.settings)
	unchanged := Result{Points: p.Points, Cameras: p.Cameras, InitialError: initial, FinalError: initial}
	if err != nil {
		return unchanged, fmt.Errorf("bundle: %w: %w", ErrNotConverged, err)
	}
	cams, pts := unpack(p, res.X)
	final := meanResidual(cams, pts, p.Observations)
	a.log.Debug("bundle adjustment",
		"cameras", nc,
		"points", len(p.Points),
		"observations", len(p.Observations),
		"initial_px", initial,
		"final_px", final)
	if math.IsNaN(final) || math.IsInf(final, 0) || final > initial {
		return unchanged, ErrNotConverged
	}
	return Result{Points: pts, Cameras: cams, InitialError: initial, FinalError: final}, nil
}

func validate(p Problem) error {
	if len(p.Cameras) == 0 || len(p.Points) == 0 || len(p.Observations) == 0 {
		return ErrInvalidProblem
	}
	for i, o := range p.Observations {
		if o.Camera < 0 || o.Camera >= len(p.Cameras) || o.Point < 0 || o.Point >= len(p.Points) {
			return fmt.Errorf("observation %d (camera %d, point %d): %w", i, o.Camera, o.Point, ErrInvalidProblem)
		}
	}
	return nil
}

func pack(p Problem) []float64 {
	x := make([]float64, 0, cameraPars*len(p.Cameras)+3*len(p.Points))
	for _, c := range p.Cameras {
		r := calibration.RotationVector(c.Pose.R)
		d := c.Intrinsics.Dist
		x = append(x, r.X, r.Y, r.Z, c.Pose.T.X, c.Pose.T.Y, c.Pose.T.Z,
			c.Intrinsics.FX, d.K1, d.K2, d.P1, d.P2, d.K3)
	}
	for _, pt := range p.Points {
		x = append(x, pt.X, pt.Y, pt.Z)
	}
	return x
}

func unpack(p Problem, x []float64) ([]calibration.CameraParams, []r3.Vector) {
	cams := make([]calibration.CameraParams, len(p.Cameras))
	for i, c := range p.Cameras {
		v := x[cameraPars*i : cameraPars*(i+1)]
		aspect := 1.0
		if c.Intrinsics.FX != 0 {
			aspect = c.Intrinsics.FY / c.Intrinsics.FX
		}
		c.Pose = calibration.Pose{
			R: calibration.Rodrigues(r3.Vector{X: v[0], Y: v[1], Z: v[2]}),
			T: r3.Vector{X: v[3], Y: v[4], Z: v[5]},
		}
		c.Intrinsics.FX = v[6]
		c.Intrinsics.FY = v[6] * aspect
		c.Intrinsics.Dist = calibration.Distortion{K1: v[7], K2: v[8], P1: v[9], P2: v[10], K3: v[11]}
		cams[i] = c
	}
	off := cameraPars * len(p.Cameras)
	pts := make([]r3.Vector, len(p.Points))
	for i := range pts {
		pts[i] = r3.Vector{X: x[off+3*i], Y: x[off+3*i+1], Z: x[off+3*i+2]}
	}
	return cams, pts
}

func meanResidual(cams []calibration.CameraParams, pts []r3.Vector, obs []Observation) float64 {
	var sum float64
	for _, o := range obs {
		px, ok := calibration.ProjectPoint(cams[o.Camera], pts[o.Point])
		if !ok {
			return math.Inf(1)
		}
		sum += px.Distance(o.Pixel)
	}
	return sum / float64(len(obs))
}

// FromStereo builds a problem from a stereo calibration: every target point
// observed by every camera, in view order. The ids of the cameras are
// returned alongside.
func FromStereo(res calibration.StereoResult, views []calibration.CameraView) (Problem, []string) {
	ids := make([]string, 0, len(views))
	p := Problem{Points: append([]r3.Vector(nil), res.Points...)}
	for _, v := range views {
		cam, ok := res.Params.Cameras[v.Camera]
		if !ok {
			continue
		}
		ids = append(ids, v.Camera)
		p.Cameras = append(p.Cameras, cam)
		for pi, px := range v.View.Image {
			if pi >= len(p.Points) {
				break
			}
			p.Observations = append(p.Observations, Observation{Camera: len(p.Cameras) - 1, Point: pi, Pixel: px})
		}
	}
	return p, ids
}

// ToStereo returns a copy of params with the refined cameras of res, named by
// ids as returned from FromStereo, and relative poses recomputed.
func ToStereo(params calibration.StereoParams, res Result, ids []string) calibration.StereoParams {
	out := calibration.StereoParams{
		Cameras:   make(map[string]calibration.CameraParams, len(params.Cameras)),
		Reference: params.Reference,
		Relative:  make(map[string]calibration.Pose, len(params.Cameras)),
		MeanError: params.MeanError,
	}
	for id, c := range params.Cameras {
		out.Cameras[id] = c
	}
	for i, id := range ids {
		if i < len(res.Cameras) {
			c := res.Cameras[i]
			c.ID = id
			out.Cameras[id] = c
		}
	}
	ref, ok := out.Cameras[out.Reference]
	if !ok {
		return out
	}
	for id, c := range out.Cameras {
		out.Relative[id] = calibration.RelativePose(ref.Pose, c.Pose)
	}
	return out
}
