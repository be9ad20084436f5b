package coords

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"

	"probe-tracker/internal/calibration"
	"probe-tracker/internal/solver"
	"probe-tracker/pkg/geometry"
)

// ErrDegenerate is returned when the views cannot fix a 3D point.
var ErrDegenerate = errors.New("coords: degenerate triangulation")

// Observation2D is a pixel position of the same feature in one camera.
type Observation2D struct {
	Camera string
	Pixel  geometry.Point2D
}

// Triangulate recovers the world point seen by at least two cameras. The
// linear estimate is refined by minimizing pixel reprojection error; the
// refinement is kept only when it lowers the error.
func Triangulate(obs []Observation2D, cams []calibration.CameraParams) (r3.Vector, error) {
	used, pixels, err := match(obs, cams)
	if err != nil {
		return r3.Vector{}, err
	}
	p, err := calibration.Triangulate(used, pixels)
	if err != nil {
		return r3.Vector{}, fmt.Errorf("%w: %w", ErrDegenerate, err)
	}

	f := func(dst, x []float64) {
		q := r3.Vector{X: x[0], Y: x[1], Z: x[2]}
		for i, c := range used {
			px, ok := calibration.ProjectPoint(c, q)
			if !ok {
				dst[2*i], dst[2*i+1] = 1e6, 1e6
				continue
			}
			dst[2*i] = px.X - pixels[i].X
			dst[2*i+1] = px.Y - pixels[i].Y
		}
	}
	settings := solver.Settings{Iterations: 20, ObjectiveTol: 1e-16}
	res, err := solver.LeastSquares(context.Background(), f, []float64{p.X, p.Y, p.Z}, 2*len(used), settings)
	if err != nil {
		return p, nil
	}
	return r3.Vector{X: res.X[0], Y: res.X[1], Z: res.X[2]}, nil
}

// ReprojectionError returns the mean pixel distance between the projections
// of p and the observations.
func ReprojectionError(p r3.Vector, obs []Observation2D, cams []calibration.CameraParams) (float64, error) {
	used, pixels, err := match(obs, cams)
	if err != nil {
		return 0, err
	}
	var sum float64
	for i, c := range used {
		px, ok := calibration.ProjectPoint(c, p)
		if !ok {
			return math.Inf(1), nil
		}
		sum += px.Distance(pixels[i])
	}
	return sum / float64(len(used)), nil
}

// match pairs observations with camera parameters by id.
func match(obs []Observation2D, cams []calibration.CameraParams) ([]calibration.CameraParams, []geometry.Point2D, error) {
	if len(obs) < 2 {
		return nil, nil, fmt.Errorf("%d views: %w", len(obs), ErrDegenerate)
	}
	byID := make(map[string]calibration.CameraParams, len(cams))
	for _, c := range cams {
		byID[c.ID] = c
	}
	used := make([]calibration.CameraParams, 0, len(obs))
	pixels := make([]geometry.Point2D, 0, len(obs))
	seen := make(map[string]bool, len(obs))
	for _, o := range obs {
		c, ok := byID[o.Camera]
		if !ok {
			return nil, nil, fmt.Errorf("camera %q: %w", o.Camera, calibration.ErrUnknownCamera)
		}
		if seen[o.Camera] {
			return nil, nil, fmt.Errorf("camera %q observed twice: %w", o.Camera, ErrDegenerate)
		}
		if math.IsNaN(o.Pixel.X) || math.IsNaN(o.Pixel.Y) {
			return nil, nil, fmt.Errorf("camera %q: NaN pixel: %w", o.Camera, ErrDegenerate)
		}
		seen[o.Camera] = true
		used = append(used, c)
		pixels = append(pixels, o.Pixel)
	}
	return used, pixels, nil
}
