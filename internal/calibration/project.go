package calibration

import (
	"math"

	"github.com/golang/geo/r3"

	"probe-tracker/pkg/geometry"
)

// Distort applies the lens model to normalized image coordinates.
func (d Distortion) Distort(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	radial := 1 + d.K1*r2 + d.K2*r2*r2 + d.K3*r2*r2*r2
	xd := x*radial + 2*d.P1*x*y + d.P2*(r2+2*x*x)
	yd := y*radial + d.P1*(r2+2*y*y) + 2*d.P2*x*y
	return xd, yd
}

// Undistort inverts Distort by Newton iteration, starting from the distorted
// point.
func (d Distortion) Undistort(xd, yd float64) (float64, float64) {
	if d == (Distortion{}) {
		return xd, yd
	}
	const (
		maxIterations = 20
		tolerance     = 1e-12
	)
	xu, yu := xd, yd
	for i := 0; i < maxIterations; i++ {
		r2 := xu*xu + yu*yu
		r4 := r2 * r2
		radial := 1 + d.K1*r2 + d.K2*r4 + d.K3*r4*r2
		ex := xu*radial + 2*d.P1*xu*yu + d.P2*(r2+2*xu*xu) - xd
		ey := yu*radial + d.P1*(r2+2*yu*yu) + 2*d.P2*xu*yu - yd
		if ex*ex+ey*ey < tolerance*tolerance {
			break
		}

		dr := d.K1 + 2*d.K2*r2 + 3*d.K3*r4
		jxx := radial + 2*xu*xu*dr + 2*d.P1*yu + 6*d.P2*xu
		jxy := 2*xu*yu*dr + 2*d.P1*xu + 2*d.P2*yu
		jyx := 2*xu*yu*dr + 2*d.P1*xu + 2*d.P2*yu
		jyy := radial + 2*yu*yu*dr + 6*d.P1*yu + 2*d.P2*xu
		det := jxx*jyy - jxy*jyx
		if det == 0 {
			break
		}
		xu -= (jyy*ex - jxy*ey) / det
		yu -= (-jyx*ex + jxx*ey) / det
	}
	return xu, yu
}

// Normalize converts a pixel to undistorted normalized coordinates.
func (in Intrinsics) Normalize(p geometry.Point2D) (float64, float64) {
	xd := (p.X - in.CX) / in.FX
	yd := (p.Y - in.CY) / in.FY
	return in.Dist.Undistort(xd, yd)
}

// Pixel converts undistorted normalized coordinates to a distorted pixel.
func (in Intrinsics) Pixel(x, y float64) geometry.Point2D {
	xd, yd := in.Dist.Distort(x, y)
	return geometry.Point2D{X: in.FX*xd + in.CX, Y: in.FY*yd + in.CY}
}

// UndistortPixel removes lens distortion from a pixel, keeping it in pixels.
func (in Intrinsics) UndistortPixel(p geometry.Point2D) geometry.Point2D {
	x, y := in.Normalize(p)
	return geometry.Point2D{X: in.FX*x + in.CX, Y: in.FY*y + in.CY}
}

// ProjectPoint projects a world point into the camera. It returns false for
// points on or behind the image plane.
func ProjectPoint(cam CameraParams, x r3.Vector) (geometry.Point2D, bool) {
	return projectWith(cam.Intrinsics, cam.Pose, x)
}

func projectWith(in Intrinsics, pose Pose, x r3.Vector) (geometry.Point2D, bool) {
	c := pose.Apply(x)
	if c.Z <= 1e-12 {
		return geometry.Point2D{X: math.NaN(), Y: math.NaN()}, false
	}
	return in.Pixel(c.X/c.Z, c.Y/c.Z), true
}

// Project projects world points into the camera. Points behind the camera
// come back as NaN.
func Project(points []r3.Vector, cam CameraParams) []geometry.Point2D {
	out := make([]geometry.Point2D, len(points))
	for i, p := range points {
		out[i], _ = ProjectPoint(cam, p)
	}
	return out
}

// ReprojectionError returns the mean pixel distance between the projections
// of object and the observed image points.
func ReprojectionError(object []r3.Vector, image []geometry.Point2D, cam CameraParams) float64 {
	return meanPixelError(object, image, cam.Intrinsics, cam.Pose)
}

func meanPixelError(object []r3.Vector, image []geometry.Point2D, in Intrinsics, pose Pose) float64 {
	if len(object) == 0 || len(object) != len(image) {
		return math.NaN()
	}
	var sum float64
	for i, x := range object {
		p, ok := projectWith(in, pose, x)
		if !ok {
			return math.Inf(1)
		}
		sum += p.Distance(image[i])
	}
	return sum / float64(len(object))
}

func rmsPixelError(object []r3.Vector, image []geometry.Point2D, in Intrinsics, pose Pose) float64 {
	var sum float64
	for i, x := range object {
		p, ok := projectWith(in, pose, x)
		if !ok {
			return math.Inf(1)
		}
		d := p.Distance(image[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(object)))
}
