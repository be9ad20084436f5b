// Package calibration estimates camera intrinsics and the poses of several
// cameras relative to a shared planar target (the reticle), and projects
// between world millimetres and image pixels.
//
// World coordinates are the reticle frame: the origin at the gridline
// crossing, X and Y along the gridlines, Z out of the plate, in millimetres.
// Poses map world to camera: Xc = R*Xw + T.
package calibration

import (
	"errors"
	"image"

	"github.com/golang/geo/r3"

	"probe-tracker/pkg/geometry"
)

var (
	// ErrInsufficientPoints is returned when there are too few correspondences.
	ErrInsufficientPoints = errors.New("calibration: insufficient points")
	// ErrDegenerate is returned for singular or ill-conditioned geometry.
	ErrDegenerate = errors.New("calibration: degenerate configuration")
	// ErrUnknownCamera is returned for a camera id with no parameters.
	ErrUnknownCamera = errors.New("calibration: unknown camera")
)

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// Identity3 returns the identity matrix.
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// MulVec returns m*v.
func (m Mat3) MulVec(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Mul returns m*o.
func (m Mat3) Mul(o Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += m[i][k] * o[k][j]
			}
		}
	}
	return out
}

// T returns the transpose.
func (m Mat3) T() Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// Col returns column j.
func (m Mat3) Col(j int) r3.Vector {
	return r3.Vector{X: m[0][j], Y: m[1][j], Z: m[2][j]}
}

// Distortion holds Brown-Conrady coefficients in OpenCV order.
type Distortion struct {
	K1 float64 `json:"k1"`
	K2 float64 `json:"k2"`
	P1 float64 `json:"p1"`
	P2 float64 `json:"p2"`
	K3 float64 `json:"k3"`
}

// Intrinsics is the pinhole camera matrix plus lens distortion.
type Intrinsics struct {
	FX   float64    `json:"fx"`
	FY   float64    `json:"fy"`
	CX   float64    `json:"cx"`
	CY   float64    `json:"cy"`
	Dist Distortion `json:"dist"`
}

// K returns the camera matrix.
func (in Intrinsics) K() Mat3 {
	return Mat3{{in.FX, 0, in.CX}, {0, in.FY, in.CY}, {0, 0, 1}}
}

// Pose maps world points into a camera frame.
type Pose struct {
	R Mat3      `json:"r"`
	T r3.Vector `json:"t"`
}

// Apply returns the camera-frame coordinates of a world point.
func (p Pose) Apply(x r3.Vector) r3.Vector {
	return p.R.MulVec(x).Add(p.T)
}

// Inverse returns the camera to world pose.
func (p Pose) Inverse() Pose {
	rt := p.R.T()
	return Pose{R: rt, T: rt.MulVec(p.T).Mul(-1)}
}

// Center returns the camera centre in world coordinates.
func (p Pose) Center() r3.Vector {
	return p.Inverse().T
}

// CameraParams is everything needed to project into one camera. It is a value
// type; published parameter sets are never mutated.
type CameraParams struct {
	ID         string      `json:"id"`
	Intrinsics Intrinsics  `json:"intrinsics"`
	Pose       Pose        `json:"pose"`
	ImageSize  image.Point `json:"image_size"`
}

// StereoParams is one published calibration of a camera set.
type StereoParams struct {
	Cameras   map[string]CameraParams `json:"cameras"`
	Reference string                  `json:"reference"`
	// Relative pose of each camera with respect to the reference camera.
	Relative map[string]Pose `json:"relative"`
	// Mean 3D error of the target points, in millimetres.
	MeanError float64 `json:"mean_error"`
}

// Camera returns the parameters for id.
func (s *StereoParams) Camera(id string) (CameraParams, error) {
	if s == nil {
		return CameraParams{}, ErrUnknownCamera
	}
	c, ok := s.Cameras[id]
	if !ok {
		return CameraParams{}, ErrUnknownCamera
	}
	return c, nil
}

// PlanarView pairs target points on the Z=0 plane with their detected pixels.
type PlanarView struct {
	Object []r3.Vector
	Image  []geometry.Point2D
}
