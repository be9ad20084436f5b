// Package geometry provides the plain coordinate types shared by the detectors,
// the calibrator and the coordinate transformer.
package geometry

import (
	"image"
	"math"
)

// Point2D is a pixel coordinate. Unless a caller says otherwise it is expressed in
// the original, unresized frame.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NewPoint2D creates a new Point2D.
func NewPoint2D(x, y float64) Point2D {
	return Point2D{X: x, Y: y}
}

// FromImagePoint converts an integer image.Point.
func FromImagePoint(p image.Point) Point2D {
	return Point2D{X: float64(p.X), Y: float64(p.Y)}
}

// Distance returns the Euclidean distance to another point.
func (p Point2D) Distance(other Point2D) float64 {
	return math.Hypot(p.X-other.X, p.Y-other.Y)
}

func (p Point2D) Add(other Point2D) Point2D {
	return Point2D{X: p.X + other.X, Y: p.Y + other.Y}
}

func (p Point2D) Sub(other Point2D) Point2D {
	return Point2D{X: p.X - other.X, Y: p.Y - other.Y}
}

// Scale returns the point scaled by a factor.
func (p Point2D) Scale(factor float64) Point2D {
	return Point2D{X: p.X * factor, Y: p.Y * factor}
}

// ScaleXY scales each axis independently, used when mapping between a resized
// working image and the original frame.
func (p Point2D) ScaleXY(sx, sy float64) Point2D {
	return Point2D{X: p.X * sx, Y: p.Y * sy}
}

// Dot returns the dot product treating both points as vectors.
func (p Point2D) Dot(other Point2D) float64 {
	return p.X*other.X + p.Y*other.Y
}

// Cross returns the z component of the 2D cross product.
func (p Point2D) Cross(other Point2D) float64 {
	return p.X*other.Y - p.Y*other.X
}

// Norm returns the vector length.
func (p Point2D) Norm() float64 {
	return math.Hypot(p.X, p.Y)
}

// Unit returns the vector scaled to unit length, or false for a zero vector.
func (p Point2D) Unit() (Point2D, bool) {
	n := p.Norm()
	if n < 1e-12 {
		return Point2D{}, false
	}
	return p.Scale(1 / n), true
}

// Round returns the nearest integer image point.
func (p Point2D) Round() image.Point {
	return image.Pt(int(math.Round(p.X)), int(math.Round(p.Y)))
}

// IsFinite reports whether both coordinates are finite numbers.
func (p Point2D) IsFinite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// RectInt is a crop or search region in pixel coordinates.
type RectInt struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RectFromBounds builds a RectInt from inclusive-exclusive bounds.
func RectFromBounds(left, top, right, bottom int) RectInt {
	return RectInt{X: left, Y: top, Width: right - left, Height: bottom - top}
}

// Right returns the exclusive right edge.
func (r RectInt) Right() int { return r.X + r.Width }

// Bottom returns the exclusive bottom edge.
func (r RectInt) Bottom() int { return r.Y + r.Height }

// Empty reports whether the rectangle has no area.
func (r RectInt) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Area returns width times height.
func (r RectInt) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Width * r.Height
}

// Contains returns true if the point lies inside the rectangle.
func (r RectInt) Contains(p Point2D) bool {
	return p.X >= float64(r.X) && p.X < float64(r.Right()) &&
		p.Y >= float64(r.Y) && p.Y < float64(r.Bottom())
}

// ContainsWithin is like Contains but requires the point to be at least buffer
// pixels away from every edge.
func (r RectInt) ContainsWithin(p Point2D, buffer int) bool {
	inner := RectInt{X: r.X + buffer, Y: r.Y + buffer, Width: r.Width - 2*buffer, Height: r.Height - 2*buffer}
	if inner.Empty() {
		return false
	}
	return inner.Contains(p)
}

// Clamp restricts the rectangle to the frame size.
func (r RectInt) Clamp(size image.Point) RectInt {
	left := clampInt(r.X, 0, size.X)
	top := clampInt(r.Y, 0, size.Y)
	right := clampInt(r.Right(), 0, size.X)
	bottom := clampInt(r.Bottom(), 0, size.Y)
	return RectFromBounds(left, top, right, bottom)
}

// Covers reports whether r contains other entirely.
func (r RectInt) Covers(other RectInt) bool {
	return other.X >= r.X && other.Y >= r.Y && other.Right() <= r.Right() && other.Bottom() <= r.Bottom()
}

// Origin returns the top-left corner.
func (r RectInt) Origin() image.Point {
	return image.Pt(r.X, r.Y)
}

// ToImage converts to an image.Rectangle for Mat.Region.
func (r RectInt) ToImage() image.Rectangle {
	return image.Rect(r.X, r.Y, r.Right(), r.Bottom())
}

// Centroid computes the centroid (average position) of a set of points.
func Centroid(points []Point2D) Point2D {
	if len(points) == 0 {
		return Point2D{}
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	n := float64(len(points))
	return Point2D{X: sumX / n, Y: sumY / n}
}

// Nearest returns the index of the point closest to target, or -1 for an empty slice.
func Nearest(points []Point2D, target Point2D) int {
	best := -1
	bestDist := math.Inf(1)
	for i, p := range points {
		if d := p.Distance(target); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
