package geometry

import (
	"math"
	"sort"
)

// Line2D is an infinite line through Point with unit Direction.
type Line2D struct {
	Point     Point2D `json:"point"`
	Direction Point2D `json:"direction"`
}

// LineThrough returns the line through a and b, or false when they coincide.
func LineThrough(a, b Point2D) (Line2D, bool) {
	dir, ok := b.Sub(a).Unit()
	if !ok {
		return Line2D{}, false
	}
	return Line2D{Point: a, Direction: dir}, true
}

// Distance returns the perpendicular distance from p to the line.
func (l Line2D) Distance(p Point2D) float64 {
	return math.Abs(l.Direction.Cross(p.Sub(l.Point)))
}

// Project returns the orthogonal projection of p onto the line.
func (l Line2D) Project(p Point2D) Point2D {
	t := p.Sub(l.Point).Dot(l.Direction)
	return l.Point.Add(l.Direction.Scale(t))
}

// Param returns the signed position of p's projection along the line.
func (l Line2D) Param(p Point2D) float64 {
	return p.Sub(l.Point).Dot(l.Direction)
}

// At returns the point at parameter t.
func (l Line2D) At(t float64) Point2D {
	return l.Point.Add(l.Direction.Scale(t))
}

// AngleDeg returns the line orientation in degrees within [0, 180).
func (l Line2D) AngleDeg() float64 {
	a := math.Atan2(l.Direction.Y, l.Direction.X) * 180 / math.Pi
	a = math.Mod(a+180, 180)
	if a >= 180 {
		a -= 180
	}
	return a
}

// Intersect returns the intersection of two lines. Lines whose directions have a
// cross product below minSine in magnitude are treated as parallel.
func (l Line2D) Intersect(other Line2D, minSine float64) (Point2D, bool) {
	denom := l.Direction.Cross(other.Direction)
	if math.Abs(denom) < minSine {
		return Point2D{}, false
	}
	t := other.Point.Sub(l.Point).Cross(other.Direction) / denom
	p := l.At(t)
	if !p.IsFinite() {
		return Point2D{}, false
	}
	return p, true
}

// FitLine fits a total-least-squares line through the points (principal axis of
// the scatter). It returns false for fewer than two distinct points.
func FitLine(points []Point2D) (Line2D, bool) {
	if len(points) < 2 {
		return Line2D{}, false
	}
	c := Centroid(points)
	var sxx, sxy, syy float64
	for _, p := range points {
		dx, dy := p.X-c.X, p.Y-c.Y
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx+syy < 1e-12 {
		return Line2D{}, false
	}
	// Principal eigenvector of the 2x2 scatter matrix.
	theta := 0.5 * math.Atan2(2*sxy, sxx-syy)
	return Line2D{Point: c, Direction: Point2D{X: math.Cos(theta), Y: math.Sin(theta)}}, true
}

// SortAlong orders points by their projection onto dir, in place.
func SortAlong(points []Point2D, dir Point2D) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Dot(dir) < points[j].Dot(dir)
	})
}

// Median returns the median of xs (mean of the middle pair for even lengths).
// xs is not modified. An empty slice yields 0.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	m := len(s) / 2
	if len(s)%2 == 1 {
		return s[m]
	}
	return (s[m-1] + s[m]) / 2
}
