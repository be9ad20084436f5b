package reticle

import (
	"math"

	"probe-tracker/pkg/geometry"
)

// InterestPoints are the calibration correspondences found on one camera's
// view of the reticle. XAxis and YAxis hold 2n+1 ticks each with the origin at
// index n; XAxis[2n] is the +X marker and YAxis[2n] the +Y marker.
type InterestPoints struct {
	Center geometry.Point2D   `json:"center"`
	XAxis  []geometry.Point2D `json:"x_axis"`
	YAxis  []geometry.Point2D `json:"y_axis"`
	Lines  [2]Line            `json:"-"`
}

// Half returns n, the number of ticks on each side of the origin.
func (ip InterestPoints) Half() int {
	return len(ip.XAxis) / 2
}

// PositiveX returns the +X marker.
func (ip InterestPoints) PositiveX() geometry.Point2D {
	return ip.XAxis[len(ip.XAxis)-1]
}

// AngleDeg returns the angle between the two axes in degrees.
func (ip InterestPoints) AngleDeg() float64 {
	a := ip.XAxis[len(ip.XAxis)-1].Sub(ip.XAxis[0])
	b := ip.YAxis[len(ip.YAxis)-1].Sub(ip.YAxis[0])
	cos := a.Dot(b) / (a.Norm() * b.Norm())
	return math.Acos(math.Max(-1, math.Min(1, cos))) * 180 / math.Pi
}

// All returns the X ticks followed by the Y ticks, the order calibration
// object points are generated in.
func (ip InterestPoints) All() []geometry.Point2D {
	out := make([]geometry.Point2D, 0, len(ip.XAxis)+len(ip.YAxis))
	out = append(out, ip.XAxis...)
	return append(out, ip.YAxis...)
}

// interestPoints intersects the two dense lines and cuts n ticks either side
// of the crossing from each. It returns false when the lines are too close to
// parallel or either line lacks ticks around the crossing.
func interestPoints(a, b Line, p Params) (*InterestPoints, bool) {
	n := p.InterestHalf
	if len(a.Points) < 2*n+1 || len(b.Points) < 2*n+1 {
		return nil, false
	}
	center, ok := a.Fit.Intersect(b.Fit, p.MinAxisSine)
	if !ok {
		return nil, false
	}

	axes := make([][]geometry.Point2D, 2)
	for k, l := range []Line{a, b} {
		ticks, ok := cutAround(l.Points, center, n, p.CenterSearch)
		if !ok {
			return nil, false
		}
		axes[k] = ticks
	}

	// The axis reaching further left is X; X runs left to right, Y bottom to top.
	x, y := axes[0], axes[1]
	lines := [2]Line{a, b}
	if minX(axes[1]) < minX(axes[0]) {
		x, y = axes[1], axes[0]
		lines = [2]Line{b, a}
	}
	if x[0].X > x[len(x)-1].X {
		reverse(x)
	}
	if y[0].Y < y[len(y)-1].Y {
		reverse(y)
	}
	return &InterestPoints{Center: center, XAxis: x, YAxis: y, Lines: lines}, true
}

// cutAround replaces the tick nearest center (within search px on each axis)
// by center itself and returns the 2n+1 ticks around it.
func cutAround(points []geometry.Point2D, center geometry.Point2D, n int, search float64) ([]geometry.Point2D, bool) {
	idx := -1
	best := math.Inf(1)
	for i, pt := range points {
		if math.Abs(pt.X-center.X) > search || math.Abs(pt.Y-center.Y) > search {
			continue
		}
		if d := pt.Distance(center); d < best {
			idx, best = i, d
		}
	}
	if idx < n || idx+n >= len(points) {
		return nil, false
	}
	out := make([]geometry.Point2D, 2*n+1)
	copy(out, points[idx-n:idx+n+1])
	out[n] = center
	return out, true
}

// SelectPositiveX reorders the axes so the endpoint nearest click becomes the
// +X marker, rotating the frame without mirroring it. This is the hook the
// operator's click on the reticle is routed through.
func SelectPositiveX(ip InterestPoints, click geometry.Point2D) InterestPoints {
	if len(ip.XAxis) == 0 || len(ip.YAxis) == 0 {
		return ip
	}
	ends := []geometry.Point2D{ip.XAxis[0], ip.PositiveX(), ip.YAxis[0], ip.YAxis[len(ip.YAxis)-1]}
	x := append([]geometry.Point2D(nil), ip.XAxis...)
	y := append([]geometry.Point2D(nil), ip.YAxis...)
	lines := ip.Lines

	switch geometry.Nearest(ends, click) {
	case 0: // -X clicked: rotate 180
		reverse(x)
		reverse(y)
	case 2: // -Y clicked: X <- reversed Y, Y <- X
		reverse(y)
		x, y = y, x
		lines[0], lines[1] = lines[1], lines[0]
	case 3: // +Y clicked: X <- Y, Y <- reversed X
		reverse(x)
		x, y = y, x
		lines[0], lines[1] = lines[1], lines[0]
	}
	return InterestPoints{Center: ip.Center, XAxis: x, YAxis: y, Lines: lines}
}

// Zone is the reticle region probes are measured against: a band of Width px
// around each of the two gridlines, limited to the extent of the detected grid
// when Extent is set.
type Zone struct {
	Lines [2]geometry.Line2D
	Width float64
	// Extent is the convex hull of the gridline points.
	Extent []geometry.Point2D
}

// ZoneOf builds the reticle zone for a detection.
func ZoneOf(ip InterestPoints, width float64) Zone {
	pts := make([]geometry.Point2D, 0, len(ip.Lines[0].Points)+len(ip.Lines[1].Points))
	pts = append(pts, ip.Lines[0].Points...)
	pts = append(pts, ip.Lines[1].Points...)
	return Zone{
		Lines:  [2]geometry.Line2D{ip.Lines[0].Fit, ip.Lines[1].Fit},
		Width:  width,
		Extent: geometry.ConvexHull(pts),
	}
}

// Distance returns how far p is outside the zone; 0 means inside.
func (z Zone) Distance(p geometry.Point2D) float64 {
	best := math.Inf(1)
	for _, l := range z.Lines {
		best = math.Min(best, l.Distance(p)-z.Width/2)
	}
	if len(z.Extent) >= 3 {
		best = math.Max(best, geometry.DistanceToPolygon(p, z.Extent)-z.Width/2)
	}
	return math.Max(0, best)
}

// Contains reports whether p lies on either gridline band.
func (z Zone) Contains(p geometry.Point2D) bool {
	return z.Distance(p) == 0
}

func minX(pts []geometry.Point2D) float64 {
	m := math.Inf(1)
	for _, p := range pts {
		m = math.Min(m, p.X)
	}
	return m
}

func reverse(pts []geometry.Point2D) {
	for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
		pts[i], pts[j] = pts[j], pts[i]
	}
}
