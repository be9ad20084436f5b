package reticle

import (
	"math"
	"sort"

	"probe-tracker/pkg/geometry"
)

// Line is a densified reticle gridline: Points are ordered along Fit and
// include interpolated ticks where blobs were missing.
type Line struct {
	Fit          geometry.Line2D    `json:"fit"`
	Points       []geometry.Point2D `json:"points"`
	Inliers      []geometry.Point2D `json:"inliers"`
	Interpolated int                `json:"interpolated"`
}

const (
	// minPitch is the smallest median spacing in px that gaps are filled at.
	minPitch = 1.0
	// maxGapFill is the most points filled into one gap; wider gaps stay open.
	maxGapFill = 20
)

// densify snaps the supporting centroids onto the fitted line, orders them
// along it and fills gaps wider than gapFactor times the median pitch.
func densify(g gridLine, gapFactor float64) Line {
	ts := make([]float64, len(g.points))
	for i, p := range g.points {
		ts[i] = g.line.Param(p)
	}
	sort.Float64s(ts)

	steps := make([]float64, 0, len(ts))
	for i := 1; i < len(ts); i++ {
		steps = append(steps, ts[i]-ts[i-1])
	}
	pitch := geometry.Median(steps)

	dense := make([]float64, 0, len(ts))
	added := 0
	for i, t := range ts {
		dense = append(dense, t)
		if i == len(ts)-1 || pitch < minPitch {
			continue
		}
		gap := ts[i+1] - t
		if gap <= gapFactor*pitch {
			continue
		}
		missing := int(math.Round(gap/pitch)) - 1
		if missing > maxGapFill {
			continue
		}
		for k := 1; k <= missing; k++ {
			dense = append(dense, t+gap*float64(k)/float64(missing+1))
			added++
		}
	}

	pts := make([]geometry.Point2D, len(dense))
	for i, t := range dense {
		pts[i] = g.line.At(t)
	}
	return Line{Fit: g.line, Points: pts, Inliers: g.points, Interpolated: added}
}

// Pitch returns the median spacing between consecutive points.
func (l Line) Pitch() float64 {
	steps := make([]float64, 0, len(l.Points))
	for i := 1; i < len(l.Points); i++ {
		steps = append(steps, l.Points[i].Distance(l.Points[i-1]))
	}
	return geometry.Median(steps)
}
