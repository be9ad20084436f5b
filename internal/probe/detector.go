// Package probe locates the probe shaft in a motion image and refines its tip.
package probe

import (
	"fmt"
	"image"
	"log/slog"
	"math"

	"gocv.io/x/gocv"

	"probe-tracker/internal/imgproc"
	"probe-tracker/pkg/geometry"
)

// Region is an area of the frame a probe cannot be entirely inside, such as
// the reticle gridlines. reticle.Zone satisfies it.
type Region interface {
	Contains(p geometry.Point2D) bool
	// Distance is 0 inside the region and grows away from it.
	Distance(p geometry.Point2D) float64
}

// DetectInput carries the per-call context of a detection.
type DetectInput struct {
	// Offset of the diff image inside the working frame. Results include it.
	Offset image.Point
	// Mask is the reticle plate mask of the whole working frame. It decides tip
	// versus base when the shaft angle is new. May be empty.
	Mask gocv.Mat
	// Known is the state from the previous frame. Nil or without an angle runs
	// a first detection.
	Known *State
	// Hough overrides the pass defaults.
	Hough *HoughParams
	// Reject a detection whose tip and base both fall inside Exclude. When the
	// direction is new, the endpoint farther from Exclude is the tip.
	Exclude Region
}

// Detector finds the probe as the dominant straight structure of a binary
// diff image. It keeps no per-frame state; callers carry State.
type Detector struct {
	params Params
	bins   angleBins
	log    *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(params Params, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Detector{params: params, bins: newAngleBins(params.AngleStep), log: log}
}

// Params returns the detector configuration.
func (d *Detector) Params() Params {
	return d.params
}

// Detect looks for the probe in diff. The second result is false when no
// probe could be found; diff is not modified.
func (d *Detector) Detect(diff gocv.Mat, in DetectInput) (Detection, bool) {
	if diff.Empty() {
		return Detection{}, false
	}
	first := in.Known == nil || !in.Known.HasAngle
	p := d.params

	work := diff.Clone()
	defer work.Close()

	// Step 1: reject empty diffs, drop speckle
	thresh := p.ContourThreshUpdate
	if first {
		thresh = p.ContourThreshFirst
	}
	contours := imgproc.ExternalContours(work)
	idx := imgproc.Largest(contours)
	if idx < 0 || contours[idx].Area < thresh {
		return Detection{}, false
	}
	if first {
		imgproc.RemoveSmallContours(&work, p.NoiseThreshold*p.NoiseThreshold)
	}

	// Step 2: line segments
	hough := p.HoughUpdate
	if first {
		hough = p.HoughFirst
	}
	if in.Hough != nil {
		hough = *in.Hough
	}
	segs := houghSegments(work, hough)
	if len(segs) == 0 {
		return Detection{}, false
	}
	if len(segs) >= p.MaxSegments {
		d.log.Debug("probe: too many segments", "count", len(segs))
		return Detection{}, false
	}

	// Step 3: keep segments at the expected angle, track the shaft ends
	var allowed []float64
	if !first {
		i, ok := d.bins.index(in.Known.Angle)
		if !ok {
			return Detection{}, false
		}
		allowed = d.bins.neighbors(i)
	}
	var ext extremes
	var gradients []float64
	for _, s := range segs {
		g := d.bins.snap(s.angle())
		if !first && !containsAngle(allowed, g) {
			continue
		}
		gradients = append(gradients, g)
		ext.add(s.a)
		ext.add(s.b)
	}
	if len(gradients) == 0 {
		return Detection{}, false
	}
	if ext.highest.Distance(ext.lowest) < p.MinTipBaseDistance {
		d.log.Debug("probe: tip and base too close", "highest", ext.highest, "lowest", ext.lowest)
		return Detection{}, false
	}

	var angle float64
	if first {
		angle = d.bins.snap(geometry.Median(gradients))
	} else {
		angle = mostCommon(gradients)
	}

	// Step 4: tip versus base
	off := geometry.FromImagePoint(in.Offset)
	highest, lowest := ext.highest.Add(off), ext.lowest.Add(off)
	det := Detection{Angle: angle}
	if !first && angle == in.Known.Angle && in.Known.Direction != geometry.DirUnknown {
		det.Tip, det.Base = highest, lowest
		if in.Known.Direction.Downward() {
			det.Tip, det.Base = lowest, highest
		}
		det.Direction = in.Known.Direction
	} else {
		det.Tip, det.Base = byMaskDepth(in.Mask, highest, lowest)
		if in.Exclude != nil {
			det.Tip, det.Base = awayFrom(in.Exclude, det.Tip, det.Base)
		}
		det.Direction = geometry.OctantOf(det.Tip.Sub(det.Base))
	}

	if in.Exclude != nil && in.Exclude.Contains(det.Tip) && in.Exclude.Contains(det.Base) {
		d.log.Debug("probe: detection lies on the reticle", "tip", det.Tip, "base", det.Base)
		return Detection{}, false
	}
	if p.Debug {
		fmt.Printf("probe: %d segments, angle %.0f, tip (%.0f,%.0f) base (%.0f,%.0f) %s\n",
			len(gradients), det.Angle, det.Tip.X, det.Tip.Y, det.Base.X, det.Base.Y, det.Direction)
	}
	return det, true
}

type segment struct {
	a, b geometry.Point2D
}

// angle returns the undirected segment angle in [0, 180).
func (s segment) angle() float64 {
	deg := math.Atan2(s.b.Y-s.a.Y, s.b.X-s.a.X) * 180 / math.Pi
	return math.Mod(deg+180, 180)
}

func houghSegments(bin gocv.Mat, h HoughParams) []segment {
	lines := gocv.NewMat()
	defer lines.Close()
	gocv.HoughLinesPWithParams(bin, &lines, 1, math.Pi/180, h.Threshold,
		float32(h.MinLineLength), float32(h.MaxLineGap))

	segs := make([]segment, 0, lines.Rows())
	for i := 0; i < lines.Rows(); i++ {
		v := lines.GetVeciAt(i, 0)
		segs = append(segs, segment{
			a: geometry.Point2D{X: float64(v[2]), Y: float64(v[3])},
			b: geometry.Point2D{X: float64(v[0]), Y: float64(v[1])},
		})
	}
	return segs
}

// extremes tracks the highest (smallest y) and lowest (largest y) endpoints.
type extremes struct {
	highest, lowest geometry.Point2D
	seen            bool
}

func (e *extremes) add(p geometry.Point2D) {
	if !e.seen {
		e.highest, e.lowest, e.seen = p, p, true
		return
	}
	if p.Y > e.lowest.Y {
		e.lowest = p
	}
	if p.Y <= e.highest.Y {
		e.highest = p
	}
}

// byMaskDepth returns (tip, base): the tip is the endpoint deeper inside the
// plate mask, the base is nearer the holder outside it. Ties go to the lower
// endpoint.
func byMaskDepth(mask gocv.Mat, highest, lowest geometry.Point2D) (geometry.Point2D, geometry.Point2D) {
	if mask.Empty() {
		return lowest, highest
	}
	data := mask.ToBytes()
	w, h := mask.Cols(), mask.Rows()
	if maskDepth(data, w, h, highest.Round()) > maskDepth(data, w, h, lowest.Round()) {
		return highest, lowest
	}
	return lowest, highest
}

// awayFrom returns (tip, base) with the tip being the endpoint farther from
// r. Equal distances keep the given order.
func awayFrom(r Region, tip, base geometry.Point2D) (geometry.Point2D, geometry.Point2D) {
	if r.Distance(base) > r.Distance(tip) {
		return base, tip
	}
	return tip, base
}

// maskDepth returns the Euclidean distance from p to the nearest zero pixel of
// a w x h single-channel image padded by one zero pixel on every side.
func maskDepth(data []byte, w, h int, p image.Point) float64 {
	if p.X < 0 || p.Y < 0 || p.X >= w || p.Y >= h || data[p.Y*w+p.X] == 0 {
		return 0
	}
	best := float64(min(p.X+1, p.Y+1, w-p.X, h-p.Y))
	check := func(x, y int) {
		if x < 0 || y < 0 || x >= w || y >= h || data[y*w+x] != 0 {
			return
		}
		if d := math.Hypot(float64(x-p.X), float64(y-p.Y)); d < best {
			best = d
		}
	}
	for r := 1; float64(r) < best; r++ {
		for dx := -r; dx <= r; dx++ {
			check(p.X+dx, p.Y-r)
			check(p.X+dx, p.Y+r)
		}
		for dy := -r + 1; dy < r; dy++ {
			check(p.X-r, p.Y+dy)
			check(p.X+r, p.Y+dy)
		}
	}
	return best
}

// mostCommon returns the most frequent value, the earliest on ties.
func mostCommon(xs []float64) float64 {
	counts := make(map[float64]int, len(xs))
	for _, x := range xs {
		counts[x]++
	}
	best, bestN := 0.0, 0
	for _, x := range xs {
		if counts[x] > bestN {
			best, bestN = x, counts[x]
		}
	}
	return best
}

func containsAngle(set []float64, a float64) bool {
	for _, s := range set {
		if s == a {
			return true
		}
	}
	return false
}
