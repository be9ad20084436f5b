// Package framediff produces the motion images the probe detector runs on.
//
// Two strategies exist. ModePrevious compares the frame against the last
// committed frame and is robust to sensor noise but blind to slow motion.
// ModeBackground compares the frame's edge map against a background edge map
// captured while the probe was still, which catches slow motion at the cost of
// sensitivity to illumination drift.
package framediff

import (
	"image/color"

	"gocv.io/x/gocv"

	"probe-tracker/internal/imgproc"
	"probe-tracker/pkg/geometry"
)

// Mode selects a difference strategy.
type Mode int

const (
	ModePrevious Mode = iota
	ModeBackground
)

// String returns a human-readable name for the mode.
func (m Mode) String() string {
	switch m {
	case ModePrevious:
		return "curr-prev"
	case ModeBackground:
		return "curr-background"
	default:
		return "unknown"
	}
}

// Other returns the fallback strategy for m.
func (m Mode) Other() Mode {
	if m == ModePrevious {
		return ModeBackground
	}
	return ModePrevious
}

// ModeFor picks the primary strategy from the probe's motion state: a still
// probe is compared against the previous frame, a moving one against the
// background.
func ModeFor(moving bool) Mode {
	if moving {
		return ModeBackground
	}
	return ModePrevious
}

// Params tunes both strategies.
type Params struct {
	// Previous-frame diffs whose peak is below this are treated as no motion.
	MinDiffIntensity float64 `json:"min_diff_intensity" yaml:"min_diff_intensity" toml:"min_diff_intensity"`
	// Pixels dimmer than ShadowRatio times the peak are discarded as shadow.
	ShadowRatio float64 `json:"shadow_ratio" yaml:"shadow_ratio" toml:"shadow_ratio"`

	BlockSize int     `json:"block_size" yaml:"block_size" toml:"block_size"`
	BlockC    float64 `json:"block_c" yaml:"block_c" toml:"block_c"`

	// The probe is erased from the background as a line extended by EraseOffset
	// px past both ends, EraseThickness px wide.
	EraseOffset    float64 `json:"erase_offset" yaml:"erase_offset" toml:"erase_offset"`
	EraseThickness int     `json:"erase_thickness" yaml:"erase_thickness" toml:"erase_thickness"`
}

// DefaultParams returns the standard difference settings.
func DefaultParams() Params {
	return Params{
		MinDiffIntensity: 20,
		ShadowRatio:      0.5,
		BlockSize:        17,
		BlockC:           2,
		EraseOffset:      10,
		EraseThickness:   10,
	}
}

// Differencer holds the retained frames for both strategies. It belongs to a
// single camera pipeline and is not safe for concurrent use.
type Differencer struct {
	params     Params
	prev       gocv.Mat
	background gocv.Mat
}

// New creates a Differencer with no retained state.
func New(params Params) *Differencer {
	return &Differencer{params: params, prev: gocv.NewMat(), background: gocv.NewMat()}
}

// HasPrevious reports whether a previous frame has been committed.
func (d *Differencer) HasPrevious() bool { return !d.prev.Empty() }

// HasBackground reports whether a background has been captured.
func (d *Differencer) HasBackground() bool { return !d.background.Empty() }

// UpdateCmp returns the binary difference image of the grayscale frame curr
// under mask for the given strategy. The caller owns the returned Mat. ok is
// false when the strategy has nothing to compare against yet or sees no
// significant change; a missing previous frame is seeded from curr, a missing
// background from curr's edge map.
func (d *Differencer) UpdateCmp(mode Mode, curr, mask gocv.Mat) (diff gocv.Mat, ok bool) {
	switch mode {
	case ModeBackground:
		bin := edgeMap(curr, d.params)
		defer bin.Close()
		if d.background.Empty() {
			gocv.BitwiseNot(bin, &d.background)
			return gocv.NewMat(), false
		}
		return diffBackground(bin, d.background, mask), true
	default:
		if d.prev.Empty() {
			d.Commit(curr)
			return gocv.NewMat(), false
		}
		return diffPrevious(d.prev, curr, mask, d.params)
	}
}

// Commit makes curr the reference frame for ModePrevious.
func (d *Differencer) Commit(curr gocv.Mat) {
	curr.CopyTo(&d.prev)
}

// CaptureBackground replaces the background with curr's edge map. Call it
// while the probe is stationary.
func (d *Differencer) CaptureBackground(curr gocv.Mat) {
	bin := edgeMap(curr, d.params)
	defer bin.Close()
	gocv.BitwiseNot(bin, &d.background)
}

// UpdateBackground re-derives the background from curr with the probe shaft
// between base and tip erased, so the probe keeps showing up as foreground.
func (d *Differencer) UpdateBackground(curr, mask gocv.Mat, tip, base geometry.Point2D) {
	dir, ok := tip.Sub(base).Unit()
	if !ok {
		return
	}
	bin := edgeMap(curr, d.params)
	defer bin.Close()

	probe := imgproc.Zeros(imgproc.Size(bin))
	defer probe.Close()
	ext := dir.Scale(d.params.EraseOffset)
	gocv.Line(&probe, tip.Add(ext).Round(), base.Sub(ext).Round(),
		color.RGBA{R: 255, G: 255, B: 255, A: 255}, d.params.EraseThickness)
	gocv.BitwiseNot(probe, &probe)

	gocv.BitwiseAnd(bin, probe, &bin)
	gocv.BitwiseNot(bin, &bin)
	bg := gocv.NewMat()
	gocv.BitwiseAnd(bin, mask, &bg)
	d.background.Close()
	d.background = bg
}

// Reset drops all retained frames.
func (d *Differencer) Reset() {
	d.prev.Close()
	d.background.Close()
	d.prev = gocv.NewMat()
	d.background = gocv.NewMat()
}

// Close releases retained frames.
func (d *Differencer) Close() error {
	d.prev.Close()
	return d.background.Close()
}

// diffPrevious highlights pixels that got darker since prev: the saturating
// difference prev-curr, with weak (shadow) responses cut and the rest
// binarized by Otsu.
func diffPrevious(prev, curr, mask gocv.Mat, p Params) (gocv.Mat, bool) {
	diff := gocv.NewMat()
	gocv.Subtract(prev, curr, &diff)
	gocv.BitwiseAnd(diff, mask, &diff)

	_, peak, _, _ := gocv.MinMaxLoc(diff)
	if float64(peak) < p.MinDiffIntensity {
		diff.Close()
		return gocv.NewMat(), false
	}

	// Zero everything below the shadow cut, then Otsu on what is left.
	gocv.Threshold(diff, &diff, float32(p.ShadowRatio*float64(peak)), 255, gocv.ThresholdToZero)
	imgproc.Otsu(diff, &diff)
	gocv.BitwiseAnd(diff, mask, &diff)
	return diff, true
}

// diffBackground keeps the edges of the current frame that are not part of
// the background edge map.
func diffBackground(bin, background, mask gocv.Mat) gocv.Mat {
	diff := gocv.NewMat()
	gocv.BitwiseAndWithMask(bin, background, &diff, mask)
	return diff
}

// edgeMap is the inverted adaptive threshold of a grayscale frame: dark,
// locally contrasted structure (the probe shaft, reticle ticks) becomes 255.
func edgeMap(curr gocv.Mat, p Params) gocv.Mat {
	gray := imgproc.ToGray(curr)
	defer gray.Close()
	bin := gocv.NewMat()
	gocv.AdaptiveThreshold(gray, &bin, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary,
		p.BlockSize, float32(p.BlockC))
	gocv.BitwiseNot(bin, &bin)
	return bin
}

// Centroid returns the intensity centroid of a single-channel image, or false
// if it is all zero.
func Centroid(img gocv.Mat) (geometry.Point2D, bool) {
	var sum, sx, sy float64
	for y := 0; y < img.Rows(); y++ {
		for x := 0; x < img.Cols(); x++ {
			v := float64(img.GetUCharAt(y, x))
			if v == 0 {
				continue
			}
			sum += v
			sx += v * float64(x)
			sy += v * float64(y)
		}
	}
	if sum == 0 {
		return geometry.Point2D{}, false
	}
	return geometry.Point2D{X: sx / sum, Y: sy / sum}, true
}
