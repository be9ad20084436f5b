package probe

import (
	"image"
	"image/color"
	"log/slog"
	"math"

	"gocv.io/x/gocv"

	"probe-tracker/internal/imgproc"
	"probe-tracker/pkg/geometry"
)

// FineTipDetector refines a coarse tip on a small full-resolution crop around
// it by snapping to the nearest corner feature in the probe's direction.
type FineTipDetector struct {
	params FineTipParams
	log    *slog.Logger
}

// NewFineTipDetector creates a FineTipDetector.
func NewFineTipDetector(params FineTipParams, log *slog.Logger) *FineTipDetector {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &FineTipDetector{params: params, log: log}
}

// GetPreciseTip returns the refined tip in frame coordinates. crop is the
// region of the frame whose top-left corner is offset; coarse and base are in
// frame coordinates. It fails when the crop shows more than the probe
// crossing its border, in which case the coarse tip should be kept.
func (f *FineTipDetector) GetPreciseTip(crop gocv.Mat, coarse, base geometry.Point2D, dir geometry.Direction, offset image.Point) (geometry.Point2D, bool) {
	if crop.Empty() {
		return coarse, false
	}
	bin := f.binarize(crop)
	defer bin.Close()

	if hits := borderCrossings(bin); hits > f.params.MaxBorderHits {
		f.log.Debug("finetip: ambiguous crop", "border_components", hits)
		return coarse, false
	}

	tip := coarse
	best := math.Inf(1)
	off := geometry.FromImagePoint(offset)
	for _, blob := range f.cornerBlobs(bin) {
		p := directionalExtreme(blob.Points, dir).Add(off)
		if d := p.Distance(coarse); d < best {
			tip, best = p, d
		}
	}
	return extendFrom(tip, base, f.params.TipOffset), true
}

// binarize blurs, sharpens and Otsu-thresholds the crop; the probe is black.
func (f *FineTipDetector) binarize(crop gocv.Mat) gocv.Mat {
	gray := imgproc.ToGray(crop)
	defer gray.Close()
	gocv.GaussianBlur(gray, &gray, image.Pt(f.params.BlurSize, f.params.BlurSize), 0, 0, gocv.BorderDefault)

	fl := gocv.NewMat()
	defer fl.Close()
	gray.ConvertTo(&fl, gocv.MatTypeCV32F)
	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(fl, &lap, gocv.MatTypeCV32F, 1, 1, 0, gocv.BorderDefault)
	gocv.Subtract(fl, lap, &fl)

	sharp := gocv.NewMat()
	defer sharp.Close()
	fl.ConvertTo(&sharp, gocv.MatTypeCV8U)

	bin := gocv.NewMat()
	imgproc.Otsu(sharp, &bin)
	return bin
}

// borderCrossings counts the separate dark runs along the one-pixel border.
func borderCrossings(bin gocv.Mat) int {
	ring := imgproc.Zeros(imgproc.Size(bin))
	defer ring.Close()
	gocv.Rectangle(&ring, image.Rect(0, 0, bin.Cols()-1, bin.Rows()-1), color.RGBA{R: 255, G: 255, B: 255, A: 255}, 1)

	inv := gocv.NewMat()
	defer inv.Close()
	gocv.BitwiseNot(bin, &inv)
	gocv.BitwiseAnd(inv, ring, &inv)
	return len(imgproc.ExternalContours(inv))
}

// cornerBlobs returns the connected regions of strong Harris response.
func (f *FineTipDetector) cornerBlobs(bin gocv.Mat) []imgproc.Contour {
	p := f.params
	resp := harris(bin, p.HarrisBlock, p.HarrisKSize, p.HarrisK)
	peak := 0.0
	for _, r := range resp.data {
		peak = math.Max(peak, r)
	}
	if peak <= 0 {
		return nil
	}

	marks := imgproc.Zeros(image.Pt(resp.w, resp.h))
	defer marks.Close()
	cut := p.HarrisRatio * peak
	for y := 0; y < resp.h; y++ {
		for x := 0; x < resp.w; x++ {
			if resp.data[y*resp.w+x] > cut {
				marks.SetUCharAt(y, x, 255)
			}
		}
	}
	return imgproc.ExternalContours(marks)
}

// directionalExtreme returns the contour point furthest along dir.
func directionalExtreme(pts []image.Point, dir geometry.Direction) geometry.Point2D {
	if len(pts) == 0 {
		return geometry.Point2D{}
	}
	score := func(p image.Point) int {
		switch dir {
		case geometry.DirS:
			return p.Y
		case geometry.DirN:
			return -p.Y
		case geometry.DirE:
			return p.X
		case geometry.DirW:
			return -p.X
		case geometry.DirNE:
			return p.X - p.Y
		case geometry.DirNW:
			return -(p.X + p.Y)
		case geometry.DirSE:
			return p.X + p.Y
		case geometry.DirSW:
			return p.Y - p.X
		}
		return 0
	}
	best := pts[0]
	for _, p := range pts[1:] {
		if score(p) > score(best) {
			best = p
		}
	}
	return geometry.FromImagePoint(best)
}

// extendFrom pushes tip dist px further from base and rounds to whole pixels.
func extendFrom(tip, base geometry.Point2D, dist float64) geometry.Point2D {
	u, ok := tip.Sub(base).Unit()
	if !ok {
		return tip
	}
	return geometry.FromImagePoint(tip.Add(u.Scale(dist)).Round())
}
