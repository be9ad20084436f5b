// Package mask separates the reticle plate from the background of a camera
// frame.
package mask

import (
	"image"
	"log/slog"

	"gocv.io/x/gocv"

	"probe-tracker/internal/imgproc"
)

// Result is the output of Generator.Process. Mask always has the size of the
// input frame; when ReticleFound is false it is all zero.
type Result struct {
	Mask         gocv.Mat
	ReticleFound bool
}

// Close releases the mask.
func (r *Result) Close() error {
	return r.Mask.Close()
}

// Generator turns a frame into a reticle mask. A Generator is safe for use by
// one goroutine at a time; give each camera its own.
type Generator struct {
	params Params
	bank   *filterBank
	log    *slog.Logger
}

// NewGenerator creates a Generator. A nil logger discards debug output.
func NewGenerator(params Params, log *slog.Logger) *Generator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Generator{params: params, bank: newFilterBank(4), log: log}
}

// Params returns the generator configuration.
func (g *Generator) Params() Params {
	return g.params
}

// Process builds the mask. It never fails: empty or featureless frames produce
// an all-zero mask with ReticleFound=false.
func (g *Generator) Process(frame gocv.Mat) Result {
	if frame.Empty() {
		return Result{Mask: gocv.NewMat()}
	}
	original := imgproc.Size(frame)
	p := g.params

	// Step 1: grayscale
	gray := imgproc.ToGray(frame)
	defer gray.Close()

	// Step 2: downscale (and blur at the refinement resolution)
	work := imgproc.ResizeTo(gray, p.WorkSize)
	defer func() { work.Close() }()
	if p.BlurSize > 0 {
		gocv.GaussianBlur(work, &work, image.Pt(p.BlurSize, p.BlurSize), 0, 0, gocv.BorderDefault)
	}

	// Step 3: homomorphic filter to flatten shadows
	if p.Homomorphic {
		filtered := homomorphic(work, p, g.bank)
		work.Close()
		work = filtered
	}

	// Step 4: Otsu
	bin := gocv.NewMat()
	defer bin.Close()
	imgproc.Otsu(work, &bin)

	if frac := imgproc.BorderWhiteFraction(bin, p.BoundaryDepth); frac >= p.ThresholdExist {
		g.log.Debug("mask: border saturated after threshold", "white_fraction", frac)
		return Result{Mask: imgproc.Zeros(original)}
	}

	// Step 5: keep the plate, close gaps, shave the rim
	plate, _ := imgproc.KeepLargestContour(bin)
	defer plate.Close()

	closeK := imgproc.Ellipse(p.CloseKernel)
	defer closeK.Close()
	erodeK := imgproc.Ellipse(p.ErodeKernel)
	defer erodeK.Close()

	gocv.MorphologyEx(plate, &plate, gocv.MorphClose, closeK)
	gocv.Erode(plate, &plate, erodeK)

	// Step 6: invert, drop small holes (reflections), restore
	gocv.BitwiseNot(plate, &plate)
	imgproc.RemoveSmallContours(&plate, float64(p.MinBlobSide*p.MinBlobSide))
	gocv.Dilate(plate, &plate, erodeK)
	gocv.BitwiseNot(plate, &plate)

	if frac := imgproc.BorderWhiteFraction(plate, p.BoundaryDepth); frac >= p.MorphExist {
		g.log.Debug("mask: border saturated after morphology", "white_fraction", frac)
		return Result{Mask: imgproc.Zeros(original)}
	}

	// Step 7: back to the original size as 8-bit binary
	up := imgproc.ResizeTo(plate, original)
	defer up.Close()
	out := gocv.NewMat()
	gocv.Threshold(up, &out, 127, 255, gocv.ThresholdBinary)
	return Result{Mask: out, ReticleFound: gocv.CountNonZero(out) > 0}
}
