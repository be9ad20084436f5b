// Package reticle finds the two gridlines of a calibration reticle and derives
// the interest points used as calibration correspondences.
package reticle

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math/rand"

	"gocv.io/x/gocv"

	"probe-tracker/internal/imgproc"
	"probe-tracker/pkg/geometry"
)

// ErrEmptyFrame is returned for empty or mismatched inputs. A frame that
// simply shows no reticle is not an error.
var ErrEmptyFrame = errors.New("reticle: empty frame or mask")

// Detector locates reticle gridlines. It keeps no per-frame state, so one
// Detector may be reused across calls, but not concurrently.
type Detector struct {
	params Params
	log    *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(params Params, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Detector{params: params, log: log}
}

// Params returns the detector configuration.
func (d *Detector) Params() Params {
	return d.params
}

// GetCoords returns the reticle interest points in frame, restricted to the
// non-zero region of mask. It returns (nil, nil) when no reliable pair of
// gridlines is found.
func (d *Detector) GetCoords(frame, mask gocv.Mat) (*InterestPoints, error) {
	if frame.Empty() || mask.Empty() {
		return nil, ErrEmptyFrame
	}
	if frame.Rows() != mask.Rows() || frame.Cols() != mask.Cols() {
		return nil, fmt.Errorf("%w: frame %dx%d, mask %dx%d", ErrEmptyFrame,
			frame.Cols(), frame.Rows(), mask.Cols(), mask.Rows())
	}

	centroids, ok := d.blobCentroids(frame, mask)
	if !ok {
		return nil, nil
	}

	// A fresh source per call keeps repeated calls on one frame identical.
	rng := rand.New(rand.NewSource(d.params.Seed))
	lines, ok := detectTwoLines(centroids, d.params.RANSAC, rng)
	if !ok {
		d.log.Debug("reticle: fewer than two gridlines", "points", len(centroids), "lines", len(lines))
		return nil, nil
	}

	a := densify(lines[0], d.params.GapFactor)
	b := densify(lines[1], d.params.GapFactor)
	if d.params.Debug {
		fmt.Printf("reticle: line A %d pts (%d interpolated), line B %d pts (%d interpolated)\n",
			len(a.Points), a.Interpolated, len(b.Points), b.Interpolated)
	}

	ip, ok := interestPoints(a, b, d.params)
	if !ok {
		d.log.Debug("reticle: degenerate interest points", "a", len(a.Points), "b", len(b.Points))
		return nil, nil
	}
	return ip, nil
}

// blobCentroids isolates the gridline ticks as separate blobs and returns
// their centroids.
func (d *Detector) blobCentroids(frame, mask gocv.Mat) ([]geometry.Point2D, bool) {
	p := d.params

	// Step 1: grayscale, blur, mask
	gray := imgproc.ToGray(frame)
	defer gray.Close()
	gocv.GaussianBlur(gray, &gray, image.Pt(p.BlurSize, p.BlurSize), 0, 0, gocv.BorderDefault)

	masked := gocv.NewMat()
	defer masked.Close()
	gocv.BitwiseAndWithMask(gray, gray, &masked, mask)

	// Step 2: local threshold, denoise, invert inside the mask
	bin := gocv.NewMat()
	defer bin.Close()
	gocv.AdaptiveThreshold(masked, &bin, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary,
		p.BlockSize, float32(p.BlockC))
	gocv.MedianBlur(bin, &bin, p.MedianSize)
	gocv.BitwiseNot(bin, &bin)
	gocv.BitwiseAnd(bin, mask, &bin)

	// Step 3: close speckle
	closeK := imgproc.Ellipse(p.CloseKernel)
	defer closeK.Close()
	gocv.MorphologyEx(bin, &bin, gocv.MorphClose, closeK)

	// Step 4: erode until the ticks separate
	contours, ok := d.erodeUntilSeparated(&bin)
	if !ok {
		d.log.Debug("reticle: blob count never reached acceptance band")
		return nil, false
	}

	centroids := make([]geometry.Point2D, 0, len(contours))
	for _, c := range contours {
		if c.Area <= 0 {
			continue
		}
		centroids = append(centroids, imgproc.ContourCentroid(c.Points))
	}
	if len(centroids) < p.MinPoints {
		d.log.Debug("reticle: too few tick centroids", "count", len(centroids))
		return nil, false
	}
	return centroids, true
}

func (d *Detector) erodeUntilSeparated(bin *gocv.Mat) ([]imgproc.Contour, bool) {
	p := d.params
	k := imgproc.Ellipse(p.ErodeKernel)
	defer k.Close()

	for i := 0; i <= p.MaxErodeIterations; i++ {
		contours := imgproc.ExternalContours(*bin)
		if len(contours) == 0 {
			return nil, false
		}
		largest := contours[imgproc.Largest(contours)].Area
		if len(contours) > p.MinBlobs && len(contours) < p.MaxBlobs && largest < p.MaxBlobArea {
			return contours, true
		}
		if i == p.MaxErodeIterations {
			break
		}
		gocv.Erode(*bin, bin, k)
		gocv.MorphologyEx(*bin, bin, gocv.MorphOpen, k)
	}
	return nil, false
}
