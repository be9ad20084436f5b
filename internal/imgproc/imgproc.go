// Package imgproc holds the small gocv building blocks shared by the mask,
// reticle and probe detectors.
package imgproc

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"

	"probe-tracker/pkg/geometry"
)

var (
	white = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	black = color.RGBA{A: 255}
)

// ToGray returns a single-channel copy of src. The caller owns the result.
func ToGray(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	switch src.Channels() {
	case 1:
		src.CopyTo(&gray)
	case 4:
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
	default:
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}
	return gray
}

// ResizeTo resizes src to size (width, height) with linear interpolation.
func ResizeTo(src gocv.Mat, size image.Point) gocv.Mat {
	dst := gocv.NewMat()
	gocv.Resize(src, &dst, size, 0, 0, gocv.InterpolationLinear)
	return dst
}

// Size returns the Mat dimensions as (cols, rows).
func Size(m gocv.Mat) image.Point {
	return image.Pt(m.Cols(), m.Rows())
}

// ScaleToOriginal maps a point in a resized image back into original pixels.
func ScaleToOriginal(p geometry.Point2D, resized, original image.Point) geometry.Point2D {
	if resized.X == 0 || resized.Y == 0 {
		return p
	}
	return p.ScaleXY(float64(original.X)/float64(resized.X), float64(original.Y)/float64(resized.Y))
}

// Otsu binarizes a grayscale image with Otsu's threshold and returns the
// threshold that was chosen.
func Otsu(src gocv.Mat, dst *gocv.Mat) float64 {
	return float64(gocv.Threshold(src, dst, 0, 255, gocv.ThresholdBinary+gocv.ThresholdOtsu))
}

// Ellipse returns an elliptical structuring element. The caller must Close it.
func Ellipse(size int) gocv.Mat {
	return gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(size, size))
}

// Contour is an external contour with its area.
type Contour struct {
	Points []image.Point
	Area   float64
}

// ExternalContours returns the external contours of a binary image.
func ExternalContours(bin gocv.Mat) []Contour {
	contours := gocv.FindContours(bin, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	out := make([]Contour, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		pv := contours.At(i)
		out = append(out, Contour{Points: pv.ToPoints(), Area: gocv.ContourArea(pv)})
	}
	return out
}

// Largest returns the index of the contour with the greatest area, or -1.
func Largest(contours []Contour) int {
	best := -1
	for i, c := range contours {
		if best < 0 || c.Area > contours[best].Area {
			best = i
		}
	}
	return best
}

// FillContours paints the given contours filled with white (or black) onto img.
func FillContours(img *gocv.Mat, contours []Contour, on bool) {
	if len(contours) == 0 {
		return
	}
	pts := make([][]image.Point, len(contours))
	for i, c := range contours {
		pts[i] = c.Points
	}
	pv := gocv.NewPointsVectorFromPoints(pts)
	defer pv.Close()

	c := black
	if on {
		c = white
	}
	gocv.DrawContours(img, pv, -1, c, -1)
}

// KeepLargestContour returns a new mask containing only the largest external
// contour of bin, filled. An image without contours yields an all-zero mask.
func KeepLargestContour(bin gocv.Mat) (gocv.Mat, float64) {
	out := gocv.NewMatWithSize(bin.Rows(), bin.Cols(), gocv.MatTypeCV8UC1)
	out.SetTo(gocv.NewScalar(0, 0, 0, 0))

	contours := ExternalContours(bin)
	idx := Largest(contours)
	if idx < 0 {
		return out, 0
	}
	FillContours(&out, contours[idx:idx+1], true)
	return out, contours[idx].Area
}

// RemoveSmallContours blacks out every external contour of bin whose area is
// below minArea, in place. It returns the number of contours kept.
func RemoveSmallContours(bin *gocv.Mat, minArea float64) int {
	contours := ExternalContours(*bin)
	var small []Contour
	for _, c := range contours {
		if c.Area < minArea {
			small = append(small, c)
		}
	}
	FillContours(bin, small, false)
	return len(contours) - len(small)
}

// ContourCentroid returns the area centroid of a closed contour, falling back
// to the vertex mean for degenerate (zero-area) contours.
func ContourCentroid(pts []image.Point) geometry.Point2D {
	if len(pts) == 0 {
		return geometry.Point2D{}
	}
	var a, cx, cy float64
	n := len(pts)
	for i := 0; i < n; i++ {
		p, q := pts[i], pts[(i+1)%n]
		cross := float64(p.X*q.Y - q.X*p.Y)
		a += cross
		cx += float64(p.X+q.X) * cross
		cy += float64(p.Y+q.Y) * cross
	}
	if math.Abs(a) < 1e-9 {
		var sx, sy float64
		for _, p := range pts {
			sx += float64(p.X)
			sy += float64(p.Y)
		}
		return geometry.Point2D{X: sx / float64(n), Y: sy / float64(n)}
	}
	a *= 0.5
	return geometry.Point2D{X: cx / (6 * a), Y: cy / (6 * a)}
}

// BorderWhiteFraction returns the fraction of non-zero pixels in the ring of
// the given depth along the image border.
func BorderWhiteFraction(bin gocv.Mat, depth int) float64 {
	rows, cols := bin.Rows(), bin.Cols()
	if rows == 0 || cols == 0 {
		return 0
	}
	var total, lit int
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if y >= depth && y < rows-depth && x >= depth && x < cols-depth {
				continue
			}
			total++
			if bin.GetUCharAt(y, x) > 0 {
				lit++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(lit) / float64(total)
}

// Crop returns a deep copy of the region r of src.
func Crop(src gocv.Mat, r geometry.RectInt) (gocv.Mat, error) {
	r = r.Clamp(Size(src))
	if r.Empty() {
		return gocv.NewMat(), fmt.Errorf("empty crop %+v", r)
	}
	roi := src.Region(r.ToImage())
	defer roi.Close()
	return roi.Clone(), nil
}

// Zeros returns a single-channel zero image of the given size.
func Zeros(size image.Point) gocv.Mat {
	m := gocv.NewMatWithSize(size.Y, size.X, gocv.MatTypeCV8UC1)
	m.SetTo(gocv.NewScalar(0, 0, 0, 0))
	return m
}
