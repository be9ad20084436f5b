package calibration

import (
	"image"

	"github.com/golang/geo/r3"
	"gocv.io/x/gocv"

	"probe-tracker/internal/imgproc"
	"probe-tracker/pkg/geometry"
)

// DetectCheckerboard finds the inner corners of a checkerboard with pattern
// inner corners per row and column, refined to sub-pixel accuracy. Object
// points are laid out row by row with squareSize spacing on Z=0.
func DetectCheckerboard(frame gocv.Mat, pattern image.Point, squareSize float64) (PlanarView, bool) {
	if frame.Empty() || pattern.X < 2 || pattern.Y < 2 {
		return PlanarView{}, false
	}
	gray := imgproc.ToGray(frame)
	defer gray.Close()

	corners := gocv.NewMat()
	defer corners.Close()
	if !gocv.FindChessboardCorners(gray, pattern, &corners, gocv.CalibCBAdaptiveThresh|gocv.CalibCBNormalizeImage) {
		return PlanarView{}, false
	}
	if corners.Rows() != pattern.X*pattern.Y {
		return PlanarView{}, false
	}
	criteria := gocv.NewTermCriteria(gocv.Count+gocv.EPS, 30, 1e-3)
	gocv.CornerSubPix(gray, &corners, image.Pt(11, 11), image.Pt(-1, -1), criteria)

	view := PlanarView{
		Object: make([]r3.Vector, 0, corners.Rows()),
		Image:  make([]geometry.Point2D, 0, corners.Rows()),
	}
	for i := 0; i < corners.Rows(); i++ {
		v := corners.GetVecfAt(i, 0)
		view.Image = append(view.Image, geometry.Point2D{X: float64(v[0]), Y: float64(v[1])})
		view.Object = append(view.Object, r3.Vector{
			X: float64(i%pattern.X) * squareSize,
			Y: float64(i/pattern.X) * squareSize,
		})
	}
	return view, true
}
