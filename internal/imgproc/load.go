package imgproc

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

// ImageToMat converts a Go image.Image to a gocv.Mat. Gray images become
// CV_8UC1, everything else CV_8UC3 in BGR order.
func ImageToMat(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return gocv.NewMat(), fmt.Errorf("empty image")
	}

	if g, ok := img.(*image.Gray); ok {
		pix := make([]byte, 0, w*h)
		for y := 0; y < h; y++ {
			off := g.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			pix = append(pix, g.Pix[off:off+w]...)
		}
		view, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, pix)
		if err != nil {
			return gocv.NewMat(), err
		}
		defer view.Close()
		// view borrows pix; hand back an owned copy.
		return view.Clone(), nil
	}

	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			mat.SetUCharAt(y, x*3+0, uint8(b>>8))
			mat.SetUCharAt(y, x*3+1, uint8(g>>8))
			mat.SetUCharAt(y, x*3+2, uint8(r>>8))
		}
	}
	return mat, nil
}

// LoadFrame reads an image file (PNG, JPEG, TIFF, BMP) into a Mat, honouring
// EXIF orientation.
func LoadFrame(path string) (gocv.Mat, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("open %s: %w", path, err)
	}
	return ImageToMat(img)
}

var frameExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".tif": true, ".tiff": true, ".bmp": true,
}

// ListFrames returns the image files in dir sorted by name, which is capture
// order for camera dumps.
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !frameExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
