package imgproc

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestKeepLargestContour(t *testing.T) {
	img := Zeros(image.Pt(200, 100))
	defer img.Close()
	gocv.Rectangle(&img, image.Rect(10, 10, 20, 20), color.RGBA{R: 255, G: 255, B: 255}, -1)
	gocv.Rectangle(&img, image.Rect(60, 20, 160, 80), color.RGBA{R: 255, G: 255, B: 255}, -1)

	largest, area := KeepLargestContour(img)
	defer largest.Close()

	assert.Greater(t, area, 5000.0)
	assert.Equal(t, uint8(0), largest.GetUCharAt(15, 15))
	assert.Equal(t, uint8(255), largest.GetUCharAt(50, 100))
}

func TestRemoveSmallContours(t *testing.T) {
	img := Zeros(image.Pt(200, 100))
	defer img.Close()
	gocv.Rectangle(&img, image.Rect(10, 10, 14, 14), color.RGBA{R: 255, G: 255, B: 255}, -1)
	gocv.Rectangle(&img, image.Rect(60, 20, 160, 80), color.RGBA{R: 255, G: 255, B: 255}, -1)

	kept := RemoveSmallContours(&img, 100)
	assert.Equal(t, 1, kept)
	assert.Equal(t, uint8(0), img.GetUCharAt(12, 12))
	assert.Equal(t, uint8(255), img.GetUCharAt(50, 100))
}

func TestContourCentroidSquare(t *testing.T) {
	c := ContourCentroid([]image.Point{{10, 10}, {30, 10}, {30, 30}, {10, 30}})
	assert.InDelta(t, 20, c.X, 1e-9)
	assert.InDelta(t, 20, c.Y, 1e-9)
}

func TestBorderWhiteFraction(t *testing.T) {
	img := Zeros(image.Pt(50, 50))
	defer img.Close()
	assert.Equal(t, 0.0, BorderWhiteFraction(img, 5))

	img.SetTo(gocv.NewScalar(255, 0, 0, 0))
	assert.Equal(t, 1.0, BorderWhiteFraction(img, 5))
}

func TestImageToMatGray(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 8, 4))
	g.SetGray(3, 2, color.Gray{Y: 200})
	m, err := ImageToMat(g)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 1, m.Channels())
	assert.Equal(t, uint8(200), m.GetUCharAt(2, 3))
}

func TestListFramesAndLoad(t *testing.T) {
	dir := t.TempDir()
	g := image.NewGray(image.Rect(0, 0, 8, 4))
	g.SetGray(3, 2, color.Gray{Y: 200})
	for _, name := range []string{"frame_002.png", "frame_001.png"} {
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, g))
		require.NoError(t, f.Close())
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	paths, err := ListFrames(dir)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "frame_001.png", filepath.Base(paths[0]))

	m, err := LoadFrame(paths[0])
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, image.Pt(8, 4), Size(m))
	gray := ToGray(m)
	defer gray.Close()
	assert.Equal(t, uint8(200), gray.GetUCharAt(2, 3))

	_, err = ListFrames(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
