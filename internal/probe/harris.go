package probe

import (
	"gocv.io/x/gocv"
)

type response struct {
	data []float64
	w, h int
}

// harris computes the Harris corner response det(M) - k*trace(M)^2 where M is
// the gradient structure tensor summed over a block x block window. Gradients
// come from a ksize Sobel.
func harris(src gocv.Mat, block, ksize int, k float64) response {
	fl := gocv.NewMat()
	defer fl.Close()
	src.ConvertTo(&fl, gocv.MatTypeCV32F)

	gx := gocv.NewMat()
	defer gx.Close()
	gy := gocv.NewMat()
	defer gy.Close()
	gocv.Sobel(fl, &gx, gocv.MatTypeCV32F, 1, 0, ksize, 1, 0, gocv.BorderDefault)
	gocv.Sobel(fl, &gy, gocv.MatTypeCV32F, 0, 1, ksize, 1, 0, gocv.BorderDefault)

	w, h := src.Cols(), src.Rows()
	xx := newIntegral(w, h)
	yy := newIntegral(w, h)
	xy := newIntegral(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := float64(gx.GetFloatAt(y, x))
			dy := float64(gy.GetFloatAt(y, x))
			xx.set(x, y, dx*dx)
			yy.set(x, y, dy*dy)
			xy.set(x, y, dx*dy)
		}
	}
	xx.build()
	yy.build()
	xy.build()

	r := block / 2
	out := response{data: make([]float64, w*h), w: w, h: h}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := xx.sum(x-r, y-r, x+r, y+r)
			b := xy.sum(x-r, y-r, x+r, y+r)
			c := yy.sum(x-r, y-r, x+r, y+r)
			tr := a + c
			out.data[y*w+x] = a*c - b*b - k*tr*tr
		}
	}
	return out
}

// integral is a summed-area table over a w x h grid.
type integral struct {
	w, h int
	v    []float64 // (w+1) x (h+1)
}

func newIntegral(w, h int) *integral {
	return &integral{w: w, h: h, v: make([]float64, (w+1)*(h+1))}
}

func (s *integral) set(x, y int, val float64) {
	s.v[(y+1)*(s.w+1)+x+1] = val
}

func (s *integral) build() {
	stride := s.w + 1
	for y := 1; y <= s.h; y++ {
		for x := 1; x <= s.w; x++ {
			i := y*stride + x
			s.v[i] += s.v[i-1] + s.v[i-stride] - s.v[i-stride-1]
		}
	}
}

// sum returns the total over the inclusive rectangle, clipped to the grid.
func (s *integral) sum(x0, y0, x1, y1 int) float64 {
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, s.w-1), min(y1, s.h-1)
	if x0 > x1 || y0 > y1 {
		return 0
	}
	stride := s.w + 1
	return s.v[(y1+1)*stride+x1+1] - s.v[y0*stride+x1+1] - s.v[(y1+1)*stride+x0] + s.v[y0*stride+x0]
}
