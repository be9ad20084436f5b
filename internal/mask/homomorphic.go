package mask

import (
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/dsp/fourier"
)

type highPassKey struct {
	rows, cols int
	c, d0      float64
}

// filterBank caches Gaussian high-pass transfer functions per image size.
// Every camera in a session shares the same working size, so the cache almost
// always hits after the first frame.
type filterBank struct {
	kernels *lru.Cache[highPassKey, []float64]
}

func newFilterBank(size int) *filterBank {
	c, err := lru.New[highPassKey, []float64](size)
	if err != nil {
		// Only fails for a non-positive size.
		c, _ = lru.New[highPassKey, []float64](1)
	}
	return &filterBank{kernels: c}
}

// highPass returns H(u,v) = 1 - exp(-c*D^2/(2*d0^2)) laid out in unshifted FFT
// order, D being the distance from the zero frequency.
func (b *filterBank) highPass(rows, cols int, c, d0 float64) []float64 {
	key := highPassKey{rows: rows, cols: cols, c: c, d0: d0}
	if h, ok := b.kernels.Get(key); ok {
		return h
	}
	h := make([]float64, rows*cols)
	for v := 0; v < rows; v++ {
		dv := float64(wrapFreq(v, rows))
		for u := 0; u < cols; u++ {
			du := float64(wrapFreq(u, cols))
			d2 := du*du + dv*dv
			h[v*cols+u] = 1 - math.Exp(-c*d2/(2*d0*d0))
		}
	}
	b.kernels.Add(key, h)
	return h
}

func wrapFreq(i, n int) int {
	if i > n/2 {
		return i - n
	}
	return i
}

// homomorphic flattens uneven illumination: log transform, suppress the low
// spatial frequencies, exponentiate, stretch to 0..255 and apply the gamma
// pair. gray must be CV_8UC1; the result is a new CV_8UC1 Mat.
func homomorphic(gray gocv.Mat, p Params, bank *filterBank) gocv.Mat {
	rows, cols := gray.Rows(), gray.Cols()
	grid := make([]complex128, rows*cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			grid[y*cols+x] = complex(math.Log1p(float64(gray.GetUCharAt(y, x))), 0)
		}
	}

	fft2(grid, rows, cols, false)
	h := bank.highPass(rows, cols, p.HighPassC, p.HighPassD0)
	for i := range grid {
		grid[i] *= complex(h[i], 0)
	}
	fft2(grid, rows, cols, true)

	vals := make([]float64, len(grid))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, z := range grid {
		v := math.Expm1(real(z))
		vals[i] = v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	out := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC1)
	span := hi - lo
	for i, v := range vals {
		var n float64
		if span > 1e-12 {
			n = 255 * (v - lo) / span
		}
		n = gamma(gamma(n, p.GammaHigh), p.GammaLow)
		out.SetUCharAt(i/cols, i%cols, uint8(n))
	}
	return out
}

// gamma applies 255*(v/255)^g and truncates to an integer level.
func gamma(v, g float64) float64 {
	if g == 0 || g == 1 {
		return math.Floor(v)
	}
	return math.Floor(255 * math.Pow(v/255, g))
}

// fft2 runs a separable 2D FFT in place. The inverse transform is normalized.
func fft2(grid []complex128, rows, cols int, inverse bool) {
	rowFFT := fourier.NewCmplxFFT(cols)
	buf := make([]complex128, cols)
	for y := 0; y < rows; y++ {
		line := grid[y*cols : (y+1)*cols]
		if inverse {
			rowFFT.Sequence(buf, line)
		} else {
			rowFFT.Coefficients(buf, line)
		}
		copy(line, buf)
	}

	colFFT := fourier.NewCmplxFFT(rows)
	col := make([]complex128, rows)
	out := make([]complex128, rows)
	for x := 0; x < cols; x++ {
		for y := 0; y < rows; y++ {
			col[y] = grid[y*cols+x]
		}
		if inverse {
			colFFT.Sequence(out, col)
		} else {
			colFFT.Coefficients(out, col)
		}
		for y := 0; y < rows; y++ {
			grid[y*cols+x] = out[y]
		}
	}

	if inverse {
		scale := complex(1/float64(rows*cols), 0)
		for i := range grid {
			grid[i] *= scale
		}
	}
}
