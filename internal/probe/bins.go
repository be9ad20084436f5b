package probe

import "math"

// angleBins quantizes shaft angles to multiples of a step over [0, 180].
// 0 and 180 are the same undirected angle, so they neighbor each other.
type angleBins struct {
	values []float64
}

func newAngleBins(step float64) angleBins {
	if step <= 0 {
		step = 9
	}
	var values []float64
	for a := 0.0; a <= 180+1e-9; a += step {
		values = append(values, a)
	}
	return angleBins{values: values}
}

// snap returns the bin nearest to deg.
func (b angleBins) snap(deg float64) float64 {
	best := b.values[0]
	for _, v := range b.values[1:] {
		if math.Abs(v-deg) < math.Abs(best-deg) {
			best = v
		}
	}
	return best
}

// index returns the position of an exact bin value.
func (b angleBins) index(deg float64) (int, bool) {
	for i, v := range b.values {
		if math.Abs(v-deg) < 1e-9 {
			return i, true
		}
	}
	return 0, false
}

// neighbors returns bin i and the bins on either side, wrapping 0 and 180
// onto each other.
func (b angleBins) neighbors(i int) []float64 {
	n := len(b.values)
	prev, next := b.values[n-1], b.values[0]
	if i > 0 {
		prev = b.values[i-1]
	}
	if i < n-1 {
		next = b.values[i+1]
	}
	return []float64{prev, b.values[i], next}
}
