package reticle

import (
	"math"
	"math/rand"

	"probe-tracker/pkg/geometry"
)

// LineFit is one RANSAC result: the least-squares line through the inliers of
// the best sampled model.
type LineFit struct {
	Line     geometry.Line2D
	Inliers  []int
	Residual float64
}

// FitLineRANSAC samples point pairs, scores the line through each pair by its
// inlier count (points within threshold px) and breaks ties by the lower sum
// of inlier residuals. The winning inliers are refit by total least squares.
// With the same rng state and input the result is identical.
func FitLineRANSAC(points []geometry.Point2D, threshold float64, trials int, rng *rand.Rand) (LineFit, bool) {
	n := len(points)
	if n < 2 || trials <= 0 {
		return LineFit{}, false
	}

	var best LineFit
	bestCount := -1
	bestResidual := math.Inf(1)

	for t := 0; t < trials; t++ {
		i := rng.Intn(n)
		j := rng.Intn(n - 1)
		if j >= i {
			j++
		}
		model, ok := geometry.LineThrough(points[i], points[j])
		if !ok {
			continue
		}

		count := 0
		residual := 0.0
		for _, p := range points {
			if d := model.Distance(p); d <= threshold {
				count++
				residual += d
			}
		}
		if count > bestCount || (count == bestCount && residual < bestResidual) {
			bestCount, bestResidual = count, residual
			best.Line = model
		}
	}
	if bestCount < 2 {
		return LineFit{}, false
	}

	for idx, p := range points {
		if best.Line.Distance(p) <= threshold {
			best.Inliers = append(best.Inliers, idx)
		}
	}
	inlierPts := pick(points, best.Inliers)
	if refit, ok := geometry.FitLine(inlierPts); ok {
		best.Line = refit
	}
	for _, p := range inlierPts {
		best.Residual += best.Line.Distance(p)
	}
	return best, true
}

// gridLine is a detected gridline: its fitted model and the blob centroids
// that support it.
type gridLine struct {
	line   geometry.Line2D
	points []geometry.Point2D
}

// detectTwoLines runs RANSAC until two lines with enough support are found,
// removing the inliers of the first before searching for the second.
func detectTwoLines(points []geometry.Point2D, p RANSACParams, rng *rand.Rand) ([]gridLine, bool) {
	var lines []gridLine
	remaining := append([]geometry.Point2D(nil), points...)

	trials := p.MaxTrials
	threshold := p.ResidualThreshold
	retries := p.MaxRetries

	for len(lines) < 2 && retries > 0 && len(remaining) >= 2 {
		fit, ok := FitLineRANSAC(remaining, threshold, trials, rng)
		if ok && len(fit.Inliers) >= p.MinInliers {
			lines = append(lines, gridLine{line: fit.Line, points: pick(remaining, fit.Inliers)})
			remaining = drop(remaining, fit.Inliers)
			trials = p.MaxTrials
			threshold = p.ResidualThreshold
			retries = p.MaxRetries
			continue
		}
		trials += p.TrialStep
		retries--
		if threshold <= p.MaxResidualThreshold {
			threshold++
		}
	}
	return lines, len(lines) == 2
}

func pick(points []geometry.Point2D, idx []int) []geometry.Point2D {
	out := make([]geometry.Point2D, len(idx))
	for i, k := range idx {
		out[i] = points[k]
	}
	return out
}

func drop(points []geometry.Point2D, idx []int) []geometry.Point2D {
	skip := make(map[int]struct{}, len(idx))
	for _, k := range idx {
		skip[k] = struct{}{}
	}
	out := make([]geometry.Point2D, 0, len(points)-len(idx))
	for i, p := range points {
		if _, ok := skip[i]; !ok {
			out = append(out, p)
		}
	}
	return out
}
