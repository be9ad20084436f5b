// Package solver wraps the Levenberg-Marquardt least-squares solver shared by
// calibration, bundle adjustment and rigid-transform fitting.
package solver

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/maorshutman/lm"
)

// ErrNonFinite is returned when the residuals are NaN or infinite at the
// starting point.
var ErrNonFinite = errors.New("solver: non-finite residuals")

// Residuals fills dst with the residual vector at x.
type Residuals func(dst, x []float64)

// Settings bounds a solve.
type Settings struct {
	Iterations   int     `json:"iterations" yaml:"iterations" toml:"iterations"`
	ObjectiveTol float64 `json:"objective_tol" yaml:"objective_tol" toml:"objective_tol"`
}

// DefaultSettings returns the settings used throughout the module.
func DefaultSettings() Settings {
	return Settings{Iterations: 100, ObjectiveTol: 1e-16}
}

// Result is the outcome of a solve.
type Result struct {
	X []float64
	// Cost is the sum of squared residuals at X; Initial the same at x0.
	Cost    float64
	Initial float64
}

// RMS returns the root mean square residual at the solution for n residuals.
func (r Result) RMS(n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Sqrt(r.Cost / float64(n))
}

// LeastSquares minimizes the sum of squared residuals of f over x, starting
// from x0, with a numerical Jacobian. It never returns a solution worse than
// x0. The context is only checked before starting.
func LeastSquares(ctx context.Context, f Residuals, x0 []float64, size int, s Settings) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	start := append([]float64(nil), x0...)
	initial := Cost(f, start, size)
	if math.IsNaN(initial) || math.IsInf(initial, 0) {
		return Result{}, ErrNonFinite
	}
	if s.Iterations <= 0 {
		s = DefaultSettings()
	}

	jac := lm.NumJac{Func: f}
	prob := lm.LMProblem{
		Dim:        len(x0),
		Size:       size,
		Func:       f,
		Jac:        jac.Jac,
		InitParams: append([]float64(nil), x0...),
		Tau:        1e-6,
		Eps1:       1e-8,
		Eps2:       1e-8,
	}
	res, err := lm.LM(prob, &lm.Settings{Iterations: s.Iterations, ObjectiveTol: s.ObjectiveTol})
	if err != nil {
		return Result{}, fmt.Errorf("levenberg-marquardt: %w", err)
	}

	cost := Cost(f, res.X, size)
	if math.IsNaN(cost) || cost > initial {
		return Result{X: start, Cost: initial, Initial: initial}, nil
	}
	return Result{X: res.X, Cost: cost, Initial: initial}, nil
}

// Cost returns the sum of squared residuals of f at x.
func Cost(f Residuals, x []float64, size int) float64 {
	dst := make([]float64, size)
	f(dst, x)
	var sum float64
	for _, r := range dst {
		sum += r * r
	}
	return sum
}
