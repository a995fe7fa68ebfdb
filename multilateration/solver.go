package multilateration

import (
	"errors"
	"fmt"
	"math"

	"github.com/radioloc/radioloc/internal/lma"
	"gonum.org/v1/gonum/mat"
)

// Solver is the weighted nonlinear multilateration solver. It minimizes
//
//	sum_i w_i * (||p - x_i|| - d_i)^2
//
// with w_i = 1/StdDev_i^2 when WeightByVariance is set, via
// Levenberg–Marquardt. A zero-noise sample set converges to the true
// position within numerical tolerance.
type Solver struct {
	Dims    int
	Samples []Sample

	// InitialGuess seeds the iteration; nil selects the sample centroid.
	InitialGuess []float64

	// WeightByVariance weights each sample by the inverse of its variance.
	// Samples with StdDev <= 0 fall back to weight 1.
	WeightByVariance bool

	// MaxIterations and Tolerance bound the inner optimizer. Zero selects
	// the engine defaults.
	MaxIterations int
	Tolerance     float64
}

// NewSolver returns a solver for the given dimensionality (2 or 3).
func NewSolver(dims int) *Solver {
	return &Solver{Dims: dims}
}

// Solve returns the estimated position. It fails with ErrNotEnoughSamples
// when under-determined and ErrDidNotConverge when the optimizer exhausts its
// budget.
func (s *Solver) Solve() ([]float64, error) {
	res, err := s.solve()
	if err != nil {
		return nil, err
	}
	return res.Params, nil
}

// SolveWithCovariance returns the estimated position together with its
// covariance derived from the Jacobian at the solution. The covariance may be
// nil when the normal matrix is singular.
func (s *Solver) SolveWithCovariance() ([]float64, *mat.SymDense, error) {
	res, err := s.solve()
	if err != nil {
		return nil, nil, err
	}
	cov, covErr := res.Covariance()
	if covErr != nil {
		cov = nil
	}
	return res.Params, cov, nil
}

func (s *Solver) solve() (*lma.Result, error) {
	dims := s.Dims
	if dims < 2 || dims > 3 {
		return nil, fmt.Errorf("%w: unsupported dimensionality %d", ErrBadGeometry, dims)
	}
	if len(s.Samples) < MinSamples(dims) {
		return nil, fmt.Errorf("%w: got %d, need %d for %dD", ErrNotEnoughSamples, len(s.Samples), MinSamples(dims), dims)
	}
	for _, sm := range s.Samples {
		if len(sm.Position) != dims {
			return nil, fmt.Errorf("%w: sample position has %d coordinates, want %d", ErrBadGeometry, len(sm.Position), dims)
		}
	}

	var weights []float64
	if s.WeightByVariance {
		weights = make([]float64, len(s.Samples))
		for i, sm := range s.Samples {
			if sm.StdDev > 0 {
				weights[i] = 1 / (sm.StdDev * sm.StdDev)
			} else {
				weights[i] = 1
			}
		}
	}

	problem := lma.Problem{
		NumResiduals: len(s.Samples),
		Eval: func(params, out []float64) {
			for i, sm := range s.Samples {
				out[i] = distanceTo(params, sm.Position) - sm.Distance
			}
		},
		Jacobian: func(params []float64, out *mat.Dense) {
			for i, sm := range s.Samples {
				norm := distanceTo(params, sm.Position)
				if norm < 1e-12 {
					norm = 1e-12
				}
				for j := 0; j < dims; j++ {
					out.Set(i, j, (params[j]-sm.Position[j])/norm)
				}
			}
		},
		Weights: weights,
	}

	seed := s.InitialGuess
	if seed == nil {
		seed = Centroid(s.Samples, dims)
	} else if len(seed) != dims {
		return nil, fmt.Errorf("%w: initial guess has %d coordinates, want %d", ErrBadGeometry, len(seed), dims)
	}

	opts := lma.DefaultOptions()
	if s.MaxIterations > 0 {
		opts.MaxIterations = s.MaxIterations
	}
	if s.Tolerance > 0 {
		opts.CostTolerance = s.Tolerance
	}

	res, err := lma.Solve(problem, seed, opts)
	if err != nil {
		if errors.Is(err, lma.ErrDidNotConverge) {
			return nil, fmt.Errorf("%w after %d iterations", ErrDidNotConverge, res.Iterations)
		}
		return nil, err
	}
	return res, nil
}

func distanceTo(p, x []float64) float64 {
	var sum float64
	for j := range x {
		d := p[j] - x[j]
		sum += d * d
	}
	return math.Sqrt(sum)
}
