package lma

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// Fitting an exponential decay y = a*exp(-b*t) to exact samples must recover
// the generating parameters.
func TestSolveExponentialFit(t *testing.T) {
	t.Parallel()

	const trueA, trueB = 3.0, 0.7
	ts := []float64{0, 0.5, 1, 1.5, 2, 3, 4, 5}
	ys := make([]float64, len(ts))
	for i, tv := range ts {
		ys[i] = trueA * math.Exp(-trueB*tv)
	}

	p := Problem{
		NumResiduals: len(ts),
		Eval: func(params, out []float64) {
			for i, tv := range ts {
				out[i] = params[0]*math.Exp(-params[1]*tv) - ys[i]
			}
		},
	}

	res, err := Solve(p, []float64{1, 0.1}, DefaultOptions())
	require.NoError(t, err)
	assert.InDelta(t, trueA, res.Params[0], 1e-6)
	assert.InDelta(t, trueB, res.Params[1], 1e-6)
	assert.Less(t, res.Cost, 1e-12)
}

// An analytic Jacobian must reach the same solution as numeric
// differentiation.
func TestSolveAnalyticJacobian(t *testing.T) {
	t.Parallel()

	// Circle-center fit: residual_i = ||c - p_i|| - r for known radius r.
	points := [][2]float64{{1, 0}, {0, 1}, {-1, 0}, {0, -1}, {0.7071, 0.7071}}
	const radius = 1.0

	p := Problem{
		NumResiduals: len(points),
		Eval: func(params, out []float64) {
			for i, pt := range points {
				dx := params[0] - pt[0]
				dy := params[1] - pt[1]
				out[i] = math.Hypot(dx, dy) - radius
			}
		},
		Jacobian: func(params []float64, out *mat.Dense) {
			for i, pt := range points {
				dx := params[0] - pt[0]
				dy := params[1] - pt[1]
				norm := math.Hypot(dx, dy)
				if norm < 1e-12 {
					norm = 1e-12
				}
				out.Set(i, 0, dx/norm)
				out.Set(i, 1, dy/norm)
			}
		},
	}

	res, err := Solve(p, []float64{0.3, -0.2}, DefaultOptions())
	require.NoError(t, err)
	assert.InDelta(t, 0.0, res.Params[0], 1e-8)
	assert.InDelta(t, 0.0, res.Params[1], 1e-8)
}

func TestSolveWeightedCovariance(t *testing.T) {
	t.Parallel()

	// Linear model y = a + b*t with per-sample noise sigma; with true
	// inverse-variance weights the covariance is (J^T W J)^-1.
	ts := []float64{0, 1, 2, 3, 4, 5}
	sigma := []float64{0.1, 0.1, 0.2, 0.2, 0.5, 0.5}
	ys := make([]float64, len(ts))
	for i, tv := range ts {
		ys[i] = 2.0 + 0.5*tv
	}
	weights := make([]float64, len(ts))
	for i, s := range sigma {
		weights[i] = 1 / (s * s)
	}

	p := Problem{
		NumResiduals: len(ts),
		Eval: func(params, out []float64) {
			for i, tv := range ts {
				out[i] = params[0] + params[1]*tv - ys[i]
			}
		},
		Weights: weights,
	}

	res, err := Solve(p, []float64{0, 0}, DefaultOptions())
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.Params[0], 1e-8)
	assert.InDelta(t, 0.5, res.Params[1], 1e-8)

	cov, err := res.Covariance()
	require.NoError(t, err)
	require.Equal(t, 2, cov.SymmetricDim())
	assert.Greater(t, cov.At(0, 0), 0.0)
	assert.Greater(t, cov.At(1, 1), 0.0)
}

func TestSolveUnderdetermined(t *testing.T) {
	t.Parallel()

	p := Problem{
		NumResiduals: 1,
		Eval:         func(params, out []float64) { out[0] = params[0] + params[1] },
	}
	_, err := Solve(p, []float64{0, 0}, DefaultOptions())
	assert.ErrorIs(t, err, ErrUnderdetermined)
}

func TestSolveBudgetExhaustion(t *testing.T) {
	t.Parallel()

	// Rosenbrock residuals from a far seed with a one-iteration budget
	// cannot converge.
	p := Problem{
		NumResiduals: 2,
		Eval: func(params, out []float64) {
			out[0] = 10 * (params[1] - params[0]*params[0])
			out[1] = 1 - params[0]
		},
	}
	opts := DefaultOptions()
	opts.MaxIterations = 1
	res, err := Solve(p, []float64{-50, 40}, opts)
	assert.ErrorIs(t, err, ErrDidNotConverge)
	require.NotNil(t, res)
	assert.Len(t, res.Params, 2)
}
