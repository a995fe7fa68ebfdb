package robust

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineModel is y = a*x + b fitted from two points; the test data is a clean
// line with a block of gross outliers.
type lineModel struct{ a, b float64 }

func lineProblem(xs, ys []float64, scores []float64) Problem[lineModel] {
	return Problem[lineModel]{
		NumSamples: len(xs),
		MinSamples: 2,
		Fit: func(idx []int) (lineModel, bool) {
			x0, x1 := xs[idx[0]], xs[idx[1]]
			if x0 == x1 {
				return lineModel{}, false
			}
			a := (ys[idx[1]] - ys[idx[0]]) / (x1 - x0)
			return lineModel{a: a, b: ys[idx[0]] - a*x0}, true
		},
		Residual: func(m lineModel, i int) float64 {
			return math.Abs(m.a*xs[i] + m.b - ys[i])
		},
		QualityScores: scores,
	}
}

func noisyLine(rng *rand.Rand, n int, outlierFrac float64) (xs, ys []float64, outliers map[int]bool) {
	const trueA, trueB = 1.5, -2.0
	xs = make([]float64, n)
	ys = make([]float64, n)
	outliers = make(map[int]bool)
	for i := 0; i < n; i++ {
		xs[i] = float64(i)
		ys[i] = trueA*xs[i] + trueB
		if rng.Float64() < outlierFrac {
			ys[i] += 50 + rng.NormFloat64()*20
			outliers[i] = true
		}
	}
	return xs, ys, outliers
}

func TestRunRejectsOutliers(t *testing.T) {
	t.Parallel()

	for _, method := range []Method{RANSAC, MSAC, LMedS} {
		t.Run(method.String(), func(t *testing.T) {
			t.Parallel()
			rng := rand.New(rand.NewSource(42))
			xs, ys, outliers := noisyLine(rng, 40, 0.3)

			opts := DefaultOptions()
			opts.Method = method
			opts.Threshold = 0.5
			opts.Rand = rng

			res, err := Run(lineProblem(xs, ys, nil), opts)
			require.NoError(t, err)
			assert.InDelta(t, 1.5, res.Model.a, 0.05)
			assert.InDelta(t, -2.0, res.Model.b, 0.5)

			for _, i := range res.Inliers {
				assert.False(t, outliers[i], "outlier %d classified as inlier", i)
			}
			assert.GreaterOrEqual(t, len(res.Inliers), 40-len(outliers)-2)
		})
	}
}

func TestRunPROSACUsesQualityOrder(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	xs, ys, outliers := noisyLine(rng, 30, 0.25)

	// Quality scores that actually know which samples are clean.
	scores := make([]float64, len(xs))
	for i := range scores {
		if outliers[i] {
			scores[i] = 0.1
		} else {
			scores[i] = 1.0
		}
	}

	opts := DefaultOptions()
	opts.Method = PROSAC
	opts.Threshold = 0.5
	opts.Rand = rng

	res, err := Run(lineProblem(xs, ys, scores), opts)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, res.Model.a, 0.05)

	// Without scores PROSAC must refuse to run.
	_, err = Run(lineProblem(xs, ys, nil), opts)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestRunToleratesDegenerateSubsets(t *testing.T) {
	t.Parallel()

	// Duplicated x values make many subsets degenerate; the loop must skip
	// them and still find the line.
	xs := []float64{0, 0, 0, 1, 1, 2, 3, 4, 5, 6}
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = 2*x + 1
	}

	opts := DefaultOptions()
	opts.Threshold = 0.1
	opts.Rand = rand.New(rand.NewSource(3))

	res, err := Run(lineProblem(xs, ys, nil), opts)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, res.Model.a, 1e-9)
	assert.InDelta(t, 1.0, res.Model.b, 1e-9)
	assert.Len(t, res.Inliers, len(xs))
}

func TestRunExhaustionOnHopelessData(t *testing.T) {
	t.Parallel()

	// Every subset is degenerate: no model can ever be fit.
	p := Problem[lineModel]{
		NumSamples: 10,
		MinSamples: 2,
		Fit:        func([]int) (lineModel, bool) { return lineModel{}, false },
		Residual:   func(lineModel, int) float64 { return 0 },
	}
	opts := DefaultOptions()
	opts.Threshold = 1
	opts.MaxIterations = 50
	opts.Rand = rand.New(rand.NewSource(1))

	_, err := Run(p, opts)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestRunOptionValidation(t *testing.T) {
	t.Parallel()

	xs := []float64{0, 1, 2, 3}
	ys := []float64{0, 1, 2, 3}
	p := lineProblem(xs, ys, nil)

	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"confidence too low", func(o *Options) { o.Confidence = 0 }},
		{"confidence too high", func(o *Options) { o.Confidence = 1 }},
		{"zero iterations", func(o *Options) { o.MaxIterations = 0 }},
		{"missing threshold", func(o *Options) { o.Threshold = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Threshold = 1
			tc.mutate(&opts)
			_, err := Run(p, opts)
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

func TestRunProgressMonotonic(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))
	xs, ys, _ := noisyLine(rng, 20, 0.2)

	var seen []float64
	opts := DefaultOptions()
	opts.Threshold = 0.5
	opts.Rand = rng
	opts.Progress = func(f float64) { seen = append(seen, f) }

	_, err := Run(lineProblem(xs, ys, nil), opts)
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	assert.True(t, sort.Float64sAreSorted(seen), "progress must be non-decreasing: %v", seen)
	assert.LessOrEqual(t, seen[len(seen)-1], 1.0)
}

func TestIterationBound(t *testing.T) {
	t.Parallel()

	// No outliers: a single draw suffices.
	assert.Equal(t, 1, iterationBound(0.99, 0, 2))
	// Half outliers, pairs: the textbook value is 16..17.
	k := iterationBound(0.99, 0.5, 2)
	assert.InDelta(t, 17, float64(k), 1)
	// Hopeless ratio saturates instead of overflowing.
	assert.Equal(t, math.MaxInt32, iterationBound(0.99, 1, 2))
}
