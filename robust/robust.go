// Package robust implements the sample-consensus (RANSAC-family) drivers
// used to reject outlier measurements: repeated minimal-subset fitting plus
// inlier scoring, with a confidence-derived adaptive iteration bound.
//
// The driver is generic over the model type; the caller supplies the
// minimal-subset fitter and the per-sample residual function.
package robust

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Method selects the consensus scoring strategy.
type Method int

const (
	// RANSAC scores a hypothesis by its inlier count under Threshold.
	RANSAC Method = iota
	// MSAC scores by truncated squared residuals, rewarding tight inliers.
	MSAC
	// PROSAC is RANSAC with progressive sampling ordered by quality score.
	PROSAC
	// LMedS minimizes the median squared residual and needs no threshold.
	LMedS
)

func (m Method) String() string {
	switch m {
	case RANSAC:
		return "RANSAC"
	case MSAC:
		return "MSAC"
	case PROSAC:
		return "PROSAC"
	case LMedS:
		return "LMedS"
	default:
		return "unknown"
	}
}

// NeedsQualityScores reports whether the method ranks samples a priori.
func (m Method) NeedsQualityScores() bool { return m == PROSAC }

// NeedsThreshold reports whether the method requires an explicit inlier
// threshold.
func (m Method) NeedsThreshold() bool { return m != LMedS }

var (
	// ErrExhausted reports that no hypothesis satisfied the consensus
	// contract within the iteration budget.
	ErrExhausted = errors.New("robust: consensus not reached within iteration budget")

	// ErrInvalidOptions reports malformed options or problem shape.
	ErrInvalidOptions = errors.New("robust: invalid options")
)

// Problem describes a consensus estimation problem over NumSamples samples.
type Problem[M any] struct {
	NumSamples int

	// MinSamples is the minimal subset size that determines a model.
	MinSamples int

	// Fit fits a candidate model to the given sample indices. Returning
	// false marks the subset degenerate; the hypothesis scores zero inliers
	// and the loop continues.
	Fit func(indices []int) (M, bool)

	// Residual returns the absolute residual of sample index under model.
	Residual func(model M, index int) float64

	// QualityScores orders samples for PROSAC (higher is better). Ignored
	// by the other methods.
	QualityScores []float64
}

// Options tune a consensus run.
type Options struct {
	Method Method

	// Threshold is the inlier residual bound (ignored by LMedS).
	Threshold float64

	// Confidence in (0,1) drives the adaptive iteration bound.
	Confidence float64

	// MaxIterations caps the loop regardless of confidence.
	MaxIterations int

	// Rand supplies the subset sampler; nil uses a library-seeded source.
	Rand *rand.Rand

	// Progress, when non-nil, receives the loop completion fraction in
	// [0,1] once per iteration.
	Progress func(fraction float64)
}

// DefaultOptions returns the consensus tuning used throughout the module.
func DefaultOptions() Options {
	return Options{
		Method:        RANSAC,
		Confidence:    0.99,
		MaxIterations: 5000,
	}
}

// Result is the best consensus hypothesis found.
type Result[M any] struct {
	Model    M
	Inliers  []int
	Residual float64 // method score of the winning hypothesis
	// Iterations is the number of hypotheses evaluated.
	Iterations int
}

// Run executes the consensus loop. Per-iteration degeneracies are tolerated;
// only budget exhaustion without an acceptable model is an error.
func Run[M any](p Problem[M], o Options) (*Result[M], error) {
	if p.NumSamples < p.MinSamples || p.MinSamples < 1 {
		return nil, fmt.Errorf("%w: %d samples for minimal subsets of %d", ErrInvalidOptions, p.NumSamples, p.MinSamples)
	}
	if o.Confidence <= 0 || o.Confidence >= 1 {
		return nil, fmt.Errorf("%w: confidence %v outside (0,1)", ErrInvalidOptions, o.Confidence)
	}
	if o.MaxIterations <= 0 {
		return nil, fmt.Errorf("%w: max iterations %d", ErrInvalidOptions, o.MaxIterations)
	}
	if o.Method.NeedsThreshold() && o.Threshold <= 0 {
		return nil, fmt.Errorf("%w: method %s needs a positive threshold", ErrInvalidOptions, o.Method)
	}
	if o.Method.NeedsQualityScores() && len(p.QualityScores) != p.NumSamples {
		return nil, fmt.Errorf("%w: method %s needs one quality score per sample (got %d, want %d)",
			ErrInvalidOptions, o.Method, len(p.QualityScores), p.NumSamples)
	}

	rng := o.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	// PROSAC draws from a quality-ordered prefix that grows every
	// iteration; the other methods draw uniformly.
	order := make([]int, p.NumSamples)
	for i := range order {
		order[i] = i
	}
	if o.Method == PROSAC {
		sort.SliceStable(order, func(a, b int) bool {
			return p.QualityScores[order[a]] > p.QualityScores[order[b]]
		})
	}

	bound := o.MaxIterations
	if o.Method == LMedS {
		// Fixed bound assuming up to 50% contamination.
		if k := iterationBound(o.Confidence, 0.5, p.MinSamples); k < bound {
			bound = k
		}
	}

	var (
		best      *Result[M]
		bestScore = math.Inf(1) // lower is better for every method's internal score
		indices   = make([]int, p.MinSamples)
		residuals = make([]float64, p.NumSamples)
	)

	it := 0
	for ; it < bound; it++ {
		prefix := p.NumSamples
		if o.Method == PROSAC {
			prefix = p.MinSamples + it
			if prefix > p.NumSamples {
				prefix = p.NumSamples
			}
		}
		sampleSubset(rng, order[:prefix], indices)

		model, ok := p.Fit(indices)
		if o.Progress != nil {
			o.Progress(math.Min(1, float64(it+1)/float64(bound)))
		}
		if !ok {
			continue
		}

		for i := 0; i < p.NumSamples; i++ {
			residuals[i] = p.Residual(model, i)
		}

		score, inlierCount := scoreHypothesis(o, residuals)
		if score >= bestScore {
			continue
		}
		bestScore = score
		best = &Result[M]{Model: model, Residual: score}

		// Shrink the bound as the inlier ratio improves.
		if o.Method != LMedS && inlierCount > 0 {
			w := float64(inlierCount) / float64(p.NumSamples)
			if k := iterationBound(o.Confidence, 1-w, p.MinSamples); k < bound {
				bound = k
			}
		}
	}

	if best == nil {
		return nil, ErrExhausted
	}
	best.Iterations = it

	// Classify inliers under the winning model.
	for i := 0; i < p.NumSamples; i++ {
		residuals[i] = p.Residual(best.Model, i)
	}
	threshold := o.Threshold
	if o.Method == LMedS {
		threshold = lmedsThreshold(bestScore, p.NumSamples, p.MinSamples)
	}
	for i, r := range residuals {
		if r <= threshold {
			best.Inliers = append(best.Inliers, i)
		}
	}
	if len(best.Inliers) < p.MinSamples {
		return nil, ErrExhausted
	}
	return best, nil
}

// scoreHypothesis maps residuals to a lower-is-better score plus the inlier
// count under the threshold.
func scoreHypothesis(o Options, residuals []float64) (float64, int) {
	switch o.Method {
	case MSAC:
		t2 := o.Threshold * o.Threshold
		var sum float64
		count := 0
		for _, r := range residuals {
			r2 := r * r
			if r2 < t2 {
				sum += r2
				count++
			} else {
				sum += t2
			}
		}
		return sum, count
	case LMedS:
		sq := make([]float64, len(residuals))
		for i, r := range residuals {
			sq[i] = r * r
		}
		sort.Float64s(sq)
		return median(sq), 0
	default: // RANSAC, PROSAC
		count := 0
		for _, r := range residuals {
			if r <= o.Threshold {
				count++
			}
		}
		// Negated count so that lower is better; ties unbroken.
		return -float64(count), count
	}
}

// iterationBound returns the RANSAC iteration count needed to draw at least
// one all-inlier subset with the given confidence, for the given outlier
// ratio and subset size.
func iterationBound(confidence, outlierRatio float64, minSamples int) int {
	wm := math.Pow(1-outlierRatio, float64(minSamples))
	if wm >= 1 {
		return 1
	}
	if wm <= 0 {
		return math.MaxInt32
	}
	k := math.Log(1-confidence) / math.Log(1-wm)
	if k < 1 {
		return 1
	}
	if k > float64(math.MaxInt32) {
		return math.MaxInt32
	}
	return int(math.Ceil(k))
}

// lmedsThreshold derives an inlier threshold from the winning median squared
// residual using the standard robust scale estimate.
func lmedsThreshold(medianSq float64, n, minSamples int) float64 {
	sigma := 1.4826 * (1 + 5/float64(n-minSamples+1)) * math.Sqrt(medianSq)
	if sigma <= 0 {
		sigma = 1e-9
	}
	return 2.5 * sigma
}

// sampleSubset draws len(out) distinct values from pool into out without
// disturbing pool's order (PROSAC relies on it staying quality-sorted).
func sampleSubset(rng *rand.Rand, pool []int, out []int) {
	n := len(pool)
	for i := range out {
		for {
			c := pool[rng.Intn(n)]
			dup := false
			for j := 0; j < i; j++ {
				if out[j] == c {
					dup = true
					break
				}
			}
			if !dup {
				out[i] = c
				break
			}
		}
	}
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return 0.5 * (sorted[n/2-1] + sorted[n/2])
}
