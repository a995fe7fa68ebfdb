// Package multilateration estimates a position from distance measurements to
// known points. SolveLinear is the closed-form linearized least-squares
// fitter; Solver is the weighted nonlinear refinement used when measurement
// uncertainties matter.
package multilateration

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNotEnoughSamples reports fewer samples than the minimum the
	// requested dimensionality admits.
	ErrNotEnoughSamples = errors.New("multilateration: not enough samples")

	// ErrDidNotConverge reports that the nonlinear solver exhausted its
	// iteration budget.
	ErrDidNotConverge = errors.New("multilateration: solver did not converge")

	// ErrBadGeometry reports a sample configuration too degenerate to fit
	// (e.g. all receivers collinear in 3D).
	ErrBadGeometry = errors.New("multilateration: degenerate sample geometry")
)

// Sample is one distance observation: a known receiver position and the
// measured distance from it to the unknown emitter. StdDev of 0 means the
// sample carries no uncertainty estimate.
type Sample struct {
	Position []float64
	Distance float64
	StdDev   float64
}

// MinSamples returns the minimum sample count that determines a position in
// the given dimensionality.
func MinSamples(dims int) int { return dims + 1 }

// SolveLinear computes a position by linearizing the range equations against
// a reference sample and solving the resulting system with QR least squares.
//
// Subtracting the squared range equation of the last sample from each other
// sample cancels the quadratic unknown, leaving rows
//
//	2*(x_ref - x_i) . p = d_i^2 - d_ref^2 - ||x_i||^2 + ||x_ref||^2
//
// It needs at least dims+1 samples and is exact on noise-free data, which
// makes it the minimal-subset fitter of choice inside consensus loops.
func SolveLinear(samples []Sample, dims int) ([]float64, error) {
	n := len(samples)
	if n < MinSamples(dims) {
		return nil, fmt.Errorf("%w: got %d, need %d for %dD", ErrNotEnoughSamples, n, MinSamples(dims), dims)
	}
	for _, s := range samples {
		if len(s.Position) != dims {
			return nil, fmt.Errorf("%w: sample position has %d coordinates, want %d", ErrBadGeometry, len(s.Position), dims)
		}
	}

	ref := samples[n-1]
	refDistSq := ref.Distance * ref.Distance
	refNormSq := normSq(ref.Position)

	rows := n - 1
	aData := make([]float64, rows*dims)
	bData := make([]float64, rows)
	for i := 0; i < rows; i++ {
		s := samples[i]
		for j := 0; j < dims; j++ {
			aData[i*dims+j] = 2 * (ref.Position[j] - s.Position[j])
		}
		bData[i] = s.Distance*s.Distance - refDistSq - normSq(s.Position) + refNormSq
	}

	a := mat.NewDense(rows, dims, aData)
	b := mat.NewVecDense(rows, bData)

	var qr mat.QR
	qr.Factorize(a)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadGeometry, err)
	}

	out := make([]float64, dims)
	for j := 0; j < dims; j++ {
		out[j] = x.AtVec(j)
	}
	return out, nil
}

// Centroid returns the arithmetic mean of the sample positions, the default
// seed for the nonlinear solver.
func Centroid(samples []Sample, dims int) []float64 {
	out := make([]float64, dims)
	if len(samples) == 0 {
		return out
	}
	for _, s := range samples {
		for j := 0; j < dims && j < len(s.Position); j++ {
			out[j] += s.Position[j]
		}
	}
	for j := range out {
		out[j] /= float64(len(samples))
	}
	return out
}

func normSq(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return sum
}
