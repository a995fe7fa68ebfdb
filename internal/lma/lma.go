// Package lma implements damped nonlinear least squares
// (Levenberg–Marquardt) over a caller-supplied residual function.
//
// The engine is deliberately small: dense Jacobians, diagonal damping and a
// Cholesky solve of the normal equations cover every problem in this module
// (a handful of unknowns, tens to hundreds of residuals).
package lma

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDidNotConverge reports that the iteration budget was exhausted
	// before the convergence criteria were met. The accompanying Result
	// still carries the best parameters found.
	ErrDidNotConverge = errors.New("lma: did not converge within iteration budget")

	// ErrUnderdetermined reports fewer residuals than unknowns.
	ErrUnderdetermined = errors.New("lma: fewer residuals than unknowns")

	// ErrSingular reports an irrecoverably singular normal matrix.
	ErrSingular = errors.New("lma: singular normal matrix")
)

// Problem describes a weighted nonlinear least-squares problem
// minimizing sum_i w_i * r_i(x)^2.
type Problem struct {
	// NumResiduals is the number of residual terms.
	NumResiduals int

	// Eval writes the residual vector for params into out (length
	// NumResiduals).
	Eval func(params, out []float64)

	// Jacobian writes the NumResiduals x len(params) Jacobian of Eval into
	// out. Nil selects forward-difference numeric differentiation.
	Jacobian func(params []float64, out *mat.Dense)

	// Weights holds per-residual weights w_i (inverse variances). Nil means
	// unweighted (all ones).
	Weights []float64
}

// Options bound and tune the iteration.
type Options struct {
	MaxIterations     int
	CostTolerance     float64
	GradientTolerance float64
	InitialDamping    float64
}

// DefaultOptions returns the tuning used throughout the module.
func DefaultOptions() Options {
	return Options{
		MaxIterations:     200,
		CostTolerance:     1e-12,
		GradientTolerance: 1e-12,
		InitialDamping:    1e-3,
	}
}

// Result carries the solution and the material needed to derive a parameter
// covariance from it.
type Result struct {
	Params     []float64
	Cost       float64
	Iterations int

	normal   *mat.SymDense // J^T W J at the solution
	weighted bool
	dof      int
}

// Covariance returns the parameter covariance at the solution. With true
// inverse-variance weights this is (J^T W J)^-1; unweighted problems scale
// the inverse by the residual variance estimate cost/(m-n).
func (r *Result) Covariance() (*mat.SymDense, error) {
	if r.normal == nil {
		return nil, ErrSingular
	}
	n := r.normal.SymmetricDim()
	var chol mat.Cholesky
	if ok := chol.Factorize(r.normal); !ok {
		return nil, ErrSingular
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, ErrSingular
	}
	if !r.weighted {
		scale := 1.0
		if r.dof > 0 {
			scale = r.Cost / float64(r.dof)
		}
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				inv.SetSym(i, j, inv.At(i, j)*scale)
			}
		}
	}
	return &inv, nil
}

// Solve runs Levenberg–Marquardt from x0. On budget exhaustion it returns the
// best result found together with ErrDidNotConverge.
func Solve(p Problem, x0 []float64, opts Options) (*Result, error) {
	n := len(x0)
	m := p.NumResiduals
	if m < n {
		return nil, ErrUnderdetermined
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions().MaxIterations
	}
	if opts.CostTolerance <= 0 {
		opts.CostTolerance = DefaultOptions().CostTolerance
	}
	if opts.GradientTolerance <= 0 {
		opts.GradientTolerance = DefaultOptions().GradientTolerance
	}
	lambda := opts.InitialDamping
	if lambda <= 0 {
		lambda = DefaultOptions().InitialDamping
	}

	x := append([]float64(nil), x0...)
	res := make([]float64, m)
	trialRes := make([]float64, m)
	jac := mat.NewDense(m, n, nil)

	weight := func(i int) float64 {
		if p.Weights == nil {
			return 1.0
		}
		return p.Weights[i]
	}

	cost := func(r []float64) float64 {
		var c float64
		for i, v := range r {
			c += weight(i) * v * v
		}
		return c
	}

	p.Eval(x, res)
	curCost := cost(res)

	normal := mat.NewSymDense(n, nil)
	grad := make([]float64, n)
	step := make([]float64, n)
	trial := make([]float64, n)

	converged := false
	iters := 0
	for ; iters < opts.MaxIterations; iters++ {
		evalJacobian(p, x, res, jac)

		// Normal equations: normal = J^T W J, grad = J^T W r.
		for j := 0; j < n; j++ {
			grad[j] = 0
			for k := j; k < n; k++ {
				normal.SetSym(j, k, 0)
			}
		}
		for i := 0; i < m; i++ {
			w := weight(i)
			for j := 0; j < n; j++ {
				jij := jac.At(i, j)
				grad[j] += w * jij * res[i]
				for k := j; k < n; k++ {
					normal.SetSym(j, k, normal.At(j, k)+w*jij*jac.At(i, k))
				}
			}
		}

		if maxAbs(grad) <= opts.GradientTolerance {
			converged = true
			break
		}

		accepted := false
		for lambda <= 1e12 {
			if !solveDamped(normal, grad, lambda, step) {
				lambda *= 10
				continue
			}
			for j := 0; j < n; j++ {
				trial[j] = x[j] - step[j]
			}
			p.Eval(trial, trialRes)
			trialCost := cost(trialRes)
			if trialCost < curCost {
				improvement := curCost - trialCost
				copy(x, trial)
				copy(res, trialRes)
				prev := curCost
				curCost = trialCost
				lambda = math.Max(lambda/10, 1e-12)
				accepted = true
				if improvement <= opts.CostTolerance*(prev+1e-30) || maxAbs(step) <= 1e-15 {
					converged = true
				}
				break
			}
			lambda *= 10
		}
		if !accepted {
			// Damping saturated without improvement: local minimum.
			converged = true
			break
		}
		if converged {
			break
		}
	}

	// Recompute the normal matrix at the solution for covariance extraction.
	evalJacobian(p, x, res, jac)
	finalNormal := mat.NewSymDense(n, nil)
	for i := 0; i < m; i++ {
		w := weight(i)
		for j := 0; j < n; j++ {
			jij := jac.At(i, j)
			for k := j; k < n; k++ {
				finalNormal.SetSym(j, k, finalNormal.At(j, k)+w*jij*jac.At(i, k))
			}
		}
	}

	result := &Result{
		Params:     x,
		Cost:       curCost,
		Iterations: iters,
		normal:     finalNormal,
		weighted:   p.Weights != nil,
		dof:        m - n,
	}
	if !converged {
		return result, ErrDidNotConverge
	}
	return result, nil
}

// solveDamped solves (A + lambda*diag(A)) step = grad. Returns false when the
// damped system is not positive definite.
func solveDamped(a *mat.SymDense, grad []float64, lambda float64, step []float64) bool {
	n := a.SymmetricDim()
	damped := mat.NewSymDense(n, nil)
	for j := 0; j < n; j++ {
		for k := j; k < n; k++ {
			damped.SetSym(j, k, a.At(j, k))
		}
		d := a.At(j, j)
		if d == 0 {
			d = 1e-12
		}
		damped.SetSym(j, j, d*(1+lambda))
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(damped); !ok {
		return false
	}
	g := mat.NewVecDense(n, append([]float64(nil), grad...))
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, g); err != nil {
		return false
	}
	for j := 0; j < n; j++ {
		step[j] = sol.AtVec(j)
	}
	return true
}

func evalJacobian(p Problem, x, res []float64, out *mat.Dense) {
	if p.Jacobian != nil {
		p.Jacobian(x, out)
		return
	}
	n := len(x)
	m := p.NumResiduals
	pert := make([]float64, n)
	shifted := make([]float64, m)
	copy(pert, x)
	for j := 0; j < n; j++ {
		h := 1e-7 * (1 + math.Abs(x[j]))
		pert[j] = x[j] + h
		p.Eval(pert, shifted)
		for i := 0; i < m; i++ {
			out.Set(i, j, (shifted[i]-res[i])/h)
		}
		pert[j] = x[j]
	}
}

func maxAbs(v []float64) float64 {
	var m float64
	for _, x := range v {
		if a := math.Abs(x); a > m {
			m = a
		}
	}
	return m
}
