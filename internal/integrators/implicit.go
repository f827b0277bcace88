package integrators

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/san-kum/multiphys/internal/dynamo"
)

// ImplicitEuler is backward Euler solved with Newton iterations on a
// finite-difference Jacobian. Suited to the small, stiff state vectors of
// lumped domains.
//
// A step whose Newton iteration hits a singular Jacobian or runs out of
// iterations returns a state of NaNs, which callers reject through
// State.IsValid.
type ImplicitEuler struct {
	tol     float64
	maxIter int
}

func NewImplicitEuler() *ImplicitEuler {
	return &ImplicitEuler{tol: 1e-12, maxIter: 20}
}

func (e *ImplicitEuler) Order() int { return 1 }

func (e *ImplicitEuler) Step(dyn dynamo.System, x dynamo.State, u dynamo.Control, t, dt float64) dynamo.State {
	n := len(x)
	t1 := t + dt

	// explicit predictor
	y := x.Add(dyn.Derive(x, u, t).Scale(dt))

	jac := mat.NewDense(n, n, nil)
	g := mat.NewVecDense(n, nil)
	var (
		lu    mat.LU
		delta mat.VecDense
	)
	shifted := make(dynamo.State, n)

	for iter := 0; iter < e.maxIter; iter++ {
		f := dyn.Derive(y, u, t1)
		// residual g(y) = y - x - dt f(y)
		for i := 0; i < n; i++ {
			g.SetVec(i, y[i]-x[i]-dt*f[i])
		}

		for j := 0; j < n; j++ {
			h := 1e-7 * math.Max(1, math.Abs(y[j]))
			copy(shifted, y)
			shifted[j] += h
			fp := dyn.Derive(shifted, u, t1)
			for i := 0; i < n; i++ {
				jac.Set(i, j, -dt*(fp[i]-f[i])/h)
			}
			jac.Set(j, j, jac.At(j, j)+1)
		}

		lu.Factorize(jac)
		if err := lu.SolveVecTo(&delta, false, g); err != nil {
			return diverged(n)
		}
		norm := 0.0
		for i := 0; i < n; i++ {
			y[i] -= delta.AtVec(i)
			norm = math.Max(norm, math.Abs(delta.AtVec(i))/math.Max(1, math.Abs(y[i])))
		}
		if norm < e.tol {
			return y
		}
	}
	return diverged(n)
}

func diverged(n int) dynamo.State {
	out := make(dynamo.State, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
