package integrators

import (
	"fmt"
	"math"

	"github.com/san-kum/multiphys/internal/dynamo"
)

// Dormand-Prince 5(4) tableau. Row s of dpB builds stage s+1; its last row
// is the 5th-order solution. dpE is the 5th minus the embedded 4th-order
// weights over all seven stages.
var (
	dpA = [7]float64{0, 1.0 / 5, 3.0 / 10, 4.0 / 5, 8.0 / 9, 1, 1}
	dpB = [6][6]float64{
		{1.0 / 5},
		{3.0 / 40, 9.0 / 40},
		{44.0 / 45, -56.0 / 15, 32.0 / 9},
		{19372.0 / 6561, -25360.0 / 2187, 64448.0 / 6561, -212.0 / 729},
		{9017.0 / 3168, -355.0 / 33, 46732.0 / 5247, 49.0 / 176, -5103.0 / 18656},
		{35.0 / 384, 0, 500.0 / 1113, 125.0 / 192, -2187.0 / 6784, 11.0 / 84},
	}
	dpE = [7]float64{
		35.0/384 - 5179.0/57600,
		0,
		500.0/1113 - 7571.0/16695,
		125.0/192 - 393.0/640,
		-2187.0/6784 + 92097.0/339200,
		11.0/84 - 187.0/2100,
		-1.0 / 40,
	}
)

// RK45 is an embedded Dormand-Prince pair. Step integrates a whole interval
// under error control and always lands on t+dt, so a domain can use it
// wherever a fixed-step scheme is expected.
type RK45 struct {
	// Tolerance bounds the scaled local error of each accepted sub-step.
	Tolerance float64
	// MaxSubsteps caps the work per Step; past it the remainder is taken
	// in one unchecked step.
	MaxSubsteps int

	safety   float64
	minScale float64
	maxScale float64

	k       [7]dynamo.State
	scratch dynamo.State
}

func NewRK45() *RK45 {
	return &RK45{
		Tolerance:   1e-8,
		MaxSubsteps: 1000,
		safety:      0.9,
		minScale:    0.2,
		maxScale:    10.0,
	}
}

func (r *RK45) Order() int { return 5 }

func (r *RK45) ensureScratch(n int) {
	if len(r.scratch) == n {
		return
	}
	for i := range r.k {
		r.k[i] = make(dynamo.State, n)
	}
	r.scratch = make(dynamo.State, n)
}

// attempt takes one step of size h and returns the 5th-order solution with
// the scaled error norm of the embedded estimate.
func (r *RK45) attempt(dyn dynamo.System, x dynamo.State, u dynamo.Control, t, h float64) (dynamo.State, float64) {
	n := len(x)
	r.ensureScratch(n)

	copy(r.k[0], dyn.Derive(x, u, t))
	for s := 1; s < 7; s++ {
		row := dpB[s-1]
		for i := 0; i < n; i++ {
			acc := 0.0
			for j := 0; j < s; j++ {
				acc += row[j] * r.k[j][i]
			}
			r.scratch[i] = x[i] + h*acc
		}
		if s == 6 {
			break
		}
		copy(r.k[s], dyn.Derive(r.scratch, u, t+dpA[s]*h))
	}
	next := r.scratch.Clone()
	copy(r.k[6], dyn.Derive(next, u, t+h))

	errMax := 0.0
	for i := 0; i < n; i++ {
		est := 0.0
		for s := 0; s < 7; s++ {
			est += dpE[s] * r.k[s][i]
		}
		scale := math.Max(math.Abs(x[i]), math.Abs(next[i])) + 1e-10
		errMax = math.Max(errMax, math.Abs(h*est)/scale)
	}
	return next, errMax
}

func (r *RK45) nextStep(h, ratio float64) float64 {
	switch {
	case ratio > 1:
		return h * math.Max(r.minScale, r.safety*math.Pow(ratio, -0.25))
	case ratio > 0:
		return h * math.Min(r.maxScale, r.safety*math.Pow(ratio, -0.2))
	default:
		return h * r.maxScale
	}
}

// StepAdaptive takes a single attempt of size dt and suggests the next step
// size. An attempt whose error exceeds tol, or that produced non-finite
// values, returns x unchanged with dynamo.ErrStepRejected.
func (r *RK45) StepAdaptive(dyn dynamo.System, x dynamo.State, u dynamo.Control, t, dt, tol float64) (dynamo.State, float64, error) {
	if tol <= 0 {
		return x, dt, fmt.Errorf("integrators: tolerance must be positive, got %g", tol)
	}
	next, errMax := r.attempt(dyn, x, u, t, dt)
	if !next.IsValid() {
		return x, dt * r.minScale, fmt.Errorf("%w: %w", dynamo.ErrStepRejected, dynamo.ErrInvalidState)
	}
	ratio := errMax / tol
	if ratio > 1 {
		return x, r.nextStep(dt, ratio), dynamo.ErrStepRejected
	}
	return next, r.nextStep(dt, ratio), nil
}

func (r *RK45) Step(dyn dynamo.System, x dynamo.State, u dynamo.Control, t, dt float64) dynamo.State {
	end := t + dt
	h := dt
	for n := 0; t < end; n++ {
		remaining := end - t
		if n >= r.MaxSubsteps {
			x, _ = r.attempt(dyn, x, u, t, remaining)
			break
		}
		last := h >= remaining
		if last {
			h = remaining
		}
		next, errMax := r.attempt(dyn, x, u, t, h)
		if !next.IsValid() {
			h *= r.minScale
			continue
		}
		ratio := errMax / r.Tolerance
		if ratio > 1 {
			h = r.nextStep(h, ratio)
			continue
		}
		x = next
		if last {
			break
		}
		t += h
		h = r.nextStep(h, ratio)
	}
	return x
}
