package sim

import (
	"fmt"
	"strings"

	"github.com/san-kum/multiphys/internal/conservation"
	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/metrics"
	"github.com/san-kum/multiphys/internal/multirate"
	"github.com/san-kum/multiphys/internal/temporal"
)

// Strategy selects how domains are coupled within one global step.
type Strategy int

const (
	// ExplicitCoupling advances domains in a fixed order, each reading the
	// newest partner data. Delegates to the multi-rate stepper.
	ExplicitCoupling Strategy = iota
	// ImplicitCoupling iterates all domains to a mutually consistent
	// end-of-step solution.
	ImplicitCoupling
	// StaggeredCoupling advances pre-declared groups one after another.
	StaggeredCoupling
	// AdaptiveCoupling picks one of the above every step.
	AdaptiveCoupling
)

func (s Strategy) String() string {
	switch s {
	case ImplicitCoupling:
		return "implicit"
	case StaggeredCoupling:
		return "staggered"
	case AdaptiveCoupling:
		return "adaptive"
	default:
		return "explicit"
	}
}

func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "explicit":
		return ExplicitCoupling, nil
	case "implicit":
		return ImplicitCoupling, nil
	case "staggered":
		return StaggeredCoupling, nil
	case "adaptive":
		return AdaptiveCoupling, nil
	}
	return 0, fmt.Errorf("sim: unknown coupling strategy %q", s)
}

type Config struct {
	Strategy Strategy

	// Tolerance bounds the relative residual of implicit iterations.
	Tolerance     float64
	MaxIterations int
	// Parallel advances domains concurrently behind a barrier where the
	// strategy allows it.
	Parallel bool
	// Groups orders domains for staggered coupling. Domains not listed
	// form a final group.
	Groups [][]dynamo.DomainID

	// StrongCoupling is the strength*dt above which adaptive coupling
	// switches to implicit iteration. WeakIterations is the iteration count
	// at or below which it switches back.
	StrongCoupling float64
	WeakIterations int

	Multirate multirate.Config
	Temporal  temporal.Config
	Energy    conservation.Config
	Momentum  conservation.Config
	// StrictConservation rolls a step back when the conservation audit
	// leaves a violation unresolved.
	StrictConservation bool

	Limits metrics.Limits
}

func DefaultConfig() Config {
	return Config{
		Strategy:       ExplicitCoupling,
		Tolerance:      1e-8,
		MaxIterations:  50,
		StrongCoupling: 0.5,
		WeakIterations: 2,
		Multirate:      multirate.DefaultConfig(),
		Temporal:       temporal.DefaultConfig(),
		Energy:         conservation.DefaultConfig(),
		Momentum:       conservation.DefaultConfig(),
		Limits:         metrics.DefaultLimits(),
	}
}

func (c Config) Validate() error {
	if c.Tolerance <= 0 {
		return fmt.Errorf("sim: tolerance must be positive, got %g", c.Tolerance)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("sim: max iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.Strategy < ExplicitCoupling || c.Strategy > AdaptiveCoupling {
		return fmt.Errorf("sim: unknown coupling strategy %d", c.Strategy)
	}
	seen := make(map[dynamo.DomainID]bool)
	for _, g := range c.Groups {
		for _, id := range g {
			if seen[id] {
				return fmt.Errorf("sim: domain %s appears in more than one group", id)
			}
			seen[id] = true
		}
	}
	return nil
}

// Convergence is the outcome of the coupling iteration of one step.
// Explicit strategies report a single converged iteration.
type Convergence struct {
	Converged  bool
	Iterations int
	Tolerance  float64
	Residuals  []float64
}

func (c Convergence) Residual() float64 {
	if len(c.Residuals) == 0 {
		return 0
	}
	return c.Residuals[len(c.Residuals)-1]
}

// StepResult bundles everything one global step produced. The
// conservation and stability reports are advisory unless strict
// conservation is configured.
type StepResult struct {
	Step       int
	Strategy   Strategy
	Start, End float64

	Domains     map[dynamo.DomainID]dynamo.DomainStepResult
	Ratios      map[dynamo.DomainID]int
	Syncs       []temporal.SyncResult
	Convergence Convergence

	Energy    conservation.Report[float64]
	Momentum  conservation.Report[dynamo.Vec3]
	Laws      []conservation.Report[float64]
	Stability metrics.StabilityReport
}

// Clean reports whether the step needed no correction and raised no
// stability warning.
func (r StepResult) Clean() bool {
	if !r.Energy.Clean() || !r.Momentum.Clean() || !r.Stability.Stable {
		return false
	}
	for _, l := range r.Laws {
		if !l.Clean() {
			return false
		}
	}
	return true
}

type RunConfig struct {
	Dt       float64
	Duration float64
	// StopOnViolation ends the run at the first step whose conservation
	// audit left something unresolved.
	StopOnViolation bool
}

type RunResult struct {
	Steps      []StepResult
	Times      []float64
	Energy     []float64
	Momentum   []dynamo.Vec3
	Metrics    map[string]float64
	StepsTaken int
	// EnergyDrift is the relative change of the system energy over the
	// whole run after corrections.
	EnergyDrift float64
}
