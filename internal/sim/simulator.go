package sim

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/metrics"
)

// Observer is notified after every committed step.
type Observer interface {
	OnStep(res StepResult)
}

type ObserverFunc func(res StepResult)

func (f ObserverFunc) OnStep(res StepResult) { f(res) }

func validateRun(cfg RunConfig) error {
	if cfg.Dt <= 0 {
		return fmt.Errorf("dt must be positive, got %f", cfg.Dt)
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %f", cfg.Duration)
	}
	return nil
}

// Run steps the simulation until Duration has elapsed from the current
// time, feeding every committed step to the metrics and observers. The
// final step is shortened to land on the end time. A failed step stops the
// run; the result holds everything committed before it.
func (m *Manager) Run(ctx context.Context, cfg RunConfig, sc dynamo.SpatialContext, ms []metrics.Metric, observers ...Observer) (*RunResult, error) {
	if err := validateRun(cfg); err != nil {
		return nil, err
	}
	if err := m.Start(sc); err != nil {
		return nil, err
	}

	steps := int(math.Ceil(cfg.Duration/cfg.Dt - 1e-9))
	result := &RunResult{
		Steps:    make([]StepResult, 0, steps),
		Times:    make([]float64, 0, steps+1),
		Energy:   make([]float64, 0, steps+1),
		Momentum: make([]dynamo.Vec3, 0, steps+1),
		Metrics:  make(map[string]float64),
	}
	for _, mt := range ms {
		mt.Reset()
	}

	t0 := m.Time()
	end := t0 + cfg.Duration
	sample := metrics.NewSample(t0, m.States())
	result.Times = append(result.Times, t0)
	result.Energy = append(result.Energy, sample.Energy)
	result.Momentum = append(result.Momentum, sample.Momentum)
	for _, mt := range ms {
		mt.Observe(sample)
	}

	var runErr error
	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
		default:
		}
		if runErr != nil {
			break
		}

		dt := cfg.Dt
		if t := m.Time(); end-t < dt {
			dt = end - t
		}
		if dt <= 0 {
			break
		}
		res, err := m.StepSimulation(ctx, dt, sc)
		if err != nil {
			runErr = err
			break
		}

		result.StepsTaken++
		result.Steps = append(result.Steps, res)
		sample = metrics.NewSample(res.End, m.States())
		sample.Correction = correctionMagnitude(res)
		result.Times = append(result.Times, res.End)
		result.Energy = append(result.Energy, sample.Energy)
		result.Momentum = append(result.Momentum, sample.Momentum)
		for _, mt := range ms {
			mt.Observe(sample)
		}
		for _, o := range observers {
			o.OnStep(res)
		}

		if cfg.StopOnViolation && !(res.Energy.Resolved() && res.Momentum.Resolved()) {
			runErr = errors.Join(res.Energy.Err(m.energy.Config().Tolerance), res.Momentum.Err(m.momentum.Config().Tolerance))
			break
		}
	}

	if e0 := result.Energy[0]; e0 != 0 {
		result.EnergyDrift = math.Abs(result.Energy[len(result.Energy)-1]-e0) / math.Abs(e0)
	}
	for _, mt := range ms {
		result.Metrics[mt.Name()] = mt.Value()
	}
	return result, runErr
}

// correctionMagnitude is the total energy correction applied in a step.
func correctionMagnitude(res StepResult) float64 {
	sum := 0.0
	for _, c := range res.Energy.Corrections {
		sum += math.Abs(c.Applied)
	}
	return sum
}
