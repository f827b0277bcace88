package sim

import (
	"context"
	"fmt"
	"math"

	"github.com/san-kum/multiphys/internal/coupling"
	"github.com/san-kum/multiphys/internal/dynamo"
)

// implicit iterates every domain from its committed state to target, each
// iteration coupling against the previous iteration's end-of-step
// solution, until the relative change of the global solution falls below
// the tolerance. Domains update in id order; with Parallel they update
// concurrently from the same frozen estimate, which gives the same result.
// Nothing is committed unless the iteration converges.
func (m *Manager) implicit(ctx context.Context, target float64, sc dynamo.SpatialContext, res *StepResult) error {
	domains := m.Domains()
	tmax := math.Inf(-1)
	for _, d := range domains {
		tmax = math.Max(tmax, d.CurrentTime())
	}
	if tmax-m.Time() > m.cfg.Temporal.TimeTolerance {
		sr, err := m.sync.SynchronizeAllDomains(ctx, domains, tmax, sc)
		res.Syncs = append(res.Syncs, sr)
		if err != nil {
			return err
		}
		for id, r := range sr.Results {
			res.Domains[id] = res.Domains[id].Merge(r)
		}
	}
	dt := target - tmax

	conv := Convergence{Tolerance: m.cfg.Tolerance}
	estimate := make(map[dynamo.DomainID]dynamo.DomainState, len(domains))
	for _, d := range domains {
		estimate[d.ID()] = d.CurrentState()
	}

	index := make(map[dynamo.DomainID]int, len(m.order))
	for i, id := range m.order {
		index[id] = i
	}

	for iter := 1; iter <= m.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		frozen := estimate
		src := func(id dynamo.DomainID, _ float64) (dynamo.DomainState, error) {
			s, ok := frozen[id]
			if !ok {
				return dynamo.DomainState{}, &dynamo.DomainNotFoundError{ID: id, Context: "implicit coupling"}
			}
			return s, nil
		}

		solution := make([]dynamo.DomainState, len(m.order))
		err := dynamo.ForEach(ctx, m.order, m.cfg.Parallel, func(ctx context.Context, id dynamo.DomainID) error {
			d := m.domains[id]
			cd, err := m.assembler.Build(coupling.Receiver{ID: id, Kind: d.Kind(), Grid: d.Grid()}, target, src, sc)
			if err != nil {
				return err
			}
			s, err := d.UpdateWithCoupledSolution(ctx, dt, cd, sc)
			if err != nil {
				return &dynamo.StepError{Domain: id, Time: tmax, Wrapped: err}
			}
			solution[index[id]] = s
			return nil
		})
		if err != nil {
			return err
		}

		next := make(map[dynamo.DomainID]dynamo.DomainState, len(solution))
		for _, s := range solution {
			next[s.DomainID] = s
		}
		r := residual(estimate, next, m.order)
		conv.Iterations = iter
		conv.Residuals = append(conv.Residuals, r)
		estimate = next
		m.logger.Printf("implicit t=%.6g iter=%d residual=%.3e", target, iter, r)

		if r <= m.cfg.Tolerance {
			conv.Converged = true
			break
		}
	}
	res.Convergence = conv
	if !conv.Converged {
		return &dynamo.ConvergenceError{
			Iterations: conv.Iterations,
			Tolerance:  conv.Tolerance,
			Residuals:  append([]float64(nil), conv.Residuals...),
		}
	}

	for _, id := range m.order {
		r, err := m.domains[id].FinalizeStepWithSolution(estimate[id])
		if err != nil {
			return fmt.Errorf("sim: finalize %s: %w", id, err)
		}
		res.Domains[id] = res.Domains[id].Merge(r)
		res.Ratios[id] = 1
		m.sync.Record(r.State)
	}
	return nil
}

// residual is the norm of the change between two global solution
// estimates relative to the norm of the newer one.
func residual(prev, next map[dynamo.DomainID]dynamo.DomainState, order []dynamo.DomainID) float64 {
	var diff, norm float64
	for _, id := range order {
		a, b := prev[id].Vector, next[id].Vector
		for i, v := range b {
			d := v
			if i < len(a) {
				d -= a[i]
			}
			diff += d * d
			norm += v * v
		}
	}
	return math.Sqrt(diff) / math.Max(math.Sqrt(norm), 1e-300)
}
