package conservation

import (
	"sort"

	"github.com/san-kum/multiphys/internal/dynamo"
)

// Operation is one coupling interface as realized over a step. Index 0 is
// the pair source, index 1 the pair target.
type Operation struct {
	Pair       dynamo.CouplingPair
	Kinds      [2]dynamo.DomainKind
	Strength   float64
	Start, End float64

	// Realized[i] is what entered endpoint i from the other endpoint.
	Realized [2]dynamo.Exchange

	Before [2]dynamo.DomainState
	After  [2]dynamo.DomainState
}

func (op Operation) IDs() [2]dynamo.DomainID {
	return [2]dynamo.DomainID{op.Pair.Source, op.Pair.Target}
}

// CouplingStep is everything an enforcer audits about one committed step.
type CouplingStep struct {
	Start, End float64
	Before     map[dynamo.DomainID]dynamo.DomainState
	After      map[dynamo.DomainID]dynamo.DomainState
	// Sources are the internal sources and sinks each domain declared.
	Sources    map[dynamo.DomainID]dynamo.Exchange
	Operations []Operation
}

// NewCouplingStep assembles the audit input from pre-step snapshots, the
// merged step results and the coupling pairs. Pairs joining the same two
// domains collapse into one operation since domains account transfers per
// partner.
func NewCouplingStep(before map[dynamo.DomainID]dynamo.DomainState, results map[dynamo.DomainID]dynamo.DomainStepResult, pairs []dynamo.CouplingPair) CouplingStep {
	step := CouplingStep{
		Before:  before,
		After:   make(map[dynamo.DomainID]dynamo.DomainState, len(results)),
		Sources: make(map[dynamo.DomainID]dynamo.Exchange, len(results)),
	}
	first := true
	for id, r := range results {
		step.Sources[id] = r.Source
		step.After[id] = r.State
		if first || r.StartTime < step.Start {
			step.Start = r.StartTime
		}
		if first || r.EndTime > step.End {
			step.End = r.EndTime
		}
		first = false
	}
	for id, s := range before {
		if _, ok := step.After[id]; !ok {
			step.After[id] = s
		}
	}

	type key struct{ a, b dynamo.DomainID }
	index := make(map[key]int)
	for _, p := range pairs {
		k := key{p.Source, p.Target}
		if k.a > k.b {
			k.a, k.b = k.b, k.a
		}
		if i, ok := index[k]; ok {
			step.Operations[i].Strength += p.Strength
			continue
		}
		a, b := p.Source, p.Target
		op := Operation{
			Pair:     p,
			Kinds:    [2]dynamo.DomainKind{before[a].Kind, before[b].Kind},
			Strength: p.Strength,
			Start:    step.Start,
			End:      step.End,
			Before:   [2]dynamo.DomainState{before[a], before[b]},
			After:    [2]dynamo.DomainState{step.After[a], step.After[b]},
			Realized: [2]dynamo.Exchange{
				results[a].Transfers[b],
				results[b].Transfers[a],
			},
		}
		index[k] = len(step.Operations)
		step.Operations = append(step.Operations, op)
	}
	sort.SliceStable(step.Operations, func(i, j int) bool {
		return step.Operations[i].Pair.String() < step.Operations[j].Pair.String()
	})
	return step
}

// coupled returns the total coupling strength attached to each domain.
func (s CouplingStep) coupled() map[dynamo.DomainID]float64 {
	out := make(map[dynamo.DomainID]float64)
	for _, op := range s.Operations {
		out[op.Pair.Source] += op.Strength
		out[op.Pair.Target] += op.Strength
	}
	return out
}
