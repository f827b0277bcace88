package dynamo

import (
	"math"

	"github.com/san-kum/multiphys/internal/field"
)

// DomainState is an immutable snapshot of a domain at one instant. A new
// snapshot supersedes the previous one; snapshots are never mutated.
type DomainState struct {
	DomainID DomainID
	Kind     DomainKind
	Time     float64
	Step     int

	// Fields holds the coupling fields on the domain grid. Rates holds
	// their time derivatives when the domain can supply them.
	Fields field.Collection
	Rates  map[string][]float64

	Energy      float64
	EnergyForms map[string]float64
	Momentum    Vec3
	Mass        float64

	// Vector is the domain's opaque internal state, kept for rollback.
	Vector State
}

func (s DomainState) Clone() DomainState {
	c := s
	c.Fields = s.Fields.Clone()
	if s.Rates != nil {
		c.Rates = make(map[string][]float64, len(s.Rates))
		for k, v := range s.Rates {
			r := make([]float64, len(v))
			copy(r, v)
			c.Rates[k] = r
		}
	}
	if s.EnergyForms != nil {
		c.EnergyForms = make(map[string]float64, len(s.EnergyForms))
		for k, v := range s.EnergyForms {
			c.EnergyForms[k] = v
		}
	}
	c.Vector = s.Vector.Clone()
	return c
}

// Identical reports whether two snapshots hold bit-identical internal
// state at the same time.
func (s DomainState) Identical(o DomainState) bool {
	return s.DomainID == o.DomainID &&
		math.Float64bits(s.Time) == math.Float64bits(o.Time) &&
		s.Step == o.Step &&
		s.Vector.Equal(o.Vector)
}

// FieldVector concatenates the values of all fields in name order. Used for
// residual and divergence norms.
func (s DomainState) FieldVector() State {
	var out State
	for _, name := range s.Fields.Names() {
		out = append(out, s.Fields[name].Values...)
	}
	return out
}

// Exchange is an amount of conserved quantity.
type Exchange struct {
	Energy   float64
	Momentum Vec3
}

func (e Exchange) Add(o Exchange) Exchange {
	return Exchange{Energy: e.Energy + o.Energy, Momentum: e.Momentum.Add(o.Momentum)}
}

func (e Exchange) Scale(k float64) Exchange {
	return Exchange{Energy: e.Energy * k, Momentum: e.Momentum.Scale(k)}
}

// DomainStepResult describes one committed advancement of a domain.
type DomainStepResult struct {
	DomainID  DomainID
	StartTime float64
	EndTime   float64
	SubSteps  int

	// Transfers is the integrated amount that entered this domain from
	// each partner during the step (negative when it left).
	Transfers map[DomainID]Exchange
	// Source is the integrated internal source (negative for a sink)
	// declared by the domain, e.g. damping or an anchored spring.
	Source Exchange

	State DomainState
}

// Merge folds a later step of the same domain into r.
func (r DomainStepResult) Merge(next DomainStepResult) DomainStepResult {
	if r.DomainID == "" {
		return next
	}
	out := r
	out.EndTime = next.EndTime
	out.SubSteps += next.SubSteps
	out.Transfers = make(map[DomainID]Exchange, len(r.Transfers)+len(next.Transfers))
	for id, e := range r.Transfers {
		out.Transfers[id] = e
	}
	for id, e := range next.Transfers {
		out.Transfers[id] = out.Transfers[id].Add(e)
	}
	out.Source = r.Source.Add(next.Source)
	out.State = next.State
	return out
}

// CorrectionRecord reports what a domain actually applied when asked to
// absorb a conservation correction.
type CorrectionRecord struct {
	DomainID  DomainID
	Requested Exchange
	Applied   Exchange
	Note      string
}
