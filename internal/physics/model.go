package physics

import (
	"fmt"

	"github.com/san-kum/multiphys/internal/dynamo"
	"github.com/san-kum/multiphys/internal/field"
)

// Model is the physics of one domain: an ODE right-hand side over a private
// state vector plus the hooks the coupling core needs.
type Model interface {
	Grid() field.Grid
	StateDim() int
	InitialState() dynamo.State

	// Derive returns dx/dt given partner loads already mapped onto the
	// domain grid.
	Derive(x dynamo.State, loads dynamo.CouplingData, t float64) dynamo.State

	// Exchange returns, per partner, the rate at which energy and momentum
	// enter the domain through that interface.
	Exchange(x dynamo.State, loads dynamo.CouplingData, t float64) map[dynamo.DomainID]dynamo.Exchange

	Fields(x dynamo.State) field.Collection
	Energy(x dynamo.State) float64
	EnergyForms(x dynamo.State) map[string]float64
	Momentum(x dynamo.State) dynamo.Vec3
	Mass() float64

	// ShiftEnergy and ShiftMomentum return a state carrying the requested
	// extra amount, plus the amount actually representable.
	ShiftEnergy(x dynamo.State, delta float64) (dynamo.State, float64)
	ShiftMomentum(x dynamo.State, delta dynamo.Vec3) (dynamo.State, dynamo.Vec3)
}

// Sourced is implemented by models with internal sources or sinks
// (damping, anchored springs, reactions without a thermal partner).
type Sourced interface {
	Source(x dynamo.State, loads dynamo.CouplingData, t float64) dynamo.Exchange
}

// Configurable models expose their physical parameters by name.
type Configurable interface {
	GetParams() map[string]float64
	SetParam(name string, value float64) error
}

func readParams(table map[string]*float64) map[string]float64 {
	out := make(map[string]float64, len(table))
	for k, p := range table {
		out[k] = *p
	}
	return out
}

func writeParam(table map[string]*float64, name string, value float64) error {
	p, ok := table[name]
	if !ok {
		return fmt.Errorf("unknown param: %s", name)
	}
	*p = value
	return nil
}

const accWidth = 4 // energy + three momentum components

// coupledSystem appends integrated exchange accumulators to the model state
// so transfers are integrated by the same scheme as the state itself.
type coupledSystem struct {
	model    Model
	loads    dynamo.CouplingData
	partners []dynamo.DomainID
	n        int
}

func newCoupledSystem(m Model, loads dynamo.CouplingData) *coupledSystem {
	return &coupledSystem{model: m, loads: loads, partners: loads.Partners(), n: m.StateDim()}
}

func (s *coupledSystem) StateDim() int   { return s.n + accWidth*(len(s.partners)+1) }
func (s *coupledSystem) ControlDim() int { return 0 }

func (s *coupledSystem) Derive(x dynamo.State, _ dynamo.Control, t float64) dynamo.State {
	inner := x[:s.n]
	dx := make(dynamo.State, s.StateDim())
	copy(dx, s.model.Derive(inner, s.loads, t))

	ex := s.model.Exchange(inner, s.loads, t)
	for k, id := range s.partners {
		putExchange(dx[s.n+accWidth*k:], ex[id])
	}
	if src, ok := s.model.(Sourced); ok {
		putExchange(dx[s.n+accWidth*len(s.partners):], src.Source(inner, s.loads, t))
	}
	return dx
}

func (s *coupledSystem) augment(x dynamo.State) dynamo.State {
	xa := make(dynamo.State, s.StateDim())
	copy(xa, x)
	return xa
}

// split separates the model state from the integrated accumulators.
func (s *coupledSystem) split(xa dynamo.State) (dynamo.State, map[dynamo.DomainID]dynamo.Exchange, dynamo.Exchange) {
	x := xa[:s.n].Clone()
	transfers := make(map[dynamo.DomainID]dynamo.Exchange, len(s.partners))
	for k, id := range s.partners {
		transfers[id] = getExchange(xa[s.n+accWidth*k:])
	}
	return x, transfers, getExchange(xa[s.n+accWidth*len(s.partners):])
}

func putExchange(dst dynamo.State, e dynamo.Exchange) {
	dst[0] = e.Energy
	dst[1], dst[2], dst[3] = e.Momentum[0], e.Momentum[1], e.Momentum[2]
}

func getExchange(src dynamo.State) dynamo.Exchange {
	return dynamo.Exchange{Energy: src[0], Momentum: dynamo.Vec3{src[1], src[2], src[3]}}
}

// partnerField looks up a named field contributed by one partner.
func partnerField(in dynamo.CouplingInput, name string) (*field.Field, bool) {
	if in.Fields == nil {
		return nil, false
	}
	return in.Fields.Get(name)
}

// cellValue reads cell i of a partner field mapped onto the receiving grid,
// falling back to the field mean when the mapping produced a different size.
func cellValue(f *field.Field, i int) float64 {
	if i < len(f.Values) && len(f.Values) > 1 {
		return f.Values[i]
	}
	return f.Mean()
}

// meanField averages a named field over every partner supplying it.
func meanField(loads dynamo.CouplingData, name string) (float64, int) {
	sum, n := 0.0, 0
	for _, id := range loads.Partners() {
		if f, ok := partnerField(loads[id], name); ok {
			sum += f.Mean()
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

func uniform(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
